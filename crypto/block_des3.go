package crypto

import (
	"crypto/des"
	"crypto/rand"
)

func init() {
	Register(&CapabilityDescriptor{
		ID:        AlgoDES3,
		Name:      "3DES",
		Type:      TypeConventional,
		MinKeyLen: 24,
		DefKeyLen: 24,
		MaxKeyLen: 24,
		BlockSize: des.BlockSize,
		Modes:     []Mode{ModeECB, ModeCBC, ModeCFB, ModeOFB},
		SelfTest:  selfTestDES3,
	})
}

func selfTestDES3() error {
	key := make([]byte, 24)
	for i := range key {
		key[i] = byte(i + 1)
	}
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return wrapf("selfTestDES3", ErrorFailed, "keysetup", err)
	}
	iv := make([]byte, des.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return wrapf("selfTestDES3", ErrorFailed, "rand", err)
	}
	plain := []byte("01234567")
	mc := newModeCrypter(block)
	ct := make([]byte, len(plain))
	ivCopy := append([]byte(nil), iv...)
	mc.cbcEncrypt(ct, plain, ivCopy)
	if !catastrophicCheck(plain, ct) {
		return errf("selfTestDES3", ErrorFailed, "catastrophic")
	}
	pt := make([]byte, len(ct))
	ivCopy = append([]byte(nil), iv...)
	mc.cbcDecrypt(pt, ct, ivCopy)
	for i := range plain {
		if pt[i] != plain[i] {
			return errf("selfTestDES3", ErrorFailed, "roundtrip")
		}
	}
	return nil
}

// NewDES3Block constructs the opaque key-schedule object stored in a
// Context's keySchedule field.
func NewDES3Block(key []byte) (interface{}, error) {
	b, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, wrapf("NewDES3Block", ErrorWrongKey, "keysetup", err)
	}
	return b, nil
}
