package crypto

import (
	"crypto/aes"
	"crypto/rand"
)

func init() {
	Register(&CapabilityDescriptor{
		ID:        AlgoAES,
		Name:      "AES",
		Type:      TypeConventional,
		MinKeyLen: 16,
		DefKeyLen: 32,
		MaxKeyLen: 32,
		BlockSize: aes.BlockSize,
		Modes:     []Mode{ModeECB, ModeCBC, ModeCFB, ModeOFB},
		SelfTest:  selfTestAES,
	})
}

// aesKAT128 is the FIPS-197 Appendix B/C.1 known-answer test for
// AES-128: key 000102030405060708090A0B0C0D0E0F, plaintext
// 00112233445566778899AABBCCDDEEFF, ciphertext
// 69C4E0D86A7B0430D8CDB78070B4C55A.
var (
	aesKAT128Key = []byte{
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F,
	}
	aesKAT128Plain = []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF,
	}
	aesKAT128Cipher = []byte{
		0x69, 0xC4, 0xE0, 0xD8, 0x6A, 0x7B, 0x04, 0x30,
		0xD8, 0xCD, 0xB7, 0x80, 0x70, 0xB4, 0xC5, 0x5A,
	}
)

// selfTestAES exercises the FIPS-197 ECB known-answer test over the
// engine's own mode driver, then a CBC round trip against an arbitrary
// block, satisfying P4/S1.
func selfTestAES() error {
	katBlock, err := aes.NewCipher(aesKAT128Key)
	if err != nil {
		return wrapf("selfTestAES", ErrorFailed, "keysetup", err)
	}
	katMC := newModeCrypter(katBlock)

	ct := make([]byte, len(aesKAT128Plain))
	katMC.ecbEncrypt(ct, aesKAT128Plain)
	for i := range aesKAT128Cipher {
		if ct[i] != aesKAT128Cipher[i] {
			return errf("selfTestAES", ErrorFailed, "ecb KAT mismatch")
		}
	}
	pt := make([]byte, len(ct))
	katMC.ecbDecrypt(pt, ct)
	for i := range aesKAT128Plain {
		if pt[i] != aesKAT128Plain[i] {
			return errf("selfTestAES", ErrorFailed, "ecb KAT roundtrip")
		}
	}

	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return wrapf("selfTestAES", ErrorFailed, "keysetup", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return wrapf("selfTestAES", ErrorFailed, "rand", err)
	}
	plain := []byte("0123456789ABCDEF")
	mc := newModeCrypter(block)
	ct = make([]byte, len(plain))
	ivCopy := append([]byte(nil), iv...)
	mc.cbcEncrypt(ct, plain, ivCopy)
	if !catastrophicCheck(plain, ct) {
		return errf("selfTestAES", ErrorFailed, "catastrophic")
	}
	pt = make([]byte, len(ct))
	ivCopy = append([]byte(nil), iv...)
	mc.cbcDecrypt(pt, ct, ivCopy)
	for i := range plain {
		if pt[i] != plain[i] {
			return errf("selfTestAES", ErrorFailed, "roundtrip")
		}
	}
	return nil
}

// NewAESBlock constructs the opaque key-schedule object stored in a
// Context's keySchedule field.
func NewAESBlock(key []byte) (interface{}, error) {
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrapf("NewAESBlock", ErrorWrongKey, "keysetup", err)
	}
	return b, nil
}
