package crypto

import (
	"bytes"
	"crypto/aes"
	"testing"
)

func newTestAESBlock(t *testing.T) (*modeCrypter, []byte) {
	t.Helper()
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	iv := make([]byte, aes.BlockSize)
	for i := range iv {
		iv[i] = byte(0x40 + i)
	}
	return newModeCrypter(block), iv
}

func TestECBRoundTrip(t *testing.T) {
	mc, _ := newTestAESBlock(t)
	plain := []byte("exactly16bytes!!exactly16bytes!!")[:32]
	ct := make([]byte, len(plain))
	mc.ecbEncrypt(ct, plain)
	pt := make([]byte, len(plain))
	mc.ecbDecrypt(pt, ct)
	if !bytes.Equal(pt, plain) {
		t.Fatalf("ECB round trip mismatch: got %x want %x", pt, plain)
	}
}

func TestCBCRoundTrip(t *testing.T) {
	mc, iv := newTestAESBlock(t)
	plain := []byte("0123456789ABCDEF0123456789ABCDEF")[:32]
	ct := make([]byte, len(plain))
	ivEnc := append([]byte(nil), iv...)
	mc.cbcEncrypt(ct, plain, ivEnc)

	pt := make([]byte, len(plain))
	ivDec := append([]byte(nil), iv...)
	mc.cbcDecrypt(pt, ct, ivDec)
	if !bytes.Equal(pt, plain) {
		t.Fatalf("CBC round trip mismatch: got %x want %x", pt, plain)
	}
}

func TestCFBRoundTripAcrossChunkBoundaries(t *testing.T) {
	mc, iv := newTestAESBlock(t)
	plain := []byte("this message is not block aligned at all, 41 bytes")

	streamEnc := append([]byte(nil), iv...)
	ivCountEnc := 0
	ct := make([]byte, len(plain))
	// Feed in uneven chunks to exercise the ivCount carry across calls.
	mc.cfbEncrypt(ct[:5], plain[:5], streamEnc, &ivCountEnc)
	mc.cfbEncrypt(ct[5:20], plain[5:20], streamEnc, &ivCountEnc)
	mc.cfbEncrypt(ct[20:], plain[20:], streamEnc, &ivCountEnc)

	streamDec := append([]byte(nil), iv...)
	ivCountDec := 0
	pt := make([]byte, len(ct))
	mc.cfbDecrypt(pt[:5], ct[:5], streamDec, &ivCountDec)
	mc.cfbDecrypt(pt[5:20], ct[5:20], streamDec, &ivCountDec)
	mc.cfbDecrypt(pt[20:], ct[20:], streamDec, &ivCountDec)

	if !bytes.Equal(pt, plain) {
		t.Fatalf("CFB round trip mismatch: got %q want %q", pt, plain)
	}
}

func TestOFBIsSelfInverse(t *testing.T) {
	mc, iv := newTestAESBlock(t)
	plain := []byte("OFB keystream does not depend on ciphertext at all")

	streamEnc := append([]byte(nil), iv...)
	ivCount := 0
	ct := make([]byte, len(plain))
	mc.ofbCrypt(ct, plain, streamEnc, &ivCount)

	streamDec := append([]byte(nil), iv...)
	ivCount = 0
	pt := make([]byte, len(ct))
	mc.ofbCrypt(pt, ct, streamDec, &ivCount)

	if !bytes.Equal(pt, plain) {
		t.Fatalf("OFB round trip mismatch: got %q want %q", pt, plain)
	}
}

func TestCatastrophicCheckCatchesIdentityPassthrough(t *testing.T) {
	data := []byte("not actually encrypted at all")
	if catastrophicCheck(data, data) {
		t.Fatal("expected catastrophicCheck to flag plaintext==ciphertext")
	}
}

func TestCatastrophicCheckAcceptsRealCiphertext(t *testing.T) {
	mc, iv := newTestAESBlock(t)
	plain := []byte("0123456789ABCDEF")
	ct := make([]byte, len(plain))
	mc.cbcEncrypt(ct, plain, append([]byte(nil), iv...))
	if !catastrophicCheck(plain, ct) {
		t.Fatal("expected catastrophicCheck to pass for real ciphertext")
	}
}
