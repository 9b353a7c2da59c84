package crypto

import (
	"crypto/sha256"
	"testing"
)

func TestRSASignVerifyRoundTrip(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	digest := sha256.Sum256([]byte("message to sign"))
	sig, err := RSASign(ctx, digest[:])
	if err != nil {
		t.Fatalf("RSASign: %v", err)
	}
	ok, err := RSAVerify(ctx, digest[:], sig)
	if err != nil {
		t.Fatalf("RSAVerify: %v", err)
	}
	if !ok {
		t.Fatal("signature failed to verify")
	}
}

func TestRSASignRejectsUnrecognisedDigestLength(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	if _, err := RSASign(ctx, make([]byte, sslRawSignatureLen)); err == nil {
		t.Fatal("expected error for 36-byte digest when AllowSSLRawSignatureLength is false")
	}
}

func TestRSASignAcceptsSSLRawLengthWhenEnabled(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}

	AllowSSLRawSignatureLength = true
	defer func() { AllowSSLRawSignatureLength = false }()

	digest := make([]byte, sslRawSignatureLen)
	for i := range digest {
		digest[i] = byte(i)
	}
	sig, err := RSASign(ctx, digest)
	if err != nil {
		t.Fatalf("RSASign: %v", err)
	}
	ok, err := RSAVerify(ctx, digest, sig)
	if err != nil {
		t.Fatalf("RSAVerify: %v", err)
	}
	if !ok {
		t.Fatal("SSL-carveout-length signature failed to verify")
	}
}

func TestRSAMarshalUnmarshalPublicKeyRoundTrip(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	der, err := ctx.pkc.Marshal(ctx.pkc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	other, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer other.Close()
	if err := other.pkc.Unmarshal(other.pkc, der); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if other.pkc.Params["n"].Cmp(ctx.pkc.Params["n"]) != 0 {
		t.Fatal("unmarshalled modulus does not match original")
	}
	if other.pkc.Params["e"].Cmp(ctx.pkc.Params["e"]) != 0 {
		t.Fatal("unmarshalled exponent does not match original")
	}
}
