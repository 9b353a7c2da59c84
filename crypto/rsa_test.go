package crypto

import (
	"bytes"
	"math/big"
	"testing"
)

// A fixed 512-bit RSA key with public exponent e=0x11 (17), matching
// the component layout lib_kg.c's self-test expects (n, e, d, p, q, u,
// e1, e2). Verified once (offline, not regenerated at test time) to
// round trip {00}^58 || "abcde" under the same CRT recombination
// rsaPrivateCRT performs.
var (
	rsaKAT512N  = mustHexBig("a02e68f46254f2f2f582466bfc5dcd16f0f35ebca70731ea38328032926302def069c183d04c1e859df60235d76e6f832ef1ecb7d47c2d854edbcbf08940b205")
	rsaKAT512E  = big.NewInt(0x11)
	rsaKAT512D  = mustHexBig("1c446cdfd51e0cc1769e84e5e13dbac7d02af299c31f63295536169f833ea6270f8f7875c8693dcd1a27bd32f75c206d054010915125cfb053cf05058b320971")
	rsaKAT512P  = mustHexBig("e5c542aa50c166cfc9e8b9381bcb43194d6d547198f307ebd7bc006488c8f225")
	rsaKAT512Q  = mustHexBig("b2777ee8ba8baed63fd6c3879743ca0019198fb96fb2e2079c3559c1ebb18a61")
	rsaKAT512U  = mustHexBig("4a6b937cbc4c4c8150f3690d6960382a2a6b8d32a22998fd2b183b4c2f853c8")
	rsaKAT512E1 = mustHexBig("1b0825f5eb620c18721b6115a8eabc9990a37358a8950ffda0e8f0fcc4cc58b9")
	rsaKAT512E2 = mustHexBig("497c7f8d0184cf856594aadd7a85532d3782fef200d12fe50415f7c851fdcf91")
)

func mustHexBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("bad hex literal: " + s)
	}
	return v
}

func rsaKAT512Probe() []byte {
	return append(make([]byte, 58), "abcde"...)
}

func TestRSALoadedKeyRoundTrip(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	if err := SetRSAKeyComponents(ctx, rsaKAT512N, rsaKAT512E, rsaKAT512D,
		rsaKAT512P, rsaKAT512Q, rsaKAT512U, rsaKAT512E1, rsaKAT512E2); err != nil {
		t.Fatalf("SetRSAKeyComponents: %v", err)
	}

	plain := rsaKAT512Probe()
	ct, err := RSAEncrypt(ctx, plain)
	if err != nil {
		t.Fatalf("RSAEncrypt: %v", err)
	}
	pt, err := RSADecrypt(ctx, ct)
	if err != nil {
		t.Fatalf("RSADecrypt: %v", err)
	}
	// RSADecrypt returns big.Int.Bytes(), which drops the leading
	// zero bytes of the {00}^58 || "abcde" probe; compare numerically.
	if new(big.Int).SetBytes(pt).Cmp(new(big.Int).SetBytes(plain)) != 0 {
		t.Fatalf("round trip mismatch: got %x want (numeric) %x", pt, plain)
	}
}

func TestRSALoadedKeyRoundTripBlinded(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	ctx.setFlag(FlagSideChannelProtection)

	if err := SetRSAKeyComponents(ctx, rsaKAT512N, rsaKAT512E, rsaKAT512D,
		rsaKAT512P, rsaKAT512Q, rsaKAT512U, rsaKAT512E1, rsaKAT512E2); err != nil {
		t.Fatalf("SetRSAKeyComponents: %v", err)
	}

	plain := rsaKAT512Probe()
	ct, err := RSAEncrypt(ctx, plain)
	if err != nil {
		t.Fatalf("RSAEncrypt: %v", err)
	}
	pt, err := RSADecrypt(ctx, ct)
	if err != nil {
		t.Fatalf("RSADecrypt (blinded): %v", err)
	}
	if new(big.Int).SetBytes(pt).Cmp(new(big.Int).SetBytes(plain)) != 0 {
		t.Fatalf("blinded round trip mismatch: got %x want (numeric) %x", pt, plain)
	}
}

func TestRSAGenerateAndRoundTrip(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}

	plain := []byte("hello rsa")
	ct, err := RSAEncrypt(ctx, plain)
	if err != nil {
		t.Fatalf("RSAEncrypt: %v", err)
	}
	pt, err := RSADecrypt(ctx, ct)
	if err != nil {
		t.Fatalf("RSADecrypt: %v", err)
	}
	if !bytes.Equal(pt, plain) {
		t.Fatalf("round trip mismatch: got %x want %x", pt, plain)
	}
}

func TestRSABlindedDecryptMatchesUnblinded(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}

	plain := []byte("blinding probe")
	ct, err := RSAEncrypt(ctx, plain)
	if err != nil {
		t.Fatalf("RSAEncrypt: %v", err)
	}
	unblinded, err := RSADecrypt(ctx, ct)
	if err != nil {
		t.Fatalf("RSADecrypt (unblinded): %v", err)
	}

	ctx.setFlag(FlagSideChannelProtection)
	blinded, err := RSADecrypt(ctx, ct)
	if err != nil {
		t.Fatalf("RSADecrypt (blinded): %v", err)
	}
	if !bytes.Equal(unblinded, blinded) {
		t.Fatalf("blinded decrypt mismatch: got %x want %x", blinded, unblinded)
	}
}

func TestRSAGenerateRejectsUndersizedKey(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 64, MinSieveSize, token); err == nil {
		t.Fatal("expected error for undersized RSA key")
	}
}

func TestRSADecryptRejectsOutOfRangeCiphertext(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	n := ctx.pkc.Params["n"]
	if _, err := RSADecrypt(ctx, n.Bytes()); err == nil {
		t.Fatal("expected error for ciphertext >= n")
	}
}

func TestRSAKeyGenerationHonorsCancelToken(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	token := NewCancelToken()
	token.Request()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err == nil {
		t.Fatal("expected error when token is pre-cancelled")
	}
}
