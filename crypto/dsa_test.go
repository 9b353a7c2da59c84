package crypto

import (
	"crypto/sha1"
	"math/big"
	"testing"
)

// TestDSAFIPS186Sample is the FIPS 186 Appendix 5 known-answer test:
// fixed domain parameters, fixed private/public key, and a fixed
// per-signature secret k, checked against the published (r, s) pair.
func TestDSAFIPS186Sample(t *testing.T) {
	hex := func(s string) *big.Int {
		v, ok := new(big.Int).SetString(s, 16)
		if !ok {
			t.Fatalf("bad hex literal %q", s)
		}
		return v
	}

	p := hex("8df2a494492276aa3d25759bb06869cbeac0d83afb8d0cf7cbb8324f0d7882e" +
		"5d0762fc5b7210eafc2e9adac32ab7aac49693dfbf83724c2ec0736ee31c80291")
	q := hex("c773218c737ec8ee993b4f2ded30f48edace915f")
	g := hex("626d027839ea0a13413163a55b4cb500299d5522956cefcb3bff10f399ce2c2e" +
		"71cb9de5fa24babf58e5b79521925c9cc42e9f6f464b088cc572af53e6d78802")
	x := hex("2070b3223dba372fde1c0ffc7b2e3b498b260614")
	y := hex("19131871d75b1612a819f29d78d1b0d7346f7aa77bb62a859bfd6c5675da9d21" +
		"2d3a36ef1672ef660b8c7c255cc0ec74858fba33f44c06699630a76b030ee333")
	k := hex("358dad571462710f50e254cf1a376b2bdeaadfbf")
	wantR := hex("8bac1ab66410435cb7181f95b16ab97c92b341c0")
	wantS := hex("41e2345f1f56df2458f426d155b4ba2db6dcd8c8")

	ctx, err := NewContext(AlgoDSA, 0, "fips186-sample")
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	if err := SetDSAKeyComponents(ctx, p, q, g, x, y); err != nil {
		t.Fatalf("SetDSAKeyComponents: %v", err)
	}

	h := sha1.Sum([]byte("abc"))
	r, s, err := DSASignWithK(ctx, h[:], k)
	if err != nil {
		t.Fatalf("DSASignWithK: %v", err)
	}
	if r.Cmp(wantR) != 0 {
		t.Errorf("r = %x, want %x", r, wantR)
	}
	if s.Cmp(wantS) != 0 {
		t.Errorf("s = %x, want %x", s, wantS)
	}

	ok, err := DSAVerify(ctx, h[:], r, s)
	if err != nil {
		t.Fatalf("DSAVerify: %v", err)
	}
	if !ok {
		t.Error("DSAVerify rejected the known-answer signature")
	}
}
