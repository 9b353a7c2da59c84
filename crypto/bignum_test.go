package crypto

import (
	"math/big"
	"testing"
)

func TestMontgomeryFormExpMatchesPlainExp(t *testing.T) {
	n := big.NewInt(3233) // 61 * 53, classic textbook RSA modulus
	base := big.NewInt(65)
	exp := big.NewInt(17)
	mf := NewMontgomeryForm(n)
	got := mf.Exp(base, exp)
	want := new(big.Int).Exp(base, exp, n)
	if got.Cmp(want) != 0 {
		t.Fatalf("Exp = %v, want %v", got, want)
	}
}

func TestModInverse(t *testing.T) {
	n := big.NewInt(3233)
	a := big.NewInt(17)
	inv, ok := modInverse(a, n)
	if !ok {
		t.Fatal("expected an inverse to exist")
	}
	check := new(big.Int).Mul(a, inv)
	check.Mod(check, n)
	if check.Cmp(bigOne) != 0 {
		t.Fatalf("a*inv mod n = %v, want 1", check)
	}
}

func TestModInverseNoInverse(t *testing.T) {
	// gcd(4, 8) == 4, so 4 has no inverse mod 8.
	if _, ok := modInverse(big.NewInt(4), big.NewInt(8)); ok {
		t.Fatal("expected no inverse for gcd(4,8) != 1")
	}
}

func TestGCD(t *testing.T) {
	if got := gcd(big.NewInt(48), big.NewInt(18)); got.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("gcd(48,18) = %v, want 6", got)
	}
}
