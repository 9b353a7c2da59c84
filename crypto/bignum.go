package crypto

import "math/big"

// MontgomeryForm names the modulus a set of exponentiations is
// performed against, per spec §3 ("Montgomery contexts for n, p, q").
//
// Grounded on DESIGN NOTES' "bignum workspace reuse" guidance: the C
// source precomputes a BN_MONT_CTX per modulus and reuses it across
// calls to avoid recomputing Barrett/Montgomery reduction constants.
// math/big.Int.Exp already performs Montgomery reduction internally
// whenever the modulus is odd (see math/big's nat.expNNMontgomery), so
// there is no separate reduction-constant cache to maintain in Go; what
// the original cached is recomputed for free on every Exp call. This
// type exists purely so that call sites can name "exponentiation mod n"
// the same way the source does, which keeps rsa.go/dlp.go readable and
// gives self-tests a single place to assert the modulus is odd (a
// precondition of Montgomery reduction, violated only by pathological
// generated keys).
type MontgomeryForm struct {
	N *big.Int
}

// NewMontgomeryForm records modulus n for later exponentiations.
func NewMontgomeryForm(n *big.Int) *MontgomeryForm {
	return &MontgomeryForm{N: new(big.Int).Set(n)}
}

// Exp computes base^exp mod m.N.
func (m *MontgomeryForm) Exp(base, exp *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, m.N)
}

var (
	bigZero = big.NewInt(0)
	bigOne  = big.NewInt(1)
	bigTwo  = big.NewInt(2)
)

// modInverse computes a^-1 mod n, returning (nil, false) if a has no
// inverse (gcd(a,n) != 1).
func modInverse(a, n *big.Int) (*big.Int, bool) {
	inv := new(big.Int).ModInverse(a, n)
	if inv == nil {
		return nil, false
	}
	return inv, true
}

// gcd returns the greatest common divisor of a and b.
func gcd(a, b *big.Int) *big.Int {
	return new(big.Int).GCD(nil, nil, a, b)
}
