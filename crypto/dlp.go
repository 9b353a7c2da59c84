package crypto

import (
	"crypto/rand"
	"math/big"
)

// dlpExpSizeAN, dlpExpSizeAD, dlpExpSizeM, dlpExpSizeTX, dlpExpSizeTY
// are the exact constants from lib_kg.c's getDLPexpSize(), reproduced
// verbatim per spec §6 Open Question resolution (OQ naming the
// function directly): the formula is a quadratic fit below TX bits and
// linear above it, chosen empirically to match the "Lenstra-Verheul"
// guidance on safe private-exponent size relative to modulus size.
const (
	dlpExpSizeAN = 1
	dlpExpSizeAD = 3
	dlpExpSizeM  = 8
	dlpExpSizeTX = 3840
	dlpExpSizeTY = 297
)

// getDLPExpSize returns the bit length of the private exponent x for a
// DLP modulus of the given bit length, floored at 160 bits. Below TX
// bits the safe exponent size grows quadratically with the modulus
// size; above it, growth flattens to linear. The two branches are
// anchored to meet at (TX, TY).
func getDLPExpSize(primeBits int) int {
	var size int
	if primeBits < dlpExpSizeTX {
		size = (dlpExpSizeTY * dlpExpSizeAN * primeBits * primeBits) /
			(dlpExpSizeAD * dlpExpSizeTX * dlpExpSizeTX)
	} else {
		size = dlpExpSizeTY + (primeBits-dlpExpSizeTX)/dlpExpSizeM
	}
	if size < 160 {
		size = 160
	}
	return size
}

// DLPParams holds the shared (p, q, g) domain parameters used by
// DSA/DH/Elgamal, per spec §3/§4.4.
type DLPParams struct {
	P, Q, G *big.Int
}

// limLeePoolCap bounds the growable prime pool used by the Lim-Lee
// composite-prime construction, per spec §4.4.
const limLeePoolCap = 128

// GenerateDLPParams builds shared (p, q, g) domain parameters using the
// Lim-Lee construction: p = 2*q*prod(factors) + 1, where factors is a
// combination of primes drawn from a growable pool, chosen so that p
// has exactly pBits bits, per spec §4.4.
func GenerateDLPParams(pBits, qBits int, sieveSize int, token *CancelToken) (*DLPParams, error) {
	sieve := NewSieve(sieveSize)

	q, err := FindProbablePrime(qBits, sieve, token)
	if err != nil {
		return nil, wrapf("GenerateDLPParams", ErrorFailed, "q", err)
	}

	pool := make([]*big.Int, 0, limLeePoolCap)
	factorBits := 80 // per-factor size; small primes accumulate to fill pBits-qBits-1

	var p *big.Int
	for {
		if token.Aborted() {
			return nil, errf("GenerateDLPParams", AsyncAborted, "")
		}
		for len(pool) < limLeePoolCap {
			f, err := FindProbablePrime(factorBits, sieve, token)
			if err != nil {
				return nil, wrapf("GenerateDLPParams", ErrorFailed, "factor", err)
			}
			pool = append(pool, f)

			candidate := new(big.Int).Mul(bigTwo, q)
			for _, pf := range pool {
				candidate.Mul(candidate, pf)
			}
			candidate.Add(candidate, bigOne)
			if candidate.BitLen() < pBits {
				continue
			}
			if candidate.BitLen() > pBits {
				// Overshot: drop the last factor and grow a smaller one
				// on the next iteration instead.
				pool = pool[:len(pool)-1]
				factorBits -= 8
				if factorBits < 8 {
					factorBits = 8
				}
				continue
			}
			if !sieve.QuickReject(candidate) {
				pool = pool[:len(pool)-1]
				continue
			}
			ok, aborted := MillerRabin(candidate, noPrimeChecks(pBits), token)
			if aborted {
				return nil, errf("GenerateDLPParams", AsyncAborted, "")
			}
			if ok {
				p = candidate
				break
			}
			pool = pool[:len(pool)-1]
		}
		if p != nil {
			break
		}
		if len(pool) >= limLeePoolCap {
			return nil, errf("GenerateDLPParams", ErrorFailed, "pool-exhausted")
		}
	}

	g, err := findGeneratorForPQ(p, q, token)
	if err != nil {
		return nil, err
	}

	return &DLPParams{P: p, Q: q, G: g}, nil
}

// findGeneratorForPQ searches for a generator g of the order-q subgroup
// of Z_p^*, per spec §4.4: g = c^j mod p, j = (p-1)/q, retried with a
// fresh random c until g != 1.
func findGeneratorForPQ(p, q *big.Int, token *CancelToken) (*big.Int, error) {
	j := new(big.Int).Sub(p, bigOne)
	j.Div(j, q)
	mont := NewMontgomeryForm(p)

	for {
		if token.Aborted() {
			return nil, errf("findGeneratorForPQ", AsyncAborted, "")
		}
		c, err := rand.Int(rand.Reader, p)
		if err != nil {
			return nil, wrapf("findGeneratorForPQ", ErrorFailed, "rand", err)
		}
		if c.Cmp(bigTwo) < 0 {
			continue
		}
		g := mont.Exp(c, j)
		if g.Cmp(bigOne) == 0 {
			continue
		}
		return g, nil
	}
}

// GenerateDLPPrivateValue picks a private exponent x uniformly in
// [2, q-1] sized per getDLPExpSize, per spec §4.4.
func GenerateDLPPrivateValue(q *big.Int) (*big.Int, error) {
	bits := getDLPExpSize(q.BitLen())
	if bits > q.BitLen()-1 {
		bits = q.BitLen() - 1
	}
	max := new(big.Int).Lsh(bigOne, uint(bits))
	for {
		x, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, wrapf("GenerateDLPPrivateValue", ErrorFailed, "rand", err)
		}
		if x.Cmp(bigTwo) >= 0 && x.Cmp(q) < 0 {
			return x, nil
		}
	}
}

// GenerateDLPPublicValue computes y = g^x mod p.
func GenerateDLPPublicValue(params *DLPParams, x *big.Int) *big.Int {
	mont := NewMontgomeryForm(params.P)
	return mont.Exp(params.G, x)
}

// CheckDLPKey verifies y and x are consistent (y == g^x mod p) and that
// y is in the expected subgroup (y^q == 1 mod p), per spec §4.4/P11.
func CheckDLPKey(params *DLPParams, x, y *big.Int) error {
	mont := NewMontgomeryForm(params.P)
	expected := mont.Exp(params.G, x)
	if expected.Cmp(y) != 0 {
		return errf("CheckDLPKey", ErrorFailed, "mismatch")
	}
	order := mont.Exp(y, params.Q)
	if order.Cmp(bigOne) != 0 {
		return errf("CheckDLPKey", ErrorFailed, "subgroup")
	}
	return nil
}
