package crypto

import (
	"crypto/rand"
	"math/big"
)

// DefaultSieveSize is the default count of small primes used to sieve
// candidates before Miller-Rabin, per spec §4.5.
const DefaultSieveSize = 2048

// MinSieveSize is the smallest configurable sieve table size.
const MinSieveSize = 256

// sieveWindowSize is the size of the candidate window walked by the
// LFSR, per spec §4.5 ("4096-entry boolean array").
const sieveWindowSize = 4096

// lfsrPolynomial and lfsrMask implement the length-12 LFSR over GF(2)
// that visits all 4095 nonzero positions of a sieveWindowSize window in
// pseudo-arbitrary order, per spec §4.5 and lib_kg.c's nextEntry().
const (
	lfsrPolynomial = 0x1053
	lfsrMask       = 0x1000
)

// fastSieveNumPrimes bounds the quick-reject check run against a single
// already-constructed candidate (as opposed to sieving a whole window):
// cryptlib's primeSieve() stops after the primes under 1000 (21*8 of
// them) because further small-prime trial division has diminishing
// returns for a singleton check, per SPEC_FULL §4.2.
const fastSieveNumPrimes = 21 * 8

// smallPrimes is computed once at init via a plain sieve of
// Eratosthenes; cryptlib ships a static table, we generate the
// equivalent table at process start since math/big has no built-in
// small-prime table to reuse.
var smallPrimes = generateSmallPrimes(DefaultSieveSize)

func generateSmallPrimes(n int) []uint32 {
	if n < 6 {
		n = 6
	}
	// Rough upper bound for the n-th prime (n*(ln n + ln ln n)), padded.
	var bound int
	switch {
	case n < 6:
		bound = 15
	default:
		lnN := logApprox(float64(n))
		bound = int(float64(n)*(lnN+logApprox(lnN))) + 10
	}
	sieve := make([]bool, bound+1)
	var primes []uint32
	for i := 2; i <= bound && len(primes) < n; i++ {
		if sieve[i] {
			continue
		}
		primes = append(primes, uint32(i))
		for j := i * i; j <= bound; j += i {
			sieve[j] = true
		}
	}
	return primes
}

// logApprox is a tiny natural-log approximation sufficient for sizing
// the sieve of Eratosthenes bound above; math.Log is avoided only to
// keep this file's only import needs to crypto/rand and math/big, the
// same "big-int first" stance the rest of the package takes.
func logApprox(x float64) float64 {
	if x < 2 {
		return 0.7
	}
	// Natural log via repeated halving: ln(x) = ln(x/e^k) + k for the k
	// that brings x/e^k into [1,e). Good enough for a sizing estimate.
	const e = 2.718281828459045
	k := 0.0
	for x > e {
		x /= e
		k++
	}
	// Linear approximation of ln on [1,e].
	return k + (x-1)/1.72
}

// Sieve holds the small-prime table used to pre-filter candidates
// before the expensive Miller-Rabin test, per spec §4.5.
type Sieve struct {
	primes []uint32
}

// NewSieve builds a Sieve with the given table size (clamped to
// [MinSieveSize, len(generated table)]).
func NewSieve(size int) *Sieve {
	if size < MinSieveSize {
		size = MinSieveSize
	}
	primes := smallPrimes
	if size < len(primes) {
		primes = primes[:size]
	} else if size > len(primes) {
		primes = generateSmallPrimes(size)
	}
	return &Sieve{primes: primes}
}

// QuickReject does a one-off divisibility check of a single candidate
// against the first fastSieveNumPrimes primes (skipping 2, since
// candidates are always odd). It reports true if candidate might still
// be prime.
func (s *Sieve) QuickReject(candidate *big.Int) bool {
	n := fastSieveNumPrimes
	if n > len(s.primes) {
		n = len(s.primes)
	}
	mod := new(big.Int)
	for i := 1; i < n; i++ {
		p := s.primes[i]
		mod.Mod(candidate, big.NewInt(int64(p)))
		if mod.Sign() == 0 {
			return false
		}
	}
	return true
}

// MarkWindow sieves the window [candidate, candidate+2*(sieveWindowSize-1)]
// stepping by 2 (candidate is assumed odd), marking composite positions,
// per spec §4.5 / lib_kg.c's initSieve().
func (s *Sieve) MarkWindow(candidate *big.Int) []bool {
	marks := make([]bool, sieveWindowSize)
	mod := new(big.Int)
	for i := 1; i < len(s.primes); i++ {
		step := int(s.primes[i])
		r := int(mod.Mod(candidate, big.NewInt(int64(step))).Int64())

		var idx int
		switch {
		case r&1 != 0:
			idx = (step - r) / 2
		case r != 0:
			idx = (2*step - r) / 2
		default:
			idx = 0
		}
		for idx < sieveWindowSize {
			marks[idx] = true
			idx += step
		}
	}
	return marks
}

// lfsrNext advances the length-12 LFSR by one step.
func lfsrNext(v int) int {
	v <<= 1
	if v&lfsrMask != 0 {
		v ^= lfsrPolynomial
	}
	return v & 0x1fff
}

// lfsrStart returns a random nonzero starting state for the LFSR.
func lfsrStart() (int, error) {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return 0, err
	}
	v := (int(b[0])<<8 | int(b[1])) & (lfsrMask - 1)
	if v == 0 {
		v = 1
	}
	return v, nil
}

// noPrimeChecks is the piecewise-constant Miller-Rabin iteration count
// of spec §4.5, an error bound of (1/2)^80.
func noPrimeChecks(bits int) int {
	switch {
	case bits < 150:
		return 18
	case bits < 200:
		return 15
	case bits < 250:
		return 12
	case bits < 300:
		return 9
	case bits < 350:
		return 8
	case bits < 400:
		return 7
	case bits < 500:
		return 6
	case bits < 600:
		return 5
	case bits < 800:
		return 4
	case bits < 1250:
		return 3
	default:
		return 2
	}
}

// MillerRabin runs the standard-form Miller-Rabin test of spec §4.5
// against n using the first noChecks small primes as witnesses,
// cooperatively observing token between iterations.
func MillerRabin(n *big.Int, noChecks int, token *CancelToken) (probablyPrime bool, aborted bool) {
	if n.Bit(0) == 0 {
		return n.Cmp(bigTwo) == 0, false
	}
	nMinus1 := new(big.Int).Sub(n, bigOne)
	k := 0
	u := new(big.Int).Set(nMinus1)
	for u.Bit(0) == 0 {
		u.Rsh(u, 1)
		k++
	}

	for i := 0; i < noChecks && i < len(smallPrimes); i++ {
		if token.Aborted() {
			return false, true
		}
		a := new(big.Int).SetUint64(uint64(smallPrimes[i]))
		if a.Cmp(n) >= 0 {
			continue // witness larger than candidate: skip, n is tiny and already handled by sieve
		}
		x := new(big.Int).Exp(a, u, n)
		if x.Cmp(bigOne) == 0 || x.Cmp(nMinus1) == 0 {
			continue
		}
		composite := true
		for j := 0; j < k-1; j++ {
			x.Mul(x, x)
			x.Mod(x, n)
			if x.Cmp(nMinus1) == 0 {
				composite = false
				break
			}
			if x.Cmp(bigOne) == 0 {
				break // definitely composite, x^2==1 with no prior +-1 square root
			}
		}
		if composite {
			return false, false
		}
	}
	return true, false
}

// FindProbablePrime searches for a probable prime of the given bit
// length using the sieve + LFSR walk + Miller-Rabin pipeline of spec
// §4.5, honoring token for cooperative cancellation. highBits selects
// which of the top two bits of the candidate are forced set (0xC0 sets
// both, matching "set the two high bits so pq will end up exactly 2n
// bits long" for RSA factors).
func FindProbablePrime(bits int, sieve *Sieve, token *CancelToken) (*big.Int, error) {
	noChecks := noPrimeChecks(bits)
	for {
		if token.Aborted() {
			return nil, errf("FindProbablePrime", AsyncAborted, "")
		}
		base, err := randOddWithHighBits(bits)
		if err != nil {
			return nil, wrapf("FindProbablePrime", ErrorFailed, "rand", err)
		}

		marks := sieve.MarkWindow(base)
		start, err := lfsrStart()
		if err != nil {
			return nil, wrapf("FindProbablePrime", ErrorFailed, "rand", err)
		}
		v := start
		for i := 0; i < sieveWindowSize-1; i++ {
			if token.Aborted() {
				return nil, errf("FindProbablePrime", AsyncAborted, "")
			}
			if v != 0 && v < sieveWindowSize && !marks[v] {
				candidate := new(big.Int).Add(base, big.NewInt(int64(2*v)))
				if candidate.BitLen() == bits {
					ok, aborted := MillerRabin(candidate, noChecks, token)
					if aborted {
						return nil, errf("FindProbablePrime", AsyncAborted, "")
					}
					if ok {
						return candidate, nil
					}
				}
			}
			v = lfsrNext(v)
		}
		// Window exhausted without a hit (rare); pick a new base.
	}
}

func randOddWithHighBits(bits int) (*big.Int, error) {
	n, err := rand.Prime(rand.Reader, 2) // warm the reader; unused result
	_ = n
	if err != nil {
		return nil, err
	}
	nbytes := (bits + 7) / 8
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(buf)
	// Trim to exactly `bits` bits, set the top two bits and the LSB.
	x.SetBit(x, bits-1, 1)
	x.SetBit(x, bits-2, 1)
	x.SetBit(x, 0, 1)
	for i := bits; i < x.BitLen(); i++ {
		x.SetBit(x, i, 0)
	}
	return x, nil
}
