package crypto

import (
	"math/big"
	"testing"
)

func TestNoPrimeChecksTableBoundaries(t *testing.T) {
	cases := []struct {
		bits int
		want int
	}{
		{100, 18}, {149, 18},
		{150, 15}, {199, 15},
		{200, 12}, {249, 12},
		{250, 9}, {299, 9},
		{300, 8}, {349, 8},
		{350, 7}, {399, 7},
		{400, 6}, {499, 6},
		{500, 5}, {599, 5},
		{600, 4}, {799, 4},
		{800, 3}, {1249, 3},
		{1250, 2}, {4096, 2},
	}
	for _, c := range cases {
		if got := noPrimeChecks(c.bits); got != c.want {
			t.Errorf("noPrimeChecks(%d) = %d, want %d", c.bits, got, c.want)
		}
	}
}

func TestMillerRabinKnownPrimesAndComposites(t *testing.T) {
	token := NewCancelToken()
	primes := []int64{7919, 104729, 1299709}
	for _, p := range primes {
		n := big.NewInt(p)
		ok, aborted := MillerRabin(n, noPrimeChecks(n.BitLen()), token)
		if aborted {
			t.Fatalf("MillerRabin(%d) aborted unexpectedly", p)
		}
		if !ok {
			t.Errorf("MillerRabin(%d) = false, want true (known prime)", p)
		}
	}

	composites := []int64{7919 * 3, 104729 * 7, 9999999967 % 1000000007 * 4 + 9}
	for _, c := range composites {
		if c%2 == 0 {
			c++
		}
		n := big.NewInt(c)
		ok, aborted := MillerRabin(n, noPrimeChecks(n.BitLen()), token)
		if aborted {
			t.Fatalf("MillerRabin(%d) aborted unexpectedly", c)
		}
		if ok {
			t.Errorf("MillerRabin(%d) = true, want false (known composite)", c)
		}
	}
}

func TestMillerRabinHonorsCancelToken(t *testing.T) {
	token := NewCancelToken()
	token.Request()
	n := big.NewInt(104729)
	_, aborted := MillerRabin(n, 18, token)
	if !aborted {
		t.Fatal("expected MillerRabin to report aborted when token is pre-cancelled")
	}
}

func TestSieveQuickRejectCatchesSmallFactors(t *testing.T) {
	sieve := NewSieve(MinSieveSize)
	composite := big.NewInt(9 * 1009) // divisible by 3
	if sieve.QuickReject(composite) {
		t.Fatal("QuickReject should reject a small-factor composite")
	}
	prime := big.NewInt(104729)
	if !sieve.QuickReject(prime) {
		t.Fatal("QuickReject should not reject a genuine prime")
	}
}

func TestFindProbablePrimeReturnsPrimeOfRequestedSize(t *testing.T) {
	sieve := NewSieve(MinSieveSize)
	token := NewCancelToken()
	const bits = 128
	p, err := FindProbablePrime(bits, sieve, token)
	if err != nil {
		t.Fatalf("FindProbablePrime: %v", err)
	}
	if p.BitLen() != bits {
		t.Fatalf("BitLen = %d, want %d", p.BitLen(), bits)
	}
	if p.Bit(0) != 1 {
		t.Fatal("candidate must be odd")
	}
	ok, aborted := MillerRabin(p, noPrimeChecks(bits), token)
	if aborted || !ok {
		t.Fatalf("FindProbablePrime returned a non-prime: MillerRabin=%v aborted=%v", ok, aborted)
	}
}

func TestFindProbablePrimeHonorsCancelToken(t *testing.T) {
	sieve := NewSieve(MinSieveSize)
	token := NewCancelToken()
	token.Request()
	if _, err := FindProbablePrime(256, sieve, token); err == nil {
		t.Fatal("expected an error when token is pre-cancelled")
	}
}

func TestLFSRVisitsAllNonzeroPositions(t *testing.T) {
	seen := make(map[int]bool)
	v := 1
	for i := 0; i < sieveWindowSize-1; i++ {
		seen[v] = true
		v = lfsrNext(v)
	}
	if len(seen) != sieveWindowSize-1 {
		t.Fatalf("LFSR visited %d distinct positions, want %d", len(seen), sieveWindowSize-1)
	}
}
