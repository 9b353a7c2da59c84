package crypto

import (
	"crypto/rand"
	"math/big"
)

func init() {
	Register(&CapabilityDescriptor{
		ID:           AlgoRSA,
		Name:         "RSA",
		Type:         TypePublicKey,
		DefKeyLen:    256, // 2048 bits
		HasCipher:    true,
		HasSignature: true,
		SelfTest:     selfTestRSA,
	})
}

// publicExponent is the fixed RSA public exponent the engine generates
// keys against, per spec §4.3 ("fixed small public exponent e=65537").
var publicExponent = big.NewInt(65537)

// GenerateRSAKey produces a fresh RSA key pair of the given total
// modulus size (bits split evenly between p and q, each with its top
// two bits forced set so p*q lands at exactly bits long, per lib_kg.c's
// generateBignum(..., 0xC0, ...) comment reproduced in prime.go).
// token is polled between factor searches for cooperative cancellation.
func GenerateRSAKey(c *Context, bits int, sieveSize int, token *CancelToken) error {
	if c.typ != TypePublicKey || c.capability.ID != AlgoRSA {
		return c.setError("GenerateRSAKey", ErrorBadData, "type")
	}
	if bits/2 < MinPkcBits/2 {
		return c.setError("GenerateRSAKey", ErrorBadData, "keysize")
	}

	sieve := NewSieve(sieveSize)
	half := bits / 2

	var p, q *big.Int
	for {
		var err error
		p, err = FindProbablePrime(half, sieve, token)
		if err != nil {
			return wrapf("GenerateRSAKey", ErrorFailed, "p", err)
		}
		q, err = FindProbablePrime(bits-half, sieve, token)
		if err != nil {
			return wrapf("GenerateRSAKey", ErrorFailed, "q", err)
		}
		if p.Cmp(q) == 0 {
			continue // vanishingly unlikely, but p==q breaks CRT
		}
		// Canonicalize p > q, per spec §4.3 ("p > q for the CRT
		// recombination coefficient u = q^-1 mod p").
		if p.Cmp(q) < 0 {
			p, q = q, p
		}
		pMinus1 := new(big.Int).Sub(p, bigOne)
		qMinus1 := new(big.Int).Sub(q, bigOne)
		if new(big.Int).GCD(nil, nil, pMinus1, publicExponent).Cmp(bigOne) != 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, qMinus1, publicExponent).Cmp(bigOne) != 0 {
			continue
		}
		break
	}

	n := new(big.Int).Mul(p, q)
	pMinus1 := new(big.Int).Sub(p, bigOne)
	qMinus1 := new(big.Int).Sub(q, bigOne)
	phi := new(big.Int).Mul(pMinus1, qMinus1)

	d, ok := modInverse(publicExponent, phi)
	if !ok {
		return errf("GenerateRSAKey", ErrorFailed, "inverse")
	}

	e1 := new(big.Int).Mod(d, pMinus1) // d mod (p-1)
	e2 := new(big.Int).Mod(d, qMinus1) // d mod (q-1)
	u, ok := modInverse(q, p)          // CRT recombination coefficient
	if !ok {
		return errf("GenerateRSAKey", ErrorFailed, "crt-inverse")
	}

	c.pkc.Params["n"] = n
	c.pkc.Params["e"] = new(big.Int).Set(publicExponent)
	c.pkc.Params["d"] = d
	c.pkc.Params["p"] = p
	c.pkc.Params["q"] = q
	c.pkc.Params["e1"] = e1
	c.pkc.Params["e2"] = e2
	c.pkc.Params["u"] = u
	c.pkc.KeySizeBits = n.BitLen()

	c.pkc.Montgomery["n"] = NewMontgomeryForm(n)
	c.pkc.Montgomery["p"] = NewMontgomeryForm(p)
	c.pkc.Montgomery["q"] = NewMontgomeryForm(q)
	installRSAMarshal(c.pkc)

	c.setFlag(FlagKeySet | FlagIsPublicKey | FlagIsPrivateKey)

	if c.flags.Has(FlagSideChannelProtection) {
		if err := rsaInitBlinding(c); err != nil {
			return err
		}
	}

	return checkRSAPrivateKeyComponents(c)
}

// SetRSAKeyComponents loads an explicit RSA private key into c,
// bypassing GenerateRSAKey's random search. n, e, d, p, q, u, e1, e2
// are exactly the CRT components rsaPrivateCRT needs, matching
// lib_kg.c's key-load layout — used to construct known-answer
// contexts from externally-supplied test vectors rather than a
// freshly generated key.
func SetRSAKeyComponents(c *Context, n, e, d, p, q, u, e1, e2 *big.Int) error {
	if c.typ != TypePublicKey || c.capability.ID != AlgoRSA {
		return c.setError("SetRSAKeyComponents", ErrorBadData, "type")
	}

	c.pkc.Params["n"] = n
	c.pkc.Params["e"] = e
	c.pkc.Params["d"] = d
	c.pkc.Params["p"] = p
	c.pkc.Params["q"] = q
	c.pkc.Params["e1"] = e1
	c.pkc.Params["e2"] = e2
	c.pkc.Params["u"] = u
	c.pkc.KeySizeBits = n.BitLen()

	c.pkc.Montgomery["n"] = NewMontgomeryForm(n)
	c.pkc.Montgomery["p"] = NewMontgomeryForm(p)
	c.pkc.Montgomery["q"] = NewMontgomeryForm(q)
	installRSAMarshal(c.pkc)

	c.setFlag(FlagKeySet | FlagIsPublicKey | FlagIsPrivateKey)

	if c.flags.Has(FlagSideChannelProtection) {
		if err := rsaInitBlinding(c); err != nil {
			return err
		}
	}

	return checkRSAPrivateKeyComponents(c)
}

// rsaInitBlinding picks a fresh blinding factor k and its modular
// inverse, per spec §4.3 ("blinding: k, k^-1 mod n, re-randomised per
// NumBlindingsBeforeRefresh operations").
func rsaInitBlinding(c *Context) error {
	n := c.pkc.Params["n"]
	for {
		k, err := rand.Int(rand.Reader, n)
		if err != nil {
			return wrapf("rsaInitBlinding", ErrorFailed, "rand", err)
		}
		if k.Sign() == 0 {
			continue
		}
		kInv, ok := modInverse(k, n)
		if !ok {
			continue
		}
		c.pkc.BlindK = k
		c.pkc.BlindKInv = kInv
		return nil
	}
}

// rsaPrivateCRT computes the RSA private-key operation m = c^d mod n
// via the CRT shortcut of spec §4.3: p2 = c^e1 mod p, q2 = c^e2 mod q,
// then recombine with a bounded-retry subtraction fixup (the source's
// "while p2 < q2: p2 += p" loop, bounded so a malformed key can't spin
// forever) before applying u.
func rsaPrivateCRT(c *Context, ciphertext *big.Int) (*big.Int, error) {
	pkc := c.pkc
	p, q := pkc.Params["p"], pkc.Params["q"]
	e1, e2, u := pkc.Params["e1"], pkc.Params["e2"], pkc.Params["u"]

	p2 := pkc.Montgomery["p"].Exp(new(big.Int).Mod(ciphertext, p), e1)
	q2 := pkc.Montgomery["q"].Exp(new(big.Int).Mod(ciphertext, q), e2)

	const maxFixupRetries = 8
	retries := 0
	for p2.Cmp(q2) < 0 {
		p2.Add(p2, p)
		retries++
		if retries > maxFixupRetries {
			return nil, errf("rsaPrivateCRT", ErrorFailed, "crt-fixup")
		}
	}

	diff := new(big.Int).Sub(p2, q2)
	h := new(big.Int).Mul(diff, u)
	h.Mod(h, p)

	m := new(big.Int).Mul(h, q)
	m.Add(m, q2)
	return m, nil
}

// RSADecrypt performs the private-key operation, optionally blinded,
// per spec §4.3.
func RSADecrypt(c *Context, ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPrivateKey) {
		return nil, c.setError("RSADecrypt", ErrorNotAvail, "key")
	}
	n := c.pkc.Params["n"]
	ct := new(big.Int).SetBytes(ciphertext)
	if ct.Cmp(n) >= 0 {
		return nil, c.setError("RSADecrypt", ErrorBadData, "range")
	}

	if c.flags.Has(FlagSideChannelProtection) {
		if c.pkc.BlindK == nil {
			if err := rsaInitBlinding(c); err != nil {
				return nil, err
			}
		}
		e := c.pkc.Params["e"]
		blinded := pkc_blind(c, ct, e)
		m, err := rsaPrivateCRT(c, blinded)
		if err != nil {
			return nil, c.setError("RSADecrypt", ErrorFailed, "crt")
		}
		m.Mul(m, c.pkc.BlindKInv)
		m.Mod(m, n)
		return m.Bytes(), nil
	}

	m, err := rsaPrivateCRT(c, ct)
	if err != nil {
		return nil, c.setError("RSADecrypt", ErrorFailed, "crt")
	}
	return m.Bytes(), nil
}

// pkc_blind masks ciphertext as (ciphertext * k^e) mod n before the
// private-key operation, so timing of the CRT step can't be correlated
// to the unmasked input, per spec §4.3/§6.
func pkc_blind(c *Context, ciphertext, e *big.Int) *big.Int {
	n := c.pkc.Params["n"]
	ke := c.pkc.Montgomery["n"].Exp(c.pkc.BlindK, e)
	masked := new(big.Int).Mul(ciphertext, ke)
	masked.Mod(masked, n)
	return masked
}

// RSAEncrypt performs the public-key operation c = m^e mod n.
func RSAEncrypt(c *Context, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPublicKey) {
		return nil, c.setError("RSAEncrypt", ErrorNotAvail, "key")
	}
	n, e := c.pkc.Params["n"], c.pkc.Params["e"]
	m := new(big.Int).SetBytes(plaintext)
	if m.Cmp(n) >= 0 {
		return nil, c.setError("RSAEncrypt", ErrorBadData, "range")
	}
	ct := c.pkc.Montgomery["n"].Exp(m, e)
	return ct.Bytes(), nil
}

// checkRSAPrivateKeyComponents verifies pairwise consistency of a
// freshly generated key by round-tripping a fixed probe value through
// encrypt then decrypt, satisfying P11/S3.
func checkRSAPrivateKeyComponents(c *Context) error {
	probe := []byte("RSA-keygen-consistency-probe")
	n := c.pkc.Params["n"]
	m := new(big.Int).SetBytes(probe)
	m.Mod(m, new(big.Int).Sub(n, bigOne)) // keep strictly below n-1
	if m.Sign() == 0 {
		m.SetInt64(1)
	}

	ct := c.pkc.Montgomery["n"].Exp(m, c.pkc.Params["e"])
	pt, err := rsaPrivateCRT(c, ct)
	if err != nil {
		return wrapf("checkRSAPrivateKeyComponents", ErrorFailed, "crt", err)
	}
	if pt.Cmp(m) != 0 {
		return errf("checkRSAPrivateKeyComponents", ErrorFailed, "mismatch")
	}
	return nil
}

func selfTestRSA() error {
	ctx, err := NewContext(AlgoRSA, 0, "selftest-rsa")
	if err != nil {
		return err
	}
	defer ctx.Close()
	token := NewCancelToken()
	return GenerateRSAKey(ctx, 512, MinSieveSize, token)
}
