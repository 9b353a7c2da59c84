package crypto

import (
	"crypto/rand"
	"crypto/sha1"
	"math/big"
)

func init() {
	Register(&CapabilityDescriptor{
		ID:           AlgoDSA,
		Name:         "DSA",
		Type:         TypePublicKey,
		DefKeyLen:    128, // 1024 bits
		HasSignature: true,
		SelfTest:     selfTestDSA,
	})
}

// GenerateDSAKey generates DSA domain parameters and a key pair, per
// spec §4.4.
func GenerateDSAKey(c *Context, pBits, qBits int, sieveSize int, token *CancelToken) error {
	if c.typ != TypePublicKey || c.capability.ID != AlgoDSA {
		return c.setError("GenerateDSAKey", ErrorBadData, "type")
	}
	params, err := GenerateDLPParams(pBits, qBits, sieveSize, token)
	if err != nil {
		return wrapf("GenerateDSAKey", ErrorFailed, "params", err)
	}
	x, err := GenerateDLPPrivateValue(params.Q)
	if err != nil {
		return wrapf("GenerateDSAKey", ErrorFailed, "x", err)
	}
	y := GenerateDLPPublicValue(params, x)

	c.pkc.Params["p"] = params.P
	c.pkc.Params["q"] = params.Q
	c.pkc.Params["g"] = params.G
	c.pkc.Params["x"] = x
	c.pkc.Params["y"] = y
	c.pkc.KeySizeBits = params.P.BitLen()
	c.pkc.Montgomery["p"] = NewMontgomeryForm(params.P)
	c.setFlag(FlagKeySet | FlagIsPublicKey | FlagIsPrivateKey)

	return CheckDLPKey(params, x, y)
}

// SetDSAKeyComponents loads explicit DSA domain parameters and key
// material into c, bypassing GenerateDSAKey's random generation. x
// (the private value) and/or y (the public value) may be nil when only
// a partial key is known; y is derived from x when only x is given.
// Used to construct known-answer contexts from externally-supplied
// test vectors (FIPS 186 sample parameters).
func SetDSAKeyComponents(c *Context, p, q, g, x, y *big.Int) error {
	if c.typ != TypePublicKey || c.capability.ID != AlgoDSA {
		return c.setError("SetDSAKeyComponents", ErrorBadData, "type")
	}
	params := &DLPParams{P: p, Q: q, G: g}

	c.pkc.Params["p"] = p
	c.pkc.Params["q"] = q
	c.pkc.Params["g"] = g
	c.pkc.KeySizeBits = p.BitLen()
	c.pkc.Montgomery["p"] = NewMontgomeryForm(p)

	flags := FlagKeySet
	if x != nil {
		c.pkc.Params["x"] = x
		flags |= FlagIsPrivateKey
		if y == nil {
			y = GenerateDLPPublicValue(params, x)
		}
	}
	if y != nil {
		c.pkc.Params["y"] = y
		flags |= FlagIsPublicKey
	}
	c.setFlag(flags)

	if x != nil {
		return CheckDLPKey(params, x, y)
	}
	return nil
}

// DSASign produces an (r, s) signature over a SHA-1 digest, drawing k
// at random, per spec §4.4.
func DSASign(c *Context, digest []byte) (r, s *big.Int, err error) {
	return dsaSign(c, digest, nil)
}

// DSASignWithK produces an (r, s) signature using the caller-supplied
// per-signature secret k instead of drawing one from crypto/rand, so a
// known-answer test (FIPS 186 sample, fixed k) can reproduce an exact
// (r, s) pair. Using a fixed k outside of testing would leak the
// private key, so this is not wired to any public-facing signing path.
func DSASignWithK(c *Context, digest []byte, k *big.Int) (r, s *big.Int, err error) {
	return dsaSign(c, digest, k)
}

func dsaSign(c *Context, digest []byte, fixedK *big.Int) (r, s *big.Int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPrivateKey) {
		return nil, nil, c.setError("DSASign", ErrorNotAvail, "key")
	}
	q, g, x := c.pkc.Params["q"], c.pkc.Params["g"], c.pkc.Params["x"]
	mont := c.pkc.Montgomery["p"]
	e := new(big.Int).SetBytes(digest)
	e.Mod(e, q)

	for {
		var k *big.Int
		if fixedK != nil {
			k = new(big.Int).Set(fixedK)
		} else {
			var kerr error
			k, kerr = rand.Int(rand.Reader, new(big.Int).Sub(q, bigOne))
			if kerr != nil {
				return nil, nil, wrapf("DSASign", ErrorFailed, "rand", kerr)
			}
			k.Add(k, bigOne)
		}

		rVal := mont.Exp(g, k)
		rVal.Mod(rVal, q)
		if rVal.Sign() == 0 {
			if fixedK != nil {
				return nil, nil, errf("DSASign", ErrorFailed, "fixed k gave r=0")
			}
			continue
		}

		kInv, ok := modInverse(k, q)
		if !ok {
			if fixedK != nil {
				return nil, nil, errf("DSASign", ErrorFailed, "fixed k not invertible mod q")
			}
			continue
		}
		sVal := new(big.Int).Mul(x, rVal)
		sVal.Add(sVal, e)
		sVal.Mul(sVal, kInv)
		sVal.Mod(sVal, q)
		if sVal.Sign() == 0 {
			if fixedK != nil {
				return nil, nil, errf("DSASign", ErrorFailed, "fixed k gave s=0")
			}
			continue
		}
		return rVal, sVal, nil
	}
}

// DSAVerify checks an (r, s) signature over a SHA-1 digest.
func DSAVerify(c *Context, digest []byte, r, s *big.Int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPublicKey) {
		return false, c.setError("DSAVerify", ErrorNotAvail, "key")
	}
	q, g, y := c.pkc.Params["q"], c.pkc.Params["g"], c.pkc.Params["y"]
	if r.Sign() <= 0 || r.Cmp(q) >= 0 || s.Sign() <= 0 || s.Cmp(q) >= 0 {
		return false, nil
	}
	mont := c.pkc.Montgomery["p"]

	w, ok := modInverse(s, q)
	if !ok {
		return false, nil
	}
	e := new(big.Int).SetBytes(digest)
	e.Mod(e, q)

	u1 := new(big.Int).Mul(e, w)
	u1.Mod(u1, q)
	u2 := new(big.Int).Mul(r, w)
	u2.Mod(u2, q)

	v1 := mont.Exp(g, u1)
	v2 := mont.Exp(y, u2)
	v := new(big.Int).Mul(v1, v2)
	v.Mod(v, c.pkc.Params["p"])
	v.Mod(v, q)

	return v.Cmp(r) == 0, nil
}

func selfTestDSA() error {
	ctx, err := NewContext(AlgoDSA, 0, "selftest-dsa")
	if err != nil {
		return err
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateDSAKey(ctx, 512, 160, MinSieveSize, token); err != nil {
		return err
	}
	h := sha1.Sum([]byte("self-test message"))
	r, s, err := DSASign(ctx, h[:])
	if err != nil {
		return err
	}
	ok, err := DSAVerify(ctx, h[:], r, s)
	if err != nil {
		return err
	}
	if !ok {
		return errf("selfTestDSA", ErrorFailed, "verify")
	}
	return nil
}
