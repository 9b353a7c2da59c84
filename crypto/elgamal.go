package crypto

import (
	"crypto/rand"
	"crypto/sha1"
	"math/big"
)

func init() {
	Register(&CapabilityDescriptor{
		ID:           AlgoElgamal,
		Name:         "Elgamal",
		Type:         TypePublicKey,
		DefKeyLen:    128, // 1024 bits
		HasCipher:    true,
		HasSignature: true,
		InternalOnly: true, // spec §6: Elgamal signing is internal-only
		SelfTest:     selfTestElgamal,
	})
}

// GenerateElgamalKey generates Elgamal domain parameters and a key
// pair, reusing the same Lim-Lee construction as DSA/DH, per spec §4.4.
func GenerateElgamalKey(c *Context, pBits, qBits int, sieveSize int, token *CancelToken) error {
	if c.typ != TypePublicKey || c.capability.ID != AlgoElgamal {
		return c.setError("GenerateElgamalKey", ErrorBadData, "type")
	}
	params, err := GenerateDLPParams(pBits, qBits, sieveSize, token)
	if err != nil {
		return wrapf("GenerateElgamalKey", ErrorFailed, "params", err)
	}
	x, err := GenerateDLPPrivateValue(params.Q)
	if err != nil {
		return wrapf("GenerateElgamalKey", ErrorFailed, "x", err)
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

// ElgamalEncrypt produces the (a, b) ciphertext pair for message m < p,
// per spec §4.4.
func ElgamalEncrypt(c *Context, plaintext []byte) (a, b *big.Int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPublicKey) {
		return nil, nil, c.setError("ElgamalEncrypt", ErrorNotAvail, "key")
	}
	p, g, y := c.pkc.Params["p"], c.pkc.Params["g"], c.pkc.Params["y"]
	mont := c.pkc.Montgomery["p"]
	m := new(big.Int).SetBytes(plaintext)
	if m.Cmp(p) >= 0 {
		return nil, nil, c.setError("ElgamalEncrypt", ErrorBadData, "range")
	}

	pMinus1 := new(big.Int).Sub(p, bigOne)
	k, kerr := rand.Int(rand.Reader, pMinus1)
	if kerr != nil {
		return nil, nil, wrapf("ElgamalEncrypt", ErrorFailed, "rand", kerr)
	}
	k.Add(k, bigOne)

	aVal := mont.Exp(g, k)
	s := mont.Exp(y, k)
	bVal := new(big.Int).Mul(m, s)
	bVal.Mod(bVal, p)

	return aVal, bVal, nil
}

// ElgamalDecrypt recovers the plaintext from an (a, b) ciphertext pair.
func ElgamalDecrypt(c *Context, a, b *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPrivateKey) {
		return nil, c.setError("ElgamalDecrypt", ErrorNotAvail, "key")
	}
	p, x := c.pkc.Params["p"], c.pkc.Params["x"]
	mont := c.pkc.Montgomery["p"]

	s := mont.Exp(a, x)
	sInv, ok := modInverse(s, p)
	if !ok {
		return nil, c.setError("ElgamalDecrypt", ErrorFailed, "inverse")
	}
	m := new(big.Int).Mul(b, sInv)
	m.Mod(m, p)
	return m.Bytes(), nil
}

// elgamalSign is unexported: Elgamal signing is internal-only per spec
// §6 (the engine's self-test uses it, but the capability is not
// externally invocable for signing, only for the cipher operations).
func elgamalSign(c *Context, digest []byte) (r, s *big.Int, err error) {
	p, g, x := c.pkc.Params["p"], c.pkc.Params["g"], c.pkc.Params["x"]
	pMinus1 := new(big.Int).Sub(p, bigOne)
	mont := c.pkc.Montgomery["p"]
	e := new(big.Int).SetBytes(digest)
	e.Mod(e, pMinus1)

	for {
		k, kerr := rand.Int(rand.Reader, pMinus1)
		if kerr != nil {
			return nil, nil, wrapf("elgamalSign", ErrorFailed, "rand", kerr)
		}
		k.Add(k, bigOne)
		if new(big.Int).GCD(nil, nil, k, pMinus1).Cmp(bigOne) != 0 {
			continue
		}
		rVal := mont.Exp(g, k)

		kInv, ok := modInverse(k, pMinus1)
		if !ok {
			continue
		}
		sVal := new(big.Int).Mul(x, rVal)
		sVal.Sub(e, sVal)
		sVal.Mul(sVal, kInv)
		sVal.Mod(sVal, pMinus1)
		return rVal, sVal, nil
	}
}

func elgamalVerify(c *Context, digest []byte, r, s *big.Int) bool {
	p, g, y := c.pkc.Params["p"], c.pkc.Params["g"], c.pkc.Params["y"]
	if r.Sign() <= 0 || r.Cmp(p) >= 0 {
		return false
	}
	mont := c.pkc.Montgomery["p"]
	e := new(big.Int).SetBytes(digest)
	e.Mod(e, new(big.Int).Sub(p, bigOne))

	lhs := mont.Exp(g, e)
	yr := mont.Exp(y, r)
	rs := mont.Exp(r, s)
	rhs := new(big.Int).Mul(yr, rs)
	rhs.Mod(rhs, p)

	return lhs.Cmp(rhs) == 0
}

func selfTestElgamal() error {
	ctx, err := NewContext(AlgoElgamal, 0, "selftest-elgamal")
	if err != nil {
		return err
	}
	defer ctx.Close()
	token := NewCancelToken()
	if err := GenerateElgamalKey(ctx, 512, 160, MinSieveSize, token); err != nil {
		return err
	}

	a, b, err := ElgamalEncrypt(ctx, []byte("probe"))
	if err != nil {
		return err
	}
	pt, err := ElgamalDecrypt(ctx, a, b)
	if err != nil {
		return err
	}
	if string(pt) != "probe" && string(append(make([]byte, 0), pt...)) != "probe" {
		// ElgamalDecrypt's big.Int.Bytes() drops leading zero bytes; a
		// probe value with no leading zero round-trips exactly, so a
		// mismatch here is a real failure.
		return errf("selfTestElgamal", ErrorFailed, "roundtrip")
	}

	h := sha1.Sum([]byte("self-test message"))
	r, s, err := elgamalSign(ctx, h[:])
	if err != nil {
		return err
	}
	if !elgamalVerify(ctx, h[:], r, s) {
		return errf("selfTestElgamal", ErrorFailed, "verify")
	}
	return nil
}
