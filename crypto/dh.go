package crypto

import "math/big"

func init() {
	Register(&CapabilityDescriptor{
		ID:        AlgoDH,
		Name:      "DH",
		Type:      TypePublicKey,
		DefKeyLen: 128, // 1024 bits
		SelfTest:  selfTestDH,
	})
}

// GenerateDHKey generates DH domain parameters and a private/public
// value pair, per spec §4.4. A FlagDummy context (CONTEXT_DUMMY in the
// source) holds only domain parameters pulled in from a peer and never
// generates its own x/y, per spec §6 Open Question resolution: calling
// DeriveDHPublic on such a context is an error, since deriving a public
// value from an externally supplied private key belongs to a hardware
// device this engine does not model.
func GenerateDHKey(c *Context, pBits, qBits int, sieveSize int, token *CancelToken) error {
	if c.typ != TypePublicKey || c.capability.ID != AlgoDH {
		return c.setError("GenerateDHKey", ErrorBadData, "type")
	}
	params, err := GenerateDLPParams(pBits, qBits, sieveSize, token)
	if err != nil {
		return wrapf("GenerateDHKey", ErrorFailed, "params", err)
	}
	return installDHParams(c, params)
}

func installDHParams(c *Context, params *DLPParams) error {
	c.pkc.Params["p"] = params.P
	c.pkc.Params["q"] = params.Q
	c.pkc.Params["g"] = params.G
	c.pkc.Montgomery["p"] = NewMontgomeryForm(params.P)
	c.pkc.KeySizeBits = params.P.BitLen()
	return nil
}

// SetDHDummyParams installs domain parameters received from a peer
// without generating a local key pair, marking the context as a dummy
// per spec §3/§6 (FlagDummy).
func SetDHDummyParams(c *Context, p, q, g *big.Int) error {
	if c.typ != TypePublicKey || c.capability.ID != AlgoDH {
		return c.setError("SetDHDummyParams", ErrorBadData, "type")
	}
	if err := installDHParams(c, &DLPParams{P: p, Q: q, G: g}); err != nil {
		return err
	}
	c.setFlag(FlagDummy)
	return nil
}

// DeriveDHPublic generates this context's private value x and
// corresponding public value y = g^x mod p. It fails on a dummy
// context, per spec §6.
func DeriveDHPublic(c *Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typ != TypePublicKey || c.capability.ID != AlgoDH {
		return nil, c.setError("DeriveDHPublic", ErrorBadData, "type")
	}
	if c.flags.Has(FlagDummy) {
		return nil, c.setError("DeriveDHPublic", ErrorNotAvail, "dummy")
	}
	params := &DLPParams{P: c.pkc.Params["p"], Q: c.pkc.Params["q"], G: c.pkc.Params["g"]}
	x, err := GenerateDLPPrivateValue(params.Q)
	if err != nil {
		return nil, wrapf("DeriveDHPublic", ErrorFailed, "x", err)
	}
	y := GenerateDLPPublicValue(params, x)
	c.pkc.Params["x"] = x
	c.pkc.Params["y"] = y
	c.setFlag(FlagKeySet | FlagIsPublicKey | FlagIsPrivateKey)
	return y, nil
}

// DHAgree computes the shared secret g^(x*peerX) mod p = peerY^x mod p
// given the peer's public value, per spec §4.4.
func DHAgree(c *Context, peerY *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPrivateKey) {
		return nil, c.setError("DHAgree", ErrorNotAvail, "key")
	}
	p := c.pkc.Params["p"]
	if peerY.Cmp(bigOne) <= 0 || peerY.Cmp(new(big.Int).Sub(p, bigOne)) >= 0 {
		return nil, c.setError("DHAgree", ErrorBadData, "peer-value")
	}
	mont := c.pkc.Montgomery["p"]
	return mont.Exp(peerY, c.pkc.Params["x"]), nil
}

func selfTestDH() error {
	token := NewCancelToken()
	alice, err := NewContext(AlgoDH, 0, "selftest-dh-alice")
	if err != nil {
		return err
	}
	defer alice.Close()
	if err := GenerateDHKey(alice, 512, 160, MinSieveSize, token); err != nil {
		return err
	}
	aliceY, err := DeriveDHPublic(alice)
	if err != nil {
		return err
	}

	bob, err := NewContext(AlgoDH, 0, "selftest-dh-bob")
	if err != nil {
		return err
	}
	defer bob.Close()
	if err := SetDHDummyParams(bob, alice.pkc.Params["p"], alice.pkc.Params["q"], alice.pkc.Params["g"]); err != nil {
		return err
	}
	bob.clearFlag(FlagDummy)
	bobY, err := DeriveDHPublic(bob)
	if err != nil {
		return err
	}

	secretA, err := DHAgree(alice, bobY)
	if err != nil {
		return err
	}
	secretB, err := DHAgree(bob, aliceY)
	if err != nil {
		return err
	}
	if secretA.Cmp(secretB) != 0 {
		return errf("selfTestDH", ErrorFailed, "agree")
	}
	return nil
}
