package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"math/big"
)

// AllowSSLRawSignatureLength gates a legacy compatibility carveout:
// some old SSL/TLS handshake signatures are a raw concatenation of an
// MD5 and a SHA-1 digest (36 bytes) with no DigestInfo wrapper, which
// RSASign/RSAVerify would otherwise reject as a malformed digest
// length. Off by default so this core never silently reintroduces the
// legacy behavior; set it explicitly when interoperating with such a
// handshake, per spec §6.
var AllowSSLRawSignatureLength = false

// sslRawSignatureLen is the digest length of the legacy MD5+SHA1
// concatenation spec §6 carves an exception for.
const sslRawSignatureLen = 16 + 20

// acceptableDigestLengths lists the digest sizes RSASign/RSAVerify
// accept as a well-formed hash input (MD5, SHA-1, SHA-256).
var acceptableDigestLengths = map[int]bool{16: true, 20: true, 32: true}

// RSASign produces a raw RSA signature over a pre-computed digest: the
// CRT private-key operation applied directly to the digest bytes, with
// no DigestInfo ASN.1 wrapping (the engine's callers are expected to
// supply an already-framed digest, matching the source's "signing is
// just decryption" treatment of RSA).
func RSASign(c *Context, digest []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPrivateKey) {
		return nil, c.setError("RSASign", ErrorNotAvail, "key")
	}
	if !acceptableDigestLengths[len(digest)] && !(AllowSSLRawSignatureLength && len(digest) == sslRawSignatureLen) {
		return nil, c.setError("RSASign", ErrorBadData, "digest-length")
	}
	m := new(big.Int).SetBytes(digest)
	sig, err := rsaPrivateCRT(c, m)
	if err != nil {
		return nil, c.setError("RSASign", ErrorFailed, "crt")
	}
	return sig, nil
}

// RSAVerify checks a raw RSA signature against a pre-computed digest.
func RSAVerify(c *Context, digest, signature []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flags.Has(FlagIsPublicKey) {
		return false, c.setError("RSAVerify", ErrorNotAvail, "key")
	}
	if !acceptableDigestLengths[len(digest)] && !(AllowSSLRawSignatureLength && len(digest) == sslRawSignatureLen) {
		return false, c.setError("RSAVerify", ErrorBadData, "digest-length")
	}
	n, e := c.pkc.Params["n"], c.pkc.Params["e"]
	sig := new(big.Int).SetBytes(signature)
	if sig.Cmp(n) >= 0 {
		return false, nil
	}
	recovered := c.pkc.Montgomery["n"].Exp(sig, e)
	return recovered.Cmp(new(big.Int).SetBytes(digest)) == 0, nil
}

// installRSAMarshal wires the PublicKeyPayload.Marshal/Unmarshal
// function pointers of spec §6 to a SubjectPublicKeyInfo encode/decode
// pair, using stdlib crypto/x509 for the ASN.1 framing (the same
// package the teacher's own DKIM signer uses for RSA key parsing, see
// email/dkim/dkim_sign.go).
func installRSAMarshal(pkc *PublicKeyPayload) {
	pkc.Marshal = func(p *PublicKeyPayload) ([]byte, error) {
		pub := &rsa.PublicKey{N: new(big.Int).Set(p.Params["n"]), E: int(p.Params["e"].Int64())}
		return x509.MarshalPKIXPublicKey(pub)
	}
	pkc.Unmarshal = func(p *PublicKeyPayload, der []byte) error {
		key, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return wrapf("RSAUnmarshal", ErrorBadData, "der", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return errf("RSAUnmarshal", ErrorBadData, "keytype")
		}
		p.Params["n"] = pub.N
		p.Params["e"] = big.NewInt(int64(pub.E))
		p.Montgomery["n"] = NewMontgomeryForm(pub.N)
		return nil
	}
}
