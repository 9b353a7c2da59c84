package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

func init() {
	Register(&CapabilityDescriptor{
		ID:        AlgoHMACSHA1,
		Name:      "HMAC-SHA1",
		Type:      TypeMAC,
		MinKeyLen: 1,
		DefKeyLen: sha1.Size,
		MaxKeyLen: 64,
		BlockSize: sha1.Size,
		SelfTest:  selfTestMAC(AlgoHMACSHA1),
	})
	Register(&CapabilityDescriptor{
		ID:        AlgoHMACSHA256,
		Name:      "HMAC-SHA256",
		Type:      TypeMAC,
		MinKeyLen: 1,
		DefKeyLen: sha256.Size,
		MaxKeyLen: 64,
		BlockSize: sha256.Size,
		SelfTest:  selfTestMAC(AlgoHMACSHA256),
	})
}

func newHMAC(id AlgoID, key []byte) (hash.Hash, error) {
	switch id {
	case AlgoHMACSHA1:
		return hmac.New(sha1.New, key), nil
	case AlgoHMACSHA256:
		return hmac.New(sha256.New, key), nil
	default:
		return nil, errf("newHMAC", ErrorNotAvail, "algorithm")
	}
}

// MACSetKey installs the MAC key, per spec §4.3 ("MAC key set before
// any Update").
func MACSetKey(c *Context, key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typ != TypeMAC {
		return c.setError("MACSetKey", ErrorBadData, "type")
	}
	if c.flags.Has(FlagKeySet) {
		return c.setError("MACSetKey", ErrorInited, "key")
	}
	if len(key) < c.capability.MinKeyLen || len(key) > c.capability.MaxKeyLen {
		return c.setError("MACSetKey", ErrorBadData, "keylen")
	}
	h, err := newHMAC(c.capability.ID, key)
	if err != nil {
		return c.setError("MACSetKey", ErrorNotAvail, "algorithm")
	}
	c.mac.userKeyLen = copy(c.mac.userKey[:], key)
	c.mac.state = h
	c.setFlag(FlagKeySet)
	return nil
}

// MACUpdate feeds data into the running MAC.
func MACUpdate(c *Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typ != TypeMAC {
		return c.setError("MACUpdate", ErrorBadData, "type")
	}
	if !c.flags.Has(FlagKeySet) {
		return c.setError("MACUpdate", ErrorNotInited, "key")
	}
	h := c.mac.state.(hash.Hash)
	h.Write(data)
	return nil
}

// MACFinal finalises the MAC value.
func MACFinal(c *Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typ != TypeMAC {
		return nil, c.setError("MACFinal", ErrorBadData, "type")
	}
	if !c.flags.Has(FlagKeySet) {
		return nil, c.setError("MACFinal", ErrorNotInited, "key")
	}
	h := c.mac.state.(hash.Hash)
	sum := h.Sum(nil)
	copy(c.mac.lastMAC[:], sum)
	return sum, nil
}

func selfTestMAC(id AlgoID) func() error {
	return func() error {
		h, err := newHMAC(id, []byte("key"))
		if err != nil {
			return err
		}
		h.Write([]byte("The quick brown fox jumps over the lazy dog"))
		if len(h.Sum(nil)) == 0 {
			return errf("selfTestMAC", ErrorFailed, "digest")
		}
		return nil
	}
}
