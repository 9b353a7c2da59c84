package crypto

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

func init() {
	Register(&CapabilityDescriptor{
		ID:        AlgoMD5,
		Name:      "MD5",
		Type:      TypeHash,
		BlockSize: md5.Size,
		SelfTest:  selfTestHash(AlgoMD5),
	})
	Register(&CapabilityDescriptor{
		ID:        AlgoSHA1,
		Name:      "SHA1",
		Type:      TypeHash,
		BlockSize: sha1.Size,
		SelfTest:  selfTestHash(AlgoSHA1),
	})
	Register(&CapabilityDescriptor{
		ID:        AlgoSHA256,
		Name:      "SHA256",
		Type:      TypeHash,
		BlockSize: sha256.Size,
		SelfTest:  selfTestHash(AlgoSHA256),
	})
}

// NewHasher returns a fresh hash.Hash for the given algorithm, to be
// stored in HashPayload.state.
func NewHasher(id AlgoID) (hash.Hash, error) {
	switch id {
	case AlgoMD5:
		return md5.New(), nil
	case AlgoSHA1:
		return sha1.New(), nil
	case AlgoSHA256:
		return sha256.New(), nil
	default:
		return nil, errf("NewHasher", ErrorNotAvail, "algorithm")
	}
}

// HashUpdate feeds data into the context's running hash state,
// rejecting further updates once FlagHashDone has been set, per
// spec §3 ("a hash context, once finalised, rejects further updates").
func HashUpdate(c *Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typ != TypeHash {
		return c.setError("HashUpdate", ErrorBadData, "type")
	}
	if c.flags.Has(FlagHashDone) {
		return c.setError("HashUpdate", ErrorInited, "state")
	}
	if c.hash.state == nil {
		h, err := NewHasher(c.capability.ID)
		if err != nil {
			return c.setError("HashUpdate", ErrorNotAvail, "algorithm")
		}
		c.hash.state = h
		c.setFlag(FlagHashInited)
	}
	h := c.hash.state.(hash.Hash)
	h.Write(data)
	return nil
}

// HashFinal finalises the digest and marks the context done.
func HashFinal(c *Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typ != TypeHash {
		return nil, c.setError("HashFinal", ErrorBadData, "type")
	}
	if !c.flags.Has(FlagHashInited) {
		return nil, c.setError("HashFinal", ErrorNotInited, "state")
	}
	h := c.hash.state.(hash.Hash)
	sum := h.Sum(nil)
	c.hash.digestLen = copy(c.hash.lastDigest[:], sum)
	c.setFlag(FlagHashDone)
	return sum, nil
}

func selfTestHash(id AlgoID) func() error {
	return func() error {
		h, err := NewHasher(id)
		if err != nil {
			return err
		}
		h.Write([]byte("abc"))
		if len(h.Sum(nil)) == 0 {
			return errf("selfTestHash", ErrorFailed, "digest")
		}
		return nil
	}
}
