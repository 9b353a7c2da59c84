package crypto

import (
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// Flags is a bitset over the per-context state flags of spec §3.
type Flags uint32

const (
	FlagKeySet Flags = 1 << iota
	FlagIVSet
	FlagIsPublicKey
	FlagIsPrivateKey
	FlagDummy
	FlagEphemeral
	FlagSideChannelProtection
	FlagHashInited
	FlagHashDone
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// maxLabelLen bounds Context.label, per spec §3.
const maxLabelLen = 64

// Context is the tagged union over {Conventional, PublicKey, Hash, MAC},
// per spec §3. Exactly one payload field is live for a given Type; the
// others are nil. This is the idiomatic Go rendering of the source's
// union-with-discriminator (DESIGN NOTES: "re-express as a sum type
// whose variants own their payload types").
type Context struct {
	mu sync.Mutex

	typ        Type
	capability *CapabilityDescriptor
	flags      Flags
	label      string

	errorLocus string
	errorType  ErrorKind

	conv *ConventionalPayload
	pkc  *PublicKeyPayload
	hash *HashPayload
	mac  *MACPayload

	ownerHandle, objectHandle int64

	// asyncAbort is the cooperative cancellation flag key generation
	// polls, per spec §5. It is the only concurrency primitive the
	// engine requires from its host.
	asyncAbort *CancelToken
}

// ConventionalPayload is the Conventional variant's key/IV/mode state,
// per spec §3.
type ConventionalPayload struct {
	Mode Mode

	userKey    [32]byte
	userKeyLen int

	iv        [16]byte
	ivLen     int
	currentIV [16]byte // live CFB/OFB feedback register, seeded from iv
	ivCount   int       // bytes of currentIV already consumed as keystream, per §4.2

	keySchedule interface{} // opaque, algorithm-sized (e.g. cipher.Block)

	kdfSalt    []byte
	kdfIters   int
	kdfAlgoID  AlgoID
}

// PublicKeyPayload is the PublicKey variant's state, per spec §3.
type PublicKeyPayload struct {
	KeySizeBits int
	KeyID       []byte // hash-size key fingerprint
	PGPKeyID    uint64
	OpenPGPKeyID uint64
	CreationTime int64

	// Named big-integer parameters. For RSA: n,e,d,p,q,u,e1,e2. For
	// DSA/DH/Elgamal: p,q,g,x,y.
	Params map[string]*big.Int

	// Montgomery contexts for n, p, q (RSA) or p (DLP), keyed the same
	// way as Params. See bignum.go: this is bookkeeping over math/big,
	// not a reimplementation of Montgomery arithmetic.
	Montgomery map[string]*MontgomeryForm

	// Blinding values (k, k^-1 mod n), present only when
	// FlagSideChannelProtection is set (RSA).
	BlindK, BlindKInv *big.Int

	SPKI []byte // optional serialised SubjectPublicKeyInfo

	Marshal   func(*PublicKeyPayload) ([]byte, error)
	Unmarshal func(*PublicKeyPayload, []byte) error
}

// HashPayload is the Hash variant's state, per spec §3.
type HashPayload struct {
	state      interface{} // opaque hash.Hash
	lastDigest [maxHashSize]byte
	digestLen  int
}

// MACPayload is the MAC variant's state, per spec §3.
type MACPayload struct {
	userKey    [32]byte
	userKeyLen int

	state   interface{} // opaque hash.Hash (HMAC)
	lastMAC [maxHashSize]byte

	kdfSalt   []byte
	kdfIters  int
	kdfAlgoID AlgoID
}

// NewContext allocates a Context for the given algorithm. ownerHandle
// identifies the external "device" that owns the context (0 for the
// default, in-process engine). If label == "", a UUIDv4 is assigned
// (SPEC_FULL §3: "CryptoContext.label defaulting").
func NewContext(id AlgoID, ownerHandle int64, label string) (*Context, error) {
	cap, ok := Capability(id)
	if !ok {
		return nil, errf("NewContext", ErrorNotAvail, "algorithm")
	}
	if label == "" {
		label = uuid.NewString()
	}
	if len(label) > maxLabelLen {
		label = label[:maxLabelLen]
	}

	ctx := &Context{
		typ:         cap.Type,
		capability:  cap,
		label:       label,
		ownerHandle: ownerHandle,
		asyncAbort:  NewCancelToken(),
	}

	switch cap.Type {
	case TypeConventional:
		conv := &ConventionalPayload{}
		if m, ok := defaultMode(cap); ok {
			conv.Mode = m
		}
		ctx.conv = conv
	case TypePublicKey:
		ctx.pkc = &PublicKeyPayload{
			Params:     make(map[string]*big.Int),
			Montgomery: make(map[string]*MontgomeryForm),
		}
	case TypeHash:
		ctx.hash = &HashPayload{}
	case TypeMAC:
		ctx.mac = &MACPayload{}
	}

	return ctx, nil
}

// Label returns the context's bounded-length text identifier.
func (c *Context) Label() string { return c.label }

// Type returns the tagged-union discriminant.
func (c *Context) Type() Type { return c.typ }

// Capability returns the immutable descriptor backing this context.
func (c *Context) Capability() *CapabilityDescriptor { return c.capability }

// Flags returns the current flag set.
func (c *Context) Flags() Flags { return c.flags }

func (c *Context) setFlag(f Flags)   { c.flags |= f }
func (c *Context) clearFlag(f Flags) { c.flags &^= f }

// setError records the last-error attribution (errorLocus, errorType),
// per spec §3, and returns an *Error for the caller.
func (c *Context) setError(op string, kind ErrorKind, locus string) error {
	c.errorType = kind
	c.errorLocus = locus
	return errf(op, kind, locus)
}

// LastError returns the context's last-error attribution.
func (c *Context) LastError() (locus string, kind ErrorKind) {
	return c.errorLocus, c.errorType
}

// RequestAbort cooperatively requests that any in-flight key generation
// on this context stop at the next poll point, per spec §5.
func (c *Context) RequestAbort() { c.asyncAbort.Request() }

// CancelToken returns the context's cancellation token, so a caller can
// pass it through to a key-generation call that takes one explicitly.
func (c *Context) CancelToken() *CancelToken { return c.asyncAbort }

// Close zeroises secret-bearing payload state. Per spec §3 ("the
// userKey buffer must be zeroised on context destruction") and DESIGN
// NOTES ("drop zeroises secret-bearing variants"), this takes the role
// of a destructor; Go has no destructors, so callers must call it
// explicitly (typically via defer) when a context holds key material.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv != nil {
		zero(c.conv.userKey[:])
		zero(c.conv.iv[:])
		zero(c.conv.currentIV[:])
		c.conv.keySchedule = nil
	}
	if c.pkc != nil {
		for _, v := range c.pkc.Params {
			if v != nil {
				v.SetInt64(0)
			}
		}
		if c.pkc.BlindK != nil {
			c.pkc.BlindK.SetInt64(0)
		}
		if c.pkc.BlindKInv != nil {
			c.pkc.BlindKInv.SetInt64(0)
		}
	}
	if c.mac != nil {
		zero(c.mac.userKey[:])
		c.mac.state = nil
	}
	if c.hash != nil {
		c.hash.state = nil
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
