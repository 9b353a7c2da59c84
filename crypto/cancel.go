package crypto

import "sync/atomic"

// CancelToken is the explicit cancellation token threaded through key
// generation, per DESIGN NOTES ("re-express cooperative cancellation via
// a flag in a shared structure as an explicit cancellation token").
// It is checked once per Miller-Rabin iteration and once per sieve scan.
type CancelToken struct {
	abort int32
}

// NewCancelToken returns a fresh, unset token.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Request marks the token as aborted. Safe for concurrent use.
func (t *CancelToken) Request() { atomic.StoreInt32(&t.abort, 1) }

// Aborted reports whether Request has been called.
func (t *CancelToken) Aborted() bool {
	if t == nil {
		return false
	}
	return atomic.LoadInt32(&t.abort) != 0
}
