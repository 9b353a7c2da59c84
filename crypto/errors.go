// Package crypto implements the algorithm-agnostic crypto context engine:
// a uniform dispatch layer over conventional block cipher modes, RSA/DSA/DH/
// Elgamal public-key operations, hashes and MACs, built on top of a
// Miller-Rabin/Lim-Lee key generator.
package crypto

import "fmt"

// ErrorKind is the closed taxonomy of result codes every core operation
// reports, per the external interface contract: callers distinguish
// retryable kinds (Timeout, AsyncAborted) from fatal ones.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorBadData
	ErrorNoMem
	ErrorWrongKey
	ErrorSignature
	ErrorOverflow
	ErrorFailed
	ErrorNotInited
	ErrorInited
	ErrorNotAvail
	ErrorNotFound
	ErrorIncomplete
	ErrorDuplicate
	ErrorTimeout
	AsyncAborted
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "ErrorNone"
	case ErrorBadData:
		return "ErrorBadData"
	case ErrorNoMem:
		return "ErrorNoMem"
	case ErrorWrongKey:
		return "ErrorWrongKey"
	case ErrorSignature:
		return "ErrorSignature"
	case ErrorOverflow:
		return "ErrorOverflow"
	case ErrorFailed:
		return "ErrorFailed"
	case ErrorNotInited:
		return "ErrorNotInited"
	case ErrorInited:
		return "ErrorInited"
	case ErrorNotAvail:
		return "ErrorNotAvail"
	case ErrorNotFound:
		return "ErrorNotFound"
	case ErrorIncomplete:
		return "ErrorIncomplete"
	case ErrorDuplicate:
		return "ErrorDuplicate"
	case ErrorTimeout:
		return "ErrorTimeout"
	case AsyncAborted:
		return "AsyncAborted"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Retryable reports whether a caller may usefully retry the operation
// that produced this kind, per spec §6.
func (k ErrorKind) Retryable() bool {
	return k == ErrorTimeout || k == AsyncAborted
}

// Error is the error type returned by core operations. It carries the
// locus (which field or sub-operation failed) alongside the kind, so a
// Context's last-error attribution (errorLocus, errorType) can be
// reconstructed from any returned error.
type Error struct {
	Kind  ErrorKind
	Locus string // e.g. "key", "iv", "e", "p"
	Op    string // e.g. "RSA.GenerateKey", "CBC.Encrypt"
	Err   error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto: %s: %s (%s): %v", e.Op, e.Kind, e.Locus, e.Err)
	}
	if e.Locus != "" {
		return fmt.Sprintf("crypto: %s: %s (%s)", e.Op, e.Kind, e.Locus)
	}
	return fmt.Sprintf("crypto: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func errf(op string, kind ErrorKind, locus string) error {
	return &Error{Kind: kind, Locus: locus, Op: op}
}

func wrapf(op string, kind ErrorKind, locus string, err error) error {
	return &Error{Kind: kind, Locus: locus, Op: op, Err: err}
}
