package crypto

import (
	"errors"
	"testing"
)

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		ErrorNone:     "ErrorNone",
		ErrorBadData:  "ErrorBadData",
		ErrorWrongKey: "ErrorWrongKey",
		AsyncAborted:  "AsyncAborted",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}

func TestErrorRetryable(t *testing.T) {
	if !ErrorTimeout.Retryable() {
		t.Error("ErrorTimeout should be retryable")
	}
	if !AsyncAborted.Retryable() {
		t.Error("AsyncAborted should be retryable")
	}
	if ErrorBadData.Retryable() {
		t.Error("ErrorBadData should not be retryable")
	}
}

func TestWrapfUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := wrapf("op", ErrorFailed, "locus", inner)
	if !errors.Is(err, inner) {
		t.Fatal("wrapf-produced error should unwrap to the original cause")
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("wrapf-produced error should be an *Error")
	}
	if ce.Kind != ErrorFailed || ce.Op != "op" || ce.Locus != "locus" {
		t.Errorf("unexpected *Error fields: %+v", ce)
	}
}

func TestErrfHasNoCause(t *testing.T) {
	err := errf("op", ErrorNotFound, "locus")
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("errf-produced error should be an *Error")
	}
	if ce.Unwrap() != nil {
		t.Error("errf-produced error should have no wrapped cause")
	}
}
