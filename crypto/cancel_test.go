package crypto

import "testing"

func TestCancelTokenLifecycle(t *testing.T) {
	tok := NewCancelToken()
	if tok.Aborted() {
		t.Fatal("fresh token should not be aborted")
	}
	tok.Request()
	if !tok.Aborted() {
		t.Fatal("token should report aborted after Request")
	}
}

func TestNilCancelTokenIsNeverAborted(t *testing.T) {
	var tok *CancelToken
	if tok.Aborted() {
		t.Fatal("nil token should report not aborted")
	}
}
