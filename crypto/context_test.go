package crypto

import "testing"

func TestNewContextDefaultsLabel(t *testing.T) {
	ctx, err := NewContext(AlgoAES, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if ctx.Label() == "" {
		t.Fatal("expected a generated label, got empty string")
	}
}

func TestNewContextTruncatesLabel(t *testing.T) {
	long := ""
	for i := 0; i < maxLabelLen+20; i++ {
		long += "x"
	}
	ctx, err := NewContext(AlgoAES, 0, long)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if len(ctx.Label()) != maxLabelLen {
		t.Fatalf("label length = %d, want %d", len(ctx.Label()), maxLabelLen)
	}
}

func TestNewContextUnknownAlgorithm(t *testing.T) {
	if _, err := NewContext(AlgoID(99999), 0, "x"); err == nil {
		t.Fatal("expected error for unregistered algorithm")
	}
}

func TestNewContextDefaultModeIsCBC(t *testing.T) {
	ctx, err := NewContext(AlgoAES, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if ctx.conv.Mode != ModeCBC {
		t.Fatalf("default mode = %v, want CBC", ctx.conv.Mode)
	}
}

func TestContextCloseZeroisesConventionalKey(t *testing.T) {
	ctx, err := NewContext(AlgoAES, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	for i := range ctx.conv.userKey {
		ctx.conv.userKey[i] = 0xAA
	}
	ctx.Close()
	for i, b := range ctx.conv.userKey {
		if b != 0 {
			t.Fatalf("userKey[%d] = %#x after Close, want 0", i, b)
		}
	}
}

func TestContextCloseZeroisesPKCParams(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	token := NewCancelToken()
	if err := GenerateRSAKey(ctx, 512, MinSieveSize, token); err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	ctx.Close()
	for name, v := range ctx.pkc.Params {
		if v.Sign() != 0 {
			t.Fatalf("param %s not zeroised after Close", name)
		}
	}
}

func TestRequestAbortPropagatesToToken(t *testing.T) {
	ctx, err := NewContext(AlgoRSA, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if ctx.CancelToken().Aborted() {
		t.Fatal("fresh context's token should not be aborted")
	}
	ctx.RequestAbort()
	if !ctx.CancelToken().Aborted() {
		t.Fatal("token should be aborted after RequestAbort")
	}
}

func TestSetErrorRecordsLastError(t *testing.T) {
	ctx, err := NewContext(AlgoAES, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	ctx.setError("op", ErrorBadData, "locus")
	locus, kind := ctx.LastError()
	if locus != "locus" || kind != ErrorBadData {
		t.Fatalf("LastError = (%q, %v), want (locus, ErrorBadData)", locus, kind)
	}
}
