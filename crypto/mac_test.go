package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"
)

func TestMACRoundTripMatchesStdlibHMAC(t *testing.T) {
	ctx, err := NewContext(AlgoHMACSHA256, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	key := []byte("shared-secret")
	if err := MACSetKey(ctx, key); err != nil {
		t.Fatalf("MACSetKey: %v", err)
	}
	if err := MACUpdate(ctx, []byte("message body")); err != nil {
		t.Fatalf("MACUpdate: %v", err)
	}
	got, err := MACFinal(ctx)
	if err != nil {
		t.Fatalf("MACFinal: %v", err)
	}

	want := hmac.New(sha256.New, key)
	want.Write([]byte("message body"))
	if string(got) != string(want.Sum(nil)) {
		t.Fatalf("MAC mismatch: got %x want %x", got, want.Sum(nil))
	}
}

func TestMACSetKeyRejectsOversizedKey(t *testing.T) {
	ctx, err := NewContext(AlgoHMACSHA256, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	oversized := make([]byte, 1024)
	if err := MACSetKey(ctx, oversized); err == nil {
		t.Fatal("expected error for oversized MAC key")
	}
}

func TestMACSetKeyRejectsSecondCall(t *testing.T) {
	ctx, err := NewContext(AlgoHMACSHA256, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if err := MACSetKey(ctx, []byte("key-one")); err != nil {
		t.Fatalf("MACSetKey: %v", err)
	}
	if err := MACSetKey(ctx, []byte("key-two")); err == nil {
		t.Fatal("expected error re-setting the MAC key")
	}
}

func TestMACUpdateBeforeKeyRejected(t *testing.T) {
	ctx, err := NewContext(AlgoHMACSHA256, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if err := MACUpdate(ctx, []byte("x")); err == nil {
		t.Fatal("expected error updating a MAC context with no key set")
	}
}
