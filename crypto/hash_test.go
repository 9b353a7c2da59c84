package crypto

import (
	"crypto/sha256"
	"testing"
)

func TestHashUpdateFinalProducesExpectedDigest(t *testing.T) {
	ctx, err := NewContext(AlgoSHA256, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if err := HashUpdate(ctx, []byte("hello ")); err != nil {
		t.Fatalf("HashUpdate: %v", err)
	}
	if err := HashUpdate(ctx, []byte("world")); err != nil {
		t.Fatalf("HashUpdate: %v", err)
	}
	got, err := HashFinal(ctx)
	if err != nil {
		t.Fatalf("HashFinal: %v", err)
	}
	want := sha256.Sum256([]byte("hello world"))
	if string(got) != string(want[:]) {
		t.Fatalf("digest mismatch: got %x want %x", got, want)
	}
}

func TestHashUpdateAfterFinalRejected(t *testing.T) {
	ctx, err := NewContext(AlgoSHA256, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if err := HashUpdate(ctx, []byte("x")); err != nil {
		t.Fatalf("HashUpdate: %v", err)
	}
	if _, err := HashFinal(ctx); err != nil {
		t.Fatalf("HashFinal: %v", err)
	}
	if err := HashUpdate(ctx, []byte("y")); err == nil {
		t.Fatal("expected error updating a finalised hash context")
	}
}

func TestHashFinalWithoutUpdateFails(t *testing.T) {
	ctx, err := NewContext(AlgoSHA256, 0, "")
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
	if _, err := HashFinal(ctx); err == nil {
		t.Fatal("expected error finalising a never-updated hash context")
	}
}
