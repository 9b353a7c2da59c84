package crypto

import "testing"

func TestAESCapabilitySelfTest(t *testing.T) {
	cap, ok := Capability(AlgoAES)
	if !ok {
		t.Fatal("AlgoAES not registered")
	}
	if err := cap.SelfTest(); err != nil {
		t.Fatalf("AES self-test: %v", err)
	}
}

func TestDES3CapabilitySelfTest(t *testing.T) {
	cap, ok := Capability(AlgoDES3)
	if !ok {
		t.Fatal("AlgoDES3 not registered")
	}
	if err := cap.SelfTest(); err != nil {
		t.Fatalf("3DES self-test: %v", err)
	}
}

func TestNewAESBlockRejectsBadKeyLength(t *testing.T) {
	if _, err := NewAESBlock(make([]byte, 5)); err == nil {
		t.Fatal("expected error for invalid AES key length")
	}
}

func TestNewDES3BlockRejectsBadKeyLength(t *testing.T) {
	if _, err := NewDES3Block(make([]byte, 5)); err == nil {
		t.Fatal("expected error for invalid 3DES key length")
	}
}
