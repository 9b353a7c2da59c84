package crypto

import "testing"

func TestCapabilityConsistentRejectsBadBlockCipher(t *testing.T) {
	bad := &CapabilityDescriptor{
		ID:   AlgoID(9001),
		Name: "bad-block",
		Type: TypeConventional,
		// BlockSize < 8 and no modes: should fail both rules.
	}
	if err := CapabilityConsistent(bad); err == nil {
		t.Fatal("expected error for undersized block cipher with no modes")
	}
}

func TestCapabilityConsistentRejectsStreamWithoutOFB(t *testing.T) {
	bad := &CapabilityDescriptor{
		ID:        AlgoID(9002),
		Name:      "bad-stream",
		Type:      TypeConventional,
		Stream:    true,
		MinKeyLen: 16,
		Modes:     []Mode{ModeCBC},
	}
	if err := CapabilityConsistent(bad); err == nil {
		t.Fatal("expected error for stream cipher not supporting OFB")
	}
}

func TestCapabilityConsistentRejectsUndersizedPKC(t *testing.T) {
	bad := &CapabilityDescriptor{
		ID:           AlgoID(9003),
		Name:         "bad-pkc",
		Type:         TypePublicKey,
		DefKeyLen:    32, // 256 bits, below MinPkcBits
		HasSignature: true,
	}
	if err := CapabilityConsistent(bad); err == nil {
		t.Fatal("expected error for PKC default key size below MinPkcBits")
	}
}

func TestCapabilityConsistentRejectsPKCWithBlockSize(t *testing.T) {
	bad := &CapabilityDescriptor{
		ID:        AlgoID(9004),
		Name:      "bad-pkc-blocksize",
		Type:      TypePublicKey,
		DefKeyLen: 256,
		BlockSize: 16,
		HasCipher: true,
	}
	if err := CapabilityConsistent(bad); err == nil {
		t.Fatal("expected error for PKC declaring a block size")
	}
}

func TestRegisteredCapabilitiesAreConsistent(t *testing.T) {
	for id, c := range registry {
		if err := CapabilityConsistent(c); err != nil {
			t.Errorf("registered capability %d (%s) inconsistent: %v", id, c.Name, err)
		}
	}
}

func TestDefaultModePrefersCBC(t *testing.T) {
	c := &CapabilityDescriptor{Modes: []Mode{ModeECB, ModeCBC, ModeOFB}}
	m, ok := defaultMode(c)
	if !ok || m != ModeCBC {
		t.Fatalf("defaultMode = %v, %v; want CBC, true", m, ok)
	}
}

func TestDefaultModeFallsBackToECB(t *testing.T) {
	c := &CapabilityDescriptor{Modes: []Mode{ModeECB}}
	m, ok := defaultMode(c)
	if !ok || m != ModeECB {
		t.Fatalf("defaultMode = %v, %v; want ECB, true", m, ok)
	}
}

func TestCapabilityLookupUnknownAlgorithm(t *testing.T) {
	if _, ok := Capability(AlgoID(99999)); ok {
		t.Fatal("expected lookup miss for unregistered algorithm id")
	}
}
