package crypto

import "testing"

func TestRunSelfTestsAllPass(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full algorithm self-test sweep in short mode")
	}
	if err := RunSelfTests(); err != nil {
		t.Fatalf("RunSelfTests: %v", err)
	}
}

func TestRunSelfTestsSkipsCapabilitiesWithoutSelfTest(t *testing.T) {
	saved := registry[AlgoAES]
	defer func() { registry[AlgoAES] = saved }()
	noTest := *saved
	noTest.SelfTest = nil
	registry[AlgoAES] = &noTest
	if err := RunSelfTests(); err != nil {
		t.Fatalf("RunSelfTests should not fail on a capability with no SelfTest: %v", err)
	}
}
