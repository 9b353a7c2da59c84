package crypto

import "fmt"

// RunSelfTests runs every registered capability's SelfTest, collecting
// all failures rather than stopping at the first one, per spec §8
// scenario S2 ("self-test sweep reports every broken algorithm, not
// just the first"). It is the engine's equivalent of the source's
// startup self-test pass.
func RunSelfTests() error {
	var failures []string
	for id, cap := range registry {
		if cap.SelfTest == nil {
			continue
		}
		if err := cap.SelfTest(); err != nil {
			failures = append(failures, fmt.Sprintf("%s (id %d): %v", cap.Name, id, err))
		}
	}
	if len(failures) == 0 {
		return nil
	}
	msg := "self-test failures: "
	for i, f := range failures {
		if i > 0 {
			msg += "; "
		}
		msg += f
	}
	return errf("RunSelfTests", ErrorFailed, msg)
}
