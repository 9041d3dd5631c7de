//go:build !linux

package backend

// pinThread is a no-op where the host OS exposes no per-thread affinity.
func pinThread(cpu int) error {
	_ = cpu
	return nil
}
