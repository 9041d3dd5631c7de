//go:build linux

package backend

import "golang.org/x/sys/unix"

// pinThread binds the calling thread to one logical CPU. The caller must
// already hold runtime.LockOSThread.
func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
