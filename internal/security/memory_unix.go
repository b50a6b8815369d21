//go:build unix

package security

import "golang.org/x/sys/unix"

// lockMemory pins the pages backing data so key material cannot be
// written to swap. Requires RLIMIT_MEMLOCK headroom; callers treat
// failure as advisory.
func lockMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Mlock(data)
}

func unlockMemory(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Munlock(data)
}
