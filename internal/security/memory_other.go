//go:build !unix

package security

// Swap locking is unavailable; Wipe-on-Destroy still holds.
func lockMemory(data []byte) error { return nil }

func unlockMemory(data []byte) {}
