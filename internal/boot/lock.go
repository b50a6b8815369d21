package boot

import (
	"fmt"

	"bootguard/internal/debuggate"
	"bootguard/internal/hal"
)

// StoreLocker implements the tamper response's device lock over the
// secure store: it bumps the sticky lock counter so the lockdown
// survives reset, makes the store read-only, and slams the debug gate.
type StoreLocker struct {
	Store hal.SecureStore
	Gate  *debuggate.Gate
}

// LockDevice executes the lockdown. The counter bump lands before the
// store lock so a power cut between the two still leaves the device
// marked.
func (l *StoreLocker) LockDevice() error {
	cur, err := l.Store.Counter(hal.SlotTamperLock)
	if err != nil {
		return fmt.Errorf("boot: read lock counter: %w", err)
	}
	if err := l.Store.Advance(hal.SlotTamperLock, cur+1); err != nil {
		return fmt.Errorf("boot: mark device locked: %w", err)
	}
	if err := l.Store.Lock(); err != nil {
		return fmt.Errorf("boot: lock store: %w", err)
	}
	if l.Gate != nil {
		l.Gate.LockPermanent()
	}
	return nil
}

// DeviceLocked reports whether a previous power cycle tripped the lock.
func DeviceLocked(store hal.SecureStore) (bool, error) {
	n, err := store.Counter(hal.SlotTamperLock)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
