// Package hal defines the capability interfaces the boot engine consumes
// from the hardware it runs on: sensors, entropy, the device fingerprint,
// write-once storage, the isolation controller, and system reset.
//
// The engine never touches peripheral registers directly. Everything below
// this boundary is supplied by the integrator; the sim implementations in
// this package exist for host-side testing and the demo binaries.
package hal

import "errors"

// Capability errors.
var (
	ErrEntropyNotReady = errors.New("hal: entropy source not ready")
	ErrSlotUnwritten   = errors.New("hal: slot has never been written")
	ErrSlotWritten     = errors.New("hal: slot already written")
	ErrStoreLocked     = errors.New("hal: store is locked")
	ErrCounterRegress  = errors.New("hal: monotonic counter cannot move backwards")
)

// Sensors reads the supply voltage and die temperature.
type Sensors interface {
	// ReadVoltage returns the current supply voltage in millivolts.
	ReadVoltage() (uint32, error)

	// ReadTemperature returns the current temperature in degrees Celsius.
	ReadTemperature() (int32, error)
}

// Entropy is the hardware random number source.
type Entropy interface {
	// Ready reports whether the source has accumulated enough entropy
	// to serve a read.
	Ready() bool

	// Random fills p with hardware random bytes. It fails if the source
	// is not ready; callers that need cryptographic randomness must treat
	// a failure as fatal.
	Random(p []byte) error
}

// Fingerprint reads the raw, noisy, device-unique hardware fingerprint.
// Consecutive reads on the same device differ in a bounded number of bits.
type Fingerprint interface {
	// ReadRaw returns one fingerprint reading. The slice is owned by the
	// caller and must be zeroized after use.
	ReadRaw() ([]byte, error)

	// Size returns the fingerprint length in bytes.
	Size() int
}

// SecureStore is the write-once persistent storage capability. Counters are
// monotonic: a slot value can only move forward, never back. Blob slots are
// programmed exactly once. Lock makes the whole store read-only for the
// remainder of the device lifetime.
type SecureStore interface {
	// Counter returns the current value of a monotonic counter slot.
	// A never-advanced slot reads as zero.
	Counter(slot int) (uint64, error)

	// Advance moves a monotonic counter slot forward to value. Advancing
	// to the current value is a no-op; moving backwards fails with
	// ErrCounterRegress.
	Advance(slot int, value uint64) error

	// ReadBlob returns the contents of a write-once blob slot, or
	// ErrSlotUnwritten if it was never programmed.
	ReadBlob(slot int) ([]byte, error)

	// WriteBlobOnce programs a blob slot. A second write to the same slot
	// fails with ErrSlotWritten.
	WriteBlobOnce(slot int, data []byte) error

	// Lock makes the store permanently read-only.
	Lock() error
}

// Isolation reports the state of the secure/non-secure split. The engine
// does not configure isolation; it only verifies that whoever ran before it
// left the split active and locked.
type Isolation interface {
	// Active reports whether the secure-world partition is enforced.
	Active() bool

	// Locked reports whether the partition configuration is immutable.
	Locked() bool
}

// System is the reset capability. On real hardware Reset never returns;
// simulated implementations record the request and do return, so that the
// surrounding test can observe it.
type System interface {
	Reset()
}

// Well-known SecureStore slot assignments.
const (
	// SlotVersionLedger holds the anti-rollback version ledger as a single
	// packed monotonic counter.
	SlotVersionLedger = 0

	// SlotBootCounter counts completed attestation generations.
	SlotBootCounter = 1

	// SlotTamperLock is the sticky device-lock counter: zero means clear,
	// anything above zero means the device tripped a tamper response.
	SlotTamperLock = 2

	// SlotHelperData is the blob slot holding PUF enrollment helper data.
	SlotHelperData = 0

	// SlotDeviceID is the blob slot holding the 16-byte device identity.
	SlotDeviceID = 1
)
