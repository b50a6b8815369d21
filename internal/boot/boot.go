// Package boot drives the verified-boot sequence. The sequencer walks a
// fixed ladder of gates: hardware root of trust, tamper environment,
// anti-rollback ledger, firmware signature, and finally attestation.
// Every gate is evaluated through the layered verifier, every transition
// records a wide completion token, and the tamper mailbox is drained at
// each boundary so an event raised mid-stage is acted on before the next
// gate opens.
package boot

import (
	"errors"
	"fmt"
)

// State is the sequencer's position in the boot ladder.
type State uint32

const (
	StateInit State = iota
	StateRootOfTrust
	StateTamperClear
	StateRollbackClear
	StateSignatureValid
	StateAttestationReady
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRootOfTrust:
		return "root-of-trust"
	case StateTamperClear:
		return "tamper-clear"
	case StateRollbackClear:
		return "rollback-clear"
	case StateSignatureValid:
		return "signature-valid"
	case StateAttestationReady:
		return "attestation-ready"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Reason classifies a boot failure.
type Reason uint32

const (
	ReasonGenericInit Reason = iota + 1
	ReasonTamper
	ReasonRollback
	ReasonSignatureInvalid
	ReasonGlitchDetected
	ReasonStorageExhausted
	ReasonKeyFabricFailure
)

func (r Reason) String() string {
	switch r {
	case ReasonGenericInit:
		return "initialization"
	case ReasonTamper:
		return "tamper"
	case ReasonRollback:
		return "rollback"
	case ReasonSignatureInvalid:
		return "signature-invalid"
	case ReasonGlitchDetected:
		return "glitch-detected"
	case ReasonStorageExhausted:
		return "storage-exhausted"
	case ReasonKeyFabricFailure:
		return "key-fabric-failure"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// Error is a classified boot failure.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("boot failed: %s", e.Reason)
	}
	return fmt.Sprintf("boot failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// failure wraps err with a reason.
func failure(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason from any boot error chain.
func ReasonOf(err error) (Reason, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Reason, true
	}
	return 0, false
}
