// Package attest records measured-boot evidence and packages it into
// signed attestation reports. Measurements extend a per-stage digest
// table; lifecycle events land in a bounded append-only log. Reports are
// generated only after the root of trust and the rollback ledger have
// been verified this power cycle, and every report consumes one tick of
// the monotonic boot counter.
package attest

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"bootguard/internal/hal"
	"bootguard/internal/logging"
)

// Stage identifies which boot stage produced a measurement.
type Stage uint8

const (
	StageRootOfTrust Stage = iota + 1
	StageTamper
	StageRollback
	StageFirmware
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageRootOfTrust:
		return "root-of-trust"
	case StageTamper:
		return "tamper"
	case StageRollback:
		return "rollback"
	case StageFirmware:
		return "firmware"
	case StageComplete:
		return "complete"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// EventType classifies a boot log entry.
type EventType uint8

const (
	EventBootStart EventType = iota + 1
	EventStagePassed
	EventStageFailed
	EventTamperDetected
	EventKeyErased
	EventBootComplete
)

func (e EventType) String() string {
	switch e {
	case EventBootStart:
		return "boot-start"
	case EventStagePassed:
		return "stage-passed"
	case EventStageFailed:
		return "stage-failed"
	case EventTamperDetected:
		return "tamper-detected"
	case EventKeyErased:
		return "key-erased"
	case EventBootComplete:
		return "boot-complete"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Measurement is one extended digest for a boot stage.
type Measurement struct {
	Stage  Stage  `json:"stage" cbor:"1,keyasint"`
	Digest []byte `json:"digest" cbor:"2,keyasint"`
}

// EventEntry is one boot log record.
type EventEntry struct {
	Type      EventType `json:"type" cbor:"1,keyasint"`
	Timestamp int64     `json:"timestamp" cbor:"2,keyasint"`
	Data      []byte    `json:"data,omitempty" cbor:"3,keyasint,omitempty"`
	Note      string    `json:"note,omitempty" cbor:"4,keyasint,omitempty"`
}

// Recorder errors.
var (
	ErrStorageExhausted = errors.New("attest: evidence storage exhausted")
	ErrNotVerified      = errors.New("attest: boot facts not verified this cycle")
	ErrAlreadySigned    = errors.New("attest: report already signed")
)

// Recorder accumulates evidence during one boot.
type Recorder struct {
	mu sync.Mutex

	maxMeasurements int
	maxEvents       int

	measurements []Measurement
	events       []EventEntry

	rootOfTrustOK bool
	rollbackOK    bool

	started time.Time
	log     *logging.Logger
}

// NewRecorder builds an empty recorder with the given capacities.
func NewRecorder(maxMeasurements, maxEvents int, log *logging.Logger) *Recorder {
	if maxMeasurements < 1 {
		maxMeasurements = 16
	}
	if maxEvents < 1 {
		maxEvents = 32
	}
	if log == nil {
		log = logging.Default()
	}
	return &Recorder{
		maxMeasurements: maxMeasurements,
		maxEvents:       maxEvents,
		started:         time.Now(),
		log:             log.WithComponent("attest"),
	}
}

// Measure extends the measurement table with a digest of data for stage.
// Exhaustion is a hard error: silently dropping evidence would let an
// attacker age out the measurements they want hidden.
func (r *Recorder) Measure(stage Stage, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.measurements) >= r.maxMeasurements {
		return ErrStorageExhausted
	}
	sum := sha256.Sum256(data)
	r.measurements = append(r.measurements, Measurement{
		Stage:  stage,
		Digest: sum[:],
	})
	return nil
}

// Record appends a lifecycle event. data is optional payload bytes,
// note optional free text.
func (r *Recorder) Record(typ EventType, data []byte, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) >= r.maxEvents {
		return ErrStorageExhausted
	}
	var copied []byte
	if len(data) > 0 {
		copied = append([]byte(nil), data...)
	}
	r.events = append(r.events, EventEntry{
		Type:      typ,
		Timestamp: time.Now().Unix(),
		Data:      copied,
		Note:      note,
	})
	return nil
}

// MarkRootOfTrust notes that the hardware root of trust verified.
func (r *Recorder) MarkRootOfTrust() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rootOfTrustOK = true
}

// MarkRollbackVerified notes that the version ledger check passed.
func (r *Recorder) MarkRollbackVerified() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbackOK = true
}

// Measurements returns a snapshot of the measurement table.
func (r *Recorder) Measurements() []Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Measurement, len(r.measurements))
	copy(out, r.measurements)
	return out
}

// Events returns a snapshot of the event log.
func (r *Recorder) Events() []EventEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventEntry, len(r.events))
	copy(out, r.events)
	return out
}

// Generate assembles an unsigned report around the caller's nonce. It
// refuses to run unless both the root of trust and the rollback ledger
// were verified this cycle, and it advances the monotonic boot counter
// so every report is uniquely numbered.
func (r *Recorder) Generate(store hal.SecureStore, nonce []byte, fwVersion string, securityStatus uint32, tamperEvents uint32) (*Report, error) {
	r.mu.Lock()
	verified := r.rootOfTrustOK && r.rollbackOK
	uptime := time.Since(r.started)
	r.mu.Unlock()

	if !verified {
		return nil, ErrNotVerified
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("attest: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}

	count, err := store.Counter(hal.SlotBootCounter)
	if err != nil {
		return nil, fmt.Errorf("attest: read boot counter: %w", err)
	}
	count++
	if err := store.Advance(hal.SlotBootCounter, count); err != nil {
		return nil, fmt.Errorf("attest: advance boot counter: %w", err)
	}

	rep := &Report{
		Version:         ReportVersion,
		Nonce:           append([]byte(nil), nonce...),
		BootCount:       count,
		FirmwareVersion: fwVersion,
		SecurityStatus:  securityStatus,
		TamperEvents:    tamperEvents,
		UptimeMs:        uptime.Milliseconds(),
		Measurements:    r.Measurements(),
		Events:          r.Events(),
	}
	r.log.Info("report generated", "boot_count", count, "measurements", len(rep.Measurements))
	return rep, nil
}
