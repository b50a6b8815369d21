package hal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// SimSensors is a scripted sensor device. Readings are consumed from a
// queue; when the queue drains, the nominal values are returned forever.
type SimSensors struct {
	mu sync.Mutex

	NominalVoltageMV uint32
	NominalTempC     int32

	voltageQueue []uint32
	tempQueue    []int32
}

// NewSimSensors returns a sensor device resting at nominal values.
func NewSimSensors(voltageMV uint32, tempC int32) *SimSensors {
	return &SimSensors{
		NominalVoltageMV: voltageMV,
		NominalTempC:     tempC,
	}
}

// QueueVoltage appends scripted voltage readings.
func (s *SimSensors) QueueVoltage(mv ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltageQueue = append(s.voltageQueue, mv...)
}

// QueueTemperature appends scripted temperature readings.
func (s *SimSensors) QueueTemperature(c ...int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tempQueue = append(s.tempQueue, c...)
}

func (s *SimSensors) ReadVoltage() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.voltageQueue) > 0 {
		v := s.voltageQueue[0]
		s.voltageQueue = s.voltageQueue[1:]
		return v, nil
	}
	return s.NominalVoltageMV, nil
}

func (s *SimSensors) ReadTemperature() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tempQueue) > 0 {
		t := s.tempQueue[0]
		s.tempQueue = s.tempQueue[1:]
		return t, nil
	}
	return s.NominalTempC, nil
}

// SimEntropy wraps crypto/rand with failure injection for tests.
type SimEntropy struct {
	failReads atomic.Int32
	notReady  atomic.Bool
}

// NewSimEntropy returns a ready entropy source backed by crypto/rand.
func NewSimEntropy() *SimEntropy { return &SimEntropy{} }

// SetReady flips readiness; an unready source fails every read.
func (e *SimEntropy) SetReady(ready bool) { e.notReady.Store(!ready) }

// FailNext makes the next n reads fail even while ready.
func (e *SimEntropy) FailNext(n int) { e.failReads.Store(int32(n)) }

func (e *SimEntropy) Ready() bool { return !e.notReady.Load() }

func (e *SimEntropy) Random(p []byte) error {
	if e.notReady.Load() {
		return ErrEntropyNotReady
	}
	if e.failReads.Load() > 0 {
		e.failReads.Add(-1)
		return ErrEntropyNotReady
	}
	_, err := rand.Read(p)
	return err
}

// SimFingerprint models a noisy device-unique fingerprint: every read
// returns the stable base pattern with up to NoiseBits bit flips.
type SimFingerprint struct {
	mu        sync.Mutex
	base      []byte
	NoiseBits int
	reads     uint64
}

// NewSimFingerprint derives a deterministic base pattern from seed.
// size is the fingerprint length in bytes.
func NewSimFingerprint(seed []byte, size, noiseBits int) *SimFingerprint {
	base := make([]byte, size)
	block := sha256.Sum256(seed)
	for off := 0; off < size; {
		n := copy(base[off:], block[:])
		off += n
		block = sha256.Sum256(block[:])
	}
	return &SimFingerprint{base: base, NoiseBits: noiseBits}
}

func (f *SimFingerprint) Size() int { return len(f.base) }

func (f *SimFingerprint) ReadRaw() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]byte, len(f.base))
	copy(out, f.base)

	// Deterministic per-read noise keeps tests reproducible while still
	// exercising the error-correction path.
	f.reads++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], f.reads)
	seed := make([]byte, 0, 16)
	seed = append(seed, f.base[:8]...)
	seed = append(seed, ctr[:]...)
	noise := sha256.Sum256(seed)

	for i := 0; i < f.NoiseBits && i*2+1 < len(noise); i++ {
		bit := binary.BigEndian.Uint16(noise[i*2:i*2+2]) % uint16(len(f.base)*8)
		out[bit/8] ^= 1 << (bit % 8)
	}
	return out, nil
}

// SimStore is an in-memory SecureStore honoring the monotonic and
// write-once contracts.
type SimStore struct {
	mu       sync.Mutex
	counters map[int]uint64
	blobs    map[int][]byte
	locked   bool
}

// NewSimStore returns an empty, unlocked store.
func NewSimStore() *SimStore {
	return &SimStore{
		counters: make(map[int]uint64),
		blobs:    make(map[int][]byte),
	}
}

func (s *SimStore) Counter(slot int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[slot], nil
}

func (s *SimStore) Advance(slot int, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrStoreLocked
	}
	if value < s.counters[slot] {
		return ErrCounterRegress
	}
	s.counters[slot] = value
	return nil
}

func (s *SimStore) ReadBlob(slot int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[slot]
	if !ok {
		return nil, ErrSlotUnwritten
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *SimStore) WriteBlobOnce(slot int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrStoreLocked
	}
	if _, ok := s.blobs[slot]; ok {
		return ErrSlotWritten
	}
	b := make([]byte, len(data))
	copy(b, data)
	s.blobs[slot] = b
	return nil
}

func (s *SimStore) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	return nil
}

// SimIsolation reports a configurable secure-world state.
type SimIsolation struct {
	ActiveState bool
	LockedState bool
}

func (i *SimIsolation) Active() bool { return i.ActiveState }
func (i *SimIsolation) Locked() bool { return i.LockedState }

// SimSystem records reset requests instead of performing them.
type SimSystem struct {
	resets atomic.Uint32
}

func (s *SimSystem) Reset() { s.resets.Add(1) }

// Resets returns how many resets were requested.
func (s *SimSystem) Resets() uint32 { return s.resets.Load() }
