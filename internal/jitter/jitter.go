// Package jitter supplies randomized timing delays and bounded-retry
// random byte generation for the boot path. Unpredictable spacing between
// security checks raises the cost of timing a fault at a known point.
package jitter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"bootguard/internal/hal"
)

// ErrEntropyExhausted means the entropy source kept failing past the
// retry budget. Callers on the boot path must treat this as fatal.
var ErrEntropyExhausted = errors.New("jitter: entropy source exhausted retry budget")

// Source produces delays and random bytes from the hardware entropy pool.
type Source struct {
	entropy hal.Entropy
	retries int

	// sink absorbs the delay-loop mixing so the loop has an observable
	// side effect and cannot be optimized away.
	sink atomic.Uint64
}

// NewSource wraps an entropy capability. retries bounds how often a
// failed read is reattempted; values below 1 are clamped to 1.
func NewSource(entropy hal.Entropy, retries int) *Source {
	if retries < 1 {
		retries = 1
	}
	return &Source{entropy: entropy, retries: retries}
}

// RandomBytes fills a fresh buffer of n hardware random bytes, retrying
// transient entropy failures up to the configured budget.
func (s *Source) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if !s.entropy.Ready() {
			lastErr = hal.ErrEntropyNotReady
			continue
		}
		if err := s.entropy.Random(buf); err != nil {
			lastErr = err
			continue
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrEntropyExhausted, lastErr)
}

// Jitter burns a random number of iterations in [min, max]. If the
// entropy source fails, the delay degrades to the fixed minimum rather
// than aborting: a missing delay is worse than a predictable one here,
// and callers that need randomness for keys go through RandomBytes.
func (s *Source) Jitter(min, max int) {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}

	n := min
	if span := max - min; span > 0 {
		var raw [8]byte
		if err := s.entropy.Random(raw[:]); err == nil {
			n = min + int(binary.LittleEndian.Uint64(raw[:])%uint64(span+1))
		}
	}

	s.spin(n)
}

// spin performs n rounds of mixing into the shared sink.
func (s *Source) spin(n int) {
	var acc uint64 = 0x9e3779b97f4a7c15
	for i := 0; i < n; i++ {
		acc ^= acc << 13
		acc ^= acc >> 7
		acc ^= acc << 17
		acc += uint64(i)
	}
	s.sink.Add(acc)
}
