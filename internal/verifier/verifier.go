// Package verifier implements glitch-resistant security checks. Instead of
// a single branch on a boolean, every decision is carried by a wide
// sentinel word whose valid encodings are far apart in Hamming distance,
// is written and read back through an atomic, and is re-derived from the
// original inputs before the final verdict. Skipping one instruction with
// a fault leaves the sentinel invalid rather than flipped to "pass".
package verifier

import (
	"errors"
	"sync/atomic"

	"bootguard/internal/jitter"
	"bootguard/internal/security"
)

// Token marks the completion of one boot stage. The encodings are
// bit-complement pairs, so no single-bit fault turns one valid token
// into another.
type Token uint32

const (
	TokenInvalid       Token = 0
	TokenInit          Token = 0xA5A5A5A5
	TokenRootOfTrust   Token = 0x5A5A5A5A
	TokenTamperClear   Token = 0xC3C3C3C3
	TokenRollbackClear Token = 0x3C3C3C3C
	TokenSignature     Token = 0x69696969
	TokenBootComplete  Token = 0x96969696
)

// State is the layered-check progress sentinel. Each value is reached
// only by passing the corresponding fact; anything outside the set is
// treated as an attack.
type State uint32

const (
	StateInvalid  State = 0x55AA55AA
	StateFact1OK  State = 0x33CC33CC
	StateFact2OK  State = 0xCC3333CC
	StateFact3OK  State = 0x66996699
	StateFact4OK  State = 0x99669966
	StateAllValid State = 0xAA55AA55
)

var stateLadder = [...]State{StateFact1OK, StateFact2OK, StateFact3OK, StateFact4OK}

// Check errors.
var (
	ErrFactFailed     = errors.New("verifier: fact evaluated false")
	ErrStateCorrupted = errors.New("verifier: progress sentinel corrupted")
	ErrTooManyFacts   = errors.New("verifier: too many facts for one check")
	ErrTokenMismatch  = errors.New("verifier: token progression mismatch")
)

// A Fact is one independently evaluable condition. Facts must be pure:
// Check evaluates each one at least twice.
type Fact func() bool

// Checker runs layered fact evaluation with randomized timing.
type Checker struct {
	timing *jitter.Source

	minIter int
	maxIter int
}

// New builds a Checker. min and max bound the per-fact delay loop.
func New(timing *jitter.Source, minIter, maxIter int) *Checker {
	return &Checker{timing: timing, minIter: minIter, maxIter: maxIter}
}

// Check evaluates up to four facts in order. Each pass advances an atomic
// sentinel down a fixed ladder; the sentinel is read back after every
// write and any unexpected value aborts. After the ladder completes, all
// facts are evaluated a second time in aggregate before StateAllValid is
// declared. Any failure returns a non-nil error; the zero-trust default
// is failure.
func (c *Checker) Check(facts ...Fact) error {
	if len(facts) == 0 {
		return ErrFactFailed
	}
	if len(facts) > len(stateLadder) {
		return ErrTooManyFacts
	}

	var sentinel atomic.Uint32
	sentinel.Store(uint32(StateInvalid))

	expect := StateInvalid
	for i, fact := range facts {
		c.timing.Jitter(c.minIter, c.maxIter)

		if got := State(sentinel.Load()); got != expect {
			return ErrStateCorrupted
		}
		if !fact() {
			return ErrFactFailed
		}

		next := stateLadder[i]
		sentinel.Store(uint32(next))
		if got := State(sentinel.Load()); got != next {
			return ErrStateCorrupted
		}
		expect = next
	}

	c.timing.Jitter(c.minIter, c.maxIter)

	// Re-derive the verdict from the inputs, not from control flow.
	all := true
	for _, fact := range facts {
		if !fact() {
			all = false
		}
	}
	if !all {
		return ErrFactFailed
	}
	if got := State(sentinel.Load()); got != stateLadder[len(facts)-1] {
		return ErrStateCorrupted
	}

	sentinel.Store(uint32(StateAllValid))
	if !security.ConstantTimeEqual32(sentinel.Load(), uint32(StateAllValid)) {
		return ErrStateCorrupted
	}
	return nil
}

// VerifyTokens confirms that a recorded token sequence exactly matches
// the expected progression. Comparison is constant time per slot and
// always walks the full length.
func VerifyTokens(got, want []Token) error {
	if len(got) != len(want) {
		return ErrTokenMismatch
	}
	ok := true
	for i := range want {
		if !security.ConstantTimeEqual32(uint32(got[i]), uint32(want[i])) {
			ok = false
		}
	}
	if !ok {
		return ErrTokenMismatch
	}
	return nil
}

// ValidToken reports whether t is one of the defined stage tokens.
func ValidToken(t Token) bool {
	switch t {
	case TokenInit, TokenRootOfTrust, TokenTamperClear,
		TokenRollbackClear, TokenSignature, TokenBootComplete:
		return true
	}
	return false
}
