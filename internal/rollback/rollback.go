// Package rollback enforces monotonic firmware versioning over the
// write-once secure store. The ledger is one packed monotonic counter:
// major, minor, and patch occupy disjoint bit fields, so numeric counter
// order matches version precedence order and the store's no-regress
// guarantee is exactly the anti-rollback guarantee.
package rollback

import (
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"bootguard/internal/hal"
	"bootguard/internal/security"
)

// Version is a firmware version triple.
type Version struct {
	Major int64
	Minor int64
	Patch int64
}

// String renders the dotted form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses "major.minor.patch". Pre-release and build
// metadata are rejected: the ledger only orders released images.
func ParseVersion(s string) (Version, error) {
	sv, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("rollback: parse version %q: %w", s, err)
	}
	if sv.PreRelease != "" || sv.Metadata != "" {
		return Version{}, fmt.Errorf("rollback: version %q carries pre-release or metadata", s)
	}
	return Version{Major: sv.Major, Minor: sv.Minor, Patch: sv.Patch}, nil
}

// Field widths in the packed counter.
const (
	majorShift = 32
	minorShift = 16
	fieldMax   = 0xFFFF
	majorMax   = 0xFFFFFFFF
)

func (v Version) pack() (uint64, error) {
	if v.Major < 0 || v.Major > majorMax || v.Minor < 0 || v.Minor > fieldMax || v.Patch < 0 || v.Patch > fieldMax {
		return 0, fmt.Errorf("rollback: version %s out of ledger range", v)
	}
	return uint64(v.Major)<<majorShift | uint64(v.Minor)<<minorShift | uint64(v.Patch), nil
}

func unpack(raw uint64) Version {
	return Version{
		Major: int64(raw >> majorShift),
		Minor: int64(raw >> minorShift & fieldMax),
		Patch: int64(raw & fieldMax),
	}
}

// Result is the anti-rollback verdict. Wide encodings keep a single
// fault from flipping a fail into a pass; the zero value is not a
// valid verdict.
type Result uint32

const (
	ResultFail   Result = 0x55AA55AA
	ResultEqual  Result = 0x33CC33CC
	ResultHigher Result = 0xCC3333CC
)

// Acceptable reports whether r permits booting the candidate.
func (r Result) Acceptable() bool {
	return security.ConstantTimeEqual32(uint32(r), uint32(ResultEqual)) ||
		security.ConstantTimeEqual32(uint32(r), uint32(ResultHigher))
}

// Store errors.
var (
	ErrRollback = errors.New("rollback: candidate version below ledger")
)

// Store wraps the version ledger slot.
type Store struct {
	store hal.SecureStore
}

// NewStore binds to the secure store.
func NewStore(store hal.SecureStore) *Store {
	return &Store{store: store}
}

// Init validates that the ledger slot is readable. Called once before
// the first Check of a boot attempt; a storage fault here is terminal.
func (s *Store) Init() error {
	if _, err := s.store.Counter(hal.SlotVersionLedger); err != nil {
		return fmt.Errorf("rollback: read ledger: %w", err)
	}
	return nil
}

// Current returns the committed minimum version. A fresh device reads
// as 0.0.0.
func (s *Store) Current() (Version, error) {
	raw, err := s.store.Counter(hal.SlotVersionLedger)
	if err != nil {
		return Version{}, fmt.Errorf("rollback: read ledger: %w", err)
	}
	return unpack(raw), nil
}

// Check compares candidate against the ledger. Any error path returns
// ResultFail; there is no neutral verdict.
func (s *Store) Check(candidate Version) (Result, error) {
	cand, err := candidate.pack()
	if err != nil {
		return ResultFail, err
	}
	cur, err := s.store.Counter(hal.SlotVersionLedger)
	if err != nil {
		return ResultFail, fmt.Errorf("rollback: read ledger: %w", err)
	}
	switch {
	case cand < cur:
		return ResultFail, ErrRollback
	case cand == cur:
		return ResultEqual, nil
	default:
		return ResultHigher, nil
	}
}

// Commit advances the ledger to candidate. Committing the current
// version is a no-op; committing a lower version fails without touching
// the ledger. Callers commit only after the image signature verified.
func (s *Store) Commit(candidate Version) error {
	res, err := s.Check(candidate)
	if err != nil {
		return err
	}
	if res == ResultEqual {
		return nil
	}
	cand, err := candidate.pack()
	if err != nil {
		return err
	}
	if err := s.store.Advance(hal.SlotVersionLedger, cand); err != nil {
		return fmt.Errorf("rollback: advance ledger: %w", err)
	}
	return nil
}

// Lock makes the ledger read-only for the rest of the power cycle.
func (s *Store) Lock() error {
	return s.store.Lock()
}
