package rollback

import (
	"errors"
	"testing"

	"bootguard/internal/hal"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("2.1.3")
	if err != nil {
		t.Fatal(err)
	}
	if v != (Version{Major: 2, Minor: 1, Patch: 3}) {
		t.Fatalf("parsed %+v", v)
	}

	for _, bad := range []string{"", "2.1", "a.b.c", "1.0.0-rc1", "1.0.0+build5"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Errorf("ParseVersion(%q) accepted", bad)
		}
	}
}

func TestCheckOrdering(t *testing.T) {
	s := NewStore(hal.NewSimStore())
	if err := s.Commit(Version{Major: 2, Minor: 0, Patch: 0}); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		candidate Version
		want      Result
		wantErr   bool
	}{
		{Version{2, 0, 0}, ResultEqual, false},
		{Version{2, 0, 1}, ResultHigher, false},
		{Version{2, 1, 0}, ResultHigher, false},
		{Version{3, 0, 0}, ResultHigher, false},
		{Version{1, 9, 9}, ResultFail, true},
		{Version{1, 0, 0}, ResultFail, true},
	}
	for _, tc := range cases {
		res, err := s.Check(tc.candidate)
		if res != tc.want {
			t.Errorf("Check(%s) = %#x, want %#x", tc.candidate, uint32(res), uint32(tc.want))
		}
		if tc.wantErr != (err != nil) {
			t.Errorf("Check(%s) err = %v", tc.candidate, err)
		}
		if tc.wantErr && !errors.Is(err, ErrRollback) {
			t.Errorf("Check(%s) err = %v, want ErrRollback", tc.candidate, err)
		}
	}
}

// Minor resets across a major bump must still count as higher: 2.0.0
// supersedes 1.9.1 even though the minor field shrinks.
func TestMajorBumpResetsMinor(t *testing.T) {
	s := NewStore(hal.NewSimStore())
	if err := s.Commit(Version{Major: 1, Minor: 9, Patch: 1}); err != nil {
		t.Fatal(err)
	}
	res, err := s.Check(Version{Major: 2, Minor: 0, Patch: 0})
	if err != nil || res != ResultHigher {
		t.Fatalf("Check(2.0.0) = %#x, %v", uint32(res), err)
	}
}

func TestCommit(t *testing.T) {
	s := NewStore(hal.NewSimStore())

	cur, err := s.Current()
	if err != nil || cur != (Version{}) {
		t.Fatalf("fresh ledger = %s, %v", cur, err)
	}

	if err := s.Commit(Version{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	cur, _ = s.Current()
	if cur != (Version{1, 2, 3}) {
		t.Fatalf("after commit: %s", cur)
	}

	// Same version again is a no-op.
	if err := s.Commit(Version{1, 2, 3}); err != nil {
		t.Fatalf("idempotent commit: %v", err)
	}

	// Lower version never touches the ledger.
	if err := s.Commit(Version{1, 2, 2}); !errors.Is(err, ErrRollback) {
		t.Fatalf("downgrade commit = %v", err)
	}
	cur, _ = s.Current()
	if cur != (Version{1, 2, 3}) {
		t.Fatalf("ledger moved on failed commit: %s", cur)
	}
}

func TestCommitAfterLock(t *testing.T) {
	hw := hal.NewSimStore()
	s := NewStore(hw)
	if err := s.Commit(Version{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(Version{1, 0, 1}); err == nil {
		t.Fatal("commit succeeded on a locked ledger")
	}
	cur, _ := s.Current()
	if cur != (Version{1, 0, 0}) {
		t.Fatalf("ledger changed after lock: %s", cur)
	}
}

func TestResultAcceptable(t *testing.T) {
	if ResultFail.Acceptable() {
		t.Error("fail verdict accepted")
	}
	if !ResultEqual.Acceptable() || !ResultHigher.Acceptable() {
		t.Error("passing verdicts rejected")
	}
	if Result(0).Acceptable() {
		t.Error("zero value accepted")
	}
}

func TestPackRange(t *testing.T) {
	if _, err := (Version{Major: 1, Minor: 70000, Patch: 0}).pack(); err == nil {
		t.Error("minor overflow accepted")
	}
	if _, err := (Version{Major: -1, Minor: 0, Patch: 0}).pack(); err == nil {
		t.Error("negative component accepted")
	}
}
