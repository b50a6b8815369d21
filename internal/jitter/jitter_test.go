package jitter

import (
	"errors"
	"testing"

	"bootguard/internal/hal"
)

func TestRandomBytes(t *testing.T) {
	src := NewSource(hal.NewSimEntropy(), 3)

	a, err := src.RandomBytes(32)
	if err != nil {
		t.Fatal(err)
	}
	b, err := src.RandomBytes(32)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("lengths %d, %d", len(a), len(b))
	}
	if string(a) == string(b) {
		t.Error("two reads returned identical bytes")
	}
}

func TestRandomBytesRetries(t *testing.T) {
	entropy := hal.NewSimEntropy()
	src := NewSource(entropy, 3)

	// Two failures fit inside the budget of three attempts.
	entropy.FailNext(2)
	if _, err := src.RandomBytes(16); err != nil {
		t.Fatalf("recoverable failure sequence: %v", err)
	}

	// Three failures exhaust it.
	entropy.FailNext(3)
	if _, err := src.RandomBytes(16); !errors.Is(err, ErrEntropyExhausted) {
		t.Fatalf("exhausted budget = %v, want ErrEntropyExhausted", err)
	}
}

func TestRandomBytesUnready(t *testing.T) {
	entropy := hal.NewSimEntropy()
	entropy.SetReady(false)
	src := NewSource(entropy, 2)

	_, err := src.RandomBytes(16)
	if !errors.Is(err, ErrEntropyExhausted) {
		t.Fatalf("unready source = %v", err)
	}
	if !errors.Is(err, hal.ErrEntropyNotReady) {
		t.Fatalf("cause not preserved: %v", err)
	}
}

func TestJitterDoesNotBlockOnEntropyFailure(t *testing.T) {
	entropy := hal.NewSimEntropy()
	entropy.SetReady(false)
	src := NewSource(entropy, 1)

	// Must complete with the degraded fixed delay.
	src.Jitter(10, 100)
	src.Jitter(0, 0)
	src.Jitter(100, 10) // max below min clamps
}
