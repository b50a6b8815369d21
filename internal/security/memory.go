// Package security provides the memory-hygiene primitives the boot engine
// relies on: guaranteed zeroization of secret buffers, constant-time
// comparison, and swap-locked allocations for key material.
package security

import (
	"crypto/subtle"
	"runtime"
	"sync"
)

// Wipe overwrites a byte slice with zeros. The explicit loop plus the
// KeepAlive barrier keeps the writes from being elided.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// the position of the first difference through timing.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ConstantTimeEqual32 compares two 32-bit words in constant time.
func ConstantTimeEqual32(a, b uint32) bool {
	return subtle.ConstantTimeEq(int32(a), int32(b)) == 1
}

// Buffer holds secret bytes that are wiped on Destroy and, where the
// platform allows, locked out of swap. A destroyed Buffer reads as empty.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewBuffer allocates a secret buffer of the given size. Failure to lock
// the pages is not fatal; the zeroization guarantee holds regardless.
func NewBuffer(size int) *Buffer {
	b := &Buffer{data: make([]byte, size)}
	if err := lockMemory(b.data); err == nil {
		b.locked = true
	}
	runtime.SetFinalizer(b, func(b *Buffer) { b.Destroy() })
	return b
}

// BufferFrom copies data into a new Buffer and wipes the original slice.
func BufferFrom(data []byte) *Buffer {
	b := NewBuffer(len(data))
	copy(b.data, data)
	Wipe(data)
	return b
}

// Bytes exposes the underlying storage. The slice must not be retained
// past the Buffer's lifetime.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len returns the buffer length, zero once destroyed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Destroy wipes the contents and releases the swap lock. Safe to call
// more than once.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return
	}
	Wipe(b.data)
	if b.locked {
		unlockMemory(b.data)
		b.locked = false
	}
	b.data = nil
}
