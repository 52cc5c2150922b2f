// Package atomics provides the memory-ordered primitives the rest of the
// data plane builds on: acquire/release loads and stores on 32-bit words,
// a float32 view of the same, and a test-and-set flag. Everything here is
// a thin, explicit-ordering wrapper over sync/atomic — the C original
// (lib/atomic.h) leaned on libatomic_ops macros for the same guarantees.
package atomics

import (
	"math"
	"sync/atomic"
)

// Uint32 is a memory-ordered 32-bit counter. The zero value is ready to use.
type Uint32 struct {
	v atomic.Uint32
}

// Load reads the value with acquire ordering.
func (u *Uint32) Load() uint32 { return u.v.Load() }

// Store writes the value with release ordering.
func (u *Uint32) Store(val uint32) { u.v.Store(val) }

// Add adds delta and returns the new value (fetch-and-add, full barrier).
func (u *Uint32) Add(delta uint32) uint32 { return u.v.Add(delta) }

// CompareAndSwap performs a CAS with full barrier semantics.
func (u *Uint32) CompareAndSwap(old, newVal uint32) bool {
	return u.v.CompareAndSwap(old, newVal)
}

// Float32 is an atomically load/store-able float32, matching the C
// original's union dspd_atomic_float32 trick of punning through the
// integer store instead of relying on a float-sized atomic primitive.
type Float32 struct {
	bits atomic.Uint32
}

// Load reads the current value.
func (f *Float32) Load() float32 {
	return math.Float32frombits(f.bits.Load())
}

// Store writes val atomically.
func (f *Float32) Store(val float32) {
	f.bits.Store(math.Float32bits(val))
}

// TestAndSet is a boolean flag supporting atomic test-and-set and clear,
// mirroring dspd_test_and_set/dspd_test_and_set_clear.
type TestAndSet struct {
	v atomic.Bool
}

// TestAndSet sets the flag and reports whether it was already set.
func (t *TestAndSet) TestAndSet() bool {
	return t.v.Swap(true)
}

// Clear resets the flag to unset.
func (t *TestAndSet) Clear() { t.v.Store(false) }

// IsSet reports the current value without mutating it.
func (t *TestAndSet) IsSet() bool { return t.v.Load() }
