// Package fifo implements the bounded, lock-free single-producer /
// single-consumer byte ring that carries PCM payload between a client and
// the server mixer (spec §3, §4.1). It is ported from the C original's
// lib/fifo.c: two monotonically increasing 32-bit counters (in, out)
// whose difference — taken modulo 2^32 — is always the occupancy, plus an
// out-of-band error word either side may set to fail the FIFO permanently.
//
// Exactly one goroutine may call the writer-side methods (Reserve/CommitWrite)
// and exactly one may call the reader-side methods (Peek/CommitRead); that
// discipline is the caller's responsibility, not this package's.
package fifo

import (
	"github.com/dspdaemon/dspd/internal/atomics"
	"github.com/dspdaemon/dspd/internal/dspderr"
)

// FIFO is a fixed-capacity ring of byte elements of ElementSize bytes each.
type FIFO struct {
	elementSize uint32
	capacity    uint32 // in elements
	in          atomics.Uint32
	out         atomics.Uint32
	errv        atomics.Uint32
	data        []byte
}

// New allocates a FIFO able to hold capacity elements of elementSize bytes.
// capacity need not be a power of two; the external contract only requires
// it be representable and nonzero.
func New(capacity, elementSize uint32) *FIFO {
	if capacity == 0 || elementSize == 0 {
		panic("fifo: capacity and elementSize must be nonzero")
	}
	return &FIFO{
		elementSize: elementSize,
		capacity:    capacity,
		data:        make([]byte, uint64(capacity)*uint64(elementSize)),
	}
}

// NewOnBuffer places a FIFO's element storage directly on buf, which must be
// at least capacity*elementSize bytes — the shared-memory placement form
// used when a stream is attached to a shm section (spec §6).
func NewOnBuffer(buf []byte, capacity, elementSize uint32) *FIFO {
	need := uint64(capacity) * uint64(elementSize)
	if uint64(len(buf)) < need {
		panic("fifo: backing buffer too small")
	}
	return &FIFO{elementSize: elementSize, capacity: capacity, data: buf[:need]}
}

// ElementSize returns the configured element size in bytes.
func (f *FIFO) ElementSize() uint32 { return f.elementSize }

// Capacity returns the number of elements the ring holds.
func (f *FIFO) Capacity() uint32 { return f.capacity }

// Error returns the sticky error word. A non-zero value means any side must
// treat the FIFO as permanently failed.
func (f *FIFO) Error() int32 { return int32(f.errv.Load()) }

// SetError latches a terminal error code visible to both sides.
func (f *FIFO) SetError(code int32) { f.errv.Store(uint32(code)) }

// counters reads (in, out) with acquire ordering and validates the
// occupancy invariant in - out <= capacity (spec §3). A violation means the
// backing storage is corrupted.
func (f *FIFO) counters() (in, out, used uint32, err error) {
	in = f.in.Load()
	out = f.out.Load()
	used = in - out
	if used > f.capacity {
		return in, out, 0, dspderr.New(dspderr.KindFault, "fifo", nil)
	}
	return in, out, used, nil
}

// Length returns (in, out, occupied element count).
func (f *FIFO) Length() (in, out, used uint32, err error) {
	return f.counters()
}

// Space returns (in, out, free element count).
func (f *FIFO) Space() (in, out, free uint32, err error) {
	in, out, used, err := f.counters()
	if err != nil {
		return in, out, 0, err
	}
	return in, out, f.capacity - used, nil
}

func (f *FIFO) slice(idx uint32) []byte {
	off := uint64(idx%f.capacity) * uint64(f.elementSize)
	return f.data[off : off+uint64(f.elementSize)]
}

// ReserveWrite returns a pointer to the next contiguous writable run of up
// to maxElems elements, and how many elements it actually spans — the
// run stops at the wrap point even if more space is free (spec §4.1: "when
// the requested write count straddles the wrap point, the call returns the
// shorter prefix"). The caller should memset the region before use if it
// will expose uninitialised frames (e.g. silence-fill on underrun).
func (f *FIFO) ReserveWrite(maxElems uint32) (region []byte, n uint32, err error) {
	in, _, used, err := f.counters()
	if err != nil {
		return nil, 0, err
	}
	free := f.capacity - used
	if free == 0 {
		return nil, 0, nil
	}
	if maxElems < free {
		free = maxElems
	}
	p := in % f.capacity
	contig := f.capacity - p
	if contig > free {
		contig = free
	}
	off := uint64(p) * uint64(f.elementSize)
	return f.data[off : off+uint64(contig)*uint64(f.elementSize)], contig, nil
}

// ReserveRead is the read-side mirror of ReserveWrite.
func (f *FIFO) ReserveRead(maxElems uint32) (region []byte, n uint32, err error) {
	_, out, used, err := f.counters()
	if err != nil {
		return nil, 0, err
	}
	if used == 0 {
		return nil, 0, nil
	}
	if maxElems < used {
		used = maxElems
	}
	p := out % f.capacity
	contig := f.capacity - p
	if contig > used {
		contig = used
	}
	off := uint64(p) * uint64(f.elementSize)
	return f.data[off : off+uint64(contig)*uint64(f.elementSize)], contig, nil
}

// CommitWrite advances the write counter by n elements with release
// ordering. n is taken as an unsigned delta, so passing a value that wraps
// (a large uint32) implements rewind; rewinding past the current occupancy
// is the caller's error to avoid.
func (f *FIFO) CommitWrite(n uint32) {
	f.in.Store(f.in.Load() + n)
}

// CommitRead advances the read counter by n elements, same rewind
// semantics as CommitWrite.
func (f *FIFO) CommitRead(n uint32) {
	f.out.Store(f.out.Load() + n)
}

// Peek reads up to maxElems elements starting offset elements past the
// current read pointer, without committing. Returns the contiguous run
// available at that offset.
func (f *FIFO) Peek(offset, maxElems uint32) (region []byte, n uint32, err error) {
	_, out, _, err := f.counters()
	if err != nil {
		return nil, 0, err
	}
	out += offset
	avail := f.in.Load() - out
	if avail > f.capacity {
		return nil, 0, dspderr.New(dspderr.KindFault, "fifo", nil)
	}
	if avail == 0 {
		return nil, 0, nil
	}
	if maxElems < avail {
		avail = maxElems
	}
	p := out % f.capacity
	contig := f.capacity - p
	if contig > avail {
		contig = avail
	}
	off := uint64(p) * uint64(f.elementSize)
	return f.data[off : off+uint64(contig)*uint64(f.elementSize)], contig, nil
}

// Reset zeroes both counters. Only safe with no concurrent producer or
// consumer — callers must quiesce both sides first.
func (f *FIFO) Reset() {
	f.in.Store(0)
	f.out.Store(0)
}

// Write copies len(src)/elementSize elements into the ring, looping over
// the wrap point as needed, mirroring dspd_fifo_write's two-iov approach.
// Returns the number of whole elements written.
func (f *FIFO) Write(src []byte) (uint32, error) {
	count := uint32(len(src)) / f.elementSize
	var written uint32
	for written < count {
		region, n, err := f.ReserveWrite(count - written)
		if err != nil {
			return written, err
		}
		if n == 0 {
			break
		}
		copy(region, src[uint64(written)*uint64(f.elementSize):])
		f.CommitWrite(n)
		written += n
	}
	return written, nil
}

// Read copies up to len(dst)/elementSize elements out of the ring.
func (f *FIFO) Read(dst []byte) (uint32, error) {
	count := uint32(len(dst)) / f.elementSize
	var read uint32
	for read < count {
		region, n, err := f.ReserveRead(count - read)
		if err != nil {
			return read, err
		}
		if n == 0 {
			break
		}
		copy(dst[uint64(read)*uint64(f.elementSize):], region)
		f.CommitRead(n)
		read += n
	}
	return read, nil
}
