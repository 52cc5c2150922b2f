// Package mbx implements the seqlock mailbox: one writer, many lock-free
// readers, bounded staleness (spec §3, §4.2). It is the Go counterpart of
// the C original's lib/mbx.c, generalised with a type parameter for the
// payload instead of a raw byte blocksize.
package mbx

import (
	"sync/atomic"
	"unsafe"

	"github.com/dspdaemon/dspd/internal/atomics"
)

// Slots is the fixed slot count N from spec §3 ("A fixed array of N slots
// (N=4)").
const Slots = 4

const busyBit = 1

// word is a memory-ordered 32-bit counter that either owns its storage or
// aliases a uint32 embedded in a caller-provided byte buffer, the same
// unsafe.Pointer-onto-[]byte idiom shared-memory seqlocks use elsewhere in
// the ecosystem to publish across process boundaries without copying.
type word struct {
	owned atomics.Uint32
	ptr   *uint32
}

func (w *word) Load() uint32 {
	if w.ptr != nil {
		return atomic.LoadUint32(w.ptr)
	}
	return w.owned.Load()
}

func (w *word) Store(v uint32) {
	if w.ptr != nil {
		atomic.StoreUint32(w.ptr, v)
		return
	}
	w.owned.Store(v)
}

func (w *word) bindTo(p *uint32) { w.ptr = p }

// seqlock guards one slot with a sequence counter whose low bit means
// "write in progress", plus an overflow counter composing a 64-bit version.
type seqlock struct {
	seq      word
	overflow word
}

func (l *seqlock) readBegin() (version uint64, ok bool) {
	seq := l.seq.Load()
	if seq&busyBit != 0 {
		return 0, false
	}
	ovl := l.overflow.Load()
	if l.seq.Load() != seq {
		return 0, false
	}
	if l.overflow.Load() != ovl {
		return 0, false
	}
	return uint64(ovl)<<32 | uint64(seq), true
}

func (l *seqlock) readComplete(version uint64) bool {
	ctx, ok := l.readBegin()
	return ok && ctx == version
}

func (l *seqlock) writeLock() {
	seq := l.seq.Load() + 1
	if seq&busyBit == 0 {
		// The slot was left in a torn state (shared-memory corruption
		// from a previous writer); nudge it back onto an odd value.
		seq++
	}
	l.seq.Store(seq)
}

func (l *seqlock) writeUnlock() {
	seq := l.seq.Load() + 1
	if seq&busyBit != 0 {
		seq++
	}
	if seq == 0 {
		l.overflow.Store(l.overflow.Load() + 1)
	}
	l.seq.Store(seq)
}

func (l *seqlock) init() {
	l.seq.Store(0)
	l.overflow.Store(0)
}

// Mailbox is a generic seqlock mailbox over payload type T. slotPtrs always
// points at the live storage for each slot: either &slots[i] (New) or an
// address inside a caller-provided buffer (NewOnBuffer).
type Mailbox[T any] struct {
	lastPublished word
	locks         [Slots]seqlock
	slots         [Slots]T
	slotPtrs      [Slots]*T
}

const emptyIndex = ^uint32(0) // bit pattern of int32(-1)

// New returns a mailbox with no published value, backed by its own memory.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	for i := range m.locks {
		m.locks[i].init()
		m.slotPtrs[i] = &m.slots[i]
	}
	m.lastPublished.Store(emptyIndex)
	return m
}

// indexWordSize and slotHeaderSize are the word widths spec §6's MBX
// section layout names: "index word | N × (seq, overflow) | N × status".
const indexWordSize = 4
const slotHeaderSize = 8 // one uint32 seq + one uint32 overflow

// BufferSize returns the number of bytes NewOnBuffer needs to place a
// Mailbox[T] directly on shared memory.
func BufferSize[T any]() int {
	var zero T
	return indexWordSize + Slots*slotHeaderSize + Slots*int(unsafe.Sizeof(zero))
}

// NewOnBuffer places a Mailbox[T] directly on buf instead of allocating its
// own slots, the way internal/fifo.NewOnBuffer places a ring directly on
// shared bytes, so a device-side publisher and a separately attached
// reader (same process or, via an mmap'd fd, a different one) observe the
// identical data rather than private copies (spec §6).
//
// T must be a fixed-layout value type: no pointers, slices, strings, or
// maps, since its bytes are aliased directly onto buf.
//
// NewOnBuffer never writes to buf: a freshly zeroed section's index word
// reads as 0 (slot 0), not the empty sentinel, but every attacher reaches
// the mailbox through a Stream whose state machine requires a Reset before
// any read is reachable, and Reset always (re)writes the empty sentinel
// before that first read can happen. Two independent NewOnBuffer calls
// against the same live buffer is the normal cross-process attach case and
// must not stomp already-published slots, so the one-time "make this
// harmless" write is Reset's job, not this constructor's.
func NewOnBuffer[T any](buf []byte) *Mailbox[T] {
	need := BufferSize[T]()
	if len(buf) < need {
		panic("mbx: backing buffer too small")
	}
	var zero T
	elemSize := int(unsafe.Sizeof(zero))

	m := &Mailbox[T]{}
	m.lastPublished.bindTo((*uint32)(unsafe.Pointer(&buf[0])))
	off := indexWordSize
	for i := 0; i < Slots; i++ {
		m.locks[i].seq.bindTo((*uint32)(unsafe.Pointer(&buf[off])))
		m.locks[i].overflow.bindTo((*uint32)(unsafe.Pointer(&buf[off+4])))
		off += slotHeaderSize
	}
	for i := 0; i < Slots; i++ {
		m.slotPtrs[i] = (*T)(unsafe.Pointer(&buf[off]))
		off += elemSize
	}
	return m
}

// Reset marks the mailbox empty again (spec §4.2 step "index = -1 means no
// valid data yet").
func (m *Mailbox[T]) Reset() {
	m.lastPublished.Store(emptyIndex)
}

// Publish runs the five-step writer protocol from spec §4.2: pick the next
// slot, acquire it, copy the payload, release it, then publish the index.
// Single-writer only.
func (m *Mailbox[T]) Publish(value T) {
	last := int32(m.lastPublished.Load())
	var i int32
	if last < 0 {
		i = 0
	} else {
		i = (last + 1) % Slots
	}
	m.locks[i].writeLock()
	*m.slotPtrs[i] = value
	m.locks[i].writeUnlock()
	m.lastPublished.Store(uint32(i))
}

// Read implements the reader protocol: sample the published index, then
// retry the seqlock read until a torn read is avoided. Returns ok=false iff
// the mailbox has never been published to.
func (m *Mailbox[T]) Read() (value T, ok bool) {
	for {
		idx := int32(m.lastPublished.Load())
		if idx < 0 {
			var zero T
			return zero, false
		}
		slot := &m.locks[idx]
		version, began := slot.readBegin()
		if !began {
			continue
		}
		candidate := *m.slotPtrs[idx]
		if !slot.readComplete(version) {
			continue
		}
		return candidate, true
	}
}
