package mbx_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dspdaemon/dspd/internal/mbx"
)

func TestEmptyMailboxReadsNone(t *testing.T) {
	m := mbx.New[int]()
	_, ok := m.Read()
	require.False(t, ok)
}

func TestPublishThenReadObservesLatest(t *testing.T) {
	m := mbx.New[int]()
	m.Publish(1)
	m.Publish(2)
	v, ok := m.Read()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestResetClearsMailbox(t *testing.T) {
	m := mbx.New[int]()
	m.Publish(7)
	m.Reset()
	_, ok := m.Read()
	require.False(t, ok)
}

type onBufferPayload struct {
	A int64
	B int32
}

func TestNewOnBufferSharesStorageAcrossInstances(t *testing.T) {
	buf := make([]byte, mbx.BufferSize[onBufferPayload]())

	writer := mbx.NewOnBuffer[onBufferPayload](buf)
	reader := mbx.NewOnBuffer[onBufferPayload](buf)

	// Two distinct Mailbox[T] values placed on the same bytes must observe
	// each other's writes without either copying through the other's Go
	// object, the way a device-side publisher and a separately attached
	// client see the same mapped shm section. A zeroed buffer reads as slot
	// 0, so the writer resets it to the empty state first.
	writer.Reset()
	_, ok := reader.Read()
	require.False(t, ok)

	writer.Publish(onBufferPayload{A: 42, B: 7})
	v, ok := reader.Read()
	require.True(t, ok)
	require.Equal(t, onBufferPayload{A: 42, B: 7}, v)
}

func TestNewOnBufferTooSmallPanics(t *testing.T) {
	need := mbx.BufferSize[onBufferPayload]()
	require.Panics(t, func() {
		mbx.NewOnBuffer[onBufferPayload](make([]byte, need-1))
	})
}

// TestConcurrentReadNeverTorn is the scenario from spec §8 #3: a reader
// racing a writer across many publishes must only ever observe a value the
// writer actually published — in full, never a mix of two payloads' fields.
func TestConcurrentReadNeverTorn(t *testing.T) {
	type payload struct {
		a, b, c int64 // all three fields always equal within one publish
	}
	m := mbx.New[payload]()
	const iterations = 20000

	var wg sync.WaitGroup
	wg.Add(2)
	var stop atomic.Bool

	go func() {
		defer wg.Done()
		for i := int64(1); i <= iterations; i++ {
			m.Publish(payload{a: i, b: i, c: i})
		}
		stop.Store(true)
	}()

	var sawTorn bool
	go func() {
		defer wg.Done()
		for !stop.Load() {
			v, ok := m.Read()
			if !ok {
				continue
			}
			if v.a != v.b || v.b != v.c {
				sawTorn = true
			}
		}
	}()

	wg.Wait()
	require.False(t, sawTorn, "reader observed a torn mailbox payload")
}
