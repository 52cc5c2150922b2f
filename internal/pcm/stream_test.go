package pcm_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dspdaemon/dspd/internal/fifo"
	"github.com/dspdaemon/dspd/internal/mbx"
	"github.com/dspdaemon/dspd/internal/pcm"
)

func newMbxBuf() []byte {
	return make([]byte, mbx.BufferSize[pcm.Status]())
}

func newAttachedStream(t *testing.T, dir pcm.Direction, channels int, bufSize uint32) *pcm.Stream {
	t.Helper()
	s := pcm.NewStream(dir)
	params := pcm.Params{
		Format:   pcm.FormatS16LE,
		Channels: channels,
		Rate:     48000,
		BufSize:  bufSize,
		FragSize: bufSize / 4,
	}
	fifoBuf := make([]byte, uint64(bufSize)*uint64(4*channels))
	require.NoError(t, s.Attach(params, fifoBuf, newMbxBuf()))
	return s
}

func TestAttachRejectsAlreadyBoundStream(t *testing.T) {
	s := newAttachedStream(t, pcm.Playback, 2, 64)
	require.Equal(t, pcm.StateBound, s.State())
	err := s.Attach(pcm.Params{Format: pcm.FormatS16LE, Channels: 2, Rate: 48000, BufSize: 64}, nil, nil)
	require.Error(t, err)
}

func TestWriteBlockedUntilPrepared(t *testing.T) {
	s := newAttachedStream(t, pcm.Playback, 1, 16)
	_, err := s.Write(make([]byte, 4))
	require.Error(t, err)
}

func TestPlaybackWriteVisibleToDeviceSideFIFO(t *testing.T) {
	// A playback stream and a device-side FIFO view on the same buffer
	// simulate the producer (application writing playback) / consumer
	// (device reading) split.
	channels := 2
	bufSize := uint32(64)
	playback := pcm.NewStream(pcm.Playback)
	params := pcm.Params{Format: pcm.FormatS16LE, Channels: channels, Rate: 48000, BufSize: bufSize, FragSize: 16}
	fifoBuf := make([]byte, uint64(bufSize)*uint64(4*channels))
	require.NoError(t, playback.Attach(params, fifoBuf, newMbxBuf()))
	require.NoError(t, playback.Reset())

	// Use the same FIFO object via NewOnBuffer against the identical buffer
	// to act as the device-side reader, mirroring the client/server split.
	deviceFifo := fifo.NewOnBuffer(fifoBuf, bufSize, uint32(4*channels))

	samples := make([]byte, 8*channels*2) // 8 frames, S16LE
	for i := range samples {
		samples[i] = byte(i + 1)
	}
	n, err := playback.Write(samples)
	require.NoError(t, err)
	require.Equal(t, len(samples), n)

	out := make([]byte, 8*channels*4)
	got, ferr := deviceFifo.Read(out)
	require.NoError(t, ferr)
	require.Equal(t, uint32(8), got)
}

func TestPauseResumeCycle(t *testing.T) {
	s := newAttachedStream(t, pcm.Capture, 1, 32)
	require.NoError(t, s.Reset())
	require.NoError(t, s.SetRunning(true))
	require.Equal(t, pcm.StateRunning, s.State())
	require.NoError(t, s.SetPaused(true))
	require.Equal(t, pcm.StatePaused, s.State())
	require.NoError(t, s.SetPaused(false))
	require.Equal(t, pcm.StatePrepared, s.State())
}

func TestResetReturnsToPreparedAndZeroesPointers(t *testing.T) {
	s := newAttachedStream(t, pcm.Playback, 1, 32)
	require.NoError(t, s.Reset())
	_, err := s.Write(make([]byte, 8*2))
	require.NoError(t, err)
	require.NoError(t, s.Reset())
	require.Equal(t, pcm.StatePrepared, s.State())
	require.Equal(t, int64(32), s.Avail())
}

func TestRewindAndForwardBounded(t *testing.T) {
	s := newAttachedStream(t, pcm.Playback, 1, 32)
	require.NoError(t, s.Reset())
	_, err := s.Write(make([]byte, 10*2))
	require.NoError(t, err)

	n, err := s.Rewind(5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	// Rewinding more than what's filled is clamped, not an error.
	n, err = s.Rewind(1000)
	require.NoError(t, err)
	require.LessOrEqual(t, n, uint64(32))
}

func TestForwardPlaybackCommitsWriteSide(t *testing.T) {
	s := newAttachedStream(t, pcm.Playback, 1, 32)
	require.NoError(t, s.Reset())
	_, err := s.Write(make([]byte, 10*2))
	require.NoError(t, err)

	// Forwarding a playback stream discards buffered frames without ever
	// transferring them: it must commit onto the FIFO's write side (the
	// same side Write itself committed), or avail bookkeeping desyncs from
	// what the FIFO actually holds.
	n, err := s.Forward(4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), n)
	require.Equal(t, int64(32-10-4), s.Avail())
}

func TestRewindCaptureCommitsReadSide(t *testing.T) {
	channels := 1
	bufSize := uint32(32)
	s := pcm.NewStream(pcm.Capture)
	params := pcm.Params{Format: pcm.FormatFloat32LE, Channels: channels, Rate: 48000, BufSize: bufSize, FragSize: 8}
	fifoBuf := make([]byte, uint64(bufSize)*uint64(4*channels))
	require.NoError(t, s.Attach(params, fifoBuf, newMbxBuf()))
	require.NoError(t, s.Reset())
	require.NoError(t, s.SetRunning(true))

	// A device thread writes 10 distinguishable frames directly into the
	// shared FIFO, the way hwaudio's drainCapture callback does.
	deviceFifo := fifo.NewOnBuffer(fifoBuf, bufSize, uint32(4*channels))
	raw := make([]byte, 10*4)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(i)))
	}
	_, err := deviceFifo.Write(raw)
	require.NoError(t, err)
	s.PublishStatus(pcm.Status{HwPtr: 10})
	_, err = s.Status(true, 0) // syncs s.hwPtr from the mailbox, needed for Avail()
	require.NoError(t, err)

	// Consume frames 0..5.
	got := make([]byte, 6*4)
	n, err := s.Read(got)
	require.NoError(t, err)
	require.Equal(t, len(got), n)

	// Rewinding 2 frames must re-expose frames 4 and 5 for reading again. A
	// Rewind that mistakenly commits to the FIFO's write side instead of its
	// read side leaves the read cursor untouched, so the next read would
	// instead return frames 6 and 7.
	rewound, err := s.Rewind(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), rewound)

	redo := make([]byte, 2*4)
	n2, err := s.Read(redo)
	require.NoError(t, err)
	require.Equal(t, len(redo), n2)
	require.Equal(t, float32(4), math.Float32frombits(binary.LittleEndian.Uint32(redo[0:4])))
	require.Equal(t, float32(5), math.Float32frombits(binary.LittleEndian.Uint32(redo[4:8])))
}

func TestPublishStatusVisibleAcrossSeparatelyAttachedStreams(t *testing.T) {
	channels := 1
	bufSize := uint32(32)
	params := pcm.Params{Format: pcm.FormatFloat32LE, Channels: channels, Rate: 48000, BufSize: bufSize, FragSize: 8}
	fifoBuf := make([]byte, uint64(bufSize)*uint64(4*channels))
	mbxBuf := newMbxBuf()

	// device and client are distinct *pcm.Stream objects attached to the
	// same underlying FIFO/mbx bytes, the way a device-side Stream and a
	// remote client's Stream both attach to the same mapped shm.Map section.
	device := pcm.NewStream(pcm.Playback)
	require.NoError(t, device.Attach(params, fifoBuf, mbxBuf))

	client := pcm.NewStream(pcm.Playback)
	require.NoError(t, client.Attach(params, fifoBuf, mbxBuf))
	require.NoError(t, client.Reset())

	device.PublishStatus(pcm.Status{HwPtr: 7, Fill: 7})

	st, err := client.Status(true, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(7), st.HwPtr)
}

func TestGetNextWakeupNoneWhenNotRunning(t *testing.T) {
	s := newAttachedStream(t, pcm.Capture, 1, 32)
	require.NoError(t, s.Reset())
	w := s.GetNextWakeup(8, 0)
	require.Equal(t, pcm.WakeupNone, w.Kind)
}

func TestGetNextWakeupNowWhenAvailAlreadyMet(t *testing.T) {
	s := newAttachedStream(t, pcm.Playback, 1, 32)
	require.NoError(t, s.Reset())
	require.NoError(t, s.SetRunning(true))
	w := s.GetNextWakeup(1, 0)
	require.Equal(t, pcm.WakeupNow, w.Kind)
}
