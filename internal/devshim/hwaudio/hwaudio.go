// Package hwaudio is the realtime audio thread external collaborator of
// spec §5's thread-class table: it reads a playback stream's FIFO and
// writes its mailbox, or writes a capture stream's FIFO and mailbox,
// driven off a real sound card via github.com/gordonklaus/portaudio. Its
// callbacks do not lock or block beyond what portaudio's own callback
// contract already guarantees (spec §5 point 3), but each callback does
// allocate one byte buffer for that period's samples.
package hwaudio

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/dspdaemon/dspd/internal/fifo"
	"github.com/dspdaemon/dspd/internal/pcm"
)

// Device drives one direction of one sound card through portaudio,
// feeding or draining the pcm.Stream's FIFO each callback and publishing
// fresh status into its mailbox (spec §5: "MBX status | device thread |
// any client | seqlock").
type Device struct {
	stream    *pcm.Stream
	channels  int
	framesize int
	closed    atomic.Bool

	paStream *portaudio.Stream
}

// Open initializes portaudio (idempotent across Devices; portaudio itself
// refcounts Initialize/Terminate) and opens a half-duplex stream bound to
// the OS default device for the given direction.
func Open(stream *pcm.Stream, channels int, rate float64, framesPerBuffer int, direction pcm.Direction) (*Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("hwaudio: initialize: %w", err)
	}
	d := &Device{stream: stream, channels: channels, framesize: framesPerBuffer}

	var paStream *portaudio.Stream
	var err error
	switch direction {
	case pcm.Playback:
		paStream, err = portaudio.OpenDefaultStream(0, channels, rate, framesPerBuffer,
			func(out []float32) { d.fillPlayback(out) })
	case pcm.Capture:
		paStream, err = portaudio.OpenDefaultStream(channels, 0, rate, framesPerBuffer,
			func(in []float32) { d.drainCapture(in) })
	default:
		portaudio.Terminate()
		return nil, fmt.Errorf("hwaudio: unknown direction %d", direction)
	}
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("hwaudio: open default stream: %w", err)
	}
	d.paStream = paStream
	return d, nil
}

// Start begins the portaudio callback stream.
func (d *Device) Start() error {
	if err := d.paStream.Start(); err != nil {
		return fmt.Errorf("hwaudio: start: %w", err)
	}
	return nil
}

// Close stops the stream, closes the portaudio handle, and terminates
// portaudio's global state.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.paStream.Stop()
	err := d.paStream.Close()
	portaudio.Terminate()
	return err
}

// fillPlayback is the output callback: drain the stream's FIFO (silence
// where underrun) and publish the resulting status.
func (d *Device) fillPlayback(out []float32) {
	ring := d.stream.DeviceFIFO()
	if ring == nil {
		zero(out)
		return
	}
	bytes := make([]byte, len(out)*4)
	n, err := ring.Read(bytes)
	frames := int(n)
	samples := frames * d.channels
	if err == nil {
		_ = pcm.ConvertToFloat32(bytes[:samples*4], pcm.FormatFloat32LE, samples, out[:samples])
	}
	zero(out[samples:])
	d.publish(ring)
}

// drainCapture is the input callback: push captured samples into the
// stream's FIFO and publish status.
func (d *Device) drainCapture(in []float32) {
	ring := d.stream.DeviceFIFO()
	if ring == nil {
		return
	}
	bytes := make([]byte, len(in)*4)
	if err := pcm.ConvertFromFloat32(in, pcm.FormatFloat32LE, bytes); err != nil {
		return
	}
	ring.Write(bytes)
	d.publish(ring)
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// publish writes a fresh PCM status snapshot into the stream's mailbox,
// the way a real device driver thread reports fill/space/delay after
// every hardware period (spec §6 "PCM status structure").
func (d *Device) publish(ring *fifo.FIFO) {
	mailbox := d.stream.DeviceMailbox()
	if mailbox == nil {
		return
	}
	_, _, used, err := ring.Length()
	var errCode int32
	if err != nil {
		errCode = -1
	}
	st := pcm.Status{
		Fill:   used,
		Tstamp: time.Now().UnixNano(),
		Error:  errCode,
	}
	mailbox.Publish(st)
}
