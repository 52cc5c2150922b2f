package pcm

import (
	"github.com/dspdaemon/dspd/internal/dspderr"
)

// ClientState is the PCM Client lifecycle (spec §3: "ALLOC → INIT → OPEN →
// SETUP → PREPARED → RUNNING → (XRUN|DRAINING|PAUSED) → SETUP"), grounded
// on PCMCLI_STATE_* in original_source/lib/pcmcli.h.
type ClientState int

const (
	ClientAlloc ClientState = iota
	ClientInit
	ClientOpen
	ClientSetup
	ClientPrepared
	ClientRunning
	ClientXrun
	ClientDraining
	ClientPaused
)

func (s ClientState) String() string {
	switch s {
	case ClientAlloc:
		return "alloc"
	case ClientInit:
		return "init"
	case ClientOpen:
		return "open"
	case ClientSetup:
		return "setup"
	case ClientPrepared:
		return "prepared"
	case ClientRunning:
		return "running"
	case ClientXrun:
		return "xrun"
	case ClientDraining:
		return "draining"
	case ClientPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ClientFlags mirrors the DSPD_PCMCLI_* bit flags from pcmcli.h.
type ClientFlags uint32

const (
	FlagNonBlock        ClientFlags = 1 << iota
	FlagNoTimer
	FlagConstantLatency
	FlagByteMode
)

// StreamMask selects which of the two directions a client carries.
type StreamMask int

const (
	MaskPlayback StreamMask = 1 << iota
	MaskCapture
	MaskDuplex = MaskPlayback | MaskCapture
)

// PollEvent mirrors the POSIX poll() revents bits spec §4.4 translates
// stream status into.
type PollEvent uint32

const (
	PollIn PollEvent = 1 << iota
	PollOut
	PollErr
	PollHUp
)

// SWParams is the software-parameters record (spec §3: "avail_min,
// stop_threshold").
type SWParams struct {
	AvailMin      uint32
	StopThreshold uint32
}

// driftBoundDenominator bounds the clock-drift nudge to at most
// half a sample period when no fragment time is known yet, matching spec
// §4.4 "bounded to ±(fragment_time or ½ sample period)".
const driftBoundDenominator = 2

// Client combines up to two Streams, software params, and the async-op /
// drift-tracking state that ties them into one user-visible PCM client
// (spec §4.4). The actual wire/transport plumbing for submit/complete
// lives in internal/asyncio and internal/remote; Client only tracks the
// "at most one outstanding op" invariant and the local stream state.
type Client struct {
	state ClientState
	mask  StreamMask
	flags ClientFlags

	playback *Stream
	capture  *Stream

	sw     SWParams
	chmaps [2][]int // indexed by Direction

	noXrun bool

	outstanding bool
	canceled    bool

	driftAccum int64 // nanoseconds, nudges Wait's computed deadline
}

// NewClient allocates a client for the given stream mask.
func NewClient(mask StreamMask, flags ClientFlags) *Client {
	c := &Client{state: ClientInit, mask: mask, flags: flags}
	if mask&MaskPlayback != 0 {
		c.playback = NewStream(Playback)
	}
	if mask&MaskCapture != 0 {
		c.capture = NewStream(Capture)
	}
	return c
}

// Stream returns the client's stream for dir, or nil if the client wasn't
// opened with that direction in its mask.
func (c *Client) Stream(dir Direction) *Stream {
	if dir == Playback {
		return c.playback
	}
	return c.capture
}

// State reports the client-level lifecycle state.
func (c *Client) State() ClientState { return c.state }

// SetNoXrun suppresses xrun detection across both streams.
func (c *Client) SetNoXrun(enable bool) {
	c.noXrun = enable
	if c.playback != nil {
		c.playback.noXrun = enable
	}
	if c.capture != nil {
		c.capture.noXrun = enable
	}
}

// Bind marks the client as bound to a device (the handshake itself is the
// Remote Client Wrapper's job; this just advances local state once that
// handshake's first phase — device reservation — has succeeded).
func (c *Client) Bind() error {
	if c.state != ClientInit {
		return dspderr.New(dspderr.KindBusy, "pcmcli.bind", nil)
	}
	c.state = ClientOpen
	return nil
}

// Unbind releases a client back to Init, detaching its streams.
func (c *Client) Unbind() {
	if c.playback != nil {
		c.playback.Detach()
	}
	if c.capture != nil {
		c.capture.Detach()
	}
	c.state = ClientInit
}

// SetHWParams attaches each active stream to its negotiated shared-memory
// sections and advances the client to Setup. Cannot be called once
// state >= Prepared (spec §3: "cannot change hw-params while state ≥
// RUNNING" — enforced at Prepared and above since hwparams are fixed once
// the buffer is committed to).
func (c *Client) SetHWParams(params Params, playbackFifo, playbackMbx, captureFifo, captureMbx []byte) error {
	if c.state < ClientOpen || c.state >= ClientPrepared {
		return dspderr.New(dspderr.KindBadFd, "pcmcli.set_hwparams", nil)
	}
	if c.playback != nil {
		if err := c.playback.Attach(params, playbackFifo, playbackMbx); err != nil {
			return err
		}
	}
	if c.capture != nil {
		if err := c.capture.Attach(params, captureFifo, captureMbx); err != nil {
			return err
		}
	}
	c.state = ClientSetup
	return nil
}

// SetSWParams stores avail_min/stop_threshold. Allowed from Setup onward.
func (c *Client) SetSWParams(sw SWParams) error {
	if c.state < ClientSetup {
		return dspderr.New(dspderr.KindBadFd, "pcmcli.set_swparams", nil)
	}
	c.sw = sw
	return nil
}

// SWParams returns the stored software parameters.
func (c *Client) SWParams() SWParams { return c.sw }

// SetChannelMap stores a channel map for dir.
func (c *Client) SetChannelMap(dir Direction, chmap []int) error {
	if c.state < ClientSetup {
		return dspderr.New(dspderr.KindBadFd, "pcmcli.set_channelmap", nil)
	}
	c.chmaps[dir] = append([]int(nil), chmap...)
	return nil
}

// ChannelMap returns the stored channel map for dir, if any.
func (c *Client) ChannelMap(dir Direction) []int { return c.chmaps[dir] }

// Prepare resets both active streams and advances Setup -> Prepared.
func (c *Client) Prepare() error {
	if c.state != ClientSetup && c.state != ClientXrun {
		return dspderr.New(dspderr.KindBadFd, "pcmcli.prepare", nil)
	}
	if c.playback != nil {
		if err := c.playback.Reset(); err != nil {
			return err
		}
	}
	if c.capture != nil {
		if err := c.capture.Reset(); err != nil {
			return err
		}
	}
	c.state = ClientPrepared
	c.driftAccum = 0
	return nil
}

// Start triggers both active streams and advances to Running.
func (c *Client) Start(now int64) error {
	if c.state != ClientPrepared && c.state != ClientPaused {
		return dspderr.New(dspderr.KindBadFd, "pcmcli.start", nil)
	}
	for _, s := range c.streams() {
		if s.state == StatePrepared {
			if err := s.SetTriggerTstamp(now); err != nil {
				return err
			}
		}
		if err := s.SetRunning(true); err != nil {
			return err
		}
	}
	c.state = ClientRunning
	return nil
}

// Stop halts both active streams and returns to Setup.
func (c *Client) Stop() error {
	for _, s := range c.streams() {
		_ = s.SetRunning(false)
	}
	c.state = ClientSetup
	return nil
}

// Pause pauses or resumes both active streams.
func (c *Client) Pause(paused bool) error {
	for _, s := range c.streams() {
		if err := s.SetPaused(paused); err != nil {
			return err
		}
	}
	if paused {
		c.state = ClientPaused
	} else {
		c.state = ClientRunning
	}
	return nil
}

// Drain begins playback drain: the playback stream keeps running while the
// caller polls DrainPoll until occupancy reaches bufsize, per spec §4.4.
func (c *Client) Drain() error {
	if c.playback == nil || c.state != ClientRunning {
		return dspderr.New(dspderr.KindBadFd, "pcmcli.drain", nil)
	}
	c.state = ClientDraining
	return nil
}

// DrainPoll checks whether the playback buffer has emptied out to the
// device (spec: "waits until occupancy reaches bufsize" — meaning the
// FIFO has been fully drained by the consumer, i.e. avail has reached
// bufsize). Any error from the xrun check ends the drain: the client is
// stopped back to Setup via Stop and the error is returned (after a
// non-transient error the playback stream itself stays in Error until
// Prepare resets it).
func (c *Client) DrainPoll(now int64) (done bool, err error) {
	if c.state != ClientDraining {
		return true, dspderr.New(dspderr.KindBadFd, "pcmcli.drain_poll", nil)
	}
	if xr := c.playback.CheckXrun(now); xr != nil {
		_ = c.Stop()
		return true, xr
	}
	if c.playback.Avail() >= int64(c.playback.params.BufSize) {
		_ = c.Stop()
		return true, nil
	}
	return false, nil
}

func (c *Client) streams() []*Stream {
	var out []*Stream
	if c.playback != nil {
		out = append(out, c.playback)
	}
	if c.capture != nil {
		out = append(out, c.capture)
	}
	return out
}

// WriteFrames converts frames of external-format audio and writes them to
// the playback stream, returning frames actually consumed.
func (c *Client) WriteFrames(data []byte, frames int) (int, error) {
	if c.playback == nil {
		return 0, dspderr.New(dspderr.KindInvalid, "pcmcli.write_frames", nil)
	}
	fs := c.playback.FrameSize()
	n, err := c.playback.Write(data[:frames*fs])
	return n / fs, err
}

// ReadFrames reads frames of external-format audio from the capture
// stream.
func (c *Client) ReadFrames(data []byte, frames int) (int, error) {
	if c.capture == nil {
		return 0, dspderr.New(dspderr.KindInvalid, "pcmcli.read_frames", nil)
	}
	fs := c.capture.FrameSize()
	n, err := c.capture.Read(data[:frames*fs])
	return n / fs, err
}

// Avail reports the current avail frame count for dir.
func (c *Client) Avail(dir Direction) (int64, error) {
	s := c.Stream(dir)
	if s == nil {
		return 0, dspderr.New(dspderr.KindInvalid, "pcmcli.avail", nil)
	}
	return s.Avail(), nil
}

// Status returns dir's stream status.
func (c *Client) Status(dir Direction, hwsync bool, now int64) (Status, error) {
	s := c.Stream(dir)
	if s == nil {
		return Status{}, dspderr.New(dspderr.KindInvalid, "pcmcli.status", nil)
	}
	return s.Status(hwsync, now)
}

// Rewind/Forward delegate to the named direction's stream.
func (c *Client) Rewind(dir Direction, n uint64) (uint64, error) {
	s := c.Stream(dir)
	if s == nil {
		return 0, dspderr.New(dspderr.KindInvalid, "pcmcli.rewind", nil)
	}
	return s.Rewind(n)
}

func (c *Client) Forward(dir Direction, n uint64) (uint64, error) {
	s := c.Stream(dir)
	if s == nil {
		return 0, dspderr.New(dspderr.KindInvalid, "pcmcli.forward", nil)
	}
	return s.Forward(n)
}

// PollFDRevents demangles each active stream's status into POSIX-style
// poll bits (spec §4.4 "Revents demangling"): a stream in Xrun raises its
// bit so the caller wakes and recovers instead of blocking forever.
func (c *Client) PollFDRevents(now int64) PollEvent {
	var ev PollEvent
	if c.playback != nil {
		if c.playback.state == StateError {
			ev |= PollErr
		} else if c.playback.Avail() > 0 {
			ev |= PollOut
		}
		if xr := c.playback.CheckXrun(now); xr != nil {
			ev |= PollErr
		}
	}
	if c.capture != nil {
		if c.capture.state == StateError {
			ev |= PollErr
		} else if c.capture.Avail() > 0 {
			ev |= PollIn
		}
		if xr := c.capture.CheckXrun(now); xr != nil {
			ev |= PollErr
		}
	}
	return ev
}

// Wait computes the next wakeup across every active stream, each asked for
// its configured avail_min, and nudges the result by the accumulated clock
// drift (spec §4.4 "wait"). A None result (nothing running) or a Now
// result (avail_min already satisfied on some stream) is returned as-is,
// undelayed by drift.
func (c *Client) Wait(now int64) Wakeup {
	best := Wakeup{Kind: WakeupNone}
	for _, s := range c.streams() {
		w := s.GetNextWakeup(c.sw.AvailMin, now)
		switch w.Kind {
		case WakeupNow:
			return w
		case WakeupAt:
			if best.Kind != WakeupAt || w.At < best.At {
				best = w
			}
		}
	}
	if best.Kind == WakeupAt {
		best.At += c.driftAccum
	}
	return best
}

// NoteWakeup feeds back how late/early an actual wakeup fired relative to
// what Wait requested, nudging the drift accumulator within bounds.
func (c *Client) NoteWakeup(requestedAt, actualAt int64, fragmentTimeNS int64) {
	bound := fragmentTimeNS
	if s := c.streams(); len(s) > 0 && bound == 0 {
		bound = s[0].sampleTimeNS / driftBoundDenominator
	}
	if bound <= 0 {
		bound = 1
	}
	c.driftAccum += actualAt - requestedAt
	if c.driftAccum > bound {
		c.driftAccum = bound
	} else if c.driftAccum < -bound {
		c.driftAccum = -bound
	}
}

// ProcessIO marks one async op as submitted, returning EBUSY if one is
// already outstanding — spec §3: "at most one outstanding async operation
// at a time". The caller completes it with CompleteIO.
func (c *Client) ProcessIO() error {
	if c.outstanding {
		return dspderr.New(dspderr.KindBusy, "pcmcli.process_io", nil)
	}
	c.outstanding = true
	c.canceled = false
	return dspderr.New(dspderr.KindInProgress, "pcmcli.process_io", nil)
}

// CompleteIO clears the outstanding-op flag once the transport layer has
// delivered a result.
func (c *Client) CompleteIO() {
	c.outstanding = false
}

// CancelIO marks the pending op canceled and clears the outstanding-op
// flag at once; Canceled reports the mark until the next ProcessIO. A later
// CompleteIO only clears the (already clear) flag and reports no error
// (spec §5 "Cancellation").
func (c *Client) CancelIO() error {
	if !c.outstanding {
		return dspderr.New(dspderr.KindInvalid, "pcmcli.cancel_io", nil)
	}
	c.canceled = true
	c.outstanding = false
	return nil
}

// Canceled reports whether the most recently submitted op was canceled
// before the transport completed it.
func (c *Client) Canceled() bool { return c.canceled }
