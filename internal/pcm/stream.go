package pcm

import (
	"fmt"

	"github.com/dspdaemon/dspd/internal/dspderr"
	"github.com/dspdaemon/dspd/internal/fifo"
	"github.com/dspdaemon/dspd/internal/mbx"
)

// FrameSize returns the external bytes-per-frame for the stream's
// negotiated format and channel count.
func (s *Stream) FrameSize() int { return s.frameSize }

// DeviceFIFO exposes the raw payload ring to the realtime audio thread in
// the device driver (spec §5's external collaborator): the device reads a
// playback stream's FIFO and writes a capture stream's FIFO, the opposite
// side from Write/Read's float32 conversion. Returns nil if unattached.
func (s *Stream) DeviceFIFO() *fifo.FIFO { return s.fifo }

// DeviceMailbox exposes the raw status mailbox for the device thread to
// publish into (spec §5: "MBX status | device thread | any client |
// seqlock"). Returns nil if unattached.
func (s *Stream) DeviceMailbox() *mbx.Mailbox[Status] { return s.mbx }

// State is the PCM Stream lifecycle, grounded on PCMCS_STATE_* in
// pcmcli_stream.h: it only ever moves forward except for the
// Paused<->Prepared wobble and a Reset back to Prepared.
type State int

const (
	StateAlloc State = iota
	StateInit
	StateBound
	StatePaused
	StatePrepared
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateAlloc:
		return "alloc"
	case StateInit:
		return "init"
	case StateBound:
		return "bound"
	case StatePaused:
		return "paused"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Direction names which half of a duplex pair a Stream carries.
type Direction int

const (
	Playback Direction = iota
	Capture
)

// Params is the negotiated per-stream configuration (spec §6 "PCM client
// parameters", restricted to the fields a single half-duplex Stream needs).
type Params struct {
	Format   Format
	Channels int
	Rate     uint32
	BufSize  uint32 // frames
	FragSize uint32 // frames
	Latency  uint32 // frames
}

// Status is the structure the device side publishes into the mailbox and
// that Stream.Status() surfaces to callers (spec §6 "PCM status structure").
type Status struct {
	ApplPtr uint64
	HwPtr   uint64
	Tstamp  int64 // monotonic nanoseconds
	Fill    uint32
	Space   uint32
	Delay   int64
	Error   int32
}

// WakeupKind is the result of GetNextWakeup.
type WakeupKind int

const (
	WakeupAt WakeupKind = iota
	WakeupNow
	WakeupNone
)

// Wakeup is when a stream expects to next have avail_min frames ready.
type Wakeup struct {
	Kind WakeupKind
	At   int64 // nanoseconds, valid iff Kind == WakeupAt
}

// xrunGraceFragments suppresses spurious startup xruns for half a fragment
// after the trigger timestamp, matching the interpolation grace window in
// pcmcli_stream.c's dspd_intrp_* bookkeeping.
const xrunGraceFragments = 2 // denominator: grace = fragSize / xrunGraceFragments

// Stream is one half-duplex leg of a PCM client: a FIFO carrying sample
// payload, a mailbox carrying device status, a format converter, and the
// appl_ptr/hw_ptr bookkeeping that turns the two into avail/delay/xrun
// decisions (spec §4.3).
type Stream struct {
	direction Direction
	state     State
	params    Params
	frameSize int // external bytes per frame, direction's format

	fifo *fifo.FIFO
	mbx  *mbx.Mailbox[Status]

	applPtr    uint64
	hwPtr      uint64
	lastHwPtr  uint64
	hwPausePtr uint64

	status    Status
	gotStatus bool

	triggerTstamp int64
	gotTstamp     bool

	noXrun          bool
	constantLatency bool
	xrunThreshold   uint32
	sampleTimeNS    int64

	err error

	// scratch holds a partial frame left over from a previous Write/Read
	// call when the caller's buffer length wasn't frame-aligned.
	scratch    []byte
	scratchLen int
}

// NewStream allocates an unattached stream for the given direction.
func NewStream(direction Direction) *Stream {
	return &Stream{direction: direction, state: StateInit}
}

// State reports the stream's current lifecycle state.
func (s *Stream) State() State { return s.state }

// Attach binds the stream to FIFO and mailbox sections already carved out
// of a shared-memory region (spec §4.3 attach). Allowed only from Init.
func (s *Stream) Attach(params Params, fifoSection, mbxSection []byte) error {
	if s.state != StateInit {
		return dspderr.New(dspderr.KindBusy, "pcm.attach", nil)
	}
	if params.Channels <= 0 || params.Rate == 0 || params.BufSize == 0 {
		return dspderr.New(dspderr.KindInvalid, "pcm.attach", nil)
	}
	if !params.Format.Valid() {
		return dspderr.New(dspderr.KindInvalid, "pcm.attach", nil)
	}
	elemSize := uint32(4 * params.Channels) // interleaved float32 in the FIFO
	s.fifo = fifo.NewOnBuffer(fifoSection, params.BufSize, elemSize)
	s.mbx = mbx.NewOnBuffer[Status](mbxSection)

	s.params = params
	s.frameSize = params.Format.BytesPerSample() * params.Channels
	s.sampleTimeNS = int64(1_000_000_000 / int64(params.Rate))
	s.xrunThreshold = params.BufSize
	s.state = StateBound
	return nil
}

// Detach releases the stream's FIFO/mailbox handles and returns it to Init.
func (s *Stream) Detach() {
	if s.state < StateBound {
		return
	}
	direction := s.direction
	*s = Stream{direction: direction, state: StateInit}
}

// SetConstantLatency toggles the constant-latency pointer-reporting mode.
func (s *Stream) SetConstantLatency(enable bool) error {
	if s.state < StateInit {
		return dspderr.New(dspderr.KindBadFd, "pcm.set_constant_latency", nil)
	}
	s.constantLatency = enable
	return nil
}

// SetPaused pauses or resumes a bound stream (spec §3 state machine: Bound
// can move to Paused or Prepared; Paused can only return to Prepared).
func (s *Stream) SetPaused(paused bool) error {
	if s.err != nil {
		return s.err
	}
	if s.state < StateBound {
		return dspderr.New(dspderr.KindBadFd, "pcm.set_paused", nil)
	}
	if paused {
		s.mbx.Reset()
		s.gotStatus = false
		s.gotTstamp = false
		s.scratchLen = 0
		s.state = StatePaused
		if s.direction == Playback {
			s.hwPausePtr = s.applPtr
		} else {
			s.hwPausePtr = s.hwPtr
		}
	} else if s.state == StatePaused {
		s.state = StatePrepared
	}
	return nil
}

// SetRunning starts or stops the stream from Prepared/Running/Paused.
func (s *Stream) SetRunning(running bool) error {
	if s.err != nil {
		return s.err
	}
	if s.state != StatePrepared && s.state != StateRunning && s.state != StatePaused {
		return dspderr.New(dspderr.KindBadFd, "pcm.set_running", nil)
	}
	if running {
		s.state = StateRunning
	} else {
		s.state = StateBound
		s.hwPausePtr = 0
	}
	return nil
}

// Reset returns a bound stream to Prepared, zeroing all pointers, the
// mailbox, and the FIFO (spec §4.3: "reset() returns to Prepared and
// zeroes all pointers and mailbox").
func (s *Stream) Reset() error {
	if s.state < StateBound {
		return dspderr.New(dspderr.KindBadFd, "pcm.reset", nil)
	}
	s.gotStatus = false
	s.gotTstamp = false
	s.applPtr = 0
	s.hwPtr = 0
	s.lastHwPtr = 0
	s.hwPausePtr = 0
	s.scratchLen = 0
	s.err = nil
	s.state = StatePrepared
	s.mbx.Reset()
	s.fifo.Reset()
	return nil
}

// SetTriggerTstamp records the monotonic time the stream was triggered
// (started), used to extrapolate status and suppress startup xruns.
func (s *Stream) SetTriggerTstamp(ts int64) error {
	if s.state != StatePrepared {
		return dspderr.New(dspderr.KindBadFd, "pcm.set_trigger_tstamp", nil)
	}
	s.triggerTstamp = ts
	s.gotTstamp = true
	return nil
}

// PublishStatus is called by the device side (the realtime audio thread's
// Go stand-in) to publish a fresh status snapshot into the mailbox.
func (s *Stream) PublishStatus(st Status) {
	s.mbx.Publish(st)
}

// Write converts data (in the stream's external Format) to interleaved
// float32 and pushes as much as fits into the FIFO. Partial transfers are
// permitted; the return value is the number of bytes consumed.
func (s *Stream) Write(data []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.state < StatePrepared {
		return 0, dspderr.New(dspderr.KindBadFd, "pcm.write", nil)
	}
	if s.direction != Playback {
		return 0, dspderr.New(dspderr.KindInvalid, "pcm.write", nil)
	}
	consumed, err := s.transferFrames(data, true)
	if err != nil {
		s.poison(err)
		return consumed, err
	}
	return consumed, nil
}

// Read converts interleaved float32 frames out of the FIFO into data,
// encoded in the stream's external Format.
func (s *Stream) Read(data []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.state < StatePrepared {
		return 0, dspderr.New(dspderr.KindBadFd, "pcm.read", nil)
	}
	if s.direction != Capture {
		return 0, dspderr.New(dspderr.KindInvalid, "pcm.read", nil)
	}
	consumed, err := s.transferFrames(data, false)
	if err != nil {
		s.poison(err)
		return consumed, err
	}
	return consumed, nil
}

func (s *Stream) poison(err error) {
	if !dspderr.Transient(dspderr.KindOf(err)) {
		s.err = err
		s.state = StateError
	}
}

// transferFrames implements the byte-mode scratch buffer (spec §4.4
// "byte-mode helper"): on the write (playback) side, a partial frame left
// over from a previous call is glued onto the front of new data before
// frame-aligned transfer begins; the read (capture) side simply floors to
// a whole-frame count, since nothing needs to be remembered across calls.
func (s *Stream) transferFrames(data []byte, write bool) (int, error) {
	fs := s.frameSize
	if fs <= 0 {
		return 0, dspderr.New(dspderr.KindInvalid, "pcm.transfer", nil)
	}

	if !write {
		whole := len(data) / fs
		if whole == 0 {
			return 0, nil
		}
		n, err := s.transferWholeFrames(data[:whole*fs], false)
		return n, err
	}

	consumed := 0
	if s.scratch == nil {
		s.scratch = make([]byte, fs)
	}
	if s.scratchLen > 0 {
		n := copy(s.scratch[s.scratchLen:fs], data)
		data = data[n:]
		consumed += n
		s.scratchLen += n
		if s.scratchLen < fs {
			return consumed, nil
		}
		n2, err := s.transferWholeFrames(s.scratch[:fs], true)
		s.scratchLen = 0
		if n2 == 0 {
			// Could not place the glued frame yet (FIFO full): undo the
			// bytes we just claimed from data so the caller can retry them.
			consumed -= n
			return consumed, err
		}
		if err != nil {
			return consumed, err
		}
	}

	whole := len(data) / fs
	if whole > 0 {
		n, err := s.transferWholeFrames(data[:whole*fs], true)
		consumed += n
		if err != nil {
			return consumed, err
		}
		data = data[n:]
	}

	if len(data) > 0 {
		s.scratchLen = copy(s.scratch, data)
		consumed += s.scratchLen
	}
	return consumed, nil
}

func (s *Stream) transferWholeFrames(data []byte, write bool) (int, error) {
	fs := s.frameSize
	frames := len(data) / fs
	samples := frames * s.params.Channels
	floatBuf := make([]byte, samples*4)
	if write {
		out := make([]float32, samples)
		if err := ConvertToFloat32(data, s.params.Format, samples, out); err != nil {
			return 0, err
		}
		if err := ConvertFromFloat32(out, FormatFloat32LE, floatBuf); err != nil {
			return 0, err
		}
		n, err := s.fifo.Write(floatBuf) // n is elements == frames, since one FIFO element is one frame
		framesDone := int(n)
		if err != nil {
			return framesDone * fs, err
		}
		s.applPtr += uint64(framesDone)
		if framesDone*fs < len(data) {
			return framesDone * fs, dspderr.ErrAgain
		}
		return framesDone * fs, nil
	}

	n, err := s.fifo.Read(floatBuf)
	framesDone := int(n)
	if err != nil && framesDone == 0 {
		return 0, err
	}
	in := make([]float32, framesDone*s.params.Channels)
	if cerr := ConvertToFloat32(floatBuf[:framesDone*s.params.Channels*4], FormatFloat32LE, len(in), in); cerr != nil {
		return 0, cerr
	}
	if cerr := ConvertFromFloat32(in, s.params.Format, data[:framesDone*fs]); cerr != nil {
		return 0, cerr
	}
	s.applPtr += uint64(framesDone)
	if framesDone*fs < len(data) {
		return framesDone * fs, dspderr.ErrAgain
	}
	return framesDone * fs, nil
}

// Avail computes frames the application can transfer right now (spec §4.3
// status: "avail = bufsize - fill (playback) or fill (capture)").
func (s *Stream) Avail() int64 {
	if s.direction == Playback {
		fill := int64(s.applPtr) - int64(s.hwPtr)
		avail := int64(s.params.BufSize) - fill
		if avail < 0 {
			avail = 0
		}
		return avail
	}
	fill := int64(s.hwPtr) - int64(s.applPtr)
	if fill < 0 {
		fill = 0
	}
	return fill
}

// Status refreshes (when sync is true, or no status has ever been read) the
// stream's view of device state from the mailbox and returns the derived
// PcmStatus, extrapolating tstamp/delay forward to now.
func (s *Stream) Status(sync bool, now int64) (Status, error) {
	if s.state < StatePrepared {
		return Status{}, dspderr.New(dspderr.KindBadFd, "pcm.status", nil)
	}
	if sync || !s.gotStatus {
		if st, ok := s.mbx.Read(); ok {
			s.status = st
			s.lastHwPtr = s.hwPtr
			s.hwPtr = st.HwPtr
			s.gotStatus = true
		}
	}
	var out Status
	switch {
	case s.gotStatus:
		out = s.status
		out.ApplPtr = s.applPtr
	case s.gotTstamp:
		out = Status{
			ApplPtr: s.applPtr,
			HwPtr:   s.hwPausePtr,
			Tstamp:  s.triggerTstamp,
			Error:   int32(dspderr.KindInProgress),
		}
	default:
		return Status{}, dspderr.ErrAgain
	}
	out.Tstamp += (now - out.Tstamp)
	out.Fill, out.Space = s.fillSpace()
	out.Delay = s.Avail()
	if !s.noXrun {
		if xr := s.CheckXrun(now); xr != nil {
			out.Error = int32(dspderr.KindOf(xr))
		}
	}
	return out, nil
}

func (s *Stream) fillSpace() (fill, space uint32) {
	avail := s.Avail()
	if s.direction == Playback {
		space = uint32(avail)
		fill = s.params.BufSize - space
	} else {
		fill = uint32(avail)
		space = s.params.BufSize - fill
	}
	return fill, space
}

// Rewind moves appl_ptr backward by up to n frames, re-exposing them as
// writable space on playback or as readable frames on capture; it returns
// the amount actually moved.
func (s *Stream) Rewind(n uint64) (uint64, error) {
	if s.state != StateRunning && s.state != StatePrepared {
		return 0, dspderr.New(dspderr.KindBadFd, "pcm.rewind", nil)
	}
	max := s.params.BufSize - uint32(s.Avail())
	if s.direction == Capture {
		max = uint32(s.Avail())
	}
	if n > uint64(max) && !s.noXrun {
		n = uint64(max)
	}
	if n == 0 {
		return 0, nil
	}
	s.applPtr -= n
	delta := uint32(n)
	if s.direction == Playback {
		s.fifo.CommitWrite(^delta + 1) // rewind: -n via unsigned wraparound
	} else {
		s.fifo.CommitRead(^delta + 1)
	}
	return n, nil
}

// Forward moves appl_ptr forward by up to n frames, discarding them
// without transferring; returns the amount actually moved.
func (s *Stream) Forward(n uint64) (uint64, error) {
	if s.state != StateRunning && s.state != StatePrepared {
		return 0, dspderr.New(dspderr.KindBadFd, "pcm.forward", nil)
	}
	max := uint64(s.Avail())
	if n > max {
		n = max
	}
	if n == 0 {
		return 0, nil
	}
	s.applPtr += n
	if s.direction == Playback {
		s.fifo.CommitWrite(uint32(n))
	} else {
		s.fifo.CommitRead(uint32(n))
	}
	return n, nil
}

// SetPointer repositions appl_ptr absolutely or relatively and issues the
// matching FIFO commit.
func (s *Stream) SetPointer(relative bool, value int64) error {
	if s.state < StateBound {
		return dspderr.New(dspderr.KindBadFd, "pcm.set_pointer", nil)
	}
	var delta int64
	if relative {
		delta = value
	} else {
		delta = value - int64(s.applPtr)
	}
	s.applPtr = uint64(int64(s.applPtr) + delta)
	if s.direction == Playback {
		s.fifo.CommitWrite(uint32(delta))
	} else {
		s.fifo.CommitRead(uint32(delta))
	}
	return nil
}

// CheckXrun detects underrun/overrun: if the stream is Running, not in its
// post-trigger grace window, and avail has reached xrun_threshold, it
// signals ErrPipe and poisons the stream unless no_xrun suppresses it.
func (s *Stream) CheckXrun(now int64) error {
	if s.noXrun || s.state != StateRunning {
		return nil
	}
	if s.gotTstamp {
		grace := (int64(s.params.FragSize) / xrunGraceFragments) * s.sampleTimeNS
		if now-s.triggerTstamp < grace {
			return nil
		}
	}
	if uint32(s.Avail()) >= s.xrunThreshold {
		err := dspderr.New(dspderr.KindPipe, "pcm.xrun", nil)
		s.poison(err)
		return err
	}
	if ferr := s.fifo.Error(); ferr != 0 {
		err := dspderr.New(dspderr.KindFault, "pcm.xrun", fmt.Errorf("fifo error %d", ferr))
		s.poison(err)
		return err
	}
	return nil
}

// GetNextWakeup computes when the stream will next have availMin frames
// ready, for programming the event loop's timer.
func (s *Stream) GetNextWakeup(availMin uint32, now int64) Wakeup {
	if s.state != StateRunning {
		return Wakeup{Kind: WakeupNone}
	}
	avail := s.Avail()
	if avail >= int64(availMin) {
		return Wakeup{Kind: WakeupNow}
	}
	need := int64(availMin) - avail
	return Wakeup{Kind: WakeupAt, At: now + need*s.sampleTimeNS}
}
