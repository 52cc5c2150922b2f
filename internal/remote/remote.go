// Package remote implements the Remote Client Wrapper of spec §4.7: the
// glue that drives an asyncio.Context's request/reply ctl protocol and a
// pcm.Client through the connect handshake (set params, set channel map,
// connect to a device, map each direction's shared-memory region, attach
// the corresponding stream) and unwinds cleanly on any failure partway
// through. It mirrors original_source/lib/rclient.c's dspd_rclient_connect,
// one DSPD_SCTL_CLIENT_* request at a time.
package remote

import (
	"runtime"

	"github.com/dspdaemon/dspd/internal/asyncio"
	"github.com/dspdaemon/dspd/internal/dspderr"
	"github.com/dspdaemon/dspd/internal/mbx"
	"github.com/dspdaemon/dspd/internal/pcm"
	"github.com/dspdaemon/dspd/internal/shm"
)

// Control request codes, one per DSPD_SCTL_CLIENT_* the connect sequence
// drives (spec §4.7 "Connect sequence").
const (
	CtlSetParams     uint16 = 1
	CtlSetChannelMap uint16 = 2
	CtlConnect       uint16 = 3
	CtlMapBuf        uint16 = 4
)

// ShmReceiver hands back the mapped region for one direction's MAPBUF
// reply, abstracting over in-process (plain bytes already attached) vs.
// cross-process (fd passed out of band) transports.
type ShmReceiver func(reply []byte) (*shm.Map, error)

// Wrapper binds one asyncio.Context to one pcm.Client and drives the
// connect/disconnect handshake between them (spec §4.7).
type Wrapper struct {
	ctx    *asyncio.Context
	client *pcm.Client
	recvFD ShmReceiver

	playbackRegion *shm.Map
	captureRegion  *shm.Map
}

// New wires a Wrapper to an already-open asyncio.Context and a freshly
// constructed pcm.Client. recvFD is called once per enabled direction to
// resolve a MAPBUF reply into an attached shm.Map.
func New(ctx *asyncio.Context, client *pcm.Client, recvFD ShmReceiver) *Wrapper {
	return &Wrapper{ctx: ctx, client: client, recvFD: recvFD}
}

// ctl performs one synchronous (from the caller's point of view)
// request/reply round trip: submit, then poll until this op's reply
// lands. Every lower layer is async-native (spec §4.6), so the blocking
// wait lives here, at the one layer that needs a strictly sequential
// handshake.
func (w *Wrapper) ctl(cmd uint16, stream int32, in, out []byte) (int, error) {
	op := &asyncio.Op{Stream: stream, InBuf: in, OutBuf: out}
	if err := w.ctx.Submit(op, cmd, 0); dspderr.KindOf(err) != dspderr.KindInProgress {
		return 0, err
	}
	for {
		done, err := w.ctx.PollComplete()
		if err != nil {
			return 0, err
		}
		if !done {
			runtime.Gosched()
			continue
		}
		return op.Xfer, op.Err
	}
}

// ConnectRequest describes one direction's desired hardware parameters
// and optional channel map for Connect.
type ConnectRequest struct {
	Params  pcm.Params
	ChanMap []int
}

// Connect drives the full handshake for up to two directions: SETPARAMS,
// optional SETCHANNELMAP, CONNECT to device, then MAPBUF+attach per
// enabled direction (spec §4.7, grounded on dspd_rclient_connect). On any
// failure it unwinds whatever was already attached before returning.
func (w *Wrapper) Connect(device int32, playback, capture *ConnectRequest) error {
	if err := w.client.Bind(); err != nil {
		return err
	}

	if playback != nil {
		if _, err := w.ctl(CtlSetParams, pcmStreamBit(pcm.Playback), encodeParams(playback.Params), nil); err != nil {
			return err
		}
		if playback.ChanMap != nil {
			if _, err := w.ctl(CtlSetChannelMap, pcmStreamBit(pcm.Playback), encodeChanMap(playback.ChanMap), nil); err != nil {
				return err
			}
		}
	}
	if capture != nil {
		if _, err := w.ctl(CtlSetParams, pcmStreamBit(pcm.Capture), encodeParams(capture.Params), nil); err != nil {
			return err
		}
		if capture.ChanMap != nil {
			if _, err := w.ctl(CtlSetChannelMap, pcmStreamBit(pcm.Capture), encodeChanMap(capture.ChanMap), nil); err != nil {
				return err
			}
		}
	}

	if _, err := w.ctl(CtlConnect, -1, encodeDevice(device), nil); err != nil {
		return err
	}

	var playbackFifo, playbackMbx, captureFifo, captureMbx []byte
	if playback != nil {
		region, err := w.mapbuf(pcm.Playback, playback.Params)
		if err != nil {
			w.unwind()
			return err
		}
		w.playbackRegion = region
		playbackFifo, playbackMbx, err = fifoAndMbx(region, playback.Params)
		if err != nil {
			w.unwind()
			return err
		}
	}
	if capture != nil {
		region, err := w.mapbuf(pcm.Capture, capture.Params)
		if err != nil {
			w.unwind()
			return err
		}
		w.captureRegion = region
		captureFifo, captureMbx, err = fifoAndMbx(region, capture.Params)
		if err != nil {
			w.unwind()
			return err
		}
	}

	var params pcm.Params
	if playback != nil {
		params = playback.Params
	} else {
		params = capture.Params
	}
	if err := w.client.SetHWParams(params, playbackFifo, playbackMbx, captureFifo, captureMbx); err != nil {
		w.unwind()
		return err
	}
	return nil
}

func (w *Wrapper) mapbuf(dir pcm.Direction, params pcm.Params) (*shm.Map, error) {
	reply := make([]byte, 256)
	n, err := w.ctl(CtlMapBuf, pcmStreamBit(dir), nil, reply)
	if err != nil {
		return nil, err
	}
	return w.recvFD(reply[:n])
}

func fifoAndMbx(region *shm.Map, params pcm.Params) (fifoBuf, mbxBuf []byte, err error) {
	fifoBuf, err = region.Section(shm.SectionFIFO, int(params.BufSize)*4*params.Channels)
	if err != nil {
		return nil, nil, err
	}
	mbxBuf, err = region.Section(shm.SectionMBX, mbx.BufferSize[pcm.Status]())
	if err != nil {
		return nil, nil, err
	}
	return fifoBuf, mbxBuf, nil
}

// unwind releases any shm regions mapped so far, mirroring
// dspd_rclient_connect's `error:` label (detach whatever got attached).
func (w *Wrapper) unwind() {
	if w.playbackRegion != nil {
		w.playbackRegion.Close()
		w.playbackRegion = nil
	}
	if w.captureRegion != nil {
		w.captureRegion.Close()
		w.captureRegion = nil
	}
}

// Disconnect tears down both directions and closes the underlying
// transport (spec §4.7 "Disconnect").
func (w *Wrapper) Disconnect() error {
	w.client.Unbind()
	w.unwind()
	return w.ctx.Close()
}

func pcmStreamBit(dir pcm.Direction) int32 {
	if dir == pcm.Capture {
		return 1
	}
	return 0
}

func encodeParams(p pcm.Params) []byte {
	buf := make([]byte, 20)
	putU32(buf[0:4], uint32(p.Format))
	putU32(buf[4:8], uint32(p.Channels))
	putU32(buf[8:12], p.Rate)
	putU32(buf[12:16], p.BufSize)
	putU32(buf[16:20], p.FragSize)
	return buf
}

func encodeChanMap(m []int) []byte {
	buf := make([]byte, len(m)*4)
	for i, v := range m {
		putU32(buf[i*4:i*4+4], uint32(v))
	}
	return buf
}

func encodeDevice(device int32) []byte {
	buf := make([]byte, 4)
	putU32(buf, uint32(device))
	return buf
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
