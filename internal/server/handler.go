package server

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/dspdaemon/dspd/internal/asyncio"
	"github.com/dspdaemon/dspd/internal/dspderr"
	"github.com/dspdaemon/dspd/internal/mbx"
	"github.com/dspdaemon/dspd/internal/pcm"
	"github.com/dspdaemon/dspd/internal/remote"
	"github.com/dspdaemon/dspd/internal/shm"
	"github.com/dspdaemon/dspd/internal/wire"
)

// regionRegistry hands out opaque IDs for shm.Map values so a MAPBUF reply
// can name a region without serializing a Go pointer onto the wire; the
// in-process Remote Client Wrapper (and, over a unix listener, the fd riding
// along via SendFD) resolves the ID back to the same *shm.Map. Grounded on
// spec §4.7's ShmReceiver abstraction: "in-process (plain bytes already
// attached) vs. cross-process (fd passed out of band)".
var (
	regionRegistryMu  sync.Mutex
	regionRegistry    = map[uint64]*shm.Map{}
	regionRegistryNum uint64
)

var shmSeq atomic.Uint64

func nextShmSeq() uint64 { return shmSeq.Add(1) }

func registerRegion(m *shm.Map) uint64 {
	regionRegistryMu.Lock()
	defer regionRegistryMu.Unlock()
	regionRegistryNum++
	id := regionRegistryNum
	regionRegistry[id] = m
	return id
}

func unregisterRegion(id uint64) {
	regionRegistryMu.Lock()
	defer regionRegistryMu.Unlock()
	delete(regionRegistry, id)
}

// LookupRegion resolves a MAPBUF reply's region ID back to its shm.Map, the
// server-process-local half of a ShmReceiver.
func LookupRegion(id uint64) (*shm.Map, bool) {
	regionRegistryMu.Lock()
	defer regionRegistryMu.Unlock()
	m, ok := regionRegistry[id]
	return m, ok
}

// connHandler drives one remote connection's control protocol: the
// server-side mirror of remote.Wrapper's ctl() driver (spec §4.7). Where
// Wrapper submits through an asyncio.Context, connHandler reads raw
// wire.Packets directly off a Transport and replies directly, the pattern
// confirmed by internal/remote/remote_test.go's fakeDevice stub (Context is
// submitter/client-only).
type connHandler struct {
	transport asyncio.Transport
	unixSock  *asyncio.SocketTransport // non-nil iff transport is a SocketTransport; SendFD succeeds only over a unix socket
	log       *log.Logger
	devices   []*deviceSlot

	pendingParams [2]*pcm.Params
	pendingChmap  [2][]int

	client   *pcm.Client
	device   *deviceSlot
	regions  [2]*shm.Map
	regionID [2]uint64
	backends [2]*backend

	closed atomic.Bool
}

func newConnHandler(t asyncio.Transport, devices []*deviceSlot, logger *log.Logger) *connHandler {
	h := &connHandler{transport: t, devices: devices, log: logger}
	if st, ok := t.(*asyncio.SocketTransport); ok {
		h.unixSock = st
	}
	return h
}

// run processes packets until the transport closes.
func (h *connHandler) run() {
	defer h.teardown()
	for {
		pkt, err := h.transport.Recv()
		if err != nil {
			if dspderr.KindOf(err) == dspderr.KindAgain {
				continue
			}
			return
		}
		h.dispatch(pkt)
	}
}

func (h *connHandler) dispatch(pkt *wire.Packet) {
	switch pkt.Header.Cmd {
	case remote.CtlSetParams:
		h.handleSetParams(pkt)
	case remote.CtlSetChannelMap:
		h.handleSetChannelMap(pkt)
	case remote.CtlConnect:
		h.handleConnect(pkt)
	case remote.CtlMapBuf:
		h.handleMapBuf(pkt)
	default:
		h.ack(pkt, dspderr.KindProtocol, nil)
	}
}

func dirIndex(stream int32) pcm.Direction {
	if stream == 1 {
		return pcm.Capture
	}
	return pcm.Playback
}

func (h *connHandler) handleSetParams(pkt *wire.Packet) {
	params, err := decodeParams(pkt.Payload)
	if err != nil {
		h.ack(pkt, dspderr.KindInvalid, nil)
		return
	}
	h.pendingParams[dirIndex(pkt.Header.Stream)] = &params
	h.ack(pkt, dspderr.KindNone, nil)
}

func (h *connHandler) handleSetChannelMap(pkt *wire.Packet) {
	chmap, err := decodeChanMap(pkt.Payload)
	if err != nil {
		h.ack(pkt, dspderr.KindInvalid, nil)
		return
	}
	h.pendingChmap[dirIndex(pkt.Header.Stream)] = chmap
	h.ack(pkt, dspderr.KindNone, nil)
}

func (h *connHandler) handleConnect(pkt *wire.Packet) {
	idx, err := decodeDevice(pkt.Payload)
	if err != nil || idx < 0 || int(idx) >= len(h.devices) {
		h.ack(pkt, dspderr.KindInvalid, nil)
		return
	}
	slot := h.devices[idx]
	if err := slot.acquire(h); err != nil {
		h.ack(pkt, dspderr.KindOf(err), nil)
		return
	}

	mask := pcm.StreamMask(0)
	if h.pendingParams[pcm.Playback] != nil && slot.cfg.Playback {
		mask |= pcm.MaskPlayback
	}
	if h.pendingParams[pcm.Capture] != nil && slot.cfg.Capture {
		mask |= pcm.MaskCapture
	}
	if mask == 0 {
		slot.release(h)
		h.ack(pkt, dspderr.KindInvalid, nil)
		return
	}

	client := pcm.NewClient(mask, 0)
	if err := client.Bind(); err != nil {
		slot.release(h)
		h.ack(pkt, dspderr.KindOf(err), nil)
		return
	}

	h.client = client
	h.device = slot
	h.ack(pkt, dspderr.KindNone, nil)
}

func (h *connHandler) handleMapBuf(pkt *wire.Packet) {
	if h.client == nil || h.device == nil {
		h.ack(pkt, dspderr.KindBadFd, nil)
		return
	}
	dir := dirIndex(pkt.Header.Stream)
	params := h.pendingParams[dir]
	if params == nil {
		h.ack(pkt, dspderr.KindBadFd, nil)
		return
	}

	b := shm.NewBuilder()
	b.AddSection(shm.SectionFIFO, int(params.BufSize)*4*params.Channels)
	b.AddSection(shm.SectionMBX, mbx.BufferSize[pcm.Status]())

	var region *shm.Map
	var regionFile *os.File
	if h.unixSock != nil {
		// A unix listener can actually carry the backing fd out to a
		// separate client process via SCM_RIGHTS (spec §4.6); name it
		// uniquely so concurrent connections don't collide under
		// /dev/shm.
		name := fmt.Sprintf("dspd-%d-%d", os.Getpid(), nextShmSeq())
		var err error
		region, regionFile, err = shm.NewShared(name, b)
		if err != nil {
			h.failMapBuf(pkt, dir, err)
			return
		}
	} else {
		region = shm.NewInProcess(b)
	}

	h.regions[dir] = region
	id := registerRegion(region)
	h.regionID[dir] = id

	stream := h.client.Stream(dir)
	fifoBuf, err := region.Section(shm.SectionFIFO, int(params.BufSize)*4*params.Channels)
	if err != nil {
		h.failMapBuf(pkt, dir, err)
		return
	}
	mbxBuf, err := region.Section(shm.SectionMBX, mbx.BufferSize[pcm.Status]())
	if err != nil {
		h.failMapBuf(pkt, dir, err)
		return
	}

	var playbackFifo, playbackMbx, captureFifo, captureMbx []byte
	if dir == pcm.Playback {
		playbackFifo, playbackMbx = fifoBuf, mbxBuf
	} else {
		captureFifo, captureMbx = fifoBuf, mbxBuf
	}
	if err := h.client.SetHWParams(*params, playbackFifo, playbackMbx, captureFifo, captureMbx); err != nil {
		h.failMapBuf(pkt, dir, err)
		return
	}

	be, err := attachBackend(h.device.cfg, stream, dir)
	if err != nil {
		h.failMapBuf(pkt, dir, err)
		return
	}
	h.backends[dir] = be

	reply := make([]byte, 8)
	binary.LittleEndian.PutUint64(reply, id)
	replyPkt := &wire.Packet{
		Header:  wire.Header{Cmd: pkt.Header.Cmd, Stream: pkt.Header.Stream},
		Payload: reply,
	}
	if h.unixSock != nil && regionFile != nil {
		err := h.unixSock.SendFD(replyPkt, int(regionFile.Fd()))
		regionFile.Close()
		if err == nil {
			return
		}
	}
	_ = h.transport.Send(replyPkt)
}

func (h *connHandler) failMapBuf(pkt *wire.Packet, dir pcm.Direction, err error) {
	unregisterRegion(h.regionID[dir])
	h.regions[dir] = nil
	h.ack(pkt, dspderr.KindOf(err), nil)
}

func (h *connHandler) ack(pkt *wire.Packet, kind dspderr.Kind, payload []byte) {
	reply := &wire.Packet{Header: wire.Header{Cmd: pkt.Header.Cmd, Stream: pkt.Header.Stream}, Payload: payload}
	if kind != dspderr.KindNone {
		reply.Header.Flags |= wire.FlagError
		reply.Header.RData = int32(kind)
	}
	_ = h.transport.Send(reply)
}

// teardown releases whatever this connection acquired: backends, regions,
// and the device slot (spec §4.7 Disconnect unwind, mirrored server-side).
func (h *connHandler) teardown() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	for dir := range h.backends {
		if h.backends[dir] != nil {
			h.backends[dir].close()
		}
	}
	for dir := range h.regions {
		if h.regions[dir] != nil {
			unregisterRegion(h.regionID[dir])
			h.regions[dir].Close()
		}
	}
	if h.client != nil {
		h.client.Unbind()
	}
	if h.device != nil {
		h.device.release(h)
	}
	h.transport.Close()
}

func decodeParams(buf []byte) (pcm.Params, error) {
	if len(buf) < 20 {
		return pcm.Params{}, dspderr.New(dspderr.KindProtocol, "server.decode_params", nil)
	}
	return pcm.Params{
		Format:   pcm.Format(binary.LittleEndian.Uint32(buf[0:4])),
		Channels: int(binary.LittleEndian.Uint32(buf[4:8])),
		Rate:     binary.LittleEndian.Uint32(buf[8:12]),
		BufSize:  binary.LittleEndian.Uint32(buf[12:16]),
		FragSize: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func decodeChanMap(buf []byte) ([]int, error) {
	if len(buf)%4 != 0 {
		return nil, dspderr.New(dspderr.KindProtocol, "server.decode_chanmap", nil)
	}
	out := make([]int, len(buf)/4)
	for i := range out {
		out[i] = int(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out, nil
}

func decodeDevice(buf []byte) (int32, error) {
	if len(buf) < 4 {
		return 0, dspderr.New(dspderr.KindProtocol, "server.decode_device", nil)
	}
	return int32(binary.LittleEndian.Uint32(buf[0:4])), nil
}
