// Package asyncio implements the Async IO Context of spec §4.6: a
// message-framed request/reply channel with a submit/complete callback
// pair per operation, backed by either a byte-socket transport (wire
// packets) or an in-process pair of FIFOs. Ordering is FIFO per context;
// cancellation is advisory.
package asyncio

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dspdaemon/dspd/internal/dspderr"
	"github.com/dspdaemon/dspd/internal/fifo"
	"github.com/dspdaemon/dspd/internal/wire"
)

// Transport carries framed packets in either direction. One context owns
// exactly one transport.
type Transport interface {
	Send(pkt *wire.Packet) error
	Recv() (*wire.Packet, error)
	Close() error
}

// SocketTransport carries wire packets over a byte stream (spec §4.6
// "Socket transport").
type SocketTransport struct {
	conn net.Conn
}

// NewSocketTransport wraps an established connection.
func NewSocketTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{conn: conn}
}

func (t *SocketTransport) Send(pkt *wire.Packet) error {
	if err := pkt.Encode(t.conn); err != nil {
		return dspderr.New(dspderr.KindPipe, "asyncio.socket.send", err)
	}
	return nil
}

func (t *SocketTransport) Recv() (*wire.Packet, error) {
	pkt, err := wire.Decode(t.conn)
	if err != nil {
		if err == io.EOF {
			return nil, dspderr.New(dspderr.KindPipe, "asyncio.socket.recv", err)
		}
		return nil, err
	}
	return pkt, nil
}

func (t *SocketTransport) Close() error { return t.conn.Close() }

// SendFD sends pkt with FlagCmsgFD set plus one fd riding along as SCM_RIGHTS
// ancillary data (spec §4.6 "A single optional file descriptor may ride on
// the reply via ancillary data"). The underlying connection must be a
// *net.UnixConn; SCM_RIGHTS has no TCP equivalent.
func (t *SocketTransport) SendFD(pkt *wire.Packet, fd int) error {
	uc, ok := t.conn.(*net.UnixConn)
	if !ok {
		return dspderr.New(dspderr.KindInvalid, "asyncio.socket.send_fd", nil)
	}
	pkt.Header.Flags |= wire.FlagCmsgFD
	var hdr bytes.Buffer
	if err := pkt.Encode(&hdr); err != nil {
		return err
	}
	rights := unix.UnixRights(fd)
	if _, _, err := uc.WriteMsgUnix(hdr.Bytes(), rights, nil); err != nil {
		return dspderr.New(dspderr.KindPipe, "asyncio.socket.send_fd", err)
	}
	return nil
}

// RecvFD reads one packet and, if FlagCmsgFD is set, the fd that rode along
// with it. fd is -1 when the packet carried no ancillary data.
func (t *SocketTransport) RecvFD() (*wire.Packet, int, error) {
	uc, ok := t.conn.(*net.UnixConn)
	if !ok {
		return nil, -1, dspderr.New(dspderr.KindInvalid, "asyncio.socket.recv_fd", nil)
	}
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, -1, dspderr.New(dspderr.KindPipe, "asyncio.socket.recv_fd", err)
	}
	pkt, err := wire.Decode(bytes.NewReader(buf[:n]))
	if err != nil {
		return nil, -1, err
	}
	fd := -1
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil && len(msgs) > 0 {
			if fds, err := unix.ParseUnixRights(&msgs[0]); err == nil && len(fds) > 0 {
				fd = fds[0]
			}
		}
	}
	return pkt, fd, nil
}

// fifoElemSize is the size of a single in-process envelope: a uint32
// length prefix plus up to fifoElemSize-4 bytes of encoded packet.
// Requests/replies larger than that must use the socket transport instead.
const fifoElemSize = 512

// FIFOTransport is the in-process dual-FIFO transport (spec §4.6): two
// dspd_fifo-shaped rings, one per direction, plus a wakeup channel in
// place of the C original's mutex+condvar / eventfd pair.
type FIFOTransport struct {
	out  *fifo.FIFO
	in   *fifo.FIFO
	wake chan struct{}
}

// NewFIFOPair creates two linked in-process transports sharing a pair of
// FIFOs, one per direction, each with its own wakeup channel.
func NewFIFOPair(capacity uint32) (a, b *FIFOTransport) {
	f1 := fifo.New(capacity, fifoElemSize)
	f2 := fifo.New(capacity, fifoElemSize)
	a = &FIFOTransport{out: f1, in: f2, wake: make(chan struct{}, 1)}
	b = &FIFOTransport{out: f2, in: f1, wake: make(chan struct{}, 1)}
	return a, b
}

func (t *FIFOTransport) Send(pkt *wire.Packet) error {
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return err
	}
	if buf.Len() > fifoElemSize-4 {
		return dspderr.New(dspderr.KindInvalid, "asyncio.fifo.send", nil)
	}
	elem := make([]byte, fifoElemSize)
	binary.LittleEndian.PutUint32(elem[0:4], uint32(buf.Len()))
	copy(elem[4:], buf.Bytes())
	if _, err := t.out.Write(elem); err != nil {
		return err
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

func (t *FIFOTransport) Recv() (*wire.Packet, error) {
	elem := make([]byte, fifoElemSize)
	n, err := t.in.Read(elem)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, dspderr.ErrAgain
	}
	length := binary.LittleEndian.Uint32(elem[0:4])
	return wire.Decode(bytes.NewReader(elem[4 : 4+length]))
}

// WakeChan signals whenever the peer has pushed a new packet, for an event
// loop to select on alongside its epoll/timer fds.
func (t *FIFOTransport) WakeChan() <-chan struct{} { return t.wake }

func (t *FIFOTransport) Close() error { return nil }

// Op is one submitted asynchronous operation (spec §3 "Async-IO Context").
type Op struct {
	Stream   int32 // target stream index, or -1 for server-scoped
	Req      uint16
	InBuf    []byte
	OutBuf   []byte
	Xfer     int
	Err      error
	Complete func(*Op)

	canceled  bool
	completed bool
}

// Context owns one transport, a FIFO-ordered queue of pending ops, and the
// submit/completion callback discipline of spec §4.6.
type Context struct {
	mu        sync.Mutex
	transport Transport
	pending   []*Op
	onSubmit  func(*Op)
	onComplete func(*Op)
}

// NewContext wires a Context to its transport. onSubmit/onComplete may be
// nil; when non-nil they fire alongside each op's own Complete callback,
// letting a Remote Client Wrapper observe traffic without replacing the
// op's own handler.
func NewContext(t Transport, onSubmit, onComplete func(*Op)) *Context {
	return &Context{transport: t, onSubmit: onSubmit, onComplete: onComplete}
}

// Submit enqueues op and sends its request packet. Per spec §4.6, every
// submitted operation either completes exactly once or is explicitly
// canceled.
func (c *Context) Submit(op *Op, cmd uint16, flags uint16) error {
	c.mu.Lock()
	c.pending = append(c.pending, op)
	c.mu.Unlock()

	pkt := &wire.Packet{
		Header: wire.Header{
			Cmd:    cmd,
			Flags:  flags,
			Stream: op.Stream,
			RData:  int32(len(op.OutBuf)),
		},
		Payload: op.InBuf,
	}
	if err := c.transport.Send(pkt); err != nil {
		c.removePending(op)
		return err
	}
	if c.onSubmit != nil {
		c.onSubmit(op)
	}
	return dspderr.New(dspderr.KindInProgress, "asyncio.submit", nil)
}

func (c *Context) removePending(op *Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == op {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Cancel marks op canceled. If it's still queued (no reply has arrived
// yet), completion fires synchronously with a canceled error; otherwise
// the in-flight completion proceeds normally and the caller is free to
// discard whatever result arrives (spec §5 "Cancellation").
func (c *Context) Cancel(op *Op) {
	c.mu.Lock()
	op.canceled = true
	queued := false
	for i, p := range c.pending {
		if p == op && !p.completed {
			queued = true
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if queued {
		op.Err = dspderr.New(dspderr.KindAgain, "asyncio.cancel", nil)
		op.completed = true
		if op.Complete != nil {
			op.Complete(op)
		}
	}
}

// PollComplete reads exactly one reply from the transport, matches it to
// the oldest pending op (FIFO order per context), fills in Xfer/Err, and
// fires completion callbacks. Returns (false, nil) on ErrAgain when no
// reply is ready yet.
func (c *Context) PollComplete() (bool, error) {
	pkt, err := c.transport.Recv()
	if err != nil {
		if dspderr.KindOf(err) == dspderr.KindAgain {
			return false, nil
		}
		return false, err
	}

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false, dspderr.New(dspderr.KindProtocol, "asyncio.poll_complete", nil)
	}
	op := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	op.completed = true
	n := copy(op.OutBuf, pkt.Payload)
	op.Xfer = n
	if pkt.Header.Flags&wire.FlagError != 0 {
		op.Err = dspderr.New(dspderr.Kind(pkt.Header.RData), "asyncio.reply", nil)
	} else {
		op.Err = nil
	}

	if op.canceled {
		// Already completed synchronously by Cancel; discard this result.
		return true, nil
	}
	if op.Complete != nil {
		op.Complete(op)
	}
	if c.onComplete != nil {
		c.onComplete(op)
	}
	return true, nil
}

// Pending reports how many ops are currently queued awaiting completion.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close releases the underlying transport.
func (c *Context) Close() error { return c.transport.Close() }
