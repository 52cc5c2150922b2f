package asyncio_test

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dspdaemon/dspd/internal/asyncio"
	"github.com/dspdaemon/dspd/internal/dspderr"
	"github.com/dspdaemon/dspd/internal/wire"
)

func unixSocketPair(t *testing.T) (a, b *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	fa := os.NewFile(uintptr(fds[0]), "a")
	fb := os.NewFile(uintptr(fds[1]), "b")
	ca, err := net.FileConn(fa)
	require.NoError(t, err)
	cb, err := net.FileConn(fb)
	require.NoError(t, err)
	fa.Close()
	fb.Close()
	return ca.(*net.UnixConn), cb.(*net.UnixConn)
}

func TestFIFOTransportSubmitCompleteRoundTrip(t *testing.T) {
	clientSide, serverSide := asyncio.NewFIFOPair(8)
	cli := asyncio.NewContext(clientSide, nil, nil)

	out := make([]byte, 4)
	op := &asyncio.Op{Stream: -1, OutBuf: out}
	err := cli.Submit(op, 1, 0)
	require.Equal(t, dspderr.KindInProgress, dspderr.KindOf(err))

	// Simulate the server side receiving the request and replying.
	req, rerr := serverSide.Recv()
	require.NoError(t, rerr)
	require.Equal(t, uint16(1), req.Header.Cmd)

	reply := &wire.Packet{Header: wire.Header{Cmd: 1, Stream: -1}, Payload: []byte("ok!")}
	require.NoError(t, serverSide.Send(reply))

	completed, cerr := cli.PollComplete()
	require.NoError(t, cerr)
	require.True(t, completed)
	require.NoError(t, op.Err)
	require.Equal(t, "ok!", string(out[:op.Xfer]))
}

func TestSubmitAtMostOnceCompletionGuarantee(t *testing.T) {
	clientSide, serverSide := asyncio.NewFIFOPair(8)
	cli := asyncio.NewContext(clientSide, nil, nil)

	called := 0
	op := &asyncio.Op{Stream: 0, OutBuf: make([]byte, 0), Complete: func(*asyncio.Op) { called++ }}
	_ = cli.Submit(op, 2, 0)

	_, _ = serverSide.Recv()
	require.NoError(t, serverSide.Send(&wire.Packet{Header: wire.Header{Cmd: 2, Stream: 0}}))

	ok, err := cli.PollComplete()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, called)
}

func TestCancelQueuedOpCompletesSynchronously(t *testing.T) {
	clientSide, _ := asyncio.NewFIFOPair(8)
	cli := asyncio.NewContext(clientSide, nil, nil)

	called := 0
	op := &asyncio.Op{Stream: 0, Complete: func(*asyncio.Op) { called++ }}
	_ = cli.Submit(op, 3, 0)
	require.Equal(t, 1, cli.Pending())

	cli.Cancel(op)
	require.Equal(t, 1, called)
	require.Equal(t, 0, cli.Pending())
}

func TestErrorReplySetsOpErr(t *testing.T) {
	clientSide, serverSide := asyncio.NewFIFOPair(8)
	cli := asyncio.NewContext(clientSide, nil, nil)

	op := &asyncio.Op{OutBuf: make([]byte, 0)}
	_ = cli.Submit(op, 5, 0)
	_, _ = serverSide.Recv()
	require.NoError(t, serverSide.Send(&wire.Packet{
		Header: wire.Header{Cmd: 5, Flags: wire.FlagError, RData: int32(dspderr.KindPipe)},
	}))

	ok, err := cli.PollComplete()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dspderr.KindPipe, dspderr.KindOf(op.Err))
}

func TestSocketTransportRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	a := asyncio.NewSocketTransport(c1)
	b := asyncio.NewSocketTransport(c2)
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pkt, err := b.Recv()
		require.NoError(t, err)
		require.Equal(t, uint16(9), pkt.Header.Cmd)
	}()

	require.NoError(t, a.Send(&wire.Packet{Header: wire.Header{Cmd: 9}, Payload: []byte("hi")}))
	<-done
}

func TestSocketTransportSendFDRoundTrip(t *testing.T) {
	ua, ub := unixSocketPair(t)
	a := asyncio.NewSocketTransport(ua)
	b := asyncio.NewSocketTransport(ub)
	defer a.Close()
	defer b.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, a.SendFD(&wire.Packet{Header: wire.Header{Cmd: 4}, Payload: []byte("buf")}, int(w.Fd())))

	pkt, fd, err := b.RecvFD()
	require.NoError(t, err)
	require.Equal(t, uint16(4), pkt.Header.Cmd)
	require.NotEqual(t, -1, fd)
	defer unix.Close(fd)

	_, werr := unix.Write(int(w.Fd()), []byte("x"))
	require.NoError(t, werr)
	buf := make([]byte, 1)
	n, rerr := unix.Read(fd, buf)
	require.NoError(t, rerr)
	require.Equal(t, 1, n)
	require.Equal(t, byte('x'), buf[0])
}

func TestSocketTransportRecvFDRejectsNonUnixConn(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	a := asyncio.NewSocketTransport(c1)
	_, _, err := a.RecvFD()
	require.Equal(t, dspderr.KindInvalid, dspderr.KindOf(err))
}
