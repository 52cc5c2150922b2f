package wire_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dspdaemon/dspd/internal/dspderr"
	"github.com/dspdaemon/dspd/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := &wire.Packet{
		Header: wire.Header{
			Cmd:    7,
			Flags:  wire.FlagCmsgFD,
			Stream: -1,
			RData:  42,
		},
		Payload: []byte("hwparams"),
	}

	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))

	got, err := wire.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, p.Header.Cmd, got.Header.Cmd)
	require.Equal(t, p.Header.Flags, got.Header.Flags)
	require.Equal(t, p.Header.Stream, got.Header.Stream)
	require.Equal(t, p.Header.RData, got.Header.RData)
	require.Equal(t, p.Payload, got.Payload)
}

func TestDecodeTruncatedIsProtocolError(t *testing.T) {
	_, err := wire.Decode(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
	require.Equal(t, dspderr.KindProtocol, dspderr.KindOf(err))
}

// TestPacketCodecRoundTripProperty is spec §8's round-trip law:
// decode(encode(p)) == p for any packet.
func TestPacketCodecRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := &wire.Packet{
			Header: wire.Header{
				Cmd:    uint16(rapid.Uint16().Draw(t, "cmd")),
				Flags:  uint16(rapid.Uint16().Draw(t, "flags")),
				Stream: int32(rapid.Int32().Draw(t, "stream")),
				RData:  int32(rapid.Int32().Draw(t, "rdata")),
			},
			Payload: rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "payload"),
		}
		var buf bytes.Buffer
		require.NoError(t, p.Encode(&buf))
		got, err := wire.Decode(io.Reader(&buf))
		require.NoError(t, err)
		require.Equal(t, p.Header.Cmd, got.Header.Cmd)
		require.Equal(t, p.Header.Flags, got.Header.Flags)
		require.Equal(t, p.Header.Stream, got.Header.Stream)
		require.Equal(t, p.Header.RData, got.Header.RData)
		require.Equal(t, p.Payload, got.Payload)
	})
}
