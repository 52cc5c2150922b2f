// Package wire implements the socket-transport framing of spec §6: a
// fixed 20-byte little-endian header followed by a variable-length
// payload. The header layout and the "encode the fixed part, then append
// the variable tail by hand" idiom is carried over from the teacher's
// AGWPEHeader/AGWPEMessage (src/agwpe.go); here the fixed part is packed
// with binary.LittleEndian puts into a 20-byte array.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dspdaemon/dspd/internal/dspderr"
)

// Flag bits from spec §6.
const (
	FlagError   uint16 = 0x0001
	FlagCmsgFD  uint16 = 0x0002
	FlagRemote  uint16 = 0x0004
	FlagPollHUP uint16 = 0x0080
)

// HeaderSize is the fixed 20-byte header length.
const HeaderSize = 20

// Header is the fixed portion of a wire packet.
type Header struct {
	Len      uint32 // total packet length, header included
	Cmd      uint16
	Flags    uint16
	Stream   int32 // target stream index, or -1 for server-scoped
	RData    int32 // request: requested reply size; reply: error or actual size
	Reserved uint32
}

// Packet is a fully decoded wire packet: header plus payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// Encode writes p to w as Len(4) Cmd(2) Flags(2) Stream(4) RData(4)
// Reserved(4) Payload(Len-20), all little-endian. Len is recomputed from
// len(p.Payload) so callers never have to keep it in sync by hand.
func (p *Packet) Encode(w io.Writer) error {
	p.Header.Len = uint32(HeaderSize + len(p.Payload))
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], p.Header.Len)
	binary.LittleEndian.PutUint16(hdr[4:6], p.Header.Cmd)
	binary.LittleEndian.PutUint16(hdr[6:8], p.Header.Flags)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(p.Header.Stream))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(p.Header.RData))
	binary.LittleEndian.PutUint32(hdr[16:20], p.Header.Reserved)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(p.Payload) == 0 {
		return nil
	}
	_, err := w.Write(p.Payload)
	return err
}

// Decode reads exactly one packet from r. A truncated header or payload,
// or a length shorter than the header, is rejected with KindProtocol (spec
// §7: "wire packet malformed or truncated"); larger lengths are not
// bounded. A clean end of stream before any header byte returns io.EOF.
func Decode(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, dspderr.New(dspderr.KindProtocol, "wire.decode", err)
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length < HeaderSize {
		return nil, dspderr.New(dspderr.KindProtocol, "wire.decode",
			fmt.Errorf("length %d shorter than header", length))
	}
	payload := make([]byte, length-HeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, dspderr.New(dspderr.KindProtocol, "wire.decode", err)
		}
	}
	return &Packet{
		Header: Header{
			Len:      length,
			Cmd:      binary.LittleEndian.Uint16(hdr[4:6]),
			Flags:    binary.LittleEndian.Uint16(hdr[6:8]),
			Stream:   int32(binary.LittleEndian.Uint32(hdr[8:12])),
			RData:    int32(binary.LittleEndian.Uint32(hdr[12:16])),
			Reserved: binary.LittleEndian.Uint32(hdr[16:20]),
		},
		Payload: payload,
	}, nil
}
