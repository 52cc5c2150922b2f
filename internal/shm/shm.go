// Package shm implements the shared-memory region layout of spec §6: a
// header, a section table of (id, offset, length) triples, and the
// sections themselves (MBX, FIFO), 8-byte aligned. A region may be backed
// by an anonymous/named mmap (cross-process, acquired over a file
// descriptor passed via ancillary data) or by a plain Go byte slice
// (in-process attach, no syscall involved).
package shm

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dspdaemon/dspd/internal/dspderr"
)

// SectionID names one of the two sections a region can carry.
type SectionID uint32

const (
	// SectionMBX is the status mailbox section.
	SectionMBX SectionID = iota + 1
	// SectionFIFO is the payload ring section.
	SectionFIFO
)

const align = 8

func alignUp(n int) int {
	return (n + align - 1) &^ (align - 1)
}

type sectionEntry struct {
	id     SectionID
	offset int
	length int
}

// Map is an opened shared-memory region with a section table.
type Map struct {
	buf      []byte
	sections []sectionEntry
	mmapped  bool
}

// Builder constructs a new region's section table before backing storage is
// allocated, so callers can compute FIFO/MBX sizes first and lay them out
// contiguously, 8-byte aligned, as required by §6.
type Builder struct {
	sections []sectionEntry
	cursor   int
}

// NewBuilder starts a region layout at offset 0 (reserved for the header;
// the header itself is just the section count + table, written by Build).
func NewBuilder() *Builder {
	return &Builder{}
}

// headerSize returns the size of the section-count word plus table, given
// the number of sections registered so far — used to reserve the header.
func (b *Builder) headerSize(n int) int {
	return alignUp(4 + n*12) // count(u32) + n * (id u32, offset u32, length u32)
}

// AddSection reserves length bytes (rounded up to the 8-byte alignment) for
// a section of the given id; Build assigns its offset.
func (b *Builder) AddSection(id SectionID, length int) {
	b.sections = append(b.sections, sectionEntry{id: id, length: alignUp(length)})
}

// Build computes final offsets and returns the total region size plus a
// Map-shaped section table to write into the allocated storage.
func (b *Builder) Build() (totalSize int, layout []sectionEntry) {
	hdr := b.headerSize(len(b.sections))
	cursor := hdr
	out := make([]sectionEntry, len(b.sections))
	for i, s := range b.sections {
		s.offset = cursor
		out[i] = s
		cursor += s.length
	}
	return cursor, out
}

// writeHeader serializes the section count + table little-endian at the
// front of buf.
func writeHeader(buf []byte, sections []sectionEntry) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(sections)))
	off := 4
	for _, s := range sections {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(s.id))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(s.offset))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(s.length))
		off += 12
	}
}

func readHeader(buf []byte) ([]sectionEntry, error) {
	if len(buf) < 4 {
		return nil, dspderr.New(dspderr.KindInvalid, "shm", fmt.Errorf("region too small for header"))
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	need := off + int(n)*12
	if need > len(buf) {
		return nil, dspderr.New(dspderr.KindInvalid, "shm", fmt.Errorf("section table truncated"))
	}
	out := make([]sectionEntry, n)
	for i := range out {
		out[i] = sectionEntry{
			id:     SectionID(binary.LittleEndian.Uint32(buf[off : off+4])),
			offset: int(binary.LittleEndian.Uint32(buf[off+4 : off+8])),
			length: int(binary.LittleEndian.Uint32(buf[off+8 : off+12])),
		}
		off += 12
	}
	return out, nil
}

// NewInProcess allocates an in-process region (a plain Go slice) laid out
// per b, and returns an attached Map.
func NewInProcess(b *Builder) *Map {
	size, sections := b.Build()
	buf := make([]byte, size)
	writeHeader(buf, sections)
	return &Map{buf: buf, sections: sections}
}

// NewShared creates a named region under /dev/shm sized per b and maps it,
// for the cross-process case where a client receives the backing fd over
// ancillary data. The returned file should be passed to the peer; closing
// it locally after mmap is safe (the mapping keeps the pages alive).
func NewShared(name string, b *Builder) (*Map, *os.File, error) {
	size, sections := b.Build()
	path := "/dev/shm/" + name
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, dspderr.New(dspderr.KindNoDev, "shm.create", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, nil, dspderr.New(dspderr.KindNoDev, "shm.truncate", err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, dspderr.New(dspderr.KindNoDev, "shm.mmap", err)
	}
	writeHeader(buf, sections)
	return &Map{buf: buf, sections: sections, mmapped: true}, f, nil
}

// OpenShared maps an existing region from an fd received over ancillary
// data (the cross-process attach path of Remote Client Wrapper §4.7).
func OpenShared(f *os.File, size int) (*Map, error) {
	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, dspderr.New(dspderr.KindNoDev, "shm.mmap", err)
	}
	sections, err := readHeader(buf)
	if err != nil {
		unix.Munmap(buf)
		return nil, err
	}
	return &Map{buf: buf, sections: sections, mmapped: true}, nil
}

// Close releases the backing mapping, if any (in-process maps are plain Go
// memory and need no cleanup).
func (m *Map) Close() error {
	if !m.mmapped {
		return nil
	}
	buf := m.buf
	m.buf = nil
	return unix.Munmap(buf)
}

// Section locates a section by id, validating its size against want bytes
// (spec §4.3 attach: "Validates section sizes ... fails with EINVAL
// otherwise").
func (m *Map) Section(id SectionID, want int) ([]byte, error) {
	for _, s := range m.sections {
		if s.id != id {
			continue
		}
		if s.length < want {
			return nil, dspderr.New(dspderr.KindInvalid, "shm.section",
				fmt.Errorf("section %d is %d bytes, need %d", id, s.length, want))
		}
		return m.buf[s.offset : s.offset+s.length], nil
	}
	return nil, dspderr.New(dspderr.KindInvalid, "shm.section", fmt.Errorf("section %d not present", id))
}

// Size returns the total region size in bytes.
func (m *Map) Size() int { return len(m.buf) }
