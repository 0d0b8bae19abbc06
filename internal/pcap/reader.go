package pcap

// Capture container reader for legacy pcap and pcapng files.
//
// The reader parses the container itself rather than going through libpcap:
// it needs no cgo, works on any io.Reader, and reports malformed input with
// the byte offset where parsing stopped.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Format identifies the capture container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatLegacy
	FormatNG
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "pcap"
	case FormatNG:
		return "pcapng"
	default:
		return "unknown"
	}
}

// maxRecordSize bounds a single record or block so that a corrupt length
// field cannot trigger a huge allocation.
const maxRecordSize = 16 << 20

// Frame is one captured frame with its capture metadata.
type Frame struct {
	Timestamp   time.Time
	Seconds     uint64 // whole seconds since the epoch
	Fraction    uint64 // sub-second part in units of the source resolution
	CapturedLen uint32
	OriginalLen uint32
	Data        []byte
	InterfaceID uint32 // always 0 for legacy files
	LinkType    uint16
	Offset      int64 // file offset of the record or block
}

// ContainerError reports a malformed or truncated capture container.
// Parsing cannot continue past it.
type ContainerError struct {
	Offset int64
	Reason string
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("capture container error at offset %d: %s", e.Offset, e.Reason)
}

// Reader yields the frames of one capture file in a single forward pass.
type Reader struct {
	r      *bufio.Reader
	offset int64
	format Format
	order  binary.ByteOrder
	err    error

	// legacy
	linkType  uint16
	snapLen   uint32
	unitsNano bool

	// pcapng
	ifaces []ngInterface

	skipped int
}

// NewReader detects the container format from the first four bytes and
// reads the file header.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{r: bufio.NewReaderSize(r, 64<<10)}

	magic, err := rd.r.Peek(4)
	if err != nil {
		return nil, &ContainerError{Offset: 0, Reason: "file shorter than a container magic"}
	}
	if binary.LittleEndian.Uint32(magic) == ngBlockSectionHeader {
		rd.format = FormatNG
		if err := rd.readSectionHeader(); err != nil {
			return nil, err
		}
		return rd, nil
	}

	rd.format = FormatLegacy
	if err := rd.readLegacyHeader(); err != nil {
		return nil, err
	}
	return rd, nil
}

// Next returns the next frame, io.EOF at a clean end of input, or a
// *ContainerError. After an error every later call returns the same error.
func (rd *Reader) Next() (Frame, error) {
	if rd.err != nil {
		return Frame{}, rd.err
	}
	var (
		frame Frame
		err   error
	)
	if rd.format == FormatNG {
		frame, err = rd.nextNG()
	} else {
		frame, err = rd.nextLegacy()
	}
	if err != nil {
		rd.err = err
	}
	return frame, err
}

// Format returns the detected container format.
func (rd *Reader) Format() Format {
	return rd.format
}

// LinkType returns the link-layer type of an interface. Legacy files have
// a single interface 0.
func (rd *Reader) LinkType(ifaceID uint32) (uint16, bool) {
	if rd.format == FormatLegacy {
		return rd.linkType, ifaceID == 0
	}
	if int(ifaceID) >= len(rd.ifaces) {
		return 0, false
	}
	return rd.ifaces[ifaceID].linkType, true
}

// Skipped returns the number of frames the reader could not attribute to
// an interface and therefore did not return.
func (rd *Reader) Skipped() int {
	return rd.skipped
}

// Offset returns the number of bytes consumed so far.
func (rd *Reader) Offset() int64 {
	return rd.offset
}

// ByteOrder returns the byte order of the current section.
func (rd *Reader) ByteOrder() binary.ByteOrder {
	return rd.order
}

// readFull reads exactly len(buf) bytes. A clean EOF before the first byte
// is returned as io.EOF; a short read is a truncation error at start.
func (rd *Reader) readFull(buf []byte, start int64, what string) error {
	n, err := io.ReadFull(rd.r, buf)
	rd.offset += int64(n)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) && n == 0 {
		return io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &ContainerError{Offset: start, Reason: fmt.Sprintf("truncated %s: %d of %d bytes", what, n, len(buf))}
	}
	return &ContainerError{Offset: start, Reason: fmt.Sprintf("read %s: %v", what, err)}
}

// discard skips n bytes of input.
func (rd *Reader) discard(n int64, start int64, what string) error {
	got, err := io.CopyN(io.Discard, rd.r, n)
	rd.offset += got
	if err != nil {
		return &ContainerError{Offset: start, Reason: fmt.Sprintf("truncated %s: %d of %d bytes", what, got, n)}
	}
	return nil
}

// File is a Reader over an open capture file.
type File struct {
	*Reader
	f *os.File
}

// OpenFile opens a capture file and reads its header.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	rd, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{Reader: rd, f: f}, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// timestamp converts whole seconds plus a fraction expressed in
// unitsPerSecond into a time.Time.
func timestamp(sec, frac, unitsPerSecond uint64) time.Time {
	const nano = uint64(time.Second)
	var ns uint64
	switch {
	case unitsPerSecond == nano:
		ns = frac
	case unitsPerSecond < nano && nano%unitsPerSecond == 0:
		ns = frac * (nano / unitsPerSecond)
	case unitsPerSecond > nano && unitsPerSecond%nano == 0:
		ns = frac / (unitsPerSecond / nano)
	default:
		ns = uint64(float64(frac) / float64(unitsPerSecond) * float64(nano))
	}
	return time.Unix(int64(sec), int64(ns)).UTC()
}
