package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Legacy pcap magic numbers as read in little-endian order.
const (
	legacyMagicMicros        = 0xA1B2C3D4
	legacyMagicNanos         = 0xA1B23C4D
	legacyMagicMicrosSwapped = 0xD4C3B2A1
	legacyMagicNanosSwapped  = 0x4D3CB2A1

	legacyHeaderSize = 24
	legacyRecordSize = 16
)

func (rd *Reader) readLegacyHeader() error {
	hdr := make([]byte, legacyHeaderSize)
	if err := rd.readFull(hdr, 0, "pcap file header"); err != nil {
		if errors.Is(err, io.EOF) {
			return &ContainerError{Offset: 0, Reason: "empty file"}
		}
		return err
	}

	switch binary.LittleEndian.Uint32(hdr[0:4]) {
	case legacyMagicMicros:
		rd.order = binary.LittleEndian
	case legacyMagicNanos:
		rd.order, rd.unitsNano = binary.LittleEndian, true
	case legacyMagicMicrosSwapped:
		rd.order = binary.BigEndian
	case legacyMagicNanosSwapped:
		rd.order, rd.unitsNano = binary.BigEndian, true
	default:
		return &ContainerError{Offset: 0, Reason: fmt.Sprintf("unknown magic 0x%08X", binary.BigEndian.Uint32(hdr[0:4]))}
	}

	if major := rd.order.Uint16(hdr[4:6]); major != 2 {
		return &ContainerError{Offset: 4, Reason: fmt.Sprintf("unsupported pcap version %d", major)}
	}
	rd.snapLen = rd.order.Uint32(hdr[16:20])
	// The upper bits of the link-type field carry FCS information.
	rd.linkType = uint16(rd.order.Uint32(hdr[20:24]))
	return nil
}

func (rd *Reader) nextLegacy() (Frame, error) {
	start := rd.offset
	hdr := make([]byte, legacyRecordSize)
	if err := rd.readFull(hdr, start, "record header"); err != nil {
		return Frame{}, err
	}

	sec := rd.order.Uint32(hdr[0:4])
	frac := rd.order.Uint32(hdr[4:8])
	capLen := rd.order.Uint32(hdr[8:12])
	origLen := rd.order.Uint32(hdr[12:16])

	if capLen > origLen {
		return Frame{}, &ContainerError{Offset: start, Reason: fmt.Sprintf("captured length %d exceeds original length %d", capLen, origLen)}
	}
	if capLen > maxRecordSize {
		return Frame{}, &ContainerError{Offset: start, Reason: fmt.Sprintf("captured length %d exceeds limit", capLen)}
	}

	units := uint64(1_000_000)
	if rd.unitsNano {
		units = 1_000_000_000
	}
	if uint64(frac) >= units {
		return Frame{}, &ContainerError{Offset: start + 4, Reason: fmt.Sprintf("sub-second field %d out of range", frac)}
	}

	data := make([]byte, capLen)
	if err := rd.readFull(data, start, "record data"); err != nil {
		if errors.Is(err, io.EOF) {
			err = &ContainerError{Offset: start, Reason: fmt.Sprintf("truncated record data: 0 of %d bytes", capLen)}
		}
		return Frame{}, err
	}

	return Frame{
		Timestamp:   timestamp(uint64(sec), uint64(frac), units),
		Seconds:     uint64(sec),
		Fraction:    uint64(frac),
		CapturedLen: capLen,
		OriginalLen: origLen,
		Data:        data,
		LinkType:    rd.linkType,
		Offset:      start,
	}, nil
}
