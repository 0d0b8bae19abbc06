package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// pcapng block types.
const (
	ngBlockSectionHeader        = 0x0A0D0D0A
	ngBlockInterfaceDescription = 0x00000001
	ngBlockSimplePacket         = 0x00000003
	ngBlockEnhancedPacket       = 0x00000006

	ngByteOrderMagic = 0x1A2B3C4D

	// type + leading length + trailing length
	ngBlockOverhead = 12

	ngOptionEnd      = 0
	ngOptionTSResol  = 9
	ngDefaultTSResol = 6
)

type ngInterface struct {
	linkType       uint16
	snapLen        uint32
	unitsPerSecond uint64
}

// readSectionHeader reads a Section Header Block at the cursor. The byte
// order of the section is taken from its byte-order magic, so the length
// field is decoded only after the magic has been read.
func (rd *Reader) readSectionHeader() error {
	start := rd.offset
	head := make([]byte, 12)
	if err := rd.readFull(head, start, "section header"); err != nil {
		if errors.Is(err, io.EOF) {
			return &ContainerError{Offset: start, Reason: "empty file"}
		}
		return err
	}

	switch {
	case binary.LittleEndian.Uint32(head[8:12]) == ngByteOrderMagic:
		rd.order = binary.LittleEndian
	case binary.BigEndian.Uint32(head[8:12]) == ngByteOrderMagic:
		rd.order = binary.BigEndian
	default:
		return &ContainerError{Offset: start + 8, Reason: fmt.Sprintf("bad byte-order magic 0x%08X", binary.BigEndian.Uint32(head[8:12]))}
	}

	total := rd.order.Uint32(head[4:8])
	if err := checkBlockLength(total, start); err != nil {
		return err
	}
	if total < 28 {
		return &ContainerError{Offset: start, Reason: fmt.Sprintf("section header length %d below minimum 28", total)}
	}
	// Version, section length and options are not needed.
	if err := rd.discard(int64(total)-ngBlockOverhead-4, start, "section header"); err != nil {
		return err
	}
	if err := rd.readTrailer(total, start); err != nil {
		return err
	}
	rd.ifaces = rd.ifaces[:0]
	return nil
}

func (rd *Reader) nextNG() (Frame, error) {
	for {
		start := rd.offset
		peek, err := rd.r.Peek(4)
		if len(peek) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, &ContainerError{Offset: start, Reason: fmt.Sprintf("read block: %v", err)}
		}
		if len(peek) == 4 && binary.LittleEndian.Uint32(peek) == ngBlockSectionHeader {
			if err := rd.readSectionHeader(); err != nil {
				return Frame{}, err
			}
			continue
		}

		head := make([]byte, 8)
		if err := rd.readFull(head, start, "block header"); err != nil {
			return Frame{}, err
		}
		blockType := rd.order.Uint32(head[0:4])
		total := rd.order.Uint32(head[4:8])
		if err := checkBlockLength(total, start); err != nil {
			return Frame{}, err
		}
		bodyLen := int64(total) - ngBlockOverhead

		switch blockType {
		case ngBlockInterfaceDescription, ngBlockEnhancedPacket, ngBlockSimplePacket:
		default:
			if err := rd.discard(bodyLen, start, "block body"); err != nil {
				return Frame{}, err
			}
			if err := rd.readTrailer(total, start); err != nil {
				return Frame{}, err
			}
			continue
		}

		body := make([]byte, bodyLen)
		if err := rd.readFull(body, start, "block body"); err != nil {
			if errors.Is(err, io.EOF) {
				err = &ContainerError{Offset: start, Reason: fmt.Sprintf("truncated block body: 0 of %d bytes", bodyLen)}
			}
			return Frame{}, err
		}
		if err := rd.readTrailer(total, start); err != nil {
			return Frame{}, err
		}

		switch blockType {
		case ngBlockInterfaceDescription:
			iface, err := rd.parseInterface(body, start)
			if err != nil {
				return Frame{}, err
			}
			rd.ifaces = append(rd.ifaces, iface)
		case ngBlockEnhancedPacket:
			frame, ok, err := rd.parseEnhancedPacket(body, start)
			if err != nil {
				return Frame{}, err
			}
			if ok {
				return frame, nil
			}
		case ngBlockSimplePacket:
			frame, ok, err := rd.parseSimplePacket(body, start)
			if err != nil {
				return Frame{}, err
			}
			if ok {
				return frame, nil
			}
		}
	}
}

func checkBlockLength(total uint32, start int64) error {
	switch {
	case total < ngBlockOverhead:
		return &ContainerError{Offset: start, Reason: fmt.Sprintf("block length %d below minimum %d", total, ngBlockOverhead)}
	case total%4 != 0:
		return &ContainerError{Offset: start, Reason: fmt.Sprintf("block length %d not a multiple of 4", total)}
	case total > maxRecordSize:
		return &ContainerError{Offset: start, Reason: fmt.Sprintf("block length %d exceeds limit", total)}
	}
	return nil
}

// readTrailer reads the trailing copy of the block length and checks it.
func (rd *Reader) readTrailer(total uint32, start int64) error {
	buf := make([]byte, 4)
	if err := rd.readFull(buf, start, "block trailer"); err != nil {
		if errors.Is(err, io.EOF) {
			return &ContainerError{Offset: start, Reason: "truncated block trailer"}
		}
		return err
	}
	if got := rd.order.Uint32(buf); got != total {
		return &ContainerError{Offset: rd.offset - 4, Reason: fmt.Sprintf("trailing block length %d does not match %d", got, total)}
	}
	return nil
}

func (rd *Reader) parseInterface(body []byte, start int64) (ngInterface, error) {
	if len(body) < 8 {
		return ngInterface{}, &ContainerError{Offset: start, Reason: "interface description too short"}
	}
	iface := ngInterface{
		linkType:       rd.order.Uint16(body[0:2]),
		snapLen:        rd.order.Uint32(body[4:8]),
		unitsPerSecond: 1_000_000,
	}
	opts := body[8:]
	for len(opts) >= 4 {
		code := rd.order.Uint16(opts[0:2])
		length := int(rd.order.Uint16(opts[2:4]))
		if code == ngOptionEnd {
			break
		}
		padded := (length + 3) &^ 3
		if 4+padded > len(opts) {
			return ngInterface{}, &ContainerError{Offset: start, Reason: fmt.Sprintf("interface option %d overruns block", code)}
		}
		if code == ngOptionTSResol && length >= 1 {
			units, err := tsResolution(opts[4])
			if err != nil {
				return ngInterface{}, &ContainerError{Offset: start, Reason: err.Error()}
			}
			iface.unitsPerSecond = units
		}
		opts = opts[4+padded:]
	}
	return iface, nil
}

// tsResolution decodes the if_tsresol option: the most significant bit
// selects a power of two, otherwise a power of ten.
func tsResolution(v byte) (uint64, error) {
	exp := uint(v & 0x7F)
	if v&0x80 != 0 {
		if exp > 63 {
			return 0, fmt.Errorf("unsupported timestamp resolution 2^-%d", exp)
		}
		return 1 << exp, nil
	}
	if exp > 19 {
		return 0, fmt.Errorf("unsupported timestamp resolution 10^-%d", exp)
	}
	units := uint64(1)
	for i := uint(0); i < exp; i++ {
		units *= 10
	}
	return units, nil
}

func (rd *Reader) parseEnhancedPacket(body []byte, start int64) (Frame, bool, error) {
	if len(body) < 20 {
		return Frame{}, false, &ContainerError{Offset: start, Reason: "enhanced packet block too short"}
	}
	ifaceID := rd.order.Uint32(body[0:4])
	ts := uint64(rd.order.Uint32(body[4:8]))<<32 | uint64(rd.order.Uint32(body[8:12]))
	capLen := rd.order.Uint32(body[12:16])
	origLen := rd.order.Uint32(body[16:20])

	if capLen > origLen {
		return Frame{}, false, &ContainerError{Offset: start, Reason: fmt.Sprintf("captured length %d exceeds original length %d", capLen, origLen)}
	}
	if uint64(capLen) > uint64(len(body)-20) {
		return Frame{}, false, &ContainerError{Offset: start, Reason: fmt.Sprintf("captured length %d overruns block", capLen)}
	}
	if int(ifaceID) >= len(rd.ifaces) {
		rd.skipped++
		return Frame{}, false, nil
	}
	iface := rd.ifaces[ifaceID]

	data := make([]byte, capLen)
	copy(data, body[20:])
	sec, frac := ts/iface.unitsPerSecond, ts%iface.unitsPerSecond
	return Frame{
		Timestamp:   timestamp(sec, frac, iface.unitsPerSecond),
		Seconds:     sec,
		Fraction:    frac,
		CapturedLen: capLen,
		OriginalLen: origLen,
		Data:        data,
		InterfaceID: ifaceID,
		LinkType:    iface.linkType,
		Offset:      start,
	}, true, nil
}

// parseSimplePacket handles a Simple Packet Block: interface 0, no
// timestamp, captured length implied by the block and snap length.
func (rd *Reader) parseSimplePacket(body []byte, start int64) (Frame, bool, error) {
	if len(body) < 4 {
		return Frame{}, false, &ContainerError{Offset: start, Reason: "simple packet block too short"}
	}
	if len(rd.ifaces) == 0 {
		rd.skipped++
		return Frame{}, false, nil
	}
	iface := rd.ifaces[0]
	origLen := rd.order.Uint32(body[0:4])
	capLen := uint64(origLen)
	if iface.snapLen > 0 && capLen > uint64(iface.snapLen) {
		capLen = uint64(iface.snapLen)
	}
	if avail := uint64(len(body) - 4); capLen > avail {
		capLen = avail
	}

	data := make([]byte, capLen)
	copy(data, body[4:])
	return Frame{
		CapturedLen: uint32(capLen),
		OriginalLen: origLen,
		Data:        data,
		LinkType:    iface.linkType,
		Offset:      start,
	}, true, nil
}
