package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

type testFrame struct {
	ts   time.Time
	data []byte
}

var captureEpoch = time.Unix(1_700_000_000, 0).UTC()

// writeLegacyCapture encodes frames as a microsecond legacy pcap file.
func writeLegacyCapture(t *testing.T, linkType layers.LinkType, frames []testFrame) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65535, linkType); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: f.ts, CaptureLength: len(f.data), Length: len(f.data)}
		if err := w.WritePacket(ci, f.data); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	return buf.Bytes()
}

// writeNGCapture encodes frames as a pcapng file with one interface.
func writeNGCapture(t *testing.T, linkType layers.LinkType, frames []testFrame) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, linkType)
	if err != nil {
		t.Fatalf("new ng writer: %v", err)
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: f.ts, CaptureLength: len(f.data), Length: len(f.data)}
		if err := w.WritePacket(ci, f.data); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return buf.Bytes()
}

func sampleFrames() []testFrame {
	return []testFrame{
		{ts: captureEpoch.Add(123456 * time.Microsecond), data: []byte{0x01, 0x02, 0x03}},
		{ts: captureEpoch.Add(2*time.Second + 7*time.Microsecond), data: bytes.Repeat([]byte{0xAB}, 61)},
		{ts: captureEpoch.Add(3 * time.Second), data: []byte{0xFF}},
	}
}

func readAll(t *testing.T, rd *Reader) []Frame {
	t.Helper()
	var out []Frame
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, f)
	}
}

func TestReaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		encode func(*testing.T, layers.LinkType, []testFrame) []byte
	}{
		{"legacy", FormatLegacy, writeLegacyCapture},
		{"pcapng", FormatNG, writeNGCapture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := sampleFrames()
			rd, err := NewReader(bytes.NewReader(tt.encode(t, layers.LinkTypeEthernet, want)))
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			if rd.Format() != tt.format {
				t.Errorf("Format = %s, want %s", rd.Format(), tt.format)
			}

			got := readAll(t, rd)
			if len(got) != len(want) {
				t.Fatalf("got %d frames, want %d", len(got), len(want))
			}
			for i := range want {
				if !bytes.Equal(got[i].Data, want[i].data) {
					t.Errorf("frame %d data = %x, want %x", i, got[i].Data, want[i].data)
				}
				if !got[i].Timestamp.Equal(want[i].ts) {
					t.Errorf("frame %d timestamp = %v, want %v", i, got[i].Timestamp, want[i].ts)
				}
				if got[i].CapturedLen != uint32(len(want[i].data)) || got[i].CapturedLen > got[i].OriginalLen {
					t.Errorf("frame %d lengths = %d/%d", i, got[i].CapturedLen, got[i].OriginalLen)
				}
				if got[i].LinkType != uint16(layers.LinkTypeEthernet) {
					t.Errorf("frame %d link type = %d", i, got[i].LinkType)
				}
			}
			if lt, ok := rd.LinkType(0); !ok || lt != uint16(layers.LinkTypeEthernet) {
				t.Errorf("LinkType(0) = %d, %v", lt, ok)
			}
			if _, err := rd.Next(); !errors.Is(err, io.EOF) {
				t.Errorf("Next after end = %v, want io.EOF", err)
			}
		})
	}
}

func TestReaderLegacyBigEndianNanos(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, legacyHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], legacyMagicNanos)
	binary.BigEndian.PutUint16(hdr[4:6], 2)
	binary.BigEndian.PutUint16(hdr[6:8], 4)
	binary.BigEndian.PutUint32(hdr[16:20], 65535)
	binary.BigEndian.PutUint32(hdr[20:24], uint32(layers.LinkTypeRaw))
	buf.Write(hdr)

	rec := make([]byte, legacyRecordSize)
	binary.BigEndian.PutUint32(rec[0:4], 1_700_000_000)
	binary.BigEndian.PutUint32(rec[4:8], 999_999_999)
	binary.BigEndian.PutUint32(rec[8:12], 2)
	binary.BigEndian.PutUint32(rec[12:16], 60)
	buf.Write(rec)
	buf.Write([]byte{0x45, 0x00})

	rd, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	f, err := rd.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rd.ByteOrder() != binary.BigEndian {
		t.Error("byte order should be big-endian")
	}
	if want := time.Unix(1_700_000_000, 999_999_999).UTC(); !f.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", f.Timestamp, want)
	}
	if f.CapturedLen != 2 || f.OriginalLen != 60 || f.LinkType != uint16(layers.LinkTypeRaw) {
		t.Errorf("frame = %d/%d link %d", f.CapturedLen, f.OriginalLen, f.LinkType)
	}
}

func TestReaderContainerErrors(t *testing.T) {
	legacy := writeLegacyCapture(t, layers.LinkTypeEthernet, sampleFrames()[:1])
	ng := writeNGCapture(t, layers.LinkTypeEthernet, sampleFrames()[:1])

	badTrailer := bytes.Clone(ng)
	badTrailer[len(badTrailer)-1] ^= 0xFF

	capOverOrig := bytes.Clone(legacy)
	binary.LittleEndian.PutUint32(capOverOrig[legacyHeaderSize+12:], 1)

	tests := []struct {
		name       string
		data       []byte
		atOpen     bool
		wantOffset int64
	}{
		{"empty", nil, true, 0},
		{"unknown magic", make([]byte, 24), true, 0},
		{"short legacy header", legacy[:10], true, 0},
		{"truncated record data", legacy[:len(legacy)-1], false, legacyHeaderSize},
		{"truncated record header", legacy[:legacyHeaderSize+5], false, legacyHeaderSize},
		{"captured exceeds original", capOverOrig, false, legacyHeaderSize},
		{"bad pcapng trailer", badTrailer, false, -1},
		{"truncated pcapng block", ng[:len(ng)-6], false, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd, err := NewReader(bytes.NewReader(tt.data))
			if !tt.atOpen {
				if err != nil {
					t.Fatalf("NewReader: %v", err)
				}
				_, err = rd.Next()
			}
			var cerr *ContainerError
			if !errors.As(err, &cerr) {
				t.Fatalf("err = %v, want *ContainerError", err)
			}
			if tt.wantOffset >= 0 && cerr.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d (%s)", cerr.Offset, tt.wantOffset, cerr.Reason)
			}
			if rd != nil {
				if _, again := rd.Next(); again != err {
					t.Errorf("second Next = %v, want the same error", again)
				}
			}
		})
	}
}

// ngBlock encodes one little-endian pcapng block.
func ngBlock(blockType uint32, body []byte) []byte {
	return ngBlockIn(binary.LittleEndian, blockType, body)
}

func ngBlockIn(order binary.AppendByteOrder, blockType uint32, body []byte) []byte {
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	total := uint32(len(body) + ngBlockOverhead)
	out := order.AppendUint32(nil, blockType)
	out = order.AppendUint32(out, total)
	out = append(out, body...)
	return order.AppendUint32(out, total)
}

func ngSectionHeader() []byte {
	return ngSectionHeaderIn(binary.LittleEndian)
}

func ngSectionHeaderIn(order binary.AppendByteOrder) []byte {
	body := order.AppendUint32(nil, ngByteOrderMagic)
	body = order.AppendUint16(body, 1)
	body = order.AppendUint16(body, 0)
	body = order.AppendUint64(body, ^uint64(0))
	return ngBlockIn(order, ngBlockSectionHeader, body)
}

func ngInterfaceBlock(linkType uint16, tsresol byte) []byte {
	return ngInterfaceBlockIn(binary.LittleEndian, linkType, tsresol)
}

func ngInterfaceBlockIn(order binary.AppendByteOrder, linkType uint16, tsresol byte) []byte {
	body := order.AppendUint16(nil, linkType)
	body = order.AppendUint16(body, 0)
	body = order.AppendUint32(body, 0)
	if tsresol != 0 {
		body = order.AppendUint16(body, ngOptionTSResol)
		body = order.AppendUint16(body, 1)
		body = append(body, tsresol, 0, 0, 0)
		body = order.AppendUint32(body, 0)
	}
	return ngBlockIn(order, ngBlockInterfaceDescription, body)
}

func ngEnhancedPacket(iface uint32, ts uint64, data []byte) []byte {
	return ngEnhancedPacketIn(binary.LittleEndian, iface, ts, data)
}

func ngEnhancedPacketIn(order binary.AppendByteOrder, iface uint32, ts uint64, data []byte) []byte {
	body := order.AppendUint32(nil, iface)
	body = order.AppendUint32(body, uint32(ts>>32))
	body = order.AppendUint32(body, uint32(ts))
	body = order.AppendUint32(body, uint32(len(data)))
	body = order.AppendUint32(body, uint32(len(data)))
	body = append(body, data...)
	return ngBlockIn(order, ngBlockEnhancedPacket, body)
}

func TestReaderNGBlocks(t *testing.T) {
	var file []byte
	file = append(file, ngSectionHeader()...)
	file = append(file, ngInterfaceBlock(uint16(layers.LinkTypeEthernet), 0)...)
	file = append(file, ngInterfaceBlock(uint16(layers.LinkTypeRaw), 0x83)...) // 2^-3 s
	file = append(file, ngBlock(0x00000BAD, []byte{1, 2, 3, 4, 5})...)
	file = append(file, ngEnhancedPacket(0, 1_700_000_000_500_000, []byte{0xAA})...)
	file = append(file, ngEnhancedPacket(7, 0, []byte{0xBB})...)
	file = append(file, ngEnhancedPacket(1, 8*10+4, []byte{0xCC, 0xDD})...)
	spb := binary.LittleEndian.AppendUint32(nil, 3)
	file = append(file, ngBlock(ngBlockSimplePacket, append(spb, 0x01, 0x02, 0x03))...)

	rd, err := NewReader(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	frames := readAll(t, rd)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if rd.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1 (undeclared interface)", rd.Skipped())
	}

	if want := time.Unix(1_700_000_000, 500_000_000).UTC(); !frames[0].Timestamp.Equal(want) {
		t.Errorf("µs timestamp = %v, want %v", frames[0].Timestamp, want)
	}
	if want := time.Unix(10, 500_000_000).UTC(); !frames[1].Timestamp.Equal(want) {
		t.Errorf("2^-3 timestamp = %v, want %v", frames[1].Timestamp, want)
	}
	if frames[1].InterfaceID != 1 || frames[1].LinkType != uint16(layers.LinkTypeRaw) {
		t.Errorf("frame 1 iface %d link %d", frames[1].InterfaceID, frames[1].LinkType)
	}
	if !bytes.Equal(frames[2].Data, []byte{1, 2, 3}) || frames[2].InterfaceID != 0 {
		t.Errorf("simple packet = %x on iface %d", frames[2].Data, frames[2].InterfaceID)
	}
}

func TestReaderNGSectionChangesByteOrder(t *testing.T) {
	be := binary.BigEndian
	var file []byte
	file = append(file, ngSectionHeader()...)
	file = append(file, ngInterfaceBlock(uint16(layers.LinkTypeEthernet), 0)...)
	file = append(file, ngInterfaceBlock(uint16(layers.LinkTypeEthernet), 0)...)
	file = append(file, ngEnhancedPacket(1, 1_000_000, []byte{0x11})...)
	// The second section is big-endian and declares a single interface.
	file = append(file, ngSectionHeaderIn(be)...)
	file = append(file, ngInterfaceBlockIn(be, uint16(layers.LinkTypeRaw), 0)...)
	file = append(file, ngEnhancedPacketIn(be, 0, 2_000_000, []byte{0x22, 0x33})...)
	file = append(file, ngEnhancedPacketIn(be, 1, 3_000_000, []byte{0x44})...)

	rd, err := NewReader(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	frames := readAll(t, rd)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if rd.ByteOrder() != binary.ByteOrder(be) {
		t.Errorf("ByteOrder = %v, want big endian", rd.ByteOrder())
	}
	if rd.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1 (interface of the previous section)", rd.Skipped())
	}

	if frames[0].LinkType != uint16(layers.LinkTypeEthernet) || !bytes.Equal(frames[0].Data, []byte{0x11}) {
		t.Errorf("first section frame = link %d data %x", frames[0].LinkType, frames[0].Data)
	}
	second := frames[1]
	if second.LinkType != uint16(layers.LinkTypeRaw) || second.InterfaceID != 0 {
		t.Errorf("second section frame link %d iface %d", second.LinkType, second.InterfaceID)
	}
	if !bytes.Equal(second.Data, []byte{0x22, 0x33}) {
		t.Errorf("second section data = %x", second.Data)
	}
	if want := time.Unix(2, 0).UTC(); !second.Timestamp.Equal(want) {
		t.Errorf("second section timestamp = %v, want %v", second.Timestamp, want)
	}
}

func TestReaderNGBadBlockLength(t *testing.T) {
	file := append(ngSectionHeader(), ngInterfaceBlock(1, 0)...)
	bad := ngEnhancedPacket(0, 0, []byte{1, 2, 3, 4})
	binary.LittleEndian.PutUint32(bad[4:8], 30) // not a multiple of 4
	file = append(file, bad...)

	rd, err := NewReader(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	_, err = rd.Next()
	var cerr *ContainerError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ContainerError", err)
	}
	if want := int64(len(ngSectionHeader()) + len(ngInterfaceBlock(1, 0))); cerr.Offset != want {
		t.Errorf("Offset = %d, want %d", cerr.Offset, want)
	}
}
