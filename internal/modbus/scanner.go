package modbus

// Stream scanner: extracts ADUs from a byte stream that may start mid-frame
// or contain non-Modbus bytes. On a decode failure the scanner advances one
// byte and retries, up to MaxResync consecutive failures.

import (
	"encoding/binary"
	"errors"
)

// DefaultMaxResync bounds how many consecutive bytes the scanner discards
// while looking for the next valid ADU. One maximum-size ADU is enough to
// cross any garbage that is itself a framing error.
const DefaultMaxResync = MaxADUSize

// ScanStats counts what a Scanner skipped.
type ScanStats struct {
	ADUs         int                     `json:"adus"`
	Ambiguous    int                     `json:"ambiguous"`
	SkippedBytes int                     `json:"skipped_bytes"`
	Abandoned    int                     `json:"abandoned_windows"`
	Errors       map[DecodeErrorKind]int `json:"-"`
}

// ErrorCounts returns the per-kind failure counters keyed by kind label.
func (s ScanStats) ErrorCounts() map[string]int {
	out := make(map[string]int, len(s.Errors))
	for k, v := range s.Errors {
		out[k.String()] = v
	}
	return out
}

// Add accumulates other into s.
func (s *ScanStats) Add(other ScanStats) {
	s.ADUs += other.ADUs
	s.Ambiguous += other.Ambiguous
	s.SkippedBytes += other.SkippedBytes
	s.Abandoned += other.Abandoned
	for k, v := range other.Errors {
		s.count(k, v)
	}
}

func (s *ScanStats) count(kind DecodeErrorKind, n int) {
	if s.Errors == nil {
		s.Errors = make(map[DecodeErrorKind]int)
	}
	s.Errors[kind] += n
}

// Scanner extracts ADUs from one direction of one TCP stream. Feed it
// payload segments in capture order; incomplete trailing bytes are kept
// until the next segment arrives.
type Scanner struct {
	MaxResync int

	buf    []byte
	misses int
	stats  ScanStats
}

// NewScanner returns a scanner with the default resynchronization window.
func NewScanner() *Scanner {
	return &Scanner{MaxResync: DefaultMaxResync}
}

// Feed appends a segment and returns every complete ADU it can decode.
// hint is the direction of the segment (DirUnknown if not known).
func (s *Scanner) Feed(segment []byte, hint Direction) []ADU {
	s.buf = append(s.buf, segment...)

	var out []ADU
	for len(s.buf) >= MinADUSize {
		frameLen, ok := s.frameLength()
		if ok && frameLen > len(s.buf) {
			// Incomplete frame - wait for more data.
			break
		}

		if !ok {
			s.skip(headerError(s.buf))
			continue
		}
		adu, err := DecodeWithHint(s.buf[:frameLen], hint, s.buf[frameLen:])
		if err != nil {
			s.skip(err)
			continue
		}

		out = append(out, adu)
		s.stats.ADUs++
		if adu.Ambiguous {
			s.stats.Ambiguous++
		}
		s.buf = s.buf[frameLen:]
		s.misses = 0
	}
	s.compact()
	return out
}

// Flush discards any buffered partial frame, counting it as skipped, and
// returns the number of bytes dropped.
func (s *Scanner) Flush() int {
	n := len(s.buf)
	if n > 0 {
		s.stats.SkippedBytes += n
		s.stats.count(KindTruncated, 1)
	}
	s.buf = nil
	s.misses = 0
	return n
}

// Buffered returns the number of bytes waiting for more data.
func (s *Scanner) Buffered() int {
	return len(s.buf)
}

// Stats returns a copy of the scanner counters.
func (s *Scanner) Stats() ScanStats {
	out := s.stats
	out.Errors = make(map[DecodeErrorKind]int, len(s.stats.Errors))
	for k, v := range s.stats.Errors {
		out.Errors[k] = v
	}
	return out
}

// frameLength reads the MBAP length at the cursor. ok is false when the
// header cannot start a valid ADU, so the caller resynchronizes at once
// instead of waiting for bytes that will never form a frame.
func (s *Scanner) frameLength() (int, bool) {
	if !LooksLikeMBAP(s.buf) {
		return 0, false
	}
	return 6 + int(binary.BigEndian.Uint16(s.buf[4:6])), true
}

// headerError classifies a header rejected by LooksLikeMBAP.
func headerError(buf []byte) error {
	hdr, _ := DecodeMBAPHeader(buf)
	switch {
	case hdr.ProtocolID != 0:
		return decodeErrorf(KindProtocolID, "protocol id 0x%04X", hdr.ProtocolID)
	case hdr.Length < 2 || hdr.Length > MaxPDUSize+1:
		return decodeErrorf(KindLengthMismatch, "declared length %d out of range", hdr.Length)
	default:
		return decodeErrorf(KindUnsupportedFunction, "function code 0x%02X", buf[MBAPHeaderSize])
	}
}

func (s *Scanner) skip(err error) {
	kind := KindMalformed
	var derr *DecodeError
	if errors.As(err, &derr) {
		kind = derr.Kind
	}
	s.stats.count(kind, 1)
	s.stats.SkippedBytes++
	s.buf = s.buf[1:]
	s.misses++

	limit := s.MaxResync
	if limit <= 0 {
		limit = DefaultMaxResync
	}
	if s.misses >= limit {
		// Give up on this window: nothing buffered has framed in limit tries.
		s.stats.SkippedBytes += len(s.buf)
		s.stats.Abandoned++
		s.buf = s.buf[:0]
		s.misses = 0
	}
}

// compact copies the tail so the scanner does not pin the caller's buffers.
func (s *Scanner) compact() {
	if len(s.buf) == 0 {
		s.buf = nil
		return
	}
	s.buf = append([]byte(nil), s.buf...)
}
