package analysis

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/value"
)

// inferWidth picks the most frequent quantity, preferring the smallest on
// ties.
func inferWidth(quantities map[uint16]int) (int, WidthKind) {
	var best uint16
	bestCount := 0
	var largest uint16
	for q, n := range quantities {
		if n > bestCount || (n == bestCount && q < best) {
			best, bestCount = q, n
		}
		largest = max(largest, q)
	}
	switch {
	case bestCount == 0:
		return 0, ""
	case best == 1:
		return 1, WidthSingle
	case best == 2:
		return 2, WidthDouble
	default:
		return int(largest), WidthVariable
	}
}

func widthKindOf(width int) WidthKind {
	switch width {
	case 1:
		return WidthSingle
	case 2:
		return WidthDouble
	default:
		return WidthVariable
	}
}

func inferAccess(functions map[modbus.FunctionCode]int) Access {
	var read, write bool
	for fc := range functions {
		read = read || fc.IsRead()
		write = write || fc.IsWrite()
	}
	switch {
	case read && write:
		return AccessReadWrite
	case write:
		return AccessWrite
	default:
		return AccessRead
	}
}

// sampleShape summarizes every sample seen for a key, whether or not the
// sample itself is retained. Its fields only ever accumulate, so the result
// does not depend on observation order.
type sampleShape struct {
	n         int
	signed16  bool
	signed32  bool
	floatSeen bool
	notFloat  bool
	notText   bool
}

func (s *sampleShape) add(b []byte) {
	s.n++
	if len(b) >= 2 && b[0]&0x80 != 0 {
		s.signed16 = true
	}
	if len(b) >= 4 {
		if b[0]&0x80 != 0 {
			s.signed32 = true
		}
		if bits := binary.BigEndian.Uint32(b[:4]); bits != 0 {
			s.floatSeen = true
			if !everydayFloat32(bits) {
				s.notFloat = true
			}
		}
	}
	if !isText(b) {
		s.notText = true
	}
}

func (s *sampleShape) merge(o sampleShape) {
	s.n += o.n
	s.signed16 = s.signed16 || o.signed16
	s.signed32 = s.signed32 || o.signed32
	s.floatSeen = s.floatSeen || o.floatSeen
	s.notFloat = s.notFloat || o.notFloat
	s.notText = s.notText || o.notText
}

// inferType guesses a value type from the width and the sample shape.
func inferType(kind WidthKind, shape sampleShape) value.Type {
	switch kind {
	case WidthSingle:
		if shape.signed16 {
			return value.TypeInt16
		}
		return value.TypeUint16
	case WidthDouble:
		// Every non-zero sample must be a plausible float.
		if shape.floatSeen && !shape.notFloat {
			return value.TypeFloat32
		}
		if shape.signed32 {
			return value.TypeInt32
		}
		return value.TypeUint32
	case WidthVariable:
		if shape.n > 0 && !shape.notText {
			return value.TypeString
		}
		return value.TypeUnknown
	default:
		return value.TypeUnknown
	}
}

// everydayFloat32 reports whether bits is a normal, finite float of
// everyday magnitude. Integer counters reinterpreted as floats land far
// outside that range.
func everydayFloat32(bits uint32) bool {
	exp := (bits >> 23) & 0xFF
	if exp == 0 || exp == 0xFF {
		return false
	}
	f := math.Abs(float64(math.Float32frombits(bits)))
	return f >= 1e-3 && f <= 1e7
}

func isText(b []byte) bool {
	text := printable(b)
	if text == "" {
		return false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < 0x20 || text[i] > 0x7E {
			return false
		}
	}
	return true
}

func printable(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
