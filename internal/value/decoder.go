package value

// Register value decoding: big-endian register bytes to engineering units.

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Type identifies how a run of register bytes is interpreted.
type Type string

const (
	TypeUnknown Type = "UNKNOWN"
	TypeUint16  Type = "UINT16"
	TypeInt16   Type = "INT16"
	TypeUint32  Type = "UINT32"
	TypeInt32   Type = "INT32"
	TypeFloat32 Type = "FLOAT32"
	TypeString  Type = "STRING"
)

// Size returns the wire width in bytes, or 0 for types without a fixed width.
func (t Type) Size() int {
	switch t {
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	default:
		return 0
	}
}

// Registers returns the number of 16-bit registers the type spans.
func (t Type) Registers() int {
	return t.Size() / 2
}

// Numeric reports whether Decode accepts the type.
func (t Type) Numeric() bool {
	return t.Size() > 0
}

// ParseType parses a type name case-insensitively ("uint16", "FLOAT32", ...).
func ParseType(s string) (Type, error) {
	switch Type(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeUint16:
		return TypeUint16, nil
	case TypeInt16:
		return TypeInt16, nil
	case TypeUint32:
		return TypeUint32, nil
	case TypeInt32:
		return TypeInt32, nil
	case TypeFloat32:
		return TypeFloat32, nil
	case TypeString:
		return TypeString, nil
	case TypeUnknown, "":
		return TypeUnknown, nil
	default:
		return TypeUnknown, fmt.Errorf("unknown register type %q", s)
	}
}

// LengthError reports a byte run whose length does not match the type width.
type LengthError struct {
	Type Type
	Got  int
	Want int
}

func (e *LengthError) Error() string {
	if e.Want == 0 {
		return fmt.Sprintf("type %s has no fixed width (got %d bytes)", e.Type, e.Got)
	}
	return fmt.Sprintf("%s needs exactly %d bytes, got %d", e.Type, e.Want, e.Got)
}

// Raw reinterprets b as the given type without scaling.
func Raw(b []byte, t Type) (float64, error) {
	want := t.Size()
	if want == 0 || len(b) != want {
		return 0, &LengthError{Type: t, Got: len(b), Want: want}
	}
	switch t {
	case TypeUint16:
		return float64(binary.BigEndian.Uint16(b)), nil
	case TypeInt16:
		return float64(int16(binary.BigEndian.Uint16(b))), nil
	case TypeUint32:
		return float64(binary.BigEndian.Uint32(b)), nil
	case TypeInt32:
		return float64(int32(binary.BigEndian.Uint32(b))), nil
	default: // TypeFloat32
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	}
}

// Decode converts b to an engineering-unit reading: raw * scale.
func Decode(b []byte, t Type, scale float64) (float64, error) {
	raw, err := Raw(b, t)
	if err != nil {
		return 0, err
	}
	return raw * scale, nil
}

// DecodeWithOffset converts b to raw*scale + offset. Registers that are
// documented as raw/100 - 40 use scale 0.01 and offset -40.
func DecodeWithOffset(b []byte, t Type, scale, offset float64) (float64, error) {
	v, err := Decode(b, t, scale)
	if err != nil {
		return 0, err
	}
	return v + offset, nil
}

// RegistersToBytes converts register words to their big-endian wire bytes.
func RegistersToBytes(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[i*2:], r)
	}
	return out
}
