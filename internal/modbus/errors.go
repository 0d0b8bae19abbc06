package modbus

import (
	"errors"
	"fmt"
)

// DecodeErrorKind classifies why a buffer did not decode as an ADU.
type DecodeErrorKind int

const (
	KindTruncated DecodeErrorKind = iota
	KindProtocolID
	KindLengthMismatch
	KindUnsupportedFunction
	KindMalformed
)

// String returns the counter label for the kind.
func (k DecodeErrorKind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindProtocolID:
		return "protocol_id_mismatch"
	case KindLengthMismatch:
		return "length_mismatch"
	case KindUnsupportedFunction:
		return "unsupported_function"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decode for input that is not a valid ADU.
// Decode never panics on malformed input.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("modbus decode: %s: %s", e.Kind, e.Detail)
}

func decodeErrorf(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsDecodeKind reports whether err is a DecodeError of the given kind.
func IsDecodeKind(err error, kind DecodeErrorKind) bool {
	var derr *DecodeError
	return errors.As(err, &derr) && derr.Kind == kind
}

var (
	// ErrQuantityRange is returned at encode time for a quantity outside the
	// protocol limit of the function code. Nothing is sent.
	ErrQuantityRange = errors.New("modbus: quantity out of range")

	// ErrTimeout is returned by Client calls that did not receive a
	// response before the deadline. The connection stays open.
	ErrTimeout = errors.New("modbus: response timeout")

	// ErrClosed is returned by calls on a closed Client.
	ErrClosed = errors.New("modbus: client closed")

	// ErrDesync is returned by calls on a Client whose stream lost frame
	// alignment, after a read stopped part way through a frame or a header
	// declared an impossible length. The connection must be replaced.
	ErrDesync = errors.New("modbus: connection out of sync")
)

// ExceptionError is an exception response returned to a Client call.
type ExceptionError struct {
	Function FunctionCode
	Code     ExceptionCode
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X (%s) for %s", uint8(e.Code), e.Code, e.Function.Base())
}

// MismatchError reports a response that does not belong to the request.
type MismatchError struct {
	Field string
	Got   uint16
	Want  uint16
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("modbus response %s mismatch: got %d, want %d", e.Field, e.Got, e.Want)
}
