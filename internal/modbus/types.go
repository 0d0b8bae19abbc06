package modbus

// Modbus TCP protocol types.
//
// An ADU on the wire is the 7-byte MBAP header (transaction id, protocol id,
// length, unit id) followed by the PDU (function code + function data).
// Direction is not carried on the wire; it is inferred from the payload
// shape or supplied by the caller (see direction.go).

import "encoding/binary"

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// MBAPHeader is the Modbus Application Protocol header for TCP mode.
type MBAPHeader struct {
	TransactionID uint16 // Client-assigned ID for request/response correlation
	ProtocolID    uint16 // Always 0x0000 for Modbus
	Length        uint16 // Byte count of UnitID + PDU
	UnitID        uint8  // Slave/unit identifier
}

// MBAPHeaderSize is the fixed MBAP header size (7 bytes).
const MBAPHeaderSize = 7

// Request represents a Modbus request PDU.
type Request struct {
	TransactionID uint16
	UnitID        uint8
	Function      FunctionCode
	Data          []byte // Function-specific data
}

// Response represents a Modbus response PDU.
type Response struct {
	TransactionID uint16
	UnitID        uint8
	Function      FunctionCode // bit 7 set = exception
	Data          []byte       // Function-specific data or exception code
}

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

const (
	ExceptionIllegalFunction    ExceptionCode = 0x01
	ExceptionIllegalDataAddress ExceptionCode = 0x02
	ExceptionIllegalDataValue   ExceptionCode = 0x03
	ExceptionSlaveDeviceFailure ExceptionCode = 0x04
	ExceptionAcknowledge        ExceptionCode = 0x05
	ExceptionSlaveDeviceBusy    ExceptionCode = 0x06
	ExceptionGatewayPathUnavail ExceptionCode = 0x0A
	ExceptionGatewayTargetFail  ExceptionCode = 0x0B
)

// Direction is the inferred travel direction of an ADU.
type Direction uint8

const (
	DirUnknown Direction = iota
	DirRequest
	DirResponse
)

// ADU is one decoded Modbus TCP application data unit.
type ADU struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // bytes after the length field: unit id + function code + data
	UnitID        uint8
	Function      FunctionCode
	Direction     Direction
	Payload       Payload

	// Ambiguous is set when both request and response shapes fit the
	// declared length and neither a direction hint nor look-ahead settled it.
	Ambiguous bool
}

// Payload is the function-code-specific part of an ADU.
type Payload interface {
	payload()
}

// ReadRequest is the request shape of function codes 1-4.
type ReadRequest struct {
	Address  uint16
	Quantity uint16
}

// ReadResponse is the response shape of function codes 1-4.
type ReadResponse struct {
	ByteCount uint8
	Data      []byte
}

// WriteSingle is the shape of function codes 5 and 6 in both directions.
type WriteSingle struct {
	Address uint16
	Value   uint16
}

// WriteMultipleRequest is the request shape of function codes 15 and 16.
type WriteMultipleRequest struct {
	Address   uint16
	Quantity  uint16
	ByteCount uint8
	Data      []byte
}

// WriteMultipleResponse is the response shape of function codes 15 and 16.
type WriteMultipleResponse struct {
	Address  uint16
	Quantity uint16
}

// Exception is an exception response (function code | 0x80).
type Exception struct {
	Code ExceptionCode
}

func (ReadRequest) payload() {}
func (ReadResponse) payload() {}
func (WriteSingle) payload() {}
func (WriteMultipleRequest) payload() {}
func (WriteMultipleResponse) payload() {}
func (Exception) payload() {}

// IsException reports whether the ADU carries an exception response.
func (a ADU) IsException() bool {
	return a.Function.IsException()
}

// Span returns the register/coil range addressed by the ADU. Read responses
// carry no address and report ok=false.
func (a ADU) Span() (addr, qty uint16, ok bool) {
	switch p := a.Payload.(type) {
	case ReadRequest:
		return p.Address, p.Quantity, true
	case WriteSingle:
		return p.Address, 1, true
	case WriteMultipleRequest:
		return p.Address, p.Quantity, true
	case WriteMultipleResponse:
		return p.Address, p.Quantity, true
	default:
		return 0, 0, false
	}
}

// IsException returns true if the response function code indicates an exception.
func (r Response) IsException() bool {
	return r.Function.IsException()
}

// ExceptionCode returns the exception code from an exception response.
func (r Response) ExceptionCode() ExceptionCode {
	if r.IsException() && len(r.Data) > 0 {
		return ExceptionCode(r.Data[0])
	}
	return 0
}

// EncodeMBAPHeader encodes an MBAP header into 7 bytes.
func EncodeMBAPHeader(h MBAPHeader) []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = h.UnitID
	return buf
}

// DecodeMBAPHeader decodes an MBAP header from bytes.
func DecodeMBAPHeader(data []byte) (MBAPHeader, error) {
	if len(data) < MBAPHeaderSize {
		return MBAPHeader{}, errTooShort("MBAP header", len(data), MBAPHeaderSize)
	}
	return MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
	}, nil
}

// String returns a human-readable label for the direction.
func (d Direction) String() string {
	switch d {
	case DirRequest:
		return "request"
	case DirResponse:
		return "response"
	default:
		return "unknown"
	}
}

// String returns a human-readable name for the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "Illegal_Function"
	case ExceptionIllegalDataAddress:
		return "Illegal_Data_Address"
	case ExceptionIllegalDataValue:
		return "Illegal_Data_Value"
	case ExceptionSlaveDeviceFailure:
		return "Slave_Device_Failure"
	case ExceptionAcknowledge:
		return "Acknowledge"
	case ExceptionSlaveDeviceBusy:
		return "Slave_Device_Busy"
	case ExceptionGatewayPathUnavail:
		return "Gateway_Path_Unavailable"
	case ExceptionGatewayTargetFail:
		return "Gateway_Target_Failed"
	default:
		return "Unknown"
	}
}
