package modbus

// Modbus TCP (MBAP) codec: encode requests and decode request/response ADUs.

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// errTooShort returns a standardised validation error for short buffers.
func errTooShort(what string, got, need int) error {
	return fmt.Errorf("%s too short: %d bytes (minimum %d)", what, got, need)
}

// MinADUSize is the smallest decodable ADU: MBAP header + function code.
const MinADUSize = MBAPHeaderSize + 1

// MaxPDUSize is the maximum Modbus PDU size (253 bytes per spec).
const MaxPDUSize = 253

// MaxADUSize is the maximum Modbus TCP ADU size (MBAP header + PDU).
const MaxADUSize = MBAPHeaderSize + MaxPDUSize

// Protocol quantity limits.
const (
	MaxReadRegisters  = 125
	MaxReadBits       = 2000
	MaxWriteRegisters = 123
	MaxWriteBits      = 1968
)

// Encoder builds request ADUs for one session. Transaction ids start at 1
// and increase monotonically, wrapping after 0xFFFF.
type Encoder struct {
	next atomic.Uint32
}

// NewEncoder returns an Encoder whose first transaction id is 1.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// NextTransactionID reserves and returns the next transaction id.
func (e *Encoder) NextTransactionID() uint16 {
	return uint16(e.next.Add(1))
}

// Encode builds a request ADU with a fresh transaction id.
func (e *Encoder) Encode(unitID uint8, fc FunctionCode, data []byte) ([]byte, uint16) {
	txID := e.NextTransactionID()
	return EncodeRequestTCP(Request{
		TransactionID: txID,
		UnitID:        unitID,
		Function:      fc,
		Data:          data,
	}), txID
}

// ReadRegisters builds a read request (FC 1-4). A quantity outside the
// function's limit is rejected with ErrQuantityRange and no id is consumed.
func (e *Encoder) ReadRegisters(unitID uint8, fc FunctionCode, startAddr, quantity uint16) ([]byte, uint16, error) {
	if !fc.IsRead() || fc.IsException() {
		return nil, 0, fmt.Errorf("function %s is not a read function", fc)
	}
	if quantity < 1 || quantity > maxReadQuantity(fc) {
		return nil, 0, fmt.Errorf("%w: %d (allowed 1-%d for %s)", ErrQuantityRange, quantity, maxReadQuantity(fc), fc)
	}
	frame, txID := e.Encode(unitID, fc, encodeAddrQty(startAddr, quantity))
	return frame, txID, nil
}

// EncodeRequestTCP encodes a Modbus request into a TCP (MBAP) frame.
func EncodeRequestTCP(req Request) []byte {
	return encodeFrame(req.TransactionID, req.UnitID, req.Function, req.Data)
}

// EncodeResponseTCP encodes a Modbus response into a TCP (MBAP) frame.
func EncodeResponseTCP(resp Response) []byte {
	return encodeFrame(resp.TransactionID, resp.UnitID, resp.Function, resp.Data)
}

// EncodeExceptionResponse creates an exception response frame (TCP).
func EncodeExceptionResponse(transactionID uint16, unitID uint8, fc FunctionCode, exc ExceptionCode) []byte {
	return EncodeResponseTCP(Response{
		TransactionID: transactionID,
		UnitID:        unitID,
		Function:      fc | exceptionBit,
		Data:          []byte{byte(exc)},
	})
}

func encodeFrame(txID uint16, unitID uint8, fc FunctionCode, data []byte) []byte {
	h := MBAPHeader{
		TransactionID: txID,
		ProtocolID:    0x0000,
		Length:        uint16(2 + len(data)), // UnitID + FC + data
		UnitID:        unitID,
	}
	buf := EncodeMBAPHeader(h)
	buf = append(buf, byte(fc))
	buf = append(buf, data...)
	return buf
}

// --- PDU-level helpers (function-code-specific data builders) ---

// ReadHoldingRegistersRequest builds the data payload for FC 0x03.
func ReadHoldingRegistersRequest(startAddr uint16, quantity uint16) []byte {
	return encodeAddrQty(startAddr, quantity)
}

// ReadInputRegistersRequest builds the data payload for FC 0x04.
func ReadInputRegistersRequest(startAddr uint16, quantity uint16) []byte {
	return encodeAddrQty(startAddr, quantity)
}

// WriteSingleCoilRequest builds the data payload for FC 0x05.
// value should be true (ON = 0xFF00) or false (OFF = 0x0000).
func WriteSingleCoilRequest(addr uint16, value bool) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], addr)
	if value {
		binary.BigEndian.PutUint16(buf[2:4], 0xFF00)
	}
	return buf
}

// WriteSingleRegisterRequest builds the data payload for FC 0x06.
func WriteSingleRegisterRequest(addr uint16, value uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], addr)
	binary.BigEndian.PutUint16(buf[2:4], value)
	return buf
}

// WriteMultipleRegistersRequest builds the data payload for FC 0x10.
func WriteMultipleRegistersRequest(startAddr uint16, values []uint16) []byte {
	buf := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(buf[0:2], startAddr)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(values)))
	buf[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[5+2*i:], v)
	}
	return buf
}

// ReadRegistersResponse builds the data payload of a FC 0x03/0x04 response.
func ReadRegistersResponse(values []uint16) []byte {
	buf := make([]byte, 1+2*len(values))
	buf[0] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[1+2*i:], v)
	}
	return buf
}

// DecodeRegisters splits register response bytes into 16-bit values.
func DecodeRegisters(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("odd byte count in register response: %d", len(data))
	}
	regs := make([]uint16, len(data)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return regs, nil
}

// --- decoding ---

// Decode decodes one ADU whose boundaries are known (for example a single
// response read from a socket). Direction is inferred from the payload shape.
func Decode(buf []byte) (ADU, error) {
	return DecodeWithHint(buf, DirUnknown, nil)
}

// DecodeWithHint decodes one ADU. buf must hold exactly one ADU: the MBAP
// length field must equal len(buf)-6. hint is a caller-supplied direction
// (usually derived from TCP ports); DirUnknown leaves direction to the
// payload shape. next holds the bytes that follow buf in the surrounding
// stream and is used only to break request/response ties for FC 1-4.
func DecodeWithHint(buf []byte, hint Direction, next []byte) (ADU, error) {
	if len(buf) < MinADUSize {
		return ADU{}, decodeErrorf(KindTruncated, "%d bytes, need at least %d", len(buf), MinADUSize)
	}
	hdr, _ := DecodeMBAPHeader(buf)
	if hdr.ProtocolID != 0 {
		return ADU{}, decodeErrorf(KindProtocolID, "protocol id 0x%04X", hdr.ProtocolID)
	}
	if int(hdr.Length) != len(buf)-6 {
		return ADU{}, decodeErrorf(KindLengthMismatch, "declared length %d, %d bytes follow", hdr.Length, len(buf)-6)
	}

	adu := ADU{
		TransactionID: hdr.TransactionID,
		ProtocolID:    hdr.ProtocolID,
		Length:        hdr.Length,
		UnitID:        hdr.UnitID,
		Function:      FunctionCode(buf[MBAPHeaderSize]),
	}
	if !IsKnownFunction(adu.Function) {
		return ADU{}, decodeErrorf(KindUnsupportedFunction, "function code 0x%02X", uint8(adu.Function))
	}
	data := buf[MinADUSize:]

	if adu.Function.IsException() {
		if len(data) != 1 {
			return ADU{}, decodeErrorf(KindMalformed, "exception response carries %d bytes, want 1", len(data))
		}
		adu.Direction = DirResponse
		adu.Payload = Exception{Code: ExceptionCode(data[0])}
		return adu, nil
	}

	switch adu.Function {
	case FcReadCoils, FcReadDiscreteInputs, FcReadHoldingRegisters, FcReadInputRegisters:
		return decodeRead(adu, data, hint, next)
	case FcWriteSingleCoil, FcWriteSingleRegister:
		if len(data) != 4 {
			return ADU{}, decodeErrorf(KindMalformed, "%s carries %d bytes, want 4", adu.Function, len(data))
		}
		adu.Direction = hint
		adu.Payload = WriteSingle{
			Address: binary.BigEndian.Uint16(data[0:2]),
			Value:   binary.BigEndian.Uint16(data[2:4]),
		}
		return adu, nil
	default: // FcWriteMultipleCoils, FcWriteMultipleRegisters
		return decodeWriteMultiple(adu, data, hint)
	}
}

// decodeRead handles FC 1-4, whose request (address + quantity) and
// response (byte count + data) shapes are both tried against the declared
// length.
func decodeRead(adu ADU, data []byte, hint Direction, next []byte) (ADU, error) {
	req, reqErr := parseReadRequest(adu.Function, data)
	resp, respErr := parseReadResponse(adu.Function, data)

	switch {
	case reqErr != nil && respErr != nil:
		// Report the request-side failure: an out-of-range quantity is
		// the more useful diagnostic.
		return ADU{}, reqErr
	case respErr != nil:
		adu.Direction = DirRequest
		adu.Payload = req
	case reqErr != nil:
		adu.Direction = DirResponse
		adu.Payload = resp
	case hint == DirRequest:
		adu.Direction = DirRequest
		adu.Payload = req
	case hint == DirResponse:
		adu.Direction = DirResponse
		adu.Payload = resp
	case LooksLikeMBAP(next):
		adu.Direction = DirRequest
		adu.Payload = req
		adu.Ambiguous = true
	default:
		adu.Direction = DirResponse
		adu.Payload = resp
		adu.Ambiguous = true
	}
	return adu, nil
}

func parseReadRequest(fc FunctionCode, data []byte) (ReadRequest, error) {
	if len(data) != 4 {
		return ReadRequest{}, decodeErrorf(KindLengthMismatch, "%s request needs 4 data bytes, have %d", fc, len(data))
	}
	req := ReadRequest{
		Address:  binary.BigEndian.Uint16(data[0:2]),
		Quantity: binary.BigEndian.Uint16(data[2:4]),
	}
	if req.Quantity < 1 || req.Quantity > maxReadQuantity(fc) {
		return ReadRequest{}, decodeErrorf(KindMalformed, "%s quantity %d outside 1-%d", fc, req.Quantity, maxReadQuantity(fc))
	}
	return req, nil
}

func parseReadResponse(fc FunctionCode, data []byte) (ReadResponse, error) {
	if len(data) < 1 {
		return ReadResponse{}, decodeErrorf(KindTruncated, "%s response without byte count", fc)
	}
	count := int(data[0])
	if count != len(data)-1 {
		return ReadResponse{}, decodeErrorf(KindLengthMismatch, "%s byte count %d, %d data bytes follow", fc, count, len(data)-1)
	}
	if count == 0 {
		return ReadResponse{}, decodeErrorf(KindMalformed, "%s response with zero byte count", fc)
	}
	if fc.IsRegister() && (count%2 != 0 || count > 2*MaxReadRegisters) {
		return ReadResponse{}, decodeErrorf(KindMalformed, "%s byte count %d is not a register multiple", fc, count)
	}
	return ReadResponse{ByteCount: uint8(count), Data: cloneBytes(data[1:])}, nil
}

func decodeWriteMultiple(adu ADU, data []byte, hint Direction) (ADU, error) {
	if len(data) < 4 {
		return ADU{}, decodeErrorf(KindTruncated, "%s carries %d bytes, need at least 4", adu.Function, len(data))
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	limit := maxReadQuantity(adu.Function)
	if qty < 1 || qty > limit {
		return ADU{}, decodeErrorf(KindMalformed, "%s quantity %d outside 1-%d", adu.Function, qty, limit)
	}
	if len(data) == 4 {
		if hint == DirRequest {
			return ADU{}, decodeErrorf(KindTruncated, "%s request without byte count", adu.Function)
		}
		adu.Direction = DirResponse
		adu.Payload = WriteMultipleResponse{Address: addr, Quantity: qty}
		return adu, nil
	}

	count := int(data[4])
	if count != len(data)-5 {
		return ADU{}, decodeErrorf(KindLengthMismatch, "%s byte count %d, %d data bytes follow", adu.Function, count, len(data)-5)
	}
	want := int(qty) * 2
	if adu.Function == FcWriteMultipleCoils {
		want = (int(qty) + 7) / 8
	}
	if count != want {
		return ADU{}, decodeErrorf(KindMalformed, "%s byte count %d does not cover quantity %d", adu.Function, count, qty)
	}
	adu.Direction = DirRequest
	adu.Payload = WriteMultipleRequest{
		Address:   addr,
		Quantity:  qty,
		ByteCount: uint8(count),
		Data:      cloneBytes(data[5:]),
	}
	return adu, nil
}

// LooksLikeMBAP reports whether data starts with a plausible MBAP header:
// protocol id 0, a length that fits a PDU, and a known function code.
func LooksLikeMBAP(data []byte) bool {
	if len(data) < MinADUSize {
		return false
	}
	if binary.BigEndian.Uint16(data[2:4]) != 0x0000 {
		return false
	}
	length := binary.BigEndian.Uint16(data[4:6])
	if length < 2 || length > MaxPDUSize+1 {
		return false
	}
	return IsKnownFunction(FunctionCode(data[MBAPHeaderSize]))
}

// --- internal helpers ---

func encodeAddrQty(addr, qty uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], addr)
	binary.BigEndian.PutUint16(buf[2:4], qty)
	return buf
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
