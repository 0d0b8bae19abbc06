package modbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeReadRequestRoundTrip(t *testing.T) {
	enc := NewEncoder()
	for _, fc := range []FunctionCode{FcReadHoldingRegisters, FcReadInputRegisters} {
		for _, addr := range []uint16{0, 100, 65535} {
			for _, qty := range []uint16{1, 125} {
				frame, txID, err := enc.ReadRegisters(247, fc, addr, qty)
				if err != nil {
					t.Fatalf("ReadRegisters(%s, %d, %d): %v", fc, addr, qty, err)
				}
				if len(frame) != 12 {
					t.Fatalf("frame len = %d, want 12", len(frame))
				}
				if got := binary.BigEndian.Uint16(frame[4:6]); got != 6 {
					t.Errorf("MBAP length = %d, want 6", got)
				}

				adu, err := Decode(frame)
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if adu.TransactionID != txID || adu.UnitID != 247 || adu.Function != fc {
					t.Errorf("header = %d/%d/%s, want %d/247/%s", adu.TransactionID, adu.UnitID, adu.Function, txID, fc)
				}
				if adu.Direction != DirRequest {
					t.Errorf("Direction = %s, want request", adu.Direction)
				}
				req, ok := adu.Payload.(ReadRequest)
				if !ok {
					t.Fatalf("Payload = %T, want ReadRequest", adu.Payload)
				}
				if req.Address != addr || req.Quantity != qty {
					t.Errorf("payload = %d/%d, want %d/%d", req.Address, req.Quantity, addr, qty)
				}
			}
		}
	}
}

func TestEncoderTransactionIDs(t *testing.T) {
	enc := NewEncoder()
	_, first := enc.Encode(1, FcReadHoldingRegisters, ReadHoldingRegistersRequest(0, 1))
	_, second := enc.Encode(1, FcReadHoldingRegisters, ReadHoldingRegistersRequest(0, 1))
	if first != 1 || second != 2 {
		t.Errorf("transaction ids = %d, %d, want 1, 2", first, second)
	}
}

func TestReadRegistersQuantityRange(t *testing.T) {
	enc := NewEncoder()
	for _, qty := range []uint16{0, 126} {
		if _, _, err := enc.ReadRegisters(1, FcReadHoldingRegisters, 0, qty); !errors.Is(err, ErrQuantityRange) {
			t.Errorf("qty %d: err = %v, want ErrQuantityRange", qty, err)
		}
	}
	if _, _, err := enc.ReadRegisters(1, FcReadCoils, 0, 2000); err != nil {
		t.Errorf("2000 coils: %v", err)
	}
	if _, _, err := enc.ReadRegisters(1, FcWriteSingleRegister, 0, 1); err == nil {
		t.Error("expected error for non-read function")
	}
	// Rejected requests do not consume ids.
	if _, txID, _ := enc.ReadRegisters(1, FcReadHoldingRegisters, 0, 1); txID != 2 {
		t.Errorf("txID = %d, want 2", txID)
	}
}

func TestDecodeReadResponse(t *testing.T) {
	frame := EncodeResponseTCP(Response{
		TransactionID: 0x0042,
		UnitID:        0x01,
		Function:      FcReadHoldingRegisters,
		Data:          ReadRegistersResponse([]uint16{0x000A, 0x0014}),
	})

	adu, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if adu.Direction != DirResponse {
		t.Errorf("Direction = %s, want response", adu.Direction)
	}
	resp, ok := adu.Payload.(ReadResponse)
	if !ok {
		t.Fatalf("Payload = %T, want ReadResponse", adu.Payload)
	}
	if resp.ByteCount != 4 || !bytes.Equal(resp.Data, []byte{0x00, 0x0A, 0x00, 0x14}) {
		t.Errorf("payload = %d % X", resp.ByteCount, resp.Data)
	}
	if _, _, ok := adu.Span(); ok {
		t.Error("read response should not carry a span")
	}
}

func TestDecodeErrors(t *testing.T) {
	valid := EncodeRequestTCP(Request{TransactionID: 1, UnitID: 1, Function: FcReadHoldingRegisters, Data: ReadHoldingRegistersRequest(0, 10)})

	badProto := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(badProto[2:4], 0x0001)

	badLen := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(badLen[4:6], 7)

	badFC := append([]byte(nil), valid...)
	badFC[7] = 0x2B

	badQty := EncodeRequestTCP(Request{TransactionID: 1, UnitID: 1, Function: FcReadHoldingRegisters, Data: ReadHoldingRegistersRequest(0, 200)})

	longException := EncodeResponseTCP(Response{TransactionID: 1, UnitID: 1, Function: FcReadCoils | exceptionBit, Data: []byte{0x02, 0x00}})

	tests := []struct {
		name string
		buf  []byte
		kind DecodeErrorKind
	}{
		{"empty", nil, KindTruncated},
		{"short", valid[:7], KindTruncated},
		{"protocol id", badProto, KindProtocolID},
		{"length", badLen, KindLengthMismatch},
		{"function", badFC, KindUnsupportedFunction},
		{"quantity", badQty, KindMalformed},
		{"exception size", longException, KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			if !IsDecodeKind(err, tt.kind) {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestDecodeExceptionResponse(t *testing.T) {
	frame := EncodeExceptionResponse(0x01, 0x01, FcReadHoldingRegisters, ExceptionIllegalDataAddress)

	adu, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !adu.IsException() {
		t.Fatal("expected exception")
	}
	exc, ok := adu.Payload.(Exception)
	if !ok || exc.Code != ExceptionIllegalDataAddress {
		t.Errorf("Payload = %#v, want Illegal_Data_Address", adu.Payload)
	}
	if adu.Function.Base() != FcReadHoldingRegisters {
		t.Errorf("Base = %s", adu.Function.Base())
	}
}

func TestDecodeWriteSingleUsesHint(t *testing.T) {
	frame := EncodeRequestTCP(Request{TransactionID: 9, UnitID: 1, Function: FcWriteSingleRegister, Data: WriteSingleRegisterRequest(40, 0x1234)})

	adu, err := DecodeWithHint(frame, DirResponse, nil)
	if err != nil {
		t.Fatalf("DecodeWithHint: %v", err)
	}
	if adu.Direction != DirResponse {
		t.Errorf("Direction = %s, want response", adu.Direction)
	}
	addr, qty, ok := adu.Span()
	if !ok || addr != 40 || qty != 1 {
		t.Errorf("Span = %d/%d/%v", addr, qty, ok)
	}
}

func TestDecodeWriteMultiple(t *testing.T) {
	reqFrame := EncodeRequestTCP(Request{TransactionID: 3, UnitID: 1, Function: FcWriteMultipleRegisters, Data: WriteMultipleRegistersRequest(10, []uint16{1, 2, 3})})
	adu, err := Decode(reqFrame)
	if err != nil {
		t.Fatalf("Decode request: %v", err)
	}
	req, ok := adu.Payload.(WriteMultipleRequest)
	if !ok || req.Address != 10 || req.Quantity != 3 || req.ByteCount != 6 {
		t.Fatalf("Payload = %#v", adu.Payload)
	}

	respFrame := EncodeResponseTCP(Response{TransactionID: 3, UnitID: 1, Function: FcWriteMultipleRegisters, Data: encodeAddrQty(10, 3)})
	adu, err = Decode(respFrame)
	if err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if _, ok := adu.Payload.(WriteMultipleResponse); !ok || adu.Direction != DirResponse {
		t.Errorf("Payload = %#v, Direction = %s", adu.Payload, adu.Direction)
	}

	// Byte count that does not cover the quantity.
	bad := append([]byte(nil), reqFrame...)
	bad[MinADUSize+4] = 4
	if _, err := Decode(bad); err == nil {
		t.Error("expected error for inconsistent byte count")
	}
}

func TestDecodeReadAmbiguity(t *testing.T) {
	// FC 1 with data 03 xx xx xx fits both a request (addr 0x03xx, qty) and
	// a three-byte coil response.
	data := []byte{0x03, 0x00, 0x00, 0x10}
	frame := EncodeRequestTCP(Request{TransactionID: 5, UnitID: 1, Function: FcReadCoils, Data: data})

	adu, err := DecodeWithHint(frame, DirResponse, nil)
	if err != nil {
		t.Fatalf("DecodeWithHint: %v", err)
	}
	if adu.Direction != DirResponse || adu.Ambiguous {
		t.Errorf("hinted: Direction = %s, Ambiguous = %v", adu.Direction, adu.Ambiguous)
	}

	next := EncodeRequestTCP(Request{TransactionID: 6, UnitID: 1, Function: FcReadCoils, Data: encodeAddrQty(0, 8)})
	adu, err = DecodeWithHint(frame, DirUnknown, next)
	if err != nil {
		t.Fatalf("DecodeWithHint: %v", err)
	}
	if adu.Direction != DirRequest || !adu.Ambiguous {
		t.Errorf("look-ahead: Direction = %s, Ambiguous = %v", adu.Direction, adu.Ambiguous)
	}

	adu, err = DecodeWithHint(frame, DirUnknown, nil)
	if err != nil {
		t.Fatalf("DecodeWithHint: %v", err)
	}
	if adu.Direction != DirResponse || !adu.Ambiguous {
		t.Errorf("no look-ahead: Direction = %s, Ambiguous = %v", adu.Direction, adu.Ambiguous)
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	frame := EncodeRequestTCP(Request{TransactionID: 1, UnitID: 1, Function: FcWriteMultipleRegisters, Data: WriteMultipleRegistersRequest(0, []uint16{7, 8})})
	for i := 0; i <= len(frame); i++ {
		_, _ = Decode(frame[:i])
	}
	for i := 0; i < 256; i++ {
		buf := []byte{0, 1, 0, 0, 0, 3, 1, byte(i), 0}
		_, _ = Decode(buf)
	}
}

func TestLooksLikeMBAP(t *testing.T) {
	frame := EncodeRequestTCP(Request{TransactionID: 1, UnitID: 1, Function: FcReadHoldingRegisters, Data: ReadHoldingRegistersRequest(0, 1)})
	if !LooksLikeMBAP(frame) {
		t.Error("valid frame rejected")
	}
	if LooksLikeMBAP(frame[:5]) {
		t.Error("short buffer accepted")
	}
	if LooksLikeMBAP([]byte("GET / HTTP/1.1")) {
		t.Error("HTTP accepted")
	}
}

func TestWriteSingleCoilRequest(t *testing.T) {
	on := WriteSingleCoilRequest(0x00AC, true)
	if v := binary.BigEndian.Uint16(on[2:4]); v != 0xFF00 {
		t.Errorf("coil ON = 0x%04X, want 0xFF00", v)
	}
	off := WriteSingleCoilRequest(0x00AC, false)
	if v := binary.BigEndian.Uint16(off[2:4]); v != 0x0000 {
		t.Errorf("coil OFF = 0x%04X, want 0x0000", v)
	}
}

func TestDecodeRegisters(t *testing.T) {
	regs, err := DecodeRegisters([]byte{0x00, 0x0A, 0x01, 0x02})
	if err != nil {
		t.Fatalf("DecodeRegisters: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x000A || regs[1] != 0x0102 {
		t.Errorf("regs = %v", regs)
	}
	if _, err := DecodeRegisters([]byte{0x00}); err == nil {
		t.Error("expected error for odd byte count")
	}
}

func TestFunctionCodeString(t *testing.T) {
	if got := FcReadHoldingRegisters.String(); got != "Read_Holding_Registers" {
		t.Errorf("String = %q", got)
	}
	if got := (FcReadInputRegisters | exceptionBit).String(); got != "Read_Input_Registers_Exception" {
		t.Errorf("exception String = %q", got)
	}
}
