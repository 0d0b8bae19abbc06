package modbus

// In-memory register spaces and a Modbus TCP responder serving them.
//
// The responder answers the read/write function codes the codec decodes.
// It exists so the client and the live polling path can be exercised
// against a real socket without hardware.

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
)

// DataStore holds the four Modbus address spaces of one unit.
type DataStore struct {
	mu               sync.RWMutex
	coils            []bool
	discreteInputs   []bool
	inputRegisters   []uint16
	holdingRegisters []uint16
}

// NewDataStore creates a data store with the full 16-bit address range in
// every space.
func NewDataStore() *DataStore {
	const size = 1 << 16
	return &DataStore{
		coils:            make([]bool, size),
		discreteInputs:   make([]bool, size),
		inputRegisters:   make([]uint16, size),
		holdingRegisters: make([]uint16, size),
	}
}

// SetInputRegisters stores values starting at addr.
func (ds *DataStore) SetInputRegisters(addr uint16, values ...uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return putRegisters(ds.inputRegisters, addr, values)
}

// SetHoldingRegisters stores values starting at addr.
func (ds *DataStore) SetHoldingRegisters(addr uint16, values ...uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return putRegisters(ds.holdingRegisters, addr, values)
}

// HoldingRegister reads one holding register.
func (ds *DataStore) HoldingRegister(addr uint16) uint16 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.holdingRegisters[addr]
}

// SetCoil sets one coil.
func (ds *DataStore) SetCoil(addr uint16, on bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.coils[addr] = on
}

func putRegisters(space []uint16, addr uint16, values []uint16) error {
	if int(addr)+len(values) > len(space) {
		return fmt.Errorf("register range %d+%d exceeds address space", addr, len(values))
	}
	copy(space[addr:], values)
	return nil
}

// HandleRequest processes a request PDU and returns the response PDU.
func (ds *DataStore) HandleRequest(req Request) Response {
	switch req.Function {
	case FcReadCoils:
		return ds.readBits(req, ds.coils)
	case FcReadDiscreteInputs:
		return ds.readBits(req, ds.discreteInputs)
	case FcReadHoldingRegisters:
		return ds.readRegisters(req, ds.holdingRegisters)
	case FcReadInputRegisters:
		return ds.readRegisters(req, ds.inputRegisters)
	case FcWriteSingleCoil:
		return ds.writeSingleCoil(req)
	case FcWriteSingleRegister:
		return ds.writeSingleRegister(req)
	case FcWriteMultipleRegisters:
		return ds.writeMultipleRegisters(req)
	default:
		return exceptionResponse(req, ExceptionIllegalFunction)
	}
}

func (ds *DataStore) readBits(req Request, space []bool) Response {
	start, qty, exc := readRange(req, MaxReadBits, len(space))
	if exc != 0 {
		return exceptionResponse(req, exc)
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()

	byteCount := (qty + 7) / 8
	data := make([]byte, 1+byteCount)
	data[0] = byte(byteCount)
	for i := 0; i < qty; i++ {
		if space[start+i] {
			data[1+i/8] |= 1 << (i % 8)
		}
	}
	return okResponse(req, data)
}

func (ds *DataStore) readRegisters(req Request, space []uint16) Response {
	start, qty, exc := readRange(req, MaxReadRegisters, len(space))
	if exc != 0 {
		return exceptionResponse(req, exc)
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return okResponse(req, ReadRegistersResponse(space[start:start+qty]))
}

// readRange validates the address/quantity fields of a read request.
func readRange(req Request, limit, size int) (start, qty int, exc ExceptionCode) {
	if len(req.Data) != 4 {
		return 0, 0, ExceptionIllegalDataValue
	}
	start = int(binary.BigEndian.Uint16(req.Data[0:2]))
	qty = int(binary.BigEndian.Uint16(req.Data[2:4]))
	if qty < 1 || qty > limit {
		return 0, 0, ExceptionIllegalDataValue
	}
	if start+qty > size {
		return 0, 0, ExceptionIllegalDataAddress
	}
	return start, qty, 0
}

func (ds *DataStore) writeSingleCoil(req Request) Response {
	if len(req.Data) != 4 {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	val := binary.BigEndian.Uint16(req.Data[2:4])
	if val != 0x0000 && val != 0xFF00 {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}
	ds.SetCoil(addr, val == 0xFF00)
	return okResponse(req, cloneBytes(req.Data))
}

func (ds *DataStore) writeSingleRegister(req Request) Response {
	if len(req.Data) != 4 {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	if err := ds.SetHoldingRegisters(addr, binary.BigEndian.Uint16(req.Data[2:4])); err != nil {
		return exceptionResponse(req, ExceptionIllegalDataAddress)
	}
	return okResponse(req, cloneBytes(req.Data))
}

func (ds *DataStore) writeMultipleRegisters(req Request) Response {
	if len(req.Data) < 5 {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	qty := binary.BigEndian.Uint16(req.Data[2:4])
	if qty < 1 || qty > MaxWriteRegisters || int(req.Data[4]) != int(qty)*2 || len(req.Data) != 5+int(qty)*2 {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}
	values, _ := DecodeRegisters(req.Data[5:])
	if err := ds.SetHoldingRegisters(addr, values...); err != nil {
		return exceptionResponse(req, ExceptionIllegalDataAddress)
	}
	return okResponse(req, cloneBytes(req.Data[:4]))
}

func okResponse(req Request, data []byte) Response {
	return Response{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		Function:      req.Function,
		Data:          data,
	}
}

func exceptionResponse(req Request, exc ExceptionCode) Response {
	return Response{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		Function:      req.Function | exceptionBit,
		Data:          []byte{byte(exc)},
	}
}

// Serve accepts connections on ln and answers requests from ds until ctx
// is cancelled or ln is closed. Requests for units not listed in units
// get no reply, like a gateway with nothing behind that address; an empty
// units list answers every unit.
func Serve(ctx context.Context, ln net.Listener, ds *DataStore, units ...uint8) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go serveConn(conn, ds, units)
	}
}

func serveConn(conn net.Conn, ds *DataStore, units []uint8) {
	defer conn.Close()
	header := make([]byte, MBAPHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		hdr, _ := DecodeMBAPHeader(header)
		if hdr.ProtocolID != 0 || hdr.Length < 2 || hdr.Length > MaxPDUSize+1 {
			return
		}
		pdu := make([]byte, hdr.Length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		if len(units) > 0 && !slices.Contains(units, hdr.UnitID) {
			continue
		}
		resp := ds.HandleRequest(Request{
			TransactionID: hdr.TransactionID,
			UnitID:        hdr.UnitID,
			Function:      FunctionCode(pdu[0]),
			Data:          pdu[1:],
		})
		if _, err := conn.Write(EncodeResponseTCP(resp)); err != nil {
			return
		}
	}
}

