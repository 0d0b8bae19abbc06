package modbus

// Synchronous Modbus TCP client.
//
// One socket, at most one request in flight. Every call sends a request
// and blocks until the matching response, the per-call timeout, context
// cancellation or Close. A timeout between frames leaves the connection
// usable; one that cuts a frame in half leaves the stream out of sync and
// every later call fails with ErrDesync. The client never retries.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultTimeout is used when ClientOptions.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout time.Duration // per-call receive timeout
	// Trace, when set, sees every frame sent and received.
	Trace func(sent bool, frame []byte)
}

// Client is a synchronous Modbus TCP client bound to one connection.
type Client struct {
	mu      sync.Mutex // serializes calls: one request in flight
	conn    net.Conn
	enc     *Encoder
	timeout time.Duration
	trace   func(sent bool, frame []byte)
	desync  bool // guarded by mu
	closed  bool
	closeMu sync.Mutex
}

// Dial connects to addr ("host:port").
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	var d net.Dialer
	if opts.Timeout > 0 {
		d.Timeout = opts.Timeout
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn, opts), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, enc: NewEncoder(), timeout: timeout, trace: opts.Trace}
}

// Close closes the socket. A call blocked in receive returns with an
// I/O error.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadRegisters reads quantity registers (FC 3 or 4) starting at addr and
// returns their raw big-endian bytes.
func (c *Client) ReadRegisters(ctx context.Context, unitID uint8, fc FunctionCode, addr, quantity uint16) ([]byte, error) {
	if !fc.IsRegister() || !fc.IsRead() {
		return nil, fmt.Errorf("function %s does not read registers", fc)
	}
	frame, txID, err := c.enc.ReadRegisters(unitID, fc, addr, quantity)
	if err != nil {
		return nil, err
	}
	adu, err := c.roundTrip(ctx, frame, txID, unitID, fc)
	if err != nil {
		return nil, err
	}
	resp, ok := adu.Payload.(ReadResponse)
	if !ok {
		return nil, decodeErrorf(KindMalformed, "%s response has no register data", fc)
	}
	if int(resp.ByteCount) != int(quantity)*2 {
		return nil, &MismatchError{Field: "byte count", Got: uint16(resp.ByteCount), Want: quantity * 2}
	}
	return resp.Data, nil
}

// ReadRegisterValues is ReadRegisters split into 16-bit words.
func (c *Client) ReadRegisterValues(ctx context.Context, unitID uint8, fc FunctionCode, addr, quantity uint16) ([]uint16, error) {
	raw, err := c.ReadRegisters(ctx, unitID, fc, addr, quantity)
	if err != nil {
		return nil, err
	}
	return DecodeRegisters(raw)
}

// WriteSingleRegister writes one holding register (FC 6).
func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr, value uint16) error {
	frame, txID := c.enc.Encode(unitID, FcWriteSingleRegister, WriteSingleRegisterRequest(addr, value))
	adu, err := c.roundTrip(ctx, frame, txID, unitID, FcWriteSingleRegister)
	if err != nil {
		return err
	}
	echo, ok := adu.Payload.(WriteSingle)
	if !ok || echo.Address != addr || echo.Value != value {
		return &MismatchError{Field: "write echo", Got: echo.Address, Want: addr}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, frame []byte, txID uint16, unitID uint8, fc FunctionCode) (ADU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return ADU{}, ErrClosed
	}
	if c.desync {
		return ADU{}, ErrDesync
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return ADU{}, fmt.Errorf("set deadline: %w", err)
	}
	// Cancellation forces the pending read to return immediately.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if c.trace != nil {
		c.trace(true, frame)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return ADU{}, c.ioError(ctx, "send", err)
	}

	for {
		buf, err := c.readFrame()
		if err != nil {
			return ADU{}, c.ioError(ctx, "receive", err)
		}
		if c.trace != nil {
			c.trace(false, buf)
		}
		adu, err := DecodeWithHint(buf, DirResponse, nil)
		if err != nil {
			return ADU{}, err
		}
		if adu.TransactionID != txID {
			// Late answer to an earlier call that timed out.
			continue
		}
		if adu.UnitID != unitID {
			return ADU{}, &MismatchError{Field: "unit id", Got: uint16(adu.UnitID), Want: uint16(unitID)}
		}
		if adu.Function.Base() != fc {
			return ADU{}, &MismatchError{Field: "function code", Got: uint16(adu.Function.Base()), Want: uint16(fc)}
		}
		if exc, ok := adu.Payload.(Exception); ok {
			return ADU{}, &ExceptionError{Function: adu.Function, Code: exc.Code}
		}
		return adu, nil
	}
}

// readFrame reads exactly one MBAP-framed ADU from the socket. A failure
// after the first byte of a frame marks the client out of sync.
func (c *Client) readFrame() ([]byte, error) {
	header := make([]byte, MBAPHeaderSize)
	if n, err := io.ReadFull(c.conn, header); err != nil {
		if n > 0 {
			c.desync = true
		}
		return nil, err
	}
	hdr, _ := DecodeMBAPHeader(header)
	if hdr.Length < 2 || hdr.Length > MaxPDUSize+1 {
		c.desync = true
		return nil, decodeErrorf(KindLengthMismatch, "declared length %d out of range", hdr.Length)
	}
	buf := make([]byte, MBAPHeaderSize+int(hdr.Length)-1)
	copy(buf, header)
	if _, err := io.ReadFull(c.conn, buf[MBAPHeaderSize:]); err != nil {
		c.desync = true
		return nil, err
	}
	return buf, nil
}

func (c *Client) ioError(ctx context.Context, op string, err error) error {
	var derr *DecodeError
	if errors.As(err, &derr) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if c.isClosed() {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
