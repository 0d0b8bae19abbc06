package modbus

import (
	"net/netip"
	"testing"
	"time"
)

func decodeFrame(t *testing.T, frame []byte, hint Direction) ADU {
	t.Helper()
	adu, err := DecodeWithHint(frame, hint, nil)
	if err != nil {
		t.Fatalf("DecodeWithHint: %v", err)
	}
	return adu
}

func TestMatcherPairsResponse(t *testing.T) {
	m := NewTransactionMatcher(0, 0)
	t0 := time.Unix(1700000000, 0)

	req := decodeFrame(t, readRequestFrame(42, 8061, 2), DirRequest)
	if err := m.Request(Conn{}, req, t0); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if m.Outstanding() != 1 {
		t.Fatalf("Outstanding = %d, want 1", m.Outstanding())
	}

	resp := decodeFrame(t, readResponseFrame(42, 0x1234, 0x5678), DirResponse)
	pending, ok := m.Response(Conn{}, resp, t0.Add(3*time.Millisecond))
	if !ok {
		t.Fatal("response not matched")
	}
	if pending.Address != 8061 || pending.Quantity != 2 || pending.Function != FcReadHoldingRegisters {
		t.Errorf("pending = %+v", pending)
	}

	st := m.Stats()
	if st.TotalMatched != 1 || st.Outstanding != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.AvgLatencyUs != 3000 {
		t.Errorf("AvgLatencyUs = %v, want 3000", st.AvgLatencyUs)
	}
}

func TestMatcherUnmatchedResponse(t *testing.T) {
	m := NewTransactionMatcher(0, 0)
	resp := decodeFrame(t, readResponseFrame(1, 5), DirResponse)
	if _, ok := m.Response(Conn{}, resp, time.Now()); ok {
		t.Fatal("unexpected match")
	}
	if m.Stats().TotalUnmatched != 1 {
		t.Errorf("TotalUnmatched = %d", m.Stats().TotalUnmatched)
	}
}

func TestMatcherFunctionMustAgree(t *testing.T) {
	m := NewTransactionMatcher(0, 0)
	now := time.Now()
	_ = m.Request(Conn{}, decodeFrame(t, readRequestFrame(1, 0, 1), DirRequest), now)

	other := EncodeResponseTCP(Response{TransactionID: 1, UnitID: 1, Function: FcReadInputRegisters, Data: ReadRegistersResponse([]uint16{1})})
	if _, ok := m.Response(Conn{}, decodeFrame(t, other, DirResponse), now); ok {
		t.Error("response with a different function matched")
	}

	exc := EncodeExceptionResponse(1, 1, FcReadHoldingRegisters, ExceptionIllegalDataAddress)
	if _, ok := m.Response(Conn{}, decodeFrame(t, exc, DirResponse), now); !ok {
		t.Error("exception response should match its request")
	}
}

func TestMatcherRejectsResponses(t *testing.T) {
	m := NewTransactionMatcher(0, 0)
	resp := decodeFrame(t, readResponseFrame(1, 5), DirResponse)
	if err := m.Request(Conn{}, resp, time.Now()); err == nil {
		t.Fatal("expected error for response ADU")
	}
}

func TestMatcherFull(t *testing.T) {
	m := NewTransactionMatcher(2, 0)
	now := time.Now()
	for i := uint16(1); i <= 2; i++ {
		if err := m.Request(Conn{}, decodeFrame(t, readRequestFrame(i, 0, 1), DirRequest), now); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}
	if err := m.Request(Conn{}, decodeFrame(t, readRequestFrame(3, 0, 1), DirRequest), now); err == nil {
		t.Fatal("expected error when full")
	}
	if m.Stats().TotalDropped != 1 {
		t.Errorf("TotalDropped = %d, want 1", m.Stats().TotalDropped)
	}
}

func TestMatcherExpire(t *testing.T) {
	m := NewTransactionMatcher(0, time.Second)
	t0 := time.Unix(1700000000, 0)
	_ = m.Request(Conn{}, decodeFrame(t, readRequestFrame(1, 0, 1), DirRequest), t0)

	if n := m.Expire(t0.Add(500 * time.Millisecond)); n != 0 {
		t.Errorf("early Expire = %d, want 0", n)
	}
	if n := m.Expire(t0.Add(2 * time.Second)); n != 1 {
		t.Errorf("Expire = %d, want 1", n)
	}
	if m.Stats().TotalExpired != 1 {
		t.Errorf("TotalExpired = %d", m.Stats().TotalExpired)
	}
}

func TestMatcherSeparatesConnections(t *testing.T) {
	m := NewTransactionMatcher(0, 0)
	now := time.Now()
	server := netip.MustParseAddrPort("10.0.0.9:502")
	connA := ConnBetween(netip.MustParseAddrPort("10.0.0.5:40000"), server)
	connB := ConnBetween(server, netip.MustParseAddrPort("10.0.0.6:40001"))

	if err := m.Request(connA, decodeFrame(t, readRequestFrame(1, 100, 1), DirRequest), now); err != nil {
		t.Fatalf("Request A: %v", err)
	}
	if err := m.Request(connB, decodeFrame(t, readRequestFrame(1, 200, 1), DirRequest), now); err != nil {
		t.Fatalf("Request B: %v", err)
	}
	if m.Outstanding() != 2 {
		t.Fatalf("Outstanding = %d, want 2", m.Outstanding())
	}

	resp := decodeFrame(t, readResponseFrame(1, 7), DirResponse)
	got, ok := m.Response(connA, resp, now)
	if !ok || got.Address != 100 {
		t.Errorf("conn A response = %+v, %v; want address 100", got, ok)
	}
	got, ok = m.Response(connB, resp, now)
	if !ok || got.Address != 200 {
		t.Errorf("conn B response = %+v, %v; want address 200", got, ok)
	}
}

func TestConnBetweenIgnoresDirection(t *testing.T) {
	client := netip.MustParseAddrPort("10.0.0.5:40000")
	server := netip.MustParseAddrPort("10.0.0.9:502")
	if ConnBetween(client, server) != ConnBetween(server, client) {
		t.Error("ConnBetween depends on argument order")
	}
}
