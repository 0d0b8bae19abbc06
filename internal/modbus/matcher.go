package modbus

// Transaction matcher for request/response correlation.
//
// Modbus TCP responses carry no address. TransactionMatcher remembers each
// request by (connection, transaction id, unit id) so that a later response
// on the same connection can be attributed to the registers the request
// asked for. Clients number their transactions independently, so the
// connection is part of the key. Times are supplied by
// the caller so capture timestamps work as well as wall-clock time.

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// PendingRequest is a request waiting for its response.
type PendingRequest struct {
	TransactionID uint16
	UnitID        uint8
	Function      FunctionCode
	Address       uint16
	Quantity      uint16
	SentAt        time.Time
}

// MatchStats contains matcher counters.
type MatchStats struct {
	Outstanding    int     `json:"outstanding"`
	MaxOutstanding int     `json:"max_outstanding"`
	TotalRequests  int64   `json:"total_requests"`
	TotalMatched   int64   `json:"total_matched"`
	TotalUnmatched int64   `json:"total_unmatched_responses"`
	TotalExpired   int64   `json:"total_expired"`
	TotalDropped   int64   `json:"total_dropped"`
	AvgLatencyUs   float64 `json:"avg_latency_us"`
}

// Conn identifies the TCP connection a transaction travels on. Both
// directions of a connection yield the same Conn. The zero value stands
// for a single unnamed connection.
type Conn struct {
	A, B netip.AddrPort
}

// ConnBetween returns the Conn of the connection between two endpoints,
// whichever of them sent the frame.
func ConnBetween(x, y netip.AddrPort) Conn {
	if x.Compare(y) > 0 {
		x, y = y, x
	}
	return Conn{A: x, B: y}
}

type matchKey struct {
	conn   Conn
	txID   uint16
	unitID uint8
}

// TransactionMatcher pairs responses with outstanding requests.
type TransactionMatcher struct {
	mu             sync.Mutex
	pending        map[matchKey]PendingRequest
	maxOutstanding int
	timeout        time.Duration

	totalRequests  int64
	totalMatched   int64
	totalUnmatched int64
	totalExpired   int64
	totalDropped   int64
	totalLatencyUs int64
}

// NewTransactionMatcher creates a matcher with the given limits.
// maxOutstanding caps pending requests (0 = unlimited); timeout expires
// requests that never saw a response (0 = never).
func NewTransactionMatcher(maxOutstanding int, timeout time.Duration) *TransactionMatcher {
	return &TransactionMatcher{
		pending:        make(map[matchKey]PendingRequest),
		maxOutstanding: maxOutstanding,
		timeout:        timeout,
	}
}

// Request records a request ADU seen on conn at time at. ADUs without an
// address span (responses, exceptions) are rejected.
func (m *TransactionMatcher) Request(conn Conn, adu ADU, at time.Time) error {
	addr, qty, ok := adu.Span()
	if !ok || adu.Direction != DirRequest {
		return fmt.Errorf("not a request: %s %s", adu.Function, adu.Direction)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(at)
	key := matchKey{conn: conn, txID: adu.TransactionID, unitID: adu.UnitID}
	if _, dup := m.pending[key]; !dup && m.maxOutstanding > 0 && len(m.pending) >= m.maxOutstanding {
		m.totalDropped++
		return fmt.Errorf("matcher full: %d/%d outstanding", len(m.pending), m.maxOutstanding)
	}
	m.pending[key] = PendingRequest{
		TransactionID: adu.TransactionID,
		UnitID:        adu.UnitID,
		Function:      adu.Function,
		Address:       addr,
		Quantity:      qty,
		SentAt:        at,
	}
	m.totalRequests++
	return nil
}

// Response looks up and removes the request answered by adu. ok is false
// when no request with the same connection, transaction id, unit id and
// base function is outstanding.
func (m *TransactionMatcher) Response(conn Conn, adu ADU, at time.Time) (PendingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := matchKey{conn: conn, txID: adu.TransactionID, unitID: adu.UnitID}
	req, ok := m.pending[key]
	if !ok || req.Function != adu.Function.Base() {
		m.totalUnmatched++
		return PendingRequest{}, false
	}
	delete(m.pending, key)

	m.totalMatched++
	if rtt := at.Sub(req.SentAt); rtt > 0 {
		m.totalLatencyUs += rtt.Microseconds()
	}
	return req, true
}

// Outstanding returns the number of pending requests.
func (m *TransactionMatcher) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stats returns a snapshot of the matcher counters.
func (m *TransactionMatcher) Stats() MatchStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avgUs float64
	if m.totalMatched > 0 {
		avgUs = float64(m.totalLatencyUs) / float64(m.totalMatched)
	}
	return MatchStats{
		Outstanding:    len(m.pending),
		MaxOutstanding: m.maxOutstanding,
		TotalRequests:  m.totalRequests,
		TotalMatched:   m.totalMatched,
		TotalUnmatched: m.totalUnmatched,
		TotalExpired:   m.totalExpired,
		TotalDropped:   m.totalDropped,
		AvgLatencyUs:   avgUs,
	}
}

// Expire removes requests older than the timeout relative to now.
func (m *TransactionMatcher) Expire(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(now)
}

func (m *TransactionMatcher) expireLocked(now time.Time) int {
	if m.timeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.timeout)
	removed := 0
	for key, req := range m.pending {
		if req.SentAt.Before(cutoff) {
			delete(m.pending, key)
			m.totalExpired++
			removed++
		}
	}
	return removed
}
