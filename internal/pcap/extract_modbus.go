package pcap

// Modbus extraction: capture frames -> TCP payloads -> ADUs -> observations.
//
// Each direction of each TCP stream gets its own Scanner so that a frame
// split across segments is reassembled and garbage in one stream cannot
// desynchronize another. Requests are remembered per connection by a
// TransactionMatcher so read responses, which carry no address, can be
// attributed.

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"time"

	"github.com/tturner/mbmap/internal/logging"
	"github.com/tturner/mbmap/internal/modbus"
)

// Observer receives register accesses. *analysis.Analyzer implements it.
type Observer interface {
	Observe(unit uint8, addr, qty uint16, fc modbus.FunctionCode, isRequest bool) error
	ObserveValues(unit uint8, addr uint16, fc modbus.FunctionCode, data []byte) error
}

// ExtractOptions configures ExtractModbus.
type ExtractOptions struct {
	// ServerPorts are the TCP ports treated as Modbus servers. Empty uses
	// modbus.DefaultServerPorts.
	ServerPorts []uint16
	// AllPorts scans every TCP payload, not only server-port traffic.
	AllPorts bool
	// MaxResync bounds scanner resynchronization (0 = default).
	MaxResync int
	// MatchTimeout expires unanswered requests, in capture time.
	MatchTimeout time.Duration
	// MaxOutstanding caps pending requests across the capture (0 = unlimited).
	MaxOutstanding int
	// Observer receives accesses; nil only collects stats.
	Observer Observer
	// Logger receives debug output; nil is silent.
	Logger *logging.Logger
	// KeepRecords retains every decoded ADU in the Extraction.
	KeepRecords bool
}

// Record is one decoded ADU with its capture context.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Src       netip.AddrPort `json:"src"`
	Dst       netip.AddrPort `json:"dst"`
	ADU       modbus.ADU     `json:"-"`
	Segment   []byte         `json:"-"` // TCP payload that completed the ADU
}

// Stats counts everything the pipeline saw and skipped.
type Stats struct {
	Frames          int               `json:"frames"`
	ReaderSkipped   int               `json:"reader_skipped"`
	TCPPayloads     int               `json:"tcp_payloads"`
	NonModbus       int               `json:"non_modbus_payloads"`
	UnwrapSkipped   map[string]int    `json:"unwrap_skipped,omitempty"`
	Streams         int               `json:"streams"`
	Scan            modbus.ScanStats  `json:"scan"`
	DecodeErrors    map[string]int    `json:"decode_errors,omitempty"`
	Match           modbus.MatchStats `json:"match"`
	Requests        int               `json:"requests"`
	Responses       int               `json:"responses"`
	Exceptions      int               `json:"exceptions"`
	FunctionCounts  map[string]int    `json:"function_counts,omitempty"`
	Units           []int             `json:"units,omitempty"`
	ObserveErrors   int               `json:"observe_errors"`
	FirstTimestamp  time.Time         `json:"first_timestamp,omitzero"`
	LastTimestamp   time.Time         `json:"last_timestamp,omitzero"`
	ContainerFormat string            `json:"format"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Frames += other.Frames
	s.ReaderSkipped += other.ReaderSkipped
	s.TCPPayloads += other.TCPPayloads
	s.NonModbus += other.NonModbus
	s.UnwrapSkipped = addCounts(s.UnwrapSkipped, other.UnwrapSkipped)
	s.Streams += other.Streams
	s.Scan.Add(other.Scan)
	s.DecodeErrors = addCounts(s.DecodeErrors, other.DecodeErrors)
	s.Match.TotalRequests += other.Match.TotalRequests
	s.Match.TotalMatched += other.Match.TotalMatched
	s.Match.TotalUnmatched += other.Match.TotalUnmatched
	s.Match.TotalExpired += other.Match.TotalExpired
	s.Match.TotalDropped += other.Match.TotalDropped
	s.Match.Outstanding += other.Match.Outstanding
	s.Requests += other.Requests
	s.Responses += other.Responses
	s.Exceptions += other.Exceptions
	s.FunctionCounts = addCounts(s.FunctionCounts, other.FunctionCounts)
	for _, u := range other.Units {
		if !slices.Contains(s.Units, u) {
			s.Units = append(s.Units, u)
		}
	}
	slices.Sort(s.Units)
	s.ObserveErrors += other.ObserveErrors
	if !other.FirstTimestamp.IsZero() && (s.FirstTimestamp.IsZero() || other.FirstTimestamp.Before(s.FirstTimestamp)) {
		s.FirstTimestamp = other.FirstTimestamp
	}
	if other.LastTimestamp.After(s.LastTimestamp) {
		s.LastTimestamp = other.LastTimestamp
	}
	if s.ContainerFormat == "" {
		s.ContainerFormat = other.ContainerFormat
	} else if other.ContainerFormat != "" && other.ContainerFormat != s.ContainerFormat {
		s.ContainerFormat = "mixed"
	}
}

func addCounts(dst, src map[string]int) map[string]int {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]int, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}

// Extraction is the result of one capture pass.
type Extraction struct {
	Format  Format
	Records []Record
	Stats   Stats
}

type streamKey struct {
	src, dst netip.AddrPort
}

// extractor holds the per-capture pipeline state.
type extractor struct {
	opts     ExtractOptions
	log      *logging.Logger
	scanners map[streamKey]*modbus.Scanner
	matcher  *modbus.TransactionMatcher
	units    map[uint8]struct{}
	out      *Extraction
}

// ExtractModbus reads every frame of r and decodes the Modbus traffic in
// it. A container error stops the pass and is returned together with the
// partial extraction.
func ExtractModbus(r *Reader, opts ExtractOptions) (*Extraction, error) {
	if len(opts.ServerPorts) == 0 {
		opts.ServerPorts = modbus.DefaultServerPorts
	}
	x := &extractor{
		opts:     opts,
		log:      opts.Logger,
		scanners: make(map[streamKey]*modbus.Scanner),
		matcher:  modbus.NewTransactionMatcher(opts.MaxOutstanding, opts.MatchTimeout),
		units:    make(map[uint8]struct{}),
		out: &Extraction{
			Format: r.Format(),
			Stats: Stats{
				UnwrapSkipped:  make(map[string]int),
				FunctionCounts: make(map[string]int),
			},
		},
	}
	if x.log == nil {
		x.log = logging.Discard()
	}

	var readErr error
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		x.frame(frame)
	}
	x.finish(r)
	return x.out, readErr
}

func (x *extractor) frame(frame Frame) {
	st := &x.out.Stats
	st.Frames++
	if st.FirstTimestamp.IsZero() || frame.Timestamp.Before(st.FirstTimestamp) {
		st.FirstTimestamp = frame.Timestamp
	}
	if frame.Timestamp.After(st.LastTimestamp) {
		st.LastTimestamp = frame.Timestamp
	}

	p, ok := Unwrap(frame.Data, frame.LinkType)
	if !ok {
		st.UnwrapSkipped[p.Skip.String()]++
		return
	}
	if p.Length == 0 {
		return
	}
	st.TCPPayloads++
	if !x.opts.AllPorts && !modbus.IsServerPort(p.SrcPort, p.DstPort, x.opts.ServerPorts) {
		st.NonModbus++
		return
	}

	key := streamKey{src: p.Src(), dst: p.Dst()}
	sc, ok := x.scanners[key]
	if !ok {
		sc = modbus.NewScanner()
		if x.opts.MaxResync > 0 {
			sc.MaxResync = x.opts.MaxResync
		}
		x.scanners[key] = sc
	}

	hint := modbus.DirectionFromPorts(p.SrcPort, p.DstPort, x.opts.ServerPorts)
	segment := p.Bytes(frame.Data)
	for _, adu := range sc.Feed(segment, hint) {
		if x.opts.KeepRecords {
			x.out.Records = append(x.out.Records, Record{
				Timestamp: frame.Timestamp,
				Src:       key.src,
				Dst:       key.dst,
				ADU:       adu,
				Segment:   slices.Clone(segment),
			})
		}
		x.adu(modbus.ConnBetween(key.src, key.dst), adu, frame.Timestamp)
	}
}

func (x *extractor) adu(conn modbus.Conn, adu modbus.ADU, at time.Time) {
	st := &x.out.Stats
	st.FunctionCounts[adu.Function.Base().String()]++
	x.units[adu.UnitID] = struct{}{}

	// Single writes echo the request; without a port hint the matcher
	// tells the echo from the request.
	if adu.Direction == modbus.DirUnknown {
		if _, isEcho := x.matcher.Response(conn, adu, at); isEcho {
			st.Responses++
			return
		}
		adu.Direction = modbus.DirRequest
	}

	if adu.Direction == modbus.DirRequest {
		x.request(conn, adu, at)
		return
	}
	x.response(conn, adu, at)
}

func (x *extractor) request(conn modbus.Conn, adu modbus.ADU, at time.Time) {
	st := &x.out.Stats
	st.Requests++
	addr, qty, _ := adu.Span()
	x.observe(adu.UnitID, addr, qty, adu.Function, true)

	switch p := adu.Payload.(type) {
	case modbus.WriteMultipleRequest:
		x.observeValues(adu.UnitID, addr, adu.Function, p.Data)
	case modbus.WriteSingle:
		if adu.Function == modbus.FcWriteSingleRegister {
			x.observeValues(adu.UnitID, addr, adu.Function, []byte{byte(p.Value >> 8), byte(p.Value)})
		}
	}

	if err := x.matcher.Request(conn, adu, at); err != nil {
		x.log.Debug("tx %d unit %d not tracked: %v", adu.TransactionID, adu.UnitID, err)
	}
}

func (x *extractor) response(conn modbus.Conn, adu modbus.ADU, at time.Time) {
	st := &x.out.Stats
	st.Responses++
	req, matched := x.matcher.Response(conn, adu, at)

	switch p := adu.Payload.(type) {
	case modbus.Exception:
		st.Exceptions++
		x.log.Debug("unit %d %s exception: %s", adu.UnitID, adu.Function.Base(), p.Code)
	case modbus.ReadResponse:
		if !matched {
			x.log.Debug("unit %d tx %d: read response without request", adu.UnitID, adu.TransactionID)
			return
		}
		want := int(req.Quantity) * 2
		if !adu.Function.IsRegister() || len(p.Data) != want {
			return
		}
		x.observeValues(req.UnitID, req.Address, req.Function, p.Data)
	default:
		// Write acknowledgements: the request was already observed
		// unless it was not captured.
		if matched {
			return
		}
		if addr, qty, ok := adu.Span(); ok {
			x.observe(adu.UnitID, addr, qty, adu.Function, false)
		}
	}
}

func (x *extractor) observe(unit uint8, addr, qty uint16, fc modbus.FunctionCode, isRequest bool) {
	if x.opts.Observer == nil {
		return
	}
	if err := x.opts.Observer.Observe(unit, addr, qty, fc, isRequest); err != nil {
		x.out.Stats.ObserveErrors++
		x.log.Debug("observe: %v", err)
	}
}

func (x *extractor) observeValues(unit uint8, addr uint16, fc modbus.FunctionCode, data []byte) {
	if x.opts.Observer == nil {
		return
	}
	if err := x.opts.Observer.ObserveValues(unit, addr, fc, data); err != nil {
		x.out.Stats.ObserveErrors++
		x.log.Debug("observe values: %v", err)
	}
}

// finish flushes partial frames and folds scanner and matcher counters
// into the stats.
func (x *extractor) finish(r *Reader) {
	st := &x.out.Stats
	st.ContainerFormat = x.out.Format.String()
	st.ReaderSkipped = r.Skipped()
	st.Streams = len(x.scanners)
	for key, sc := range x.scanners {
		if n := sc.Flush(); n > 0 {
			x.log.Debug("stream %s -> %s: %d trailing bytes dropped", key.src, key.dst, n)
		}
		st.Scan.Add(sc.Stats())
	}
	st.DecodeErrors = st.Scan.ErrorCounts()
	st.Match = x.matcher.Stats()
	for u := range x.units {
		st.Units = append(st.Units, int(u))
	}
	slices.Sort(st.Units)
}

// AnalyzeFile runs ExtractModbus over one capture file, feeding observer.
func AnalyzeFile(path string, observer Observer, opts ExtractOptions) (*Extraction, error) {
	f, err := OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer f.Close()

	opts.Observer = observer
	x, err := ExtractModbus(f.Reader, opts)
	if err != nil {
		return x, fmt.Errorf("%s: %w", path, err)
	}
	return x, nil
}
