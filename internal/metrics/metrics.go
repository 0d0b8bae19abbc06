package metrics

// Metrics collection for live Modbus polls

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tturner/mbmap/internal/modbus"
)

// Operation is the kind of request measured.
type Operation string

const (
	OperationRead  Operation = "READ"
	OperationWrite Operation = "WRITE"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeException Outcome = "exception"
	OutcomeIO        Outcome = "io"
	OutcomeProtocol  Outcome = "protocol"
)

// Metric is one measured request.
type Metric struct {
	Timestamp     time.Time `json:"timestamp"`
	Target        string    `json:"target"`
	Block         string    `json:"block"`
	Operation     Operation `json:"operation"`
	Unit          uint8     `json:"unit"`
	Function      uint8     `json:"function"`
	Address       uint16    `json:"address"`
	Quantity      uint16    `json:"quantity"`
	Success       bool      `json:"success"`
	RTTMs         float64   `json:"rtt_ms"`
	JitterMs      float64   `json:"jitter_ms,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	ExceptionCode uint8     `json:"exception_code,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Classify maps a client error to an outcome and exception code.
func Classify(err error) (Outcome, uint8) {
	if err == nil {
		return OutcomeOK, 0
	}
	var exc *modbus.ExceptionError
	if errors.As(err, &exc) {
		return OutcomeException, uint8(exc.Code)
	}
	if errors.Is(err, modbus.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout, 0
	}
	var derr *modbus.DecodeError
	var merr *modbus.MismatchError
	if errors.As(err, &derr) || errors.As(err, &merr) {
		return OutcomeProtocol, 0
	}
	return OutcomeIO, 0
}

// Sink collects and aggregates metrics
type Sink struct {
	mu      sync.RWMutex
	metrics []Metric
	lastRTT map[string]float64
	summary *Summary
}

func newSummary() *Summary {
	return &Summary{
		RTTBuckets: make(map[string]int),
		Outcomes:   make(map[Outcome]int),
		ByBlock:    make(map[string]*BlockStats),
	}
}

// Summary contains aggregated statistics
type Summary struct {
	TotalOperations int
	SuccessfulOps   int
	FailedOps       int
	TimeoutCount    int
	ExceptionCount  int
	MinRTT          float64
	MaxRTT          float64
	AvgRTT          float64
	P50RTT          float64
	P90RTT          float64
	P95RTT          float64
	P99RTT          float64
	AvgJitter       float64
	jitterCount     int
	RTTBuckets      map[string]int
	Outcomes        map[Outcome]int
	ByBlock         map[string]*BlockStats
}

// BlockStats contains statistics for one poll block
type BlockStats struct {
	Count   int
	Success int
	Failed  int
	MinRTT  float64
	MaxRTT  float64
	AvgRTT  float64
	SumRTT  float64
}

// NewSink creates a new metrics sink
func NewSink() *Sink {
	return &Sink{
		metrics: make([]Metric, 0),
		lastRTT: make(map[string]float64),
		summary: newSummary(),
	}
}

// Record records a new metric. Jitter is filled in from the previous
// successful RTT of the same block when the metric carries none.
func (s *Sink) Record(m Metric) Metric {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Outcome == "" {
		if m.Success {
			m.Outcome = OutcomeOK
		} else {
			m.Outcome = OutcomeIO
		}
	}
	if m.Success && m.RTTMs > 0 {
		if prev, ok := s.lastRTT[m.Block]; ok && m.JitterMs == 0 {
			m.JitterMs = math.Abs(m.RTTMs - prev)
		}
		s.lastRTT[m.Block] = m.RTTMs
	}

	s.metrics = append(s.metrics, m)
	s.updateSummary(m)
	return m
}

// GetMetrics returns a copy of all recorded metrics
func (s *Sink) GetMetrics() []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := make([]Metric, len(s.metrics))
	copy(metrics, s.metrics)
	return metrics
}

// GetSummary returns the aggregated summary
func (s *Sink) GetSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := *s.summary
	summary.RTTBuckets = make(map[string]int, len(s.summary.RTTBuckets))
	summary.Outcomes = make(map[Outcome]int, len(s.summary.Outcomes))
	summary.ByBlock = make(map[string]*BlockStats, len(s.summary.ByBlock))
	for k, v := range s.summary.RTTBuckets {
		summary.RTTBuckets[k] = v
	}
	for k, v := range s.summary.Outcomes {
		summary.Outcomes[k] = v
	}
	for name, stats := range s.summary.ByBlock {
		copied := *stats
		summary.ByBlock[name] = &copied
	}

	p := computePercentiles(successfulRTTs(s.metrics))
	summary.P50RTT, summary.P90RTT, summary.P95RTT, summary.P99RTT = p[0], p[1], p[2], p[3]
	return &summary
}

// Summarize aggregates metrics loaded from a file.
func Summarize(metrics []Metric) *Summary {
	sink := NewSink()
	for _, m := range metrics {
		sink.Record(m)
	}
	return sink.GetSummary()
}

// updateSummary updates the summary statistics with a new metric
func (s *Sink) updateSummary(m Metric) {
	s.summary.TotalOperations++
	s.summary.Outcomes[m.Outcome]++

	if m.Success {
		s.summary.SuccessfulOps++
	} else {
		s.summary.FailedOps++
		switch m.Outcome {
		case OutcomeTimeout:
			s.summary.TimeoutCount++
		case OutcomeException:
			s.summary.ExceptionCount++
		}
	}

	if m.JitterMs > 0 {
		s.summary.jitterCount++
		total := s.summary.AvgJitter * float64(s.summary.jitterCount-1)
		s.summary.AvgJitter = (total + m.JitterMs) / float64(s.summary.jitterCount)
	}

	if m.Success && m.RTTMs > 0 {
		if s.summary.MinRTT == 0 || m.RTTMs < s.summary.MinRTT {
			s.summary.MinRTT = m.RTTMs
		}
		if m.RTTMs > s.summary.MaxRTT {
			s.summary.MaxRTT = m.RTTMs
		}
		totalRTT := s.summary.AvgRTT * float64(s.summary.SuccessfulOps-1)
		s.summary.AvgRTT = (totalRTT + m.RTTMs) / float64(s.summary.SuccessfulOps)
		incrementBucket(s.summary.RTTBuckets, m.RTTMs)
	}

	stats, exists := s.summary.ByBlock[m.Block]
	if !exists {
		stats = &BlockStats{}
		s.summary.ByBlock[m.Block] = stats
	}
	stats.Count++
	if !m.Success {
		stats.Failed++
		return
	}
	stats.Success++
	if m.RTTMs > 0 {
		if stats.MinRTT == 0 || m.RTTMs < stats.MinRTT {
			stats.MinRTT = m.RTTMs
		}
		if m.RTTMs > stats.MaxRTT {
			stats.MaxRTT = m.RTTMs
		}
		stats.SumRTT += m.RTTMs
		stats.AvgRTT = stats.SumRTT / float64(stats.Success)
	}
}

func successfulRTTs(metrics []Metric) []float64 {
	rtts := make([]float64, 0, len(metrics))
	for _, m := range metrics {
		if m.Success && m.RTTMs > 0 {
			rtts = append(rtts, m.RTTMs)
		}
	}
	return rtts
}

func incrementBucket(buckets map[string]int, value float64) {
	switch {
	case value < 1:
		buckets["lt_1ms"]++
	case value < 5:
		buckets["1_5ms"]++
	case value < 10:
		buckets["5_10ms"]++
	case value < 50:
		buckets["10_50ms"]++
	case value < 100:
		buckets["50_100ms"]++
	case value < 500:
		buckets["100_500ms"]++
	default:
		buckets["gt_500ms"]++
	}
}

func computePercentiles(values []float64) [4]float64 {
	var result [4]float64
	if len(values) == 0 {
		return result
	}
	sort.Float64s(values)
	result[0] = percentile(values, 0.50)
	result[1] = percentile(values, 0.90)
	result[2] = percentile(values, 0.95)
	result[3] = percentile(values, 0.99)
	return result
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
