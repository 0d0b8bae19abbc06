package api

import (
	"sync/atomic"

	"github.com/tturner/mbmap/internal/report"
)

// Store holds the latest register report. Readers never block writers and
// always see a complete report.
type Store struct {
	latest atomic.Pointer[report.RegisterReport]
	seq    atomic.Uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the current report. The report must not be modified afterwards.
func (s *Store) Set(rep *report.RegisterReport) {
	s.latest.Store(rep)
	s.seq.Add(1)
}

// Get returns the current report, or nil before the first Set.
func (s *Store) Get() *report.RegisterReport {
	return s.latest.Load()
}

// Updates returns how many reports have been stored.
func (s *Store) Updates() uint64 {
	return s.seq.Load()
}
