package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"rick-terminal/models"
	"rick-terminal/strategy"
)

type userScanner struct {
	username  string
	cfg       models.ScanConfig
	gen       *strategy.Generator
	pool      *ants.Pool
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	running  bool
	lastScan time.Time
	history  []models.Signal
	index    map[string]models.Signal
	latest   map[string]models.Signal
}

func (s *userScanner) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// markStopped reports whether this call flipped the scanner to stopped.
func (s *userScanner) markStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.running
	s.running = false
	return was
}

func (s *userScanner) touch() {
	s.mu.Lock()
	s.lastScan = time.Now()
	s.mu.Unlock()
}

func (s *userScanner) status(msg string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	started := s.startedAt
	st := Status{
		Username:     s.username,
		Running:      s.running,
		SignalsCount: len(s.latest),
		Config:       &cfg,
		StartedAt:    &started,
		Message:      msg,
	}
	if !s.lastScan.IsZero() {
		last := s.lastScan
		st.LastScan = &last
	}
	return st
}

// record stores sig unless the previous signal for the same symbol points
// the same way and is younger than window. The oldest signal is evicted once
// the history holds limit entries.
func (s *userScanner) record(sig models.Signal, window time.Duration, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.latest[sig.Symbol]; ok {
		if prev.Direction == sig.Direction && sig.Timestamp.Sub(prev.Timestamp) < window {
			return false
		}
	}

	s.latest[sig.Symbol] = sig
	s.index[sig.ID] = sig
	s.history = append(s.history, sig)

	for len(s.history) > limit {
		oldest := s.history[0]
		s.history = s.history[1:]
		delete(s.index, oldest.ID)
		if cur, ok := s.latest[oldest.Symbol]; ok && cur.ID == oldest.ID {
			delete(s.latest, oldest.Symbol)
		}
	}
	return true
}
