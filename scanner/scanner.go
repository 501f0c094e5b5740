// Package scanner runs one market scanner per user. Each scan pulls candles
// through the user's broker session and feeds them to the signal generator.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"rick-terminal/logger"
	"rick-terminal/metrics"
	"rick-terminal/models"
	"rick-terminal/session"
	"rick-terminal/strategy"
)

var (
	ErrNotRunning     = errors.New("scanner is not running")
	ErrSignalNotFound = errors.New("signal not found")
)

// Sessions is the slice of the session manager the scanner needs.
type Sessions interface {
	IsConnected(username string) bool
	Pairs(ctx context.Context, username string, includeOTC bool) ([]models.Pair, error)
	Candles(ctx context.Context, username, symbol string, timeframeSeconds, count int) ([]models.Candle, error)
}

// Sink receives new signals and scanner state changes.
type Sink interface {
	HandleSignal(ctx context.Context, username string, sig models.Signal)
	HandleStatus(st Status)
}

type Options struct {
	Interval    time.Duration
	Workers     int
	PairTimeout time.Duration
	MaxPairs    int
	CandleCount int
	DedupWindow time.Duration
	HistorySize int
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.PairTimeout <= 0 {
		o.PairTimeout = 10 * time.Second
	}
	if o.MaxPairs <= 0 {
		o.MaxPairs = 10
	}
	if o.CandleCount <= 0 {
		o.CandleCount = 100
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 15 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 200
	}
}

type Status struct {
	Username     string             `json:"username"`
	Running      bool               `json:"is_running"`
	SignalsCount int                `json:"signals_count"`
	Config       *models.ScanConfig `json:"config,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	LastScan     *time.Time         `json:"last_scan,omitempty"`
	Message      string             `json:"message,omitempty"`
}

type PairStat struct {
	Symbol  string `json:"symbol"`
	Signals int    `json:"signals"`
}

type Stats struct {
	TotalSignals      int        `json:"total_signals"`
	CallSignals       int        `json:"call_signals"`
	PutSignals        int        `json:"put_signals"`
	AverageConfidence float64    `json:"average_confidence"`
	BestPairs         []PairStat `json:"best_pairs"`
}

// Registry owns the scanners of every user.
type Registry struct {
	log      *slog.Logger
	sessions Sessions
	sink     Sink
	opts     Options

	mu       sync.Mutex
	scanners map[string]*userScanner
}

func NewRegistry(log *slog.Logger, sessions Sessions, sink Sink, opts Options) *Registry {
	opts.withDefaults()

	return &Registry{
		log:      log,
		sessions: sessions,
		sink:     sink,
		opts:     opts,
		scanners: make(map[string]*userScanner),
	}
}

// Start launches a scanner for username, replacing any running one.
func (r *Registry) Start(ctx context.Context, username string, cfg models.ScanConfig) (Status, error) {
	const op = "scanner.Registry.Start"

	log := r.log.With(slog.String("op", op), slog.String("username", username))

	if err := cfg.Validate(); err != nil {
		return Status{}, fmt.Errorf("%s: %w", op, err)
	}
	if !r.sessions.IsConnected(username) {
		return Status{}, fmt.Errorf("%s: %w", op, session.ErrNoSession)
	}

	pool, err := ants.NewPool(r.opts.Workers, ants.WithPanicHandler(func(v any) {
		log.Error("scan worker panic", slog.Any("panic", v))
	}))
	if err != nil {
		return Status{}, fmt.Errorf("%s: %w", op, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &userScanner{
		username:  username,
		cfg:       cfg,
		gen:       strategy.NewGenerator(cfg),
		pool:      pool,
		startedAt: time.Now(),
		running:   true,
		index:     make(map[string]models.Signal),
		latest:    make(map[string]models.Signal),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	previous := r.scanners[username]
	r.scanners[username] = s
	r.mu.Unlock()

	if previous != nil {
		r.halt(previous, "scanner replaced")
	}

	go r.loop(loopCtx, s)

	log.Info("scanner started",
		slog.String("mode", string(cfg.Mode)),
		slog.Int("timeframe", cfg.Timeframe),
		slog.String("sensitivity", string(cfg.Sensitivity)),
	)

	st := s.status("scanner started")
	r.notify(st)
	return st, nil
}

// Stop halts the running scanner of username. Its signal history is kept.
func (r *Registry) Stop(username string) error {
	const op = "scanner.Registry.Stop"

	if !r.stopRunning(username) {
		return fmt.Errorf("%s: %w", op, ErrNotRunning)
	}

	r.log.Info("scanner stopped", slog.String("op", op), slog.String("username", username))
	return nil
}

// StopAll halts every running scanner.
func (r *Registry) StopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.scanners))
	for name := range r.scanners {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.stopRunning(name)
	}
}

func (r *Registry) stopRunning(username string) bool {
	s := r.get(username)
	if s == nil || !s.isRunning() {
		return false
	}
	r.halt(s, "scanner stopped")
	return true
}

func (r *Registry) halt(s *userScanner, msg string) {
	s.cancel()
	<-s.done

	if s.markStopped() {
		r.notify(s.status(msg))
	}
}

func (r *Registry) Status(username string) Status {
	s := r.get(username)
	if s == nil {
		return Status{Username: username}
	}
	return s.status("")
}

// Running lists the scanners that are currently active.
func (r *Registry) Running() []Status {
	r.mu.Lock()
	list := make([]*userScanner, 0, len(r.scanners))
	for _, s := range r.scanners {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(list))
	for _, s := range list {
		if st := s.status(""); st.Running {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Signals returns up to limit signals at or above minConfidence, newest first.
func (r *Registry) Signals(username string, limit int, minConfidence float64) []models.Signal {
	s := r.get(username)
	if s == nil {
		return []models.Signal{}
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Signal, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if s.history[i].Confidence >= minConfidence {
			out = append(out, s.history[i])
		}
	}
	return out
}

func (r *Registry) Signal(username, id string) (models.Signal, error) {
	const op = "scanner.Registry.Signal"

	s := r.get(username)
	if s == nil {
		return models.Signal{}, fmt.Errorf("%s: %w", op, ErrSignalNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.index[id]
	if !ok {
		return models.Signal{}, fmt.Errorf("%s: %w", op, ErrSignalNotFound)
	}
	return sig, nil
}

// Stats summarises the in-memory history of username.
func (r *Registry) Stats(username string) Stats {
	st := Stats{BestPairs: []PairStat{}}

	s := r.get(username)
	if s == nil {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	sum := 0.0
	for _, sig := range s.history {
		counts[sig.Symbol]++
		sum += sig.Confidence
		if sig.Direction == models.Call {
			st.CallSignals++
		} else {
			st.PutSignals++
		}
	}

	st.TotalSignals = len(s.history)
	if st.TotalSignals > 0 {
		st.AverageConfidence = sum / float64(st.TotalSignals)
	}

	for symbol, n := range counts {
		st.BestPairs = append(st.BestPairs, PairStat{Symbol: symbol, Signals: n})
	}
	sort.Slice(st.BestPairs, func(i, j int) bool {
		if st.BestPairs[i].Signals != st.BestPairs[j].Signals {
			return st.BestPairs[i].Signals > st.BestPairs[j].Signals
		}
		return st.BestPairs[i].Symbol < st.BestPairs[j].Symbol
	})
	if len(st.BestPairs) > 3 {
		st.BestPairs = st.BestPairs[:3]
	}
	return st
}

func (r *Registry) get(username string) *userScanner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanners[username]
}

func (r *Registry) notify(st Status) {
	if r.sink != nil {
		r.sink.HandleStatus(st)
	}
}

func (r *Registry) loop(ctx context.Context, s *userScanner) {
	const op = "scanner.Registry.loop"

	log := r.log.With(slog.String("op", op), slog.String("username", s.username))

	defer close(s.done)
	defer s.pool.Release()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if !r.sessions.IsConnected(s.username) {
			log.Warn("⚠️ broker session gone, stopping scanner")
			if s.markStopped() {
				r.notify(s.status("broker session closed"))
			}
			return
		}

		r.scan(ctx, s, log)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Registry) scan(ctx context.Context, s *userScanner, log *slog.Logger) {
	pairs, err := r.pairs(ctx, s)
	if err != nil {
		log.Error("failed to list pairs", logger.Err(err))
		return
	}
	if len(pairs) == 0 {
		log.Debug("no pairs to scan")
		s.touch()
		return
	}

	results := make(chan *models.Signal, len(pairs))
	var wg sync.WaitGroup

	for _, p := range pairs {
		symbol := p.Symbol
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			if sig := r.scanPair(ctx, s, symbol, log); sig != nil {
				results <- sig
			}
		})
		if err != nil {
			wg.Done()
			log.Error("failed to submit scan task", slog.String("symbol", symbol), logger.Err(err))
		}
	}

	wg.Wait()
	close(results)
	s.touch()

	for sig := range results {
		if ctx.Err() != nil {
			return
		}
		if !s.record(*sig, r.opts.DedupWindow, r.opts.HistorySize) {
			continue
		}

		metrics.IncSignal(string(sig.Direction))
		log.Info("🎯 new signal",
			slog.String("symbol", sig.Symbol),
			slog.String("direction", string(sig.Direction)),
			slog.Float64("confidence", sig.Confidence),
		)
		if r.sink != nil {
			r.sink.HandleSignal(ctx, s.username, *sig)
		}
	}
}

func (r *Registry) scanPair(ctx context.Context, s *userScanner, symbol string, log *slog.Logger) *models.Signal {
	pctx, cancel := context.WithTimeout(ctx, r.opts.PairTimeout)
	defer cancel()

	candles, err := r.sessions.Candles(pctx, s.username, symbol, s.cfg.Timeframe*60, r.opts.CandleCount)
	if err != nil {
		log.Debug("candles unavailable", slog.String("symbol", symbol), logger.Err(err))
		return nil
	}

	sig := s.gen.Generate(symbol, candles)
	if sig != nil {
		sig.Username = s.username
	}
	return sig
}

// pairs applies the market filters of the scan config to the broker's
// active pairs. The symbol list narrows the result in both modes.
func (r *Registry) pairs(ctx context.Context, s *userScanner) ([]models.Pair, error) {
	const op = "scanner.Registry.pairs"

	cfg := s.cfg

	all, err := r.sessions.Pairs(ctx, s.username, cfg.OnlyOTC || !cfg.OnlyOpenMarket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	wanted := make(map[string]bool, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		wanted[strings.ToUpper(strings.TrimSpace(sym))] = true
	}

	out := make([]models.Pair, 0, len(all))
	for _, p := range all {
		if !p.IsActive {
			continue
		}
		if len(wanted) > 0 && !wanted[strings.ToUpper(p.Symbol)] {
			continue
		}
		if cfg.OnlyOTC && !p.IsOTC {
			continue
		}
		if !cfg.OnlyOTC && cfg.OnlyOpenMarket && p.IsOTC {
			continue
		}
		out = append(out, p)
		if len(out) == r.opts.MaxPairs {
			break
		}
	}
	return out, nil
}
