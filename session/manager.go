package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"rick-terminal/broker"
	"rick-terminal/logger"
	"rick-terminal/metrics"
	"rick-terminal/models"
)

type Options struct {
	IdleTimeout       time.Duration
	CleanupInterval   time.Duration
	RefreshInterval   time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	CandleCacheSize   int
	CandleCacheTTL    time.Duration
}

func (o *Options) withDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 25 * time.Minute
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * o.ReconnectMin
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 8
	}
	if o.CandleCacheSize <= 0 {
		o.CandleCacheSize = 512
	}
	if o.CandleCacheTTL <= 0 {
		o.CandleCacheTTL = 5 * time.Second
	}
}

// Manager holds every user's broker session.
type Manager struct {
	log     *slog.Logger
	factory broker.Factory
	vault   *broker.Vault
	opts    Options

	mu       sync.Mutex
	sessions map[string]*userSession

	fan     *fanout
	candles *expirable.LRU[string, []models.Candle]

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}

	now func() time.Time
}

func NewManager(log *slog.Logger, factory broker.Factory, vault *broker.Vault, opts Options) *Manager {
	opts.withDefaults()

	return &Manager{
		log:      log,
		factory:  factory,
		vault:    vault,
		opts:     opts,
		sessions: make(map[string]*userSession),
		fan:      newFanout(),
		candles:  expirable.NewLRU[string, []models.Candle](opts.CandleCacheSize, nil, opts.CandleCacheTTL),
		now:      time.Now,
	}
}

// Connect logs username into the broker. An existing live session is reused.
func (m *Manager) Connect(ctx context.Context, username string, creds broker.Credentials) (ConnectResult, error) {
	const op = "session.Manager.Connect"

	log := m.log.With(slog.String("op", op), slog.String("username", username))

	creds.AccountType = models.NormalizeAccountType(string(creds.AccountType))

	if existing := m.get(username); existing != nil {
		m.mu.Lock()
		state, client, challenge := existing.state, existing.client, existing.challenge
		accountType, balance := existing.accountType, existing.balance
		m.mu.Unlock()

		switch {
		case state == StateAwaiting2FA:
			return ConnectResult{
				Message:           challenge,
				AccountType:       accountType,
				TwoFactorRequired: true,
				TwoFactorMessage:  challenge,
			}, nil
		case state == StateConnected && client.Ping(ctx) == nil:
			if accountType == creds.AccountType {
				m.touch(existing)
				return ConnectResult{
					Connected:   true,
					Message:     "session already active",
					Balance:     &balance,
					AccountType: accountType,
				}, nil
			}
			log.Info("account type changed, reconnecting",
				slog.String("from", string(accountType)),
				slog.String("to", string(creds.AccountType)),
			)
		}
		m.Disconnect(username)
	}

	sealed, err := m.vault.Seal(creds)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("%s: %w", op, err)
	}

	s := &userSession{
		username:     username,
		login:        creds.Login,
		accountType:  creds.AccountType,
		sealed:       sealed,
		state:        StateConnecting,
		client:       m.factory(creds.AccountType),
		lastActivity: m.now(),
	}

	err = s.client.Connect(ctx, creds)

	var challenge *broker.ChallengeError
	if errors.As(err, &challenge) {
		s.state = StateAwaiting2FA
		s.challenge = challenge.Message
		m.install(s)
		m.fan.publish(StatusEvent{Username: username, State: StateAwaiting2FA, Message: challenge.Message})

		log.Info("broker asked for two-factor code", slog.String("method", challenge.Method))
		return ConnectResult{
			Message:           challenge.Message,
			AccountType:       s.accountType,
			TwoFactorRequired: true,
			TwoFactorMessage:  challenge.Message,
		}, nil
	}
	if err != nil {
		_ = s.client.Close()
		return ConnectResult{Message: err.Error(), AccountType: creds.AccountType}, fmt.Errorf("%s: %w", op, err)
	}

	return m.finalize(ctx, s)
}

// CompleteTwoFactor submits the code for a pending challenge. A wrong code
// keeps the challenge open; any other failure drops the session.
func (m *Manager) CompleteTwoFactor(ctx context.Context, username, code string) (ConnectResult, error) {
	const op = "session.Manager.CompleteTwoFactor"

	s := m.get(username)
	if s == nil {
		return ConnectResult{}, ErrNoSession
	}

	m.mu.Lock()
	state, client, challenge := s.state, s.client, s.challenge
	m.mu.Unlock()

	if state != StateAwaiting2FA {
		return ConnectResult{}, ErrNoChallenge
	}

	err := client.SubmitTwoFactor(ctx, code)
	if errors.Is(err, broker.ErrInvalidCode) {
		return ConnectResult{
			Message:           "invalid verification code",
			AccountType:       s.accountType,
			TwoFactorRequired: true,
			TwoFactorMessage:  challenge,
		}, err
	}
	if err != nil {
		m.Disconnect(username)
		return ConnectResult{Message: err.Error()}, fmt.Errorf("%s: %w", op, err)
	}

	return m.finalize(ctx, s)
}

// finalize fetches the balance, marks s connected and starts its supervisor.
func (m *Manager) finalize(ctx context.Context, s *userSession) (ConnectResult, error) {
	const op = "session.Manager.finalize"

	balance, err := s.client.Balance(ctx)
	if err == nil && balance.Amount < 0 {
		err = fmt.Errorf("invalid balance %.2f", balance.Amount)
	}
	if err != nil {
		m.dropIfCurrent(s)
		_ = s.client.Close()
		return ConnectResult{Message: err.Error(), AccountType: s.accountType}, fmt.Errorf("%s: %w", op, err)
	}

	supCtx, cancel := context.WithCancel(context.Background())

	// A Disconnect that took the lock first has already marked s disconnected.
	m.mu.Lock()
	if s.state == StateDisconnected {
		m.mu.Unlock()
		cancel()
		_ = s.client.Close()
		return ConnectResult{AccountType: s.accountType}, ErrNoSession
	}
	if s.cancel != nil {
		// supervisor that stopped on a reconnect challenge
		s.cancel()
	}
	s.state = StateConnected
	s.challenge = ""
	s.balance = balance
	s.lastActivity = m.now()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.restart = make(chan struct{}, 1)

	old := m.sessions[s.username]
	m.sessions[s.username] = s
	n := len(m.sessions)

	go m.supervise(supCtx, s, s.client, s.done)
	m.fan.publish(StatusEvent{Username: s.username, State: StateConnected})
	m.mu.Unlock()

	metrics.SetSessions(n)
	if old != nil && old != s {
		m.stopSession(old)
	}

	m.log.Info("✅ broker session connected",
		slog.String("username", s.username),
		slog.String("account_type", string(s.accountType)),
	)

	return ConnectResult{
		Connected:   true,
		Message:     "Connected to broker",
		Balance:     &balance,
		AccountType: s.accountType,
	}, nil
}

// Disconnect ends username's session. It returns false when there was none.
// No events for the session are published after it returns.
func (m *Manager) Disconnect(username string) bool {
	m.mu.Lock()
	s, ok := m.sessions[username]
	if ok {
		delete(m.sessions, username)
		s.state = StateDisconnected
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	metrics.SetSessions(n)

	m.stopSession(s)
	m.fan.publish(StatusEvent{Username: username, State: StateDisconnected, Message: "disconnected"})
	return true
}

// Client returns the live broker client of username and marks activity.
func (m *Manager) Client(username string) (broker.Broker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[username]
	if !ok {
		return nil, ErrNoSession
	}
	switch s.state {
	case StateConnected:
	case StateAwaiting2FA:
		return nil, ErrTwoFactorPending
	default:
		return nil, broker.ErrNotConnected
	}
	s.lastActivity = m.now()
	return s.client, nil
}

func (m *Manager) IsConnected(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[username]
	return ok && s.state == StateConnected
}

func (m *Manager) State(username string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[username]; ok {
		return s.state
	}
	return StateDisconnected
}

func (m *Manager) AccountType(username string) (models.AccountType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[username]
	if !ok {
		return "", false
	}
	return s.accountType, true
}

// Balance asks the broker for the balance, falling back to the last known one.
func (m *Manager) Balance(ctx context.Context, username string) (models.Balance, error) {
	client, err := m.Client(username)
	if err != nil {
		return models.Balance{}, err
	}

	s := m.get(username)
	balance, err := client.Balance(ctx)
	if err != nil {
		m.log.Warn("balance fetch failed, using last known",
			slog.String("username", username),
			logger.Err(err),
		)
		m.mu.Lock()
		defer m.mu.Unlock()
		if s == nil {
			return models.Balance{}, ErrNoSession
		}
		return s.balance, nil
	}

	if s != nil {
		m.mu.Lock()
		s.balance = balance
		m.mu.Unlock()
	}
	return balance, nil
}

func (m *Manager) Pairs(ctx context.Context, username string, includeOTC bool) ([]models.Pair, error) {
	const op = "session.Manager.Pairs"

	client, err := m.Client(username)
	if err != nil {
		return nil, err
	}
	pairs, err := client.Pairs(ctx, includeOTC)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return pairs, nil
}

// Candles returns count candles of timeframeSeconds for symbol. Results are
// cached briefly per account type.
func (m *Manager) Candles(ctx context.Context, username, symbol string, timeframeSeconds, count int) ([]models.Candle, error) {
	const op = "session.Manager.Candles"

	client, err := m.Client(username)
	if err != nil {
		return nil, err
	}
	accountType, _ := m.AccountType(username)

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := fmt.Sprintf("%s|%s|%d|%d", accountType, symbol, timeframeSeconds, count)
	if cached, ok := m.candles.Get(key); ok {
		return cached, nil
	}

	candles, err := client.Candles(ctx, symbol, broker.Timeframe(timeframeSeconds), count)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.candles.Add(key, candles)
	return candles, nil
}

// Watch sets the symbols streamed for username and restarts the stream.
func (m *Manager) Watch(username string, symbols []string) error {
	seen := make(map[string]struct{}, len(symbols))
	clean := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		clean = append(clean, s)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[username]
	if !ok {
		return ErrNoSession
	}
	if s.state == StateAwaiting2FA {
		return ErrTwoFactorPending
	}
	s.symbols = clean
	s.lastActivity = m.now()
	if s.restart != nil {
		select {
		case s.restart <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe registers a consumer of tick and status events.
func (m *Manager) Subscribe(buffer int) *Subscription {
	return m.fan.subscribe(buffer)
}

func (m *Manager) ActiveSessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Start runs the idle cleanup loop until Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cleanupCancel = cancel
	m.cleanupDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.opts.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()
}

// Stop ends the cleanup loop and every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cleanupCancel, m.cleanupDone
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, name := range names {
		m.Disconnect(name)
	}
	m.fan.closeAll()
}

func (m *Manager) cleanupIdle() {
	cutoff := m.now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var idle []string
	for name, s := range m.sessions {
		if s.lastActivity.Before(cutoff) {
			idle = append(idle, name)
		}
	}
	m.mu.Unlock()

	for _, name := range idle {
		if m.Disconnect(name) {
			m.log.Info("🧹 idle session closed", slog.String("username", name))
		}
	}
}

func (m *Manager) get(username string) *userSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[username]
}

func (m *Manager) touch(s *userSession) {
	m.mu.Lock()
	s.lastActivity = m.now()
	m.mu.Unlock()
}

// install makes s the session of its user, stopping any previous one.
func (m *Manager) install(s *userSession) {
	m.mu.Lock()
	old := m.sessions[s.username]
	m.sessions[s.username] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.SetSessions(n)
	if old != nil && old != s {
		m.stopSession(old)
	}
}

// dropIfCurrent removes s without waiting for its supervisor.
func (m *Manager) dropIfCurrent(s *userSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.username] != s {
		return false
	}
	delete(m.sessions, s.username)
	metrics.SetSessions(len(m.sessions))
	return true
}

// stopSession cancels the supervisor, waits for it and closes the client.
func (m *Manager) stopSession(s *userSession) {
	s.stop.Do(func() {
		m.mu.Lock()
		cancel, done := s.cancel, s.done
		s.state = StateDisconnected
		m.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		m.mu.Lock()
		client := s.client
		m.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
	})
}
