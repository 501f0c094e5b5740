package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"rick-terminal/broker"
	"rick-terminal/logger"
	"rick-terminal/metrics"
	"rick-terminal/models"
)

// refreshLead is how long before the reported expiry a token is renewed.
const refreshLead = 30 * time.Second

// supervise streams the watched symbols of s and keeps its token fresh.
// A dropped stream or failed refresh triggers a reconnect.
func (m *Manager) supervise(ctx context.Context, s *userSession, client broker.Broker, done chan struct{}) {
	defer close(done)

	log := m.log.With(slog.String("op", "session.supervise"), slog.String("username", s.username))

	for {
		dropped := m.run(ctx, s, client, log)
		if !dropped {
			return
		}

		next, ok := m.reconnect(ctx, s, log)
		if !ok {
			return
		}
		client = next
	}
}

// run pumps one client until ctx ends (false) or the client drops (true).
func (m *Manager) run(ctx context.Context, s *userSession, client broker.Broker, log *slog.Logger) bool {
	refresh := time.NewTimer(m.refreshDelay(s))
	defer refresh.Stop()

	for {
		m.mu.Lock()
		symbols := append([]string(nil), s.symbols...)
		m.mu.Unlock()

		streamCtx, cancelStream := context.WithCancel(ctx)

		var ticks <-chan models.Tick
		if len(symbols) > 0 {
			var err error
			ticks, err = client.Stream(streamCtx, symbols)
			switch {
			case errors.Is(err, broker.ErrUnknownSymbol):
				// wait for the next Watch
				log.Warn("watch list has unknown symbols", slog.Any("symbols", symbols))
				ticks = nil
			case err != nil:
				cancelStream()
				if ctx.Err() != nil {
					return false
				}
				log.Warn("stream failed to open", logger.Err(err))
				return true
			}
		}

		restart := false
		for !restart {
			select {
			case <-ctx.Done():
				cancelStream()
				return false

			case <-s.restart:
				restart = true

			case tick, ok := <-ticks:
				if !ok {
					cancelStream()
					if ctx.Err() != nil {
						return false
					}
					log.Warn("⚠️ broker stream dropped")
					return true
				}
				metrics.IncTick()
				m.fan.publish(TickEvent{Username: s.username, Tick: tick})

			case <-refresh.C:
				expires, err := client.Refresh(ctx)
				if err != nil {
					cancelStream()
					if ctx.Err() != nil {
						return false
					}
					log.Warn("token refresh failed", logger.Err(err))
					return true
				}
				m.mu.Lock()
				s.expires = expires
				m.mu.Unlock()
				refresh.Reset(m.refreshDelay(s))
			}
		}
		cancelStream()
	}
}

// reconnect rebuilds the broker client with backoff. It returns false when
// the session ended: attempts exhausted, a challenge was raised or ctx ended.
func (m *Manager) reconnect(ctx context.Context, s *userSession, log *slog.Logger) (broker.Broker, bool) {
	m.setState(ctx, s, StateReconnecting, "connection lost, reconnecting")

	creds, err := m.vault.Open(s.sealed)
	if err != nil {
		log.Error("cannot unseal credentials", logger.Err(err))
		m.giveUp(ctx, s, "credentials unavailable")
		return nil, false
	}

	b := &backoff.Backoff{
		Min:    m.opts.ReconnectMin,
		Max:    m.opts.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(b.Duration()):
		}

		client := m.factory(creds.AccountType)
		err := client.Connect(ctx, creds)
		if ctx.Err() != nil {
			_ = client.Close()
			return nil, false
		}

		var challenge *broker.ChallengeError
		if errors.As(err, &challenge) {
			m.mu.Lock()
			old := s.client
			s.client = client
			s.challenge = challenge.Message
			s.state = StateAwaiting2FA
			m.mu.Unlock()
			_ = old.Close()

			metrics.IncReconnect("challenge")
			m.fan.publish(StatusEvent{Username: s.username, State: StateAwaiting2FA, Message: challenge.Message})
			log.Info("reconnect needs two-factor code")
			return nil, false
		}
		if err != nil {
			_ = client.Close()
			metrics.IncReconnect("retry")
			log.Warn("reconnect attempt failed", slog.Int("attempt", attempt), logger.Err(err))
			continue
		}

		m.mu.Lock()
		old := s.client
		s.client = client
		s.state = StateConnected
		s.expires = time.Time{}
		m.mu.Unlock()
		_ = old.Close()

		metrics.IncReconnect("ok")
		m.fan.publish(StatusEvent{Username: s.username, State: StateConnected, Message: "reconnected"})
		log.Info("🔄 broker session reconnected", slog.Int("attempt", attempt))
		return client, true
	}

	metrics.IncReconnect("exhausted")
	m.giveUp(ctx, s, "reconnect attempts exhausted")
	return nil, false
}

// giveUp removes s after a failed reconnect. It must only be called from the
// supervisor, so it never waits for the supervisor to exit.
func (m *Manager) giveUp(ctx context.Context, s *userSession, reason string) {
	if ctx.Err() != nil {
		return
	}
	if !m.dropIfCurrent(s) {
		return
	}

	m.mu.Lock()
	s.state = StateDisconnected
	client := s.client
	m.mu.Unlock()
	_ = client.Close()

	m.fan.publish(StatusEvent{Username: s.username, State: StateDisconnected, Message: reason})
	m.log.Warn("❌ broker session lost", slog.String("username", s.username), slog.String("reason", reason))
}

func (m *Manager) setState(ctx context.Context, s *userSession, state State, msg string) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	s.state = state
	m.mu.Unlock()
	m.fan.publish(StatusEvent{Username: s.username, State: state, Message: msg})
}

func (m *Manager) refreshDelay(s *userSession) time.Duration {
	m.mu.Lock()
	expires := s.expires
	m.mu.Unlock()

	d := m.opts.RefreshInterval
	if expires.IsZero() {
		return d
	}
	if untilExpiry := time.Until(expires) - refreshLead; untilExpiry < d {
		d = max(untilExpiry, time.Second)
	}
	return d
}
