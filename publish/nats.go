// Package publish mirrors signals and session events onto NATS subjects for
// downstream consumers.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"rick-terminal/logger"
	"rick-terminal/models"
)

var ErrNotConnected = errors.New("nats client not connected")

const subjectPrefix = "rick"

type Options struct {
	URL           string
	Name          string
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATS is a fire-and-forget publisher. A nil *NATS accepts and drops
// everything, so callers do not need to check whether publishing is enabled.
type NATS struct {
	log       *slog.Logger
	nc        *nats.Conn
	connected atomic.Bool
}

// NewNATS connects to opts.URL. It returns nil, nil when no URL is configured.
func NewNATS(log *slog.Logger, opts Options) (*NATS, error) {
	const op = "publish.NewNATS"

	if opts.URL == "" {
		log.Info("ℹ️ NATS_URL not set, NATS publishing disabled")
		return nil, nil
	}
	if opts.Name == "" {
		opts.Name = "rick-terminal"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}

	p := &NATS{log: log.With(slog.String("component", "nats"))}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			p.connected.Store(true)
			p.log.Info("✅ connected to NATS", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.connected.Store(false)
			p.log.Warn("⚠️ NATS disconnected", logger.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.connected.Store(true)
			p.log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			p.connected.Store(false)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	p.nc = nc
	if nc.IsConnected() {
		p.connected.Store(true)
	}
	return p, nil
}

// SignalSubject is rick.signals.<SYMBOL>.
func SignalSubject(symbol string) string {
	return subjectPrefix + ".signals." + token(symbol)
}

// StatusSubject is rick.sessions.<username>.
func StatusSubject(username string) string {
	return subjectPrefix + ".sessions." + token(username)
}

// token makes s safe to use as one subject token.
func token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

func (p *NATS) PublishSignal(sig models.Signal) error {
	return p.publish(SignalSubject(strings.ToUpper(sig.Symbol)), sig)
}

func (p *NATS) PublishStatus(username string, v any) error {
	return p.publish(StatusSubject(username), v)
}

func (p *NATS) publish(subject string, v any) error {
	const op = "publish.NATS.publish"

	if p == nil {
		return nil
	}
	if !p.connected.Load() {
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *NATS) IsConnected() bool {
	return p != nil && p.connected.Load()
}

// Close drains pending messages and closes the connection.
func (p *NATS) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
