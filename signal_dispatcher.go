package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rick-terminal/logger"
	"rick-terminal/models"
	"rick-terminal/publish"
	"rick-terminal/scanner"
	"rick-terminal/session"
)

const (
	alertCooldown = 5 * time.Minute
	saveTimeout   = 5 * time.Second
)

type SignalStore interface {
	SaveSignal(ctx context.Context, sig models.Signal) error
}

type Broadcaster interface {
	Broadcast(msg any)
}

// SignalNotifier is an outbound alert channel such as FCM or Telegram.
type SignalNotifier interface {
	SendSignal(sig models.Signal)
}

// SignalDispatcher receives scanner output and fans it out: history, the
// dashboard hub, NATS and rate-limited alerts.
type SignalDispatcher struct {
	log       *slog.Logger
	store     SignalStore
	hub       Broadcaster
	nats      *publish.NATS
	notifiers []SignalNotifier

	cooldown  time.Duration
	mu        sync.Mutex
	lastAlert map[string]time.Time
	now       func() time.Time
}

func NewSignalDispatcher(log *slog.Logger, store SignalStore, hub Broadcaster, nats *publish.NATS, notifiers ...SignalNotifier) *SignalDispatcher {
	return &SignalDispatcher{
		log:       log.With(slog.String("component", "dispatcher")),
		store:     store,
		hub:       hub,
		nats:      nats,
		notifiers: notifiers,
		cooldown:  alertCooldown,
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (d *SignalDispatcher) HandleSignal(ctx context.Context, username string, sig models.Signal) {
	const op = "main.SignalDispatcher.HandleSignal"

	log := d.log.With(
		slog.String("op", op),
		slog.String("username", username),
		slog.String("symbol", sig.Symbol),
	)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := d.store.SaveSignal(saveCtx, sig); err != nil {
		log.Error("failed to persist signal", logger.Err(err))
	}

	d.hub.Broadcast(Envelope{Type: "new_signal", Data: sig})

	if err := d.nats.PublishSignal(sig); err != nil {
		log.Debug("nats publish skipped", logger.Err(err))
	}

	if !d.allowAlert(sig) {
		return
	}
	for _, n := range d.notifiers {
		n.SendSignal(sig)
	}
}

func (d *SignalDispatcher) HandleStatus(st scanner.Status) {
	d.hub.Broadcast(Envelope{Type: "scanner_status", Data: st})
	if err := d.nats.PublishStatus(st.Username, st); err != nil {
		d.log.Debug("nats status publish skipped", logger.Err(err))
	}
}

// HandleSessionStatus mirrors broker session changes onto NATS.
func (d *SignalDispatcher) HandleSessionStatus(ev session.StatusEvent) {
	if err := d.nats.PublishStatus(ev.Username, ev); err != nil {
		d.log.Debug("nats session publish skipped", logger.Err(err))
	}
}

// allowAlert reports whether no alert for the same symbol and direction went
// out within the cooldown, and starts a new cooldown when it did not.
func (d *SignalDispatcher) allowAlert(sig models.Signal) bool {
	key := sig.Symbol + "|" + string(sig.Direction)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlert[key]; ok && now.Sub(last) < d.cooldown {
		d.log.Debug("⏳ alert skipped, cooldown active", slog.String("key", key))
		return false
	}
	d.lastAlert[key] = now

	for k, t := range d.lastAlert {
		if now.Sub(t) >= d.cooldown {
			delete(d.lastAlert, k)
		}
	}
	return true
}
