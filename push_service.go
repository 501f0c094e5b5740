package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"

	"rick-terminal/logger"
	"rick-terminal/models"
)

const (
	signalTopic   = "rick_signals"
	pushQueueSize = 500
)

type PushMessage struct {
	Topic string
	Title string
	Body  string
	Data  map[string]string
}

// PushService delivers FCM topic pushes from a buffered queue.
type PushService struct {
	log    *slog.Logger
	client *messaging.Client
	queue  chan PushMessage
}

// NewPushService returns nil when the credentials file is missing or Firebase
// cannot be initialised. Push notifications are then disabled.
func NewPushService(log *slog.Logger, credFile string) *PushService {
	log = log.With(slog.String("component", "fcm"))

	if credFile == "" {
		log.Info("ℹ️ FCM: no credentials configured. Push notifications disabled.")
		return nil
	}
	if _, err := os.Stat(credFile); os.IsNotExist(err) {
		log.Warn("⚠️ FCM: credentials file not found. Push notifications disabled.", slog.String("path", credFile))
		return nil
	}

	opt := option.WithCredentialsFile(credFile)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		log.Warn("⚠️ FCM: error initializing app", logger.Err(err))
		return nil
	}

	client, err := app.Messaging(context.Background())
	if err != nil {
		log.Warn("⚠️ FCM: error getting messaging client", logger.Err(err))
		return nil
	}

	log.Info("✅ FCM push service initialized", slog.String("credentials", credFile))
	return &PushService{
		log:    log,
		client: client,
		queue:  make(chan PushMessage, pushQueueSize),
	}
}

// Run sends queued messages until ctx is done.
func (ps *PushService) Run(ctx context.Context) {
	ps.log.Info("🚀 notification worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ps.queue:
			ps.send(ctx, msg)
		}
	}
}

func (ps *PushService) send(ctx context.Context, msg PushMessage) {
	message := &messaging.Message{
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data:  msg.Data,
		Topic: msg.Topic,
	}

	response, err := ps.client.Send(ctx, message)
	if err != nil {
		ps.log.Warn("⚠️ FCM send failed", logger.Err(err))
		return
	}
	ps.log.Debug("📲 push sent", slog.String("body", msg.Body), slog.String("id", response))
}

// Enqueue never blocks. The message is dropped when the queue is full.
func (ps *PushService) Enqueue(msg PushMessage) bool {
	select {
	case ps.queue <- msg:
		return true
	default:
		ps.log.Warn("⚠️ push queue full, dropping message", slog.String("topic", msg.Topic))
		return false
	}
}

// SendSignal queues a push for sig on the signals topic.
func (ps *PushService) SendSignal(sig models.Signal) {
	if ps == nil || ps.client == nil {
		return
	}
	ps.Enqueue(signalPush(sig))
}

func signalPush(sig models.Signal) PushMessage {
	arrow := "🟢"
	if sig.Direction == models.Put {
		arrow = "🔴"
	}
	return PushMessage{
		Topic: signalTopic,
		Title: fmt.Sprintf("%s %s %s", arrow, sig.Symbol, sig.Direction),
		Body: fmt.Sprintf("%s at %.5f, %d min expiry, %.0f%% confidence",
			strings.ReplaceAll(string(sig.Pattern.Type), "_", " "), sig.EntryPrice, sig.ExpiryMinutes, sig.Confidence),
		Data: map[string]string{
			"type":       "new_signal",
			"signal_id":  sig.ID,
			"symbol":     sig.Symbol,
			"direction":  string(sig.Direction),
			"price":      fmt.Sprintf("%f", sig.EntryPrice),
			"confidence": fmt.Sprintf("%.0f", sig.Confidence),
			"entry_time": sig.EntryTime.UTC().Format("15:04"),
		},
	}
}
