package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rick-terminal/logger"
	"rick-terminal/models"
)

// NotificationService handles sending alerts to Telegram
type NotificationService struct {
	log        *slog.Logger
	bot        *tgbotapi.BotAPI
	chatID     atomic.Int64
	chatIDFile string
}

// NewNotificationService returns nil when no bot token is configured or the
// bot cannot authorise. chatIDFile keeps the chat captured by /start across
// restarts.
func NewNotificationService(log *slog.Logger, token string, chatID int64, chatIDFile string) *NotificationService {
	log = log.With(slog.String("component", "telegram"))

	if token == "" {
		log.Info("ℹ️ TELEGRAM_BOT_TOKEN not set. Telegram notifications disabled.")
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn("⚠️ failed to init Telegram bot", logger.Err(err))
		return nil
	}
	log.Info("✅ authorized on Telegram", slog.String("account", bot.Self.UserName))

	ns := &NotificationService{
		log:        log,
		bot:        bot,
		chatIDFile: chatIDFile,
	}

	if chatID == 0 {
		chatID = loadChatID(chatIDFile)
		if chatID != 0 {
			log.Info("✅ loaded persistent chat ID", slog.Int64("chat_id", chatID))
		}
	}
	ns.chatID.Store(chatID)

	return ns
}

func loadChatID(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func saveChatID(path string, id int64) error {
	if path == "" {
		return errors.New("no chat id file configured")
	}
	return os.WriteFile(path, []byte(strconv.FormatInt(id, 10)), 0o644)
}

// Listen polls bot updates until ctx is done. /status answers with status();
// /start captures the chat for alerts.
func (ns *NotificationService) Listen(ctx context.Context, status func() string) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := ns.bot.GetUpdatesChan(u)
	ns.log.Info("📢 listening for Telegram commands")

	go func() {
		<-ctx.Done()
		ns.bot.StopReceivingUpdates()
	}()

	for update := range updates {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}

		chatID := update.Message.Chat.ID
		switch update.Message.Command() {
		case "start":
			if ns.chatID.Swap(chatID) != chatID {
				if err := saveChatID(ns.chatIDFile, chatID); err != nil {
					ns.log.Warn("⚠️ failed to save chat ID", logger.Err(err))
				} else {
					ns.log.Info("💾 chat ID captured and saved", slog.Int64("chat_id", chatID))
				}
			}
			ns.reply(chatID, "🚀 *Connection established!*\nSignals from the scanner will be posted here.\nSend /status for a system report.")
		case "status":
			if status != nil {
				ns.reply(chatID, status())
			}
		case "help":
			ns.reply(chatID, "/start - receive signal alerts in this chat\n/status - active sessions and scanners")
		}
	}
}

func (ns *NotificationService) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := ns.bot.Send(msg); err != nil {
		ns.log.Warn("⚠️ failed to send Telegram reply", logger.Err(err))
	}
}

// Notify sends a message asynchronously
func (ns *NotificationService) Notify(msg string) {
	if ns == nil || ns.bot == nil {
		return
	}
	chatID := ns.chatID.Load()
	if chatID == 0 {
		return
	}

	go ns.reply(chatID, msg)
}

// SendSignal posts a signal alert to the captured chat.
func (ns *NotificationService) SendSignal(sig models.Signal) {
	ns.Notify(formatSignalAlert(sig))
}

func formatSignalAlert(sig models.Signal) string {
	side := "🟢 *CALL*"
	if sig.Direction == models.Put {
		side = "🔴 *PUT*"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎯 *NEW SIGNAL* %s\n\n", side)
	fmt.Fprintf(&b, "*Pair:* %s | *TF:* %dm\n", sig.Symbol, sig.Timeframe)
	fmt.Fprintf(&b, "*Entry:* %.5f at %s UTC\n", sig.EntryPrice, sig.EntryTime.UTC().Format("15:04"))
	fmt.Fprintf(&b, "*Expiry:* %d min\n", sig.ExpiryMinutes)
	fmt.Fprintf(&b, "*Confidence:* %.0f%%\n", sig.Confidence)
	if sig.Pattern.Description != "" {
		fmt.Fprintf(&b, "*Pattern:* %s\n", sig.Pattern.Description)
	}
	if sig.Level != nil {
		label := "Support"
		if sig.Level.Type == models.Resistance {
			label = "Resistance"
		}
		fmt.Fprintf(&b, "*%s:* %.5f\n", label, sig.Level.Price)
	}
	return b.String()
}
