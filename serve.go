package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rick-terminal/api"
	"rick-terminal/broker"
	"rick-terminal/config"
	"rick-terminal/logger"
	"rick-terminal/publish"
	"rick-terminal/scanner"
	"rick-terminal/services"
	"rick-terminal/session"
	"rick-terminal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket feed and scanners",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func brokerFactory(log *slog.Logger, cfg *config.Config) (broker.Factory, error) {
	switch cfg.Broker.Kind {
	case "paper":
		return broker.PaperFactory(broker.PaperOptions{
			TwoFactorCode: cfg.Broker.PaperTwoFactorCode,
		}), nil
	case "binance":
		return broker.BinanceFactory(log, broker.BinanceOptions{
			APIKey:    cfg.Broker.BinanceAPIKey,
			APISecret: cfg.Broker.BinanceAPISecret,
			Testnet:   cfg.Broker.BinanceTestnet,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	const op = "main.serve"

	log := logger.Setup(cfg.Env)
	started := time.Now()

	log.Info("🚀 Rick Terminal starting",
		slog.String("version", version),
		slog.String("env", cfg.Env),
		slog.String("broker", cfg.Broker.Kind),
	)
	log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	// 1. Storage
	store, err := sqlite.New(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close storage", logger.Err(err))
		}
	}()

	// 2. Auth
	issuer := services.NewJWTIssuer(cfg.Auth.SecretKey, cfg.TokenTTL())
	gate := services.NewTokenGate(log, store)
	admins := services.NewAdmins(log, store, issuer)
	if err := admins.EnsureDefault(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// 3. Broker sessions
	factory, err := brokerFactory(log, cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	sessions := session.NewManager(log, factory, broker.NewVault(cfg.Auth.EncryptionSecret), session.Options{
		IdleTimeout:       cfg.Session.IdleTimeout,
		CleanupInterval:   cfg.Session.CleanupInterval,
		RefreshInterval:   cfg.Session.RefreshInterval,
		ReconnectMin:      cfg.Session.ReconnectMin,
		ReconnectMax:      cfg.Session.ReconnectMax,
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
	})
	sessions.Start(ctx)

	// 4. Outbound channels
	hub := NewHub(log, cfg.Broker.Kind)

	nc, err := publish.NewNATS(log, publish.Options{URL: cfg.NatsURL, Name: "rick-terminal"})
	if err != nil {
		log.Warn("⚠️ NATS unavailable, publishing disabled", logger.Err(err))
		nc = nil
	}

	var notifiers []SignalNotifier
	pushService := NewPushService(log, cfg.Notify.FirebaseCredentials)
	if pushService != nil {
		go pushService.Run(ctx)
		notifiers = append(notifiers, pushService)
	}
	chatIDFile := filepath.Join(filepath.Dir(cfg.StoragePath), "telegram_chat_id")
	telegram := NewNotificationService(log, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, chatIDFile)
	if telegram != nil {
		notifiers = append(notifiers, telegram)
	}

	// 5. Scanner
	dispatcher := NewSignalDispatcher(log, store, hub, nc, notifiers...)
	scanners := scanner.NewRegistry(log, sessions, dispatcher, scanner.Options{
		Interval:    cfg.Scanner.Interval,
		Workers:     cfg.Scanner.Workers,
		PairTimeout: cfg.Scanner.PairTimeout,
		MaxPairs:    cfg.Scanner.MaxConcurrentPairs,
	})

	// 6. Live feed
	throttler := NewPriceThrottler(hub, cfg.Feed.Throttle)
	throttler.OnStatus = dispatcher.HandleSessionStatus
	sub := sessions.Subscribe(cfg.Session.TickBuffer)
	go throttler.Run(ctx, sub)

	if telegram != nil {
		go telegram.Listen(ctx, func() string {
			return systemStatus(sessions.ActiveSessions(), scanners.Running(), hub.Clients(), started)
		})
		telegram.Notify("🚀 *RICK TERMINAL STARTED*\nScanner and signal feed active.")
	}

	// 7. HTTP
	router := api.NewRouter(api.Deps{
		Log:      log,
		Config:   cfg,
		Issuer:   issuer,
		Gate:     gate,
		Admins:   admins,
		Sessions: sessions,
		Scanners: scanners,
		History:  store,
		WS:       hub.HandleWebSocket,
		Version:  version,
		Extra: func() map[string]any {
			return map[string]any{
				"ws_clients":       hub.Clients(),
				"nats_connected":   nc.IsConnected(),
				"push_enabled":     pushService != nil,
				"telegram_enabled": telegram != nil,
				"dropped_events":   sub.Dropped(),
			}
		},
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcHealth *HealthServer
	if cfg.GRPCPort > 0 {
		grpcHealth = NewHealthServer(log, cfg.GRPCPort)
		go func() {
			if err := grpcHealth.Run(); err != nil {
				log.Error("gRPC health server stopped", logger.Err(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("📡 HTTP server listening",
			slog.String("addr", srv.Addr),
			slog.String("ws", "/ws"),
			slog.String("api", "/api/v1"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("🛑 shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("%s: %w", op, err)
		log.Error("HTTP server failed", logger.Err(err))
	}

	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	scanners.StopAll()
	sessions.Stop()
	sub.Close()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", logger.Err(err))
	}
	nc.Close()

	log.Info("👋 Rick Terminal stopped", slog.Duration("uptime", time.Since(started).Round(time.Second)))
	return runErr
}
