// Package api exposes the dashboard REST API on a gin engine.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"rick-terminal/broker"
	"rick-terminal/config"
	"rick-terminal/metrics"
	"rick-terminal/models"
	"rick-terminal/scanner"
	"rick-terminal/services"
	"rick-terminal/session"
)

// Sessions is the broker session manager as seen by the handlers.
type Sessions interface {
	Connect(ctx context.Context, username string, creds broker.Credentials) (session.ConnectResult, error)
	CompleteTwoFactor(ctx context.Context, username, code string) (session.ConnectResult, error)
	Disconnect(username string) bool
	IsConnected(username string) bool
	State(username string) session.State
	AccountType(username string) (models.AccountType, bool)
	Balance(ctx context.Context, username string) (models.Balance, error)
	Pairs(ctx context.Context, username string, includeOTC bool) ([]models.Pair, error)
	Candles(ctx context.Context, username, symbol string, timeframeSeconds, count int) ([]models.Candle, error)
	Watch(username string, symbols []string) error
	ActiveSessions() []session.SessionInfo
}

type Scanners interface {
	Start(ctx context.Context, username string, cfg models.ScanConfig) (scanner.Status, error)
	Stop(username string) error
	Status(username string) scanner.Status
	Running() []scanner.Status
	Signals(username string, limit int, minConfidence float64) []models.Signal
	Signal(username, id string) (models.Signal, error)
	Stats(username string) scanner.Stats
}

// History is the persisted signal and login history.
type History interface {
	Signals(ctx context.Context, username string, limit int) ([]models.Signal, error)
	SignalByID(ctx context.Context, id string) (models.Signal, error)
	SaveLogin(ctx context.Context, ev models.LoginEvent) error
	Logins(ctx context.Context, limit int) ([]models.LoginEvent, error)
}

type Deps struct {
	Log      *slog.Logger
	Config   *config.Config
	Issuer   *services.JWTIssuer
	Gate     *services.TokenGate
	Admins   *services.Admins
	Sessions Sessions
	Scanners Scanners
	History  History
	// WS serves the dashboard websocket. Nil leaves /ws unrouted.
	WS      http.HandlerFunc
	Version string
	// Extra is merged into /api/v1/diagnostic/system.
	Extra func() map[string]any
}

type Handler struct {
	Deps
	started time.Time
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Config.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := &Handler{Deps: deps, started: time.Now()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(deps.Log))
	r.Use(CORSMiddleware())
	r.Use(ErrorHandler(deps.Log))

	r.GET("/health", h.health)
	r.GET("/healthz", h.health)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if deps.WS != nil {
		r.GET("/ws", gin.WrapF(deps.WS))
	}
	r.Static("/static", deps.Config.StaticDir)
	r.GET("/admin", func(c *gin.Context) {
		c.File(filepath.Join(deps.Config.StaticDir, "admin.html"))
	})

	loginLimit := RateLimitMiddleware(deps.Config.Auth.LoginRatePerMinute, 5)

	v1 := r.Group("/api/v1")
	v1.GET("/health", h.apiHealth)
	v1.POST("/auth/login", loginLimit, h.login)

	admin := v1.Group("/admin")
	admin.POST("/login", loginLimit, h.adminLogin)
	{
		protected := admin.Group("", services.AuthMiddleware(deps.Issuer, services.RoleAdmin))
		protected.POST("/change-password", h.changePassword)
		protected.POST("/tokens", h.createToken)
		protected.GET("/tokens", h.listTokens)
		protected.POST("/tokens/:value/activate", h.activateToken)
		protected.POST("/tokens/:value/deactivate", h.deactivateToken)
		protected.DELETE("/tokens/:value/users/:username", h.removeTokenUser)
		protected.GET("/sessions", h.sessions)
		protected.GET("/logins", h.logins)
	}

	user := v1.Group("", services.AuthMiddleware(deps.Issuer, services.RoleUser))
	{
		b := user.Group("/broker")
		b.POST("/login", h.brokerLogin)
		b.POST("/logout", h.brokerLogout)
		b.GET("/status", h.brokerStatus)
		b.POST("/verify-2fa", h.verifyTwoFactor)
		b.GET("/balance", h.balance)
		b.GET("/pairs", h.pairs)
		b.GET("/candles/:symbol", h.candles)
		b.POST("/watch", h.watch)

		user.POST("/scanner/start", h.startScanner)
		user.POST("/scanner/stop", h.stopScanner)
		user.GET("/scanner/status", h.scannerStatus)
		user.GET("/signals", h.signals)
		user.GET("/signals/history", h.signalHistory)
		user.GET("/signals/:id", h.signalDetail)
		user.POST("/analyze", h.analyze)
		user.GET("/stats", h.stats)
		user.GET("/diagnostic/system", h.diagnostic)
	}

	return r
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "port": h.Config.Port})
}

func (h *Handler) apiHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": h.Version,
		"service": "rick-terminal",
		"broker":  h.Config.Broker.Kind,
	})
}

// username returns the caller set by AuthMiddleware.
func username(c *gin.Context) string {
	if u := services.CurrentUser(c); u != nil {
		return u.Username
	}
	return ""
}
