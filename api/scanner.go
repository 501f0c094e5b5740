package api

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"rick-terminal/apperror"
	"rick-terminal/models"
	"rick-terminal/scanner"
	"rick-terminal/storage"
	"rick-terminal/strategy"
)

const (
	analyzeCandles = 100
	chartCandles   = 50
)

// defaultScanConfig is the scan config with the server defaults applied.
func (h *Handler) defaultScanConfig() models.ScanConfig {
	cfg := models.DefaultScanConfig()
	if tf := h.Config.Scanner.DefaultTimeframe; tf > 0 {
		cfg.Timeframe = tf
	}
	if s, err := models.ParseSensitivity(h.Config.Scanner.DefaultSensitivity); err == nil {
		cfg.Sensitivity = s
	}
	return cfg
}

func (h *Handler) startScanner(c *gin.Context) {
	cfg := h.defaultScanConfig()
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&cfg); err != nil {
			fail(c, apperror.BadRequest("invalid scanner config"))
			return
		}
	}
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if err := cfg.Validate(); err != nil {
		fail(c, apperror.BadRequest(err.Error()))
		return
	}

	st, err := h.Scanners.Start(c.Request.Context(), username(c), cfg)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Scanner started", "status": st})
}

func (h *Handler) stopScanner(c *gin.Context) {
	if err := h.Scanners.Stop(username(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Scanner stopped"})
}

func (h *Handler) scannerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Scanners.Status(username(c)))
}

func (h *Handler) signals(c *gin.Context) {
	limit := queryInt(c, "limit", 10)
	if limit <= 0 {
		limit = 10
	}
	minConfidence, err := strconv.ParseFloat(c.DefaultQuery("min_confidence", "0"), 64)
	if err != nil || minConfidence < 0 || minConfidence > 100 {
		fail(c, apperror.BadRequest("min_confidence must be between 0 and 100"))
		return
	}

	out := h.Scanners.Signals(username(c), limit, minConfidence)
	c.JSON(http.StatusOK, gin.H{"signals": out, "count": len(out)})
}

func (h *Handler) signalHistory(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	out, err := h.History.Signals(c.Request.Context(), username(c), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": out, "count": len(out)})
}

// signalDetail returns one signal with chart candles and a written
// explanation. Signals no longer held in memory are read from history.
func (h *Handler) signalDetail(c *gin.Context) {
	ctx := c.Request.Context()
	user := username(c)
	id := c.Param("id")

	sig, err := h.Scanners.Signal(user, id)
	if errors.Is(err, scanner.ErrSignalNotFound) {
		sig, err = h.History.SignalByID(ctx, id)
		if err == nil && sig.Username != "" && sig.Username != user {
			err = storage.ErrSignalNotFound
		}
	}
	if err != nil {
		fail(c, err)
		return
	}

	candles := []models.Candle{}
	if h.Sessions.IsConnected(user) {
		if cs, err := h.Sessions.Candles(ctx, user, sig.Symbol, sig.Timeframe*60, chartCandles); err == nil {
			candles = cs
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"signal":      sig,
		"candles":     candles,
		"explanation": strategy.Explain(sig),
	})
}

// analyze runs the generator once against symbol without recording anything.
func (h *Handler) analyze(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		fail(c, apperror.BadRequest("symbol is required"))
		return
	}

	cfg := h.defaultScanConfig()
	if tf := queryInt(c, "timeframe", 0); tf > 0 {
		cfg.Timeframe = tf
	}
	if raw := c.Query("sensitivity"); raw != "" {
		s, err := models.ParseSensitivity(raw)
		if err != nil {
			fail(c, apperror.BadRequest(err.Error()))
			return
		}
		cfg.Sensitivity = s
	}
	cfg.Mode = models.ScanManual
	cfg.Symbols = []string{symbol}
	if err := cfg.Validate(); err != nil {
		fail(c, apperror.BadRequest(err.Error()))
		return
	}

	user := username(c)
	candles, err := h.Sessions.Candles(c.Request.Context(), user, symbol, cfg.Timeframe*60, analyzeCandles)
	if err != nil {
		fail(c, err)
		return
	}

	sig := strategy.NewGenerator(cfg).Generate(symbol, candles)
	if sig == nil {
		c.JSON(http.StatusOK, gin.H{
			"symbol":  symbol,
			"signal":  nil,
			"message": "No setup found for " + symbol,
		})
		return
	}
	sig.Username = user

	c.JSON(http.StatusOK, gin.H{
		"symbol":      symbol,
		"signal":      sig,
		"explanation": strategy.Explain(*sig),
	})
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Scanners.Stats(username(c)))
}

func (h *Handler) diagnostic(c *gin.Context) {
	user := username(c)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	out := gin.H{
		"version":          h.Version,
		"go_version":       runtime.Version(),
		"goroutines":       runtime.NumGoroutine(),
		"memory_alloc_mb":  float64(mem.Alloc) / (1 << 20),
		"uptime_seconds":   int(time.Since(h.started).Seconds()),
		"broker":           h.Config.Broker.Kind,
		"active_sessions":  len(h.Sessions.ActiveSessions()),
		"running_scanners": len(h.Scanners.Running()),
		"broker_connected": h.Sessions.IsConnected(user),
		"broker_state":     h.Sessions.State(user),
		"scanner":          h.Scanners.Status(user),
	}
	if h.Extra != nil {
		for k, v := range h.Extra() {
			out[k] = v
		}
	}
	c.JSON(http.StatusOK, out)
}
