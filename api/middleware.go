package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"rick-terminal/apperror"
	"rick-terminal/broker"
	"rick-terminal/logger"
	"rick-terminal/metrics"
	"rick-terminal/scanner"
	"rick-terminal/services"
	"rick-terminal/session"
	"rick-terminal/storage"
)

// limiterCacheSize bounds the number of client IPs tracked at once.
const limiterCacheSize = 10_000

// RateLimiter keeps one token bucket per client IP. Buckets of clients that
// stay quiet longer than the refill window are evicted.
type RateLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(limit rate.Limit, burst int, size int) *RateLimiter {
	if size <= 0 {
		size = limiterCacheSize
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](size, nil, refillWindow(limit, burst)),
		rate:     limit,
		burst:    burst,
	}
}

// refillWindow is how long an idle bucket takes to fill up again, at least a
// minute. Dropping a bucket after that loses nothing.
func refillWindow(limit rate.Limit, burst int) time.Duration {
	window := time.Minute
	if limit > 0 {
		window = max(window, time.Duration(float64(burst)/float64(limit)*float64(time.Second)))
	}
	return window
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
	}
	// re-adding restarts the idle window
	rl.limiters.Add(ip, limiter)
	return limiter
}

func (rl *RateLimiter) Len() int {
	return rl.limiters.Len()
}

// RateLimitMiddleware rejects a client IP with 429 once it exceeds
// requestsPerMinute. A non-positive rate disables limiting.
func RateLimitMiddleware(requestsPerMinute int, burst int) gin.HandlerFunc {
	if requestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := NewRateLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst, limiterCacheSize)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = c.RemoteIP()
		}

		if !limiter.getLimiter(ip).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				apperror.TooManyRequests("Too many login attempts, try again later"))
			return
		}

		c.Next()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestLogger logs each request and records it in the HTTP metrics.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		metrics.ObserveHTTP(c.Request.Method, c.FullPath(), strconv.Itoa(status), elapsed.Seconds())

		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
			slog.String("ip", c.ClientIP()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request failed", attrs...)
		case status >= http.StatusBadRequest:
			log.Warn("request rejected", attrs...)
		default:
			log.Debug("request served", attrs...)
		}
	}
}

// ErrorHandler renders the last error attached with c.Error as {"detail": ...}.
func ErrorHandler(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := toAppError(err)
		if appErr.Code >= http.StatusInternalServerError {
			log.Error("internal error",
				slog.String("path", c.Request.URL.Path),
				logger.Err(err),
			)
		}
		c.JSON(appErr.Code, appErr)
	}
}

// fail attaches err to the request and stops the handler chain.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

var errorCodes = []struct {
	target error
	code   int
}{
	{services.ErrTokenInvalid, http.StatusForbidden},
	{services.ErrTokenInactive, http.StatusForbidden},
	{services.ErrTokenExpired, http.StatusForbidden},
	{services.ErrSeatLimit, http.StatusForbidden},
	{services.ErrInvalidCredentials, http.StatusUnauthorized},
	{services.ErrWeakCredentials, http.StatusBadRequest},
	{services.ErrInvalidSeats, http.StatusBadRequest},
	{storage.ErrTokenNotFound, http.StatusNotFound},
	{storage.ErrUserNotFound, http.StatusNotFound},
	{storage.ErrSignalNotFound, http.StatusNotFound},
	{storage.ErrTokenExists, http.StatusConflict},
	{scanner.ErrSignalNotFound, http.StatusNotFound},
	{scanner.ErrNotRunning, http.StatusBadRequest},
	{session.ErrNoSession, http.StatusBadRequest},
	{session.ErrTwoFactorPending, http.StatusBadRequest},
	{session.ErrNoChallenge, http.StatusBadRequest},
	{broker.ErrNotConnected, http.StatusBadRequest},
	{broker.ErrInvalidCredentials, http.StatusBadRequest},
	{broker.ErrInvalidCode, http.StatusBadRequest},
	{broker.ErrUnknownSymbol, http.StatusNotFound},
}

// toAppError maps domain errors to a status and a client-safe message.
// Anything unknown becomes a 500.
func toAppError(err error) *apperror.AppError {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.target) {
			return apperror.New(e.code, e.target.Error(), err)
		}
	}
	return apperror.Internal(err)
}
