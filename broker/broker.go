// Package broker defines the upstream trading venue a user session talks to.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rick-terminal/models"
)

var (
	ErrTwoFactorRequired  = errors.New("two-factor authentication required")
	ErrInvalidCredentials = errors.New("invalid broker credentials")
	ErrInvalidCode        = errors.New("invalid two-factor code")
	ErrNotConnected       = errors.New("broker not connected")
	ErrUnknownSymbol      = errors.New("unknown symbol")
)

// Credentials are the broker login supplied by the user.
type Credentials struct {
	Login       string
	Password    string
	AccountType models.AccountType
}

// ChallengeError is returned by Connect when the broker asks for a second factor.
type ChallengeError struct {
	Method  string
	Message string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrTwoFactorRequired, e.Message)
}

func (e *ChallengeError) Unwrap() error { return ErrTwoFactorRequired }

// Broker is one authenticated connection to a trading venue.
// Implementations must be safe for concurrent use.
type Broker interface {
	Connect(ctx context.Context, creds Credentials) error
	SubmitTwoFactor(ctx context.Context, code string) error
	// Refresh renews the session token and returns its new expiry.
	Refresh(ctx context.Context) (time.Time, error)
	Ping(ctx context.Context) error
	Balance(ctx context.Context) (models.Balance, error)
	Pairs(ctx context.Context, includeOTC bool) ([]models.Pair, error)
	Candles(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]models.Candle, error)
	// Stream delivers ticks for symbols. The channel is closed when the
	// upstream connection drops or ctx is done.
	Stream(ctx context.Context, symbols []string) (<-chan models.Tick, error)
	Close() error
}

// Factory builds a fresh, unconnected broker client.
type Factory func(accountType models.AccountType) Broker

// Timeframe converts a timeframe in seconds to a whole-minute duration.
// Anything below one minute is clamped to one minute.
func Timeframe(seconds int) time.Duration {
	if seconds < 60 {
		seconds = 60
	}
	return time.Duration(seconds/60) * time.Minute
}
