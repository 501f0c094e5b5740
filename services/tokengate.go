package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rick-terminal/logger"
	"rick-terminal/metrics"
	"rick-terminal/models"
	"rick-terminal/storage"
)

var (
	ErrTokenInvalid  = errors.New("invalid access token")
	ErrTokenInactive = errors.New("access token deactivated, ask the administrator for a new one")
	ErrTokenExpired  = errors.New("access token expired, ask the administrator for a new one")
	ErrSeatLimit     = errors.New("user limit reached for this token")
	ErrInvalidSeats  = errors.New("max users must be positive")
)

const tokenPrefix = "RICK-"

// TokenStore is the storage surface the gate needs.
type TokenStore interface {
	SaveToken(ctx context.Context, t models.AccessToken) error
	Token(ctx context.Context, value string) (models.AccessToken, error)
	Tokens(ctx context.Context) ([]models.TokenSummary, error)
	SetTokenActive(ctx context.Context, value string, active bool) error
	TokenUsers(ctx context.Context, value string) ([]models.TokenUser, error)
	SaveTokenUser(ctx context.Context, u models.TokenUser) error
	TouchTokenUser(ctx context.Context, value, username, login string, at time.Time) error
	RenameTokenUser(ctx context.Context, value, from, to string, at time.Time) error
	DeleteTokenUser(ctx context.Context, value, username string) error
}

// Access is the result of a successful token validation.
type Access struct {
	Label   string
	Message string
}

// NewToken describes a token to be created. Zero values mean "not set".
type NewToken struct {
	Value     string
	Label     string
	MaxUsers  *int
	Notes     string
	ExpiresIn time.Duration
}

// TokenGate decides whether a username may use an access token and
// tracks which users occupy its seats.
type TokenGate struct {
	log   *slog.Logger
	store TokenStore
	now   func() time.Time

	// serializes validate+register so seat counting is exact
	mu sync.Mutex
}

func NewTokenGate(log *slog.Logger, store TokenStore) *TokenGate {
	return &TokenGate{
		log:   log,
		store: store,
		now:   time.Now,
	}
}

// ValidateAndRegister checks the token and, if allowed, records username as
// one of its users. login is the broker login, used to recognise a returning
// user who changed their username.
func (g *TokenGate) ValidateAndRegister(ctx context.Context, value, username, login string) (Access, error) {
	const op = "services.TokenGate.ValidateAndRegister"

	log := g.log.With(
		slog.String("op", op),
		slog.String("username", username),
	)

	g.mu.Lock()
	defer g.mu.Unlock()

	value = strings.TrimSpace(value)
	login = strings.TrimSpace(login)

	token, err := g.store.Token(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			metrics.IncTokenValidation("invalid")
			return Access{}, ErrTokenInvalid
		}
		return Access{}, fmt.Errorf("%s: %w", op, err)
	}

	now := g.now()

	if !token.Active {
		metrics.IncTokenValidation("inactive")
		return Access{}, ErrTokenInactive
	}
	if token.Expired(now) {
		metrics.IncTokenValidation("expired")
		return Access{}, ErrTokenExpired
	}

	users, err := g.store.TokenUsers(ctx, value)
	if err != nil {
		return Access{}, fmt.Errorf("%s: %w", op, err)
	}

	granted := Access{Label: token.Label, Message: "Access granted."}

	for _, u := range users {
		if u.Username == username {
			if err := g.store.TouchTokenUser(ctx, value, username, login, now); err != nil {
				return Access{}, fmt.Errorf("%s: %w", op, err)
			}
			metrics.IncTokenValidation("ok")
			return granted, nil
		}
	}

	if login != "" {
		for _, u := range users {
			if u.Login != login {
				continue
			}
			if err := g.store.RenameTokenUser(ctx, value, u.Username, username, now); err != nil {
				return Access{}, fmt.Errorf("%s: %w", op, err)
			}
			log.Info("token seat moved to new username", slog.String("from", u.Username))
			metrics.IncTokenValidation("ok")
			return granted, nil
		}
	}

	if token.MaxUsers != nil && len(users) >= *token.MaxUsers {
		metrics.IncTokenValidation("seat_limit")
		return Access{}, ErrSeatLimit
	}

	err = g.store.SaveTokenUser(ctx, models.TokenUser{
		TokenValue: value,
		Username:   username,
		Login:      login,
		CreatedAt:  now,
		LastLogin:  now,
	})
	if err != nil {
		return Access{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered on token", slog.String("label", token.Label))
	metrics.IncTokenValidation("ok")
	return granted, nil
}

// CreateToken stores a new access token, generating its value when empty.
func (g *TokenGate) CreateToken(ctx context.Context, nt NewToken) (models.AccessToken, error) {
	const op = "services.TokenGate.CreateToken"

	value := strings.TrimSpace(nt.Value)
	if value == "" {
		generated, err := generateTokenValue()
		if err != nil {
			return models.AccessToken{}, fmt.Errorf("%s: %w", op, err)
		}
		value = generated
	}

	if nt.MaxUsers != nil && *nt.MaxUsers < 1 {
		return models.AccessToken{}, fmt.Errorf("%s: %w", op, ErrInvalidSeats)
	}

	now := g.now()
	token := models.AccessToken{
		Value:     value,
		Label:     nt.Label,
		Active:    true,
		MaxUsers:  nt.MaxUsers,
		Notes:     nt.Notes,
		CreatedAt: now,
	}
	if nt.ExpiresIn > 0 {
		exp := now.Add(nt.ExpiresIn)
		token.ExpiresAt = &exp
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.SaveToken(ctx, token); err != nil {
		return models.AccessToken{}, fmt.Errorf("%s: %w", op, err)
	}

	g.log.Info("access token created",
		slog.String("op", op),
		slog.String("label", token.Label),
	)
	return token, nil
}

func (g *TokenGate) Activate(ctx context.Context, value string) error {
	return g.setActive(ctx, value, true)
}

func (g *TokenGate) Deactivate(ctx context.Context, value string) error {
	return g.setActive(ctx, value, false)
}

func (g *TokenGate) setActive(ctx context.Context, value string, active bool) error {
	const op = "services.TokenGate.setActive"

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.SetTokenActive(ctx, value, active); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RemoveUser frees a seat on the token.
func (g *TokenGate) RemoveUser(ctx context.Context, value, username string) error {
	const op = "services.TokenGate.RemoveUser"

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.store.Token(ctx, value); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := g.store.DeleteTokenUser(ctx, value, username); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (g *TokenGate) List(ctx context.Context) ([]models.TokenSummary, error) {
	const op = "services.TokenGate.List"

	tokens, err := g.store.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

func (g *TokenGate) Users(ctx context.Context, value string) ([]models.TokenUser, error) {
	const op = "services.TokenGate.Users"

	users, err := g.store.TokenUsers(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return users, nil
}

// Label returns the token's label, or "" when the token is unknown.
func (g *TokenGate) Label(ctx context.Context, value string) string {
	token, err := g.store.Token(ctx, value)
	if err != nil {
		if !errors.Is(err, storage.ErrTokenNotFound) {
			g.log.Warn("failed to read token label", logger.Err(err))
		}
		return ""
	}
	return token.Label
}

func generateTokenValue() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
