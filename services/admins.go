package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"rick-terminal/models"
	"rick-terminal/storage"
)

const (
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "admin123"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakCredentials    = errors.New("username required and password must have at least 6 characters")
)

type AdminStore interface {
	CountAdmins(ctx context.Context) (int, error)
	SaveAdmin(ctx context.Context, username string, passHash []byte) (int64, error)
	Admin(ctx context.Context, username string) (models.Admin, error)
	UpdateAdmin(ctx context.Context, id int64, username string, passHash []byte) error
	ResetAdmins(ctx context.Context, username string, passHash []byte) error
}

// Admins manages administrator credentials and admin sessions.
type Admins struct {
	log    *slog.Logger
	store  AdminStore
	issuer *JWTIssuer
	mu     sync.Mutex
}

func NewAdmins(log *slog.Logger, store AdminStore, issuer *JWTIssuer) *Admins {
	return &Admins{log: log, store: store, issuer: issuer}
}

// EnsureDefault seeds the default admin account when none exists.
func (a *Admins) EnsureDefault(ctx context.Context) error {
	const op = "services.Admins.EnsureDefault"

	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.store.CountAdmins(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := a.store.SaveAdmin(ctx, DefaultAdminUsername, hash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	a.log.Warn("⚠️ default admin account created, change its password",
		slog.String("op", op),
		slog.String("username", DefaultAdminUsername),
	)
	return nil
}

// Login checks the credentials and returns an admin session token.
func (a *Admins) Login(ctx context.Context, username, password string) (string, error) {
	const op = "services.Admins.Login"

	admin, err := a.verify(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	token, err := a.issuer.Issue(admin.Username, RoleAdmin)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	a.log.Info("admin logged in", slog.String("op", op), slog.String("username", admin.Username))
	return token, nil
}

// ChangeCredentials replaces the username and password of the admin
// identified by username after checking the current password.
func (a *Admins) ChangeCredentials(ctx context.Context, username, current, newUsername, newPassword string) error {
	const op = "services.Admins.ChangeCredentials"

	newUsername = strings.TrimSpace(newUsername)
	if newUsername == "" || len(newPassword) < 6 {
		return fmt.Errorf("%s: %w", op, ErrWeakCredentials)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	admin, err := a.verify(ctx, username, current)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := a.store.UpdateAdmin(ctx, admin.ID, newUsername, hash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	a.log.Info("admin credentials changed", slog.String("op", op), slog.String("username", newUsername))
	return nil
}

// Reset drops every admin and creates a single one. Used by the CLI.
func (a *Admins) Reset(ctx context.Context, username, password string) error {
	const op = "services.Admins.Reset"

	username = strings.TrimSpace(username)
	if username == "" || len(password) < 6 {
		return fmt.Errorf("%s: %w", op, ErrWeakCredentials)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.ResetAdmins(ctx, username, hash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (a *Admins) verify(ctx context.Context, username, password string) (models.Admin, error) {
	admin, err := a.store.Admin(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrAdminNotFound) {
			return models.Admin{}, ErrInvalidCredentials
		}
		return models.Admin{}, err
	}
	if err := bcrypt.CompareHashAndPassword(admin.PassHash, []byte(password)); err != nil {
		return models.Admin{}, ErrInvalidCredentials
	}
	return admin, nil
}
