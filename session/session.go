// Package session owns one broker session per user: connect and two-factor
// flow, token refresh, reconnects, idle cleanup and tick fan-out.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"rick-terminal/broker"
	"rick-terminal/models"
)

var (
	ErrNoSession        = errors.New("no active broker session")
	ErrTwoFactorPending = errors.New("two-factor verification pending")
	ErrNoChallenge      = errors.New("no two-factor challenge pending")
)

type State string

const (
	StateConnecting   State = "connecting"
	StateAwaiting2FA  State = "awaiting_2fa"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// ConnectResult is what a login attempt reports back to the caller.
type ConnectResult struct {
	Connected         bool
	Message           string
	Balance           *models.Balance
	AccountType       models.AccountType
	TwoFactorRequired bool
	TwoFactorMessage  string
}

// SessionInfo is the admin view of a session.
type SessionInfo struct {
	Username     string             `json:"username"`
	Login        string             `json:"login"`
	AccountType  models.AccountType `json:"account_type"`
	State        State              `json:"state"`
	LastActivity time.Time          `json:"last_activity"`
}

type userSession struct {
	username    string
	login       string
	accountType models.AccountType
	sealed      []byte

	state        State
	client       broker.Broker
	lastActivity time.Time
	expires      time.Time
	balance      models.Balance
	symbols      []string
	challenge    string

	// supervisor
	cancel  context.CancelFunc
	done    chan struct{}
	restart chan struct{}
	stop    sync.Once
}

func (s *userSession) info() SessionInfo {
	return SessionInfo{
		Username:     s.username,
		Login:        s.login,
		AccountType:  s.accountType,
		State:        s.state,
		LastActivity: s.lastActivity,
	}
}
