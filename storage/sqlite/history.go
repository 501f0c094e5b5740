package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"rick-terminal/models"
	"rick-terminal/storage"
)

// SaveSignal appends a signal to the history. Re-saving the same ID is a no-op.
func (s *Storage) SaveSignal(ctx context.Context, sig models.Signal) error {
	const op = "storage.sqlite.SaveSignal"

	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO signals
		 (id, username, symbol, direction, timeframe, entry_price, confidence, pattern, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Username, sig.Symbol, string(sig.Direction), sig.Timeframe, sig.EntryPrice,
		sig.Confidence, string(sig.Pattern.Type), string(payload), sig.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Signals returns a user's most recent signals, newest first.
func (s *Storage) Signals(ctx context.Context, username string, limit int) ([]models.Signal, error) {
	const op = "storage.sqlite.Signals"

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM signals WHERE username = ? ORDER BY created_at DESC, id LIMIT ?`,
		username, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Signal
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		var sig models.Signal
		if err := json.Unmarshal([]byte(payload), &sig); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) SignalByID(ctx context.Context, id string) (models.Signal, error) {
	const op = "storage.sqlite.SignalByID"

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM signals WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Signal{}, fmt.Errorf("%s: %w", op, storage.ErrSignalNotFound)
		}
		return models.Signal{}, fmt.Errorf("%s: %w", op, err)
	}

	var sig models.Signal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		return models.Signal{}, fmt.Errorf("%s: %w", op, err)
	}
	return sig, nil
}

func (s *Storage) SaveLogin(ctx context.Context, ev models.LoginEvent) error {
	const op = "storage.sqlite.SaveLogin"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logins (username, token_value, success, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.Username, ev.TokenValue, ev.Success, ev.Message, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Logins returns the most recent login attempts, newest first.
func (s *Storage) Logins(ctx context.Context, limit int) ([]models.LoginEvent, error) {
	const op = "storage.sqlite.Logins"

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, token_value, success, message, created_at
		 FROM logins ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.LoginEvent
	for rows.Next() {
		var ev models.LoginEvent
		if err := rows.Scan(&ev.ID, &ev.Username, &ev.TokenValue, &ev.Success, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
