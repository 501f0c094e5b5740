package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rick-terminal/models"
	"rick-terminal/storage"
)

func (s *Storage) SaveToken(ctx context.Context, token models.AccessToken) error {
	const op = "storage.sqlite.SaveToken"

	var maxUsers sql.NullInt64
	if token.MaxUsers != nil {
		maxUsers = sql.NullInt64{Int64: int64(*token.MaxUsers), Valid: true}
	}
	var expiresAt sql.NullTime
	if token.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: token.ExpiresAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_tokens (value, label, active, max_users, notes, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.Value, token.Label, token.Active, maxUsers, token.Notes, expiresAt, token.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) Token(ctx context.Context, value string) (models.AccessToken, error) {
	const op = "storage.sqlite.Token"

	row := s.db.QueryRowContext(ctx,
		`SELECT value, label, active, max_users, notes, expires_at, created_at
		 FROM access_tokens WHERE value = ?`, value)

	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AccessToken{}, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return models.AccessToken{}, fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

// Tokens lists every token with its registered user count, oldest first.
func (s *Storage) Tokens(ctx context.Context) ([]models.TokenSummary, error) {
	const op = "storage.sqlite.Tokens"

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.value, t.label, t.active, t.max_users, t.notes, t.expires_at, t.created_at,
		        (SELECT COUNT(*) FROM token_users u WHERE u.token_value = t.value)
		 FROM access_tokens t ORDER BY t.created_at, t.value`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.TokenSummary
	for rows.Next() {
		var (
			sum       models.TokenSummary
			maxUsers  sql.NullInt64
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&sum.Value, &sum.Label, &sum.Active, &maxUsers, &sum.Notes,
			&expiresAt, &sum.CreatedAt, &sum.UsersCount); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		applyNullable(&sum.AccessToken, maxUsers, expiresAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) SetTokenActive(ctx context.Context, value string, active bool) error {
	const op = "storage.sqlite.SetTokenActive"

	res, err := s.db.ExecContext(ctx, `UPDATE access_tokens SET active = ? WHERE value = ?`, active, value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}
	return nil
}

func (s *Storage) TokenUsers(ctx context.Context, value string) ([]models.TokenUser, error) {
	const op = "storage.sqlite.TokenUsers"

	rows, err := s.db.QueryContext(ctx,
		`SELECT token_value, username, login, created_at, last_login
		 FROM token_users WHERE token_value = ? ORDER BY created_at, username`, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var users []models.TokenUser
	for rows.Next() {
		var u models.TokenUser
		if err := rows.Scan(&u.TokenValue, &u.Username, &u.Login, &u.CreatedAt, &u.LastLogin); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return users, nil
}

func (s *Storage) SaveTokenUser(ctx context.Context, user models.TokenUser) error {
	const op = "storage.sqlite.SaveTokenUser"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_users (token_value, username, login, created_at, last_login) VALUES (?, ?, ?, ?, ?)`,
		user.TokenValue, user.Username, user.Login, user.CreatedAt.UTC(), user.LastLogin.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// TouchTokenUser records a login. An empty login leaves the stored one untouched.
func (s *Storage) TouchTokenUser(ctx context.Context, value, username, login string, at time.Time) error {
	const op = "storage.sqlite.TouchTokenUser"

	res, err := s.db.ExecContext(ctx,
		`UPDATE token_users
		 SET last_login = ?, login = CASE WHEN ? = '' THEN login ELSE ? END
		 WHERE token_value = ? AND username = ?`,
		at.UTC(), login, login, value, username,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

// RenameTokenUser moves a registration to a new username and records the login time.
func (s *Storage) RenameTokenUser(ctx context.Context, value, from, to string, at time.Time) error {
	const op = "storage.sqlite.RenameTokenUser"

	res, err := s.db.ExecContext(ctx,
		`UPDATE token_users SET username = ?, last_login = ? WHERE token_value = ? AND username = ?`,
		to, at.UTC(), value, from,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

func (s *Storage) DeleteTokenUser(ctx context.Context, value, username string) error {
	const op = "storage.sqlite.DeleteTokenUser"

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_users WHERE token_value = ? AND username = ?`, value, username)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

func scanToken(row *sql.Row) (models.AccessToken, error) {
	var (
		token     models.AccessToken
		maxUsers  sql.NullInt64
		expiresAt sql.NullTime
	)
	if err := row.Scan(&token.Value, &token.Label, &token.Active, &maxUsers, &token.Notes,
		&expiresAt, &token.CreatedAt); err != nil {
		return models.AccessToken{}, err
	}
	applyNullable(&token, maxUsers, expiresAt)
	return token, nil
}

func applyNullable(token *models.AccessToken, maxUsers sql.NullInt64, expiresAt sql.NullTime) {
	if maxUsers.Valid {
		n := int(maxUsers.Int64)
		token.MaxUsers = &n
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		token.ExpiresAt = &t
	}
}
