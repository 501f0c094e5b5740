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

func (s *Storage) CountAdmins(ctx context.Context) (int, error) {
	const op = "storage.sqlite.CountAdmins"

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admins`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (s *Storage) SaveAdmin(ctx context.Context, username string, passHash []byte) (int64, error) {
	const op = "storage.sqlite.SaveAdmin"

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO admins (username, pass_hash, updated_at) VALUES (?, ?, ?)`,
		username, passHash, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrAdminExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.LastInsertId()
}

func (s *Storage) Admin(ctx context.Context, username string) (models.Admin, error) {
	const op = "storage.sqlite.Admin"

	var a models.Admin
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, pass_hash, updated_at FROM admins WHERE username = ?`, username).
		Scan(&a.ID, &a.Username, &a.PassHash, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Admin{}, fmt.Errorf("%s: %w", op, storage.ErrAdminNotFound)
		}
		return models.Admin{}, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func (s *Storage) UpdateAdmin(ctx context.Context, id int64, username string, passHash []byte) error {
	const op = "storage.sqlite.UpdateAdmin"

	res, err := s.db.ExecContext(ctx,
		`UPDATE admins SET username = ?, pass_hash = ?, updated_at = ? WHERE id = ?`,
		username, passHash, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrAdminExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAdminNotFound)
	}
	return nil
}

// ResetAdmins replaces every admin with a single account.
func (s *Storage) ResetAdmins(ctx context.Context, username string, passHash []byte) error {
	const op = "storage.sqlite.ResetAdmins"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM admins`); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO admins (username, pass_hash, updated_at) VALUES (?, ?, ?)`,
		username, passHash, time.Now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
