package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when a login names no user, so unknown
// usernames take about as long as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("raisetracker-dummy"), bcrypt.DefaultCost)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var isAdmin int
	err := scanner.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &isAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.IsAdmin = isAdmin != 0
	return &u, nil
}

const userCols = `id, username, display_name, password_hash, is_admin, created_at, updated_at`

// NormalizeLogin trims and lowercases a username or email.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Create inserts a user with a bcrypt hash of password. The username is
// stored lowercased; a taken username returns ErrDuplicate.
func (s *UserStore) Create(ctx context.Context, username, displayName, password string, isAdmin bool) (*model.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = withRetry(ctx, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx,
			`INSERT INTO users (id, username, display_name, password_hash, is_admin, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, NormalizeLogin(username), strings.TrimSpace(displayName), string(hash), boolInt(isAdmin), now, now,
		)
	})
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	u, err := withRetry(ctx, func(ctx context.Context) (*model.User, error) {
		return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetByLogin looks a user up by id or by username, case-insensitively.
func (s *UserStore) GetByLogin(ctx context.Context, login string) (*model.User, error) {
	login = NormalizeLogin(login)
	if login == "" {
		return nil, nil
	}
	u, err := withRetry(ctx, func(ctx context.Context) (*model.User, error) {
		return scanUser(s.db.QueryRowContext(ctx,
			`SELECT `+userCols+` FROM users WHERE lower(id) = ? OR username = ? LIMIT 1`,
			login, login,
		))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by login: %w", err)
	}
	return u, nil
}

// Authenticate returns the user when password matches, or nil.
func (s *UserStore) Authenticate(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.GetByLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	if u == nil || u.PasswordHash == "" {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, nil
	}
	return u, nil
}

func (s *UserStore) List(ctx context.Context) ([]model.User, error) {
	return withRetry(ctx, func(ctx context.Context) ([]model.User, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY display_name, username`)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		defer rows.Close()

		var users []model.User
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return nil, fmt.Errorf("scan user: %w", err)
			}
			users = append(users, *u)
		}
		return users, rows.Err()
	})
}

func (s *UserStore) Count(ctx context.Context) (int, error) {
	return withRetry(ctx, func(ctx context.Context) (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
		return n, err
	})
}

// Update applies p to the user. Returns nil when the user does not exist.
func (s *UserStore) Update(ctx context.Context, id string, p model.UserPatch) (*model.User, error) {
	u, err := s.GetByID(ctx, id)
	if err != nil || u == nil {
		return nil, err
	}

	if p.DisplayName.Present() && strings.TrimSpace(p.DisplayName.Value) != "" {
		u.DisplayName = strings.TrimSpace(p.DisplayName.Value)
	}
	if p.Password.Present() && strings.TrimSpace(p.Password.Value) != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.Password.Value), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		u.PasswordHash = string(hash)
	}
	p.IsAdmin.ApplyRequired(&u.IsAdmin)

	_, err = withRetry(ctx, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx,
			`UPDATE users SET display_name = ?, password_hash = ?, is_admin = ?, updated_at = ? WHERE id = ?`,
			u.DisplayName, u.PasswordHash, boolInt(u.IsAdmin), time.Now().UTC(), id,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) Delete(ctx context.Context, id string) error {
	res, err := withRetry(ctx, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAdmin creates an admin account for username unless one exists.
// It reports whether a user was created.
func (s *UserStore) EnsureAdmin(ctx context.Context, username, displayName, password string) (bool, error) {
	existing, err := s.GetByLogin(ctx, username)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if displayName == "" {
		displayName = username
	}
	if _, err := s.Create(ctx, username, displayName, password, true); err != nil {
		return false, err
	}
	return true, nil
}
