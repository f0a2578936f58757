package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/Chase-Garrett/parley/internal/storage"
	"github.com/pkg/errors"
)

// UserStorage manages user accounts in the SQL database
type UserStorage struct {
	db *storage.DB
}

var _ domain.AuthStore = (*UserStorage)(nil)

func NewUserStorage(db *storage.DB) *UserStorage {
	return &UserStorage{db: db}
}

// Register hashes the password and stores the user, returning its id.
func (s *UserStorage) Register(ctx context.Context, username, password string) (int64, error) {
	hashedPassword, err := HashPassword(password)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?) RETURNING id;",
		username, hashedPassword, time.Now().UTC(),
	).Scan(&id)
	if storage.IsUniqueViolation(err) {
		return 0, domain.ErrDuplicateUser
	}
	if err != nil {
		return 0, errors.Wrap(err, "auth: insert user")
	}
	return id, nil
}

// Verify checks username and password. Unknown users simply do not verify.
func (s *UserStorage) Verify(ctx context.Context, username, password string) (bool, error) {
	var hashedPassword string
	err := s.db.QueryRowContext(ctx,
		"SELECT password_hash FROM users WHERE username = ?;", username,
	).Scan(&hashedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "auth: load user")
	}
	return CheckPassword(hashedPassword, password), nil
}

func (s *UserStorage) TouchLogin(ctx context.Context, username string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login = ? WHERE username = ?;", at.UTC(), username,
	)
	return errors.Wrap(err, "auth: touch login")
}

// ListUsers returns a list of all registered usernames
func (s *UserStorage) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT username FROM users ORDER BY username;")
	if err != nil {
		return nil, errors.Wrap(err, "auth: list users")
	}
	defer rows.Close() //nolint:errcheck

	users := []string{}
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, errors.Wrap(err, "auth: scan user")
		}
		users = append(users, username)
	}
	return users, errors.Wrap(rows.Err(), "auth: iterate users")
}

// GetUser loads the full account record.
func (s *UserStorage) GetUser(ctx context.Context, username string) (domain.User, error) {
	var (
		u         domain.User
		lastLogin sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at, last_login FROM users WHERE username = ?;", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, errors.Wrap(err, "auth: get user")
	}
	if lastLogin.Valid {
		at := lastLogin.Time.UTC()
		u.LastLogin = &at
	}
	return u, nil
}
