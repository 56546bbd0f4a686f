package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// SQLStore reads users from PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the users table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS warden_users (
			id            TEXT PRIMARY KEY,
			credential    TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			roles         TEXT[] NOT NULL DEFAULT '{}',
			disabled      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

// Create inserts a user.
func (s *SQLStore) Create(ctx context.Context, u *User) error {
	roles := make([]string, len(u.Roles))
	for i, r := range u.Roles {
		roles[i] = string(r)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warden_users (id, credential, password_hash, roles, disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, NormalizeCredential(u.Credential), u.PasswordHash, pq.Array(roles), u.Disabled, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const selectUser = `
	SELECT id, credential, password_hash, roles, disabled, created_at
	FROM warden_users
`

func (s *SQLStore) FindByCredential(ctx context.Context, credential string) (*User, error) {
	return s.scan(s.db.QueryRowContext(ctx, selectUser+"WHERE credential = $1", NormalizeCredential(credential)))
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (*User, error) {
	return s.scan(s.db.QueryRowContext(ctx, selectUser+"WHERE id = $1", id))
}

func (s *SQLStore) scan(row *sql.Row) (*User, error) {
	var (
		u     User
		roles []string
	)
	err := row.Scan(&u.ID, &u.Credential, &u.PasswordHash, pq.Array(&roles), &u.Disabled, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	for _, r := range roles {
		u.Roles = append(u.Roles, Role(r))
	}
	return &u, nil
}
