package adminapi

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webrana/inbound-smtpd/internal/auth"
)

// ErrInvalidCredentials is returned by OperatorStore.Authenticate when the
// username is unknown or the password does not match.
var ErrInvalidCredentials = errors.New("adminapi: invalid credentials")

// OperatorStore backs the admin API's own login, separate from the SMTP
// core's UserStore: operator accounts are bcrypt-hashed, matching the
// webapp's account credentials rather than the Argon2id path SMTP AUTH uses.
type OperatorStore struct {
	pool      *pgxpool.Pool
	validator *auth.PasswordValidator
}

func NewOperatorStore(pool *pgxpool.Pool) *OperatorStore {
	return &OperatorStore{pool: pool, validator: auth.NewPasswordValidator()}
}

// CreateOperator bootstraps an operator account, enforcing the same
// complexity policy the webapp's signup flow used.
func (s *OperatorStore) CreateOperator(ctx context.Context, username, password string) (string, error) {
	if !s.validator.IsValidPassword(password) {
		return "", errors.New("adminapi: password does not meet complexity requirements")
	}
	hash, err := s.validator.HashPassword(password)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO operators (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, username, hash, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// Authenticate verifies a username/password pair against the operators table.
func (s *OperatorStore) Authenticate(ctx context.Context, username, password string) (string, error) {
	var id, hash string
	err := s.pool.QueryRow(ctx, `
		SELECT id, password_hash FROM operators WHERE username = $1
	`, username).Scan(&id, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if err := s.validator.VerifyPassword(password, hash); err != nil {
		return "", ErrInvalidCredentials
	}
	return id, nil
}
