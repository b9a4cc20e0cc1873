package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/db"
)

// IdentityProvider verifies credentials and tracks sign-outs.
type IdentityProvider interface {
	SignIn(ctx context.Context, email, password string) (userID string, err error)
	SignOut(ctx context.Context, userID string) error
}

// AppUserRepository resolves the role record of an authenticated identity.
type AppUserRepository interface {
	GetByUserID(ctx context.Context, userID string) (*AppUser, error)
}

// =========== Identity Provider (auth_accounts) ===========

type identityPG struct{ pool *pgxpool.Pool }

// NewIdentityProviderPG authenticates against bcrypt hashes in auth_accounts.
func NewIdentityProviderPG(pool *pgxpool.Pool) IdentityProvider {
	return &identityPG{pool: pool}
}

func (r *identityPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *identityPG) SignIn(ctx context.Context, email, password string) (string, error) {
	var userID, hash string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT user_id, password_hash FROM auth_accounts WHERE lower(email) = lower($1)`, email).
		Scan(&userID, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)
	}
	if err != nil {
		return "", fmt.Errorf("lookup account: %w", err)
	}
	if err := checkPassword(hash, password); err != nil {
		return "", err
	}
	if _, err := r.conn(ctx).Exec(ctx,
		`UPDATE auth_accounts SET last_sign_in_at = NOW() WHERE user_id = $1`, userID); err != nil {
		return "", fmt.Errorf("record sign-in: %w", err)
	}
	return userID, nil
}

func (r *identityPG) SignOut(ctx context.Context, userID string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE auth_accounts SET signed_out_at = NOW() WHERE user_id = $1`, userID)
	return err
}

func checkPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)
	default:
		return fmt.Errorf("verify password: %w", err)
	}
}

// =========== App Users ===========

type appUserRepoPG struct{ pool *pgxpool.Pool }

func NewAppUserRepoPG(pool *pgxpool.Pool) AppUserRepository {
	return &appUserRepoPG{pool: pool}
}

func (r *appUserRepoPG) GetByUserID(ctx context.Context, userID string) (*AppUser, error) {
	var u AppUser
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, role, linked_entity FROM app_users WHERE user_id = $1`, userID).
		Scan(&u.UserID, &u.Role, &u.LinkedEntity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("app user %s: %w", userID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
