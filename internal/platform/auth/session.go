package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/platform/apperr"
)

// Claims is the session token payload.
type Claims struct {
	jwt.RegisteredClaims
	Role         Role    `json:"role"`
	LinkedEntity *string `json:"linked_entity,omitempty"`
}

type GateConfig struct {
	SigningKey  []byte
	TTL         time.Duration
	EmailDomain string
	Issuer      string
}

// SubscriptionCloser tears down the live push channels of a user.
type SubscriptionCloser interface {
	DisconnectUser(userID string) int
}

// Session is returned by a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      AppUser   `json:"user"`
}

// Gate authenticates users, issues session tokens and signs them out.
type Gate struct {
	cfg     GateConfig
	idp     IdentityProvider
	users   AppUserRepository
	revoked *RevocationStore
	closer  SubscriptionCloser
	logger  zerolog.Logger
	now     func() time.Time
}

func NewGate(cfg GateConfig, idp IdentityProvider, users AppUserRepository, revoked *RevocationStore, logger zerolog.Logger) *Gate {
	if cfg.TTL == 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.EmailDomain == "" {
		cfg.EmailDomain = "internal.example"
	}
	if revoked == nil {
		revoked = NewRevocationStore()
	}
	return &Gate{
		cfg:     cfg,
		idp:     idp,
		users:   users,
		revoked: revoked,
		logger:  logger,
		now:     time.Now,
	}
}

// SetSubscriptionCloser attaches the push channel registry torn down on
// logout.
func (g *Gate) SetSubscriptionCloser(c SubscriptionCloser) {
	g.closer = c
}

// EmailFor maps a bare identifier such as "amb-001" to the synthetic
// address "amb-001@<domain>". Identifiers containing "@" pass through.
func (g *Gate) EmailFor(identifier string) string {
	id := strings.TrimSpace(identifier)
	if strings.Contains(id, "@") {
		return id
	}
	return id + "@" + g.cfg.EmailDomain
}

// Login verifies the credentials, resolves the app user record and issues a
// session token.
func (g *Gate) Login(ctx context.Context, identifier, secret string) (*Session, error) {
	if strings.TrimSpace(identifier) == "" || secret == "" {
		return nil, fmt.Errorf("%w: identifier and password are required", apperr.ErrInvalidArgument)
	}

	userID, err := g.idp.SignIn(ctx, g.EmailFor(identifier), secret)
	if err != nil {
		return nil, err
	}

	user, err := g.users.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			if soErr := g.idp.SignOut(ctx, userID); soErr != nil {
				g.logger.Warn().Err(soErr).Str("user_id", userID).Msg("sign-out after missing profile failed")
			}
			return nil, fmt.Errorf("%w: user profile not found", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("load user profile: %w", err)
	}

	sess, err := g.issue(user)
	if err != nil {
		return nil, err
	}
	g.logger.Info().Str("user_id", user.UserID).Str("role", string(user.Role)).Msg("user signed in")
	return sess, nil
}

func (g *Gate) issue(user *AppUser) (*Session, error) {
	now := g.now()
	exp := now.Add(g.cfg.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.UserID,
			Issuer:    g.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:         user.Role,
		LinkedEntity: user.LinkedEntity,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &Session{Token: token, ExpiresAt: exp, User: *user}, nil
}

// Authenticate validates a session token and returns its principal.
func (g *Gate) Authenticate(tokenStr string) (*Principal, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: missing session token", apperr.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if g.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.cfg.Issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return g.cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid session token", apperr.ErrUnauthorized)
	}
	if claims.ExpiresAt == nil || claims.ID == "" || !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: incomplete session token", apperr.ErrUnauthorized)
	}
	if g.revoked.IsRevoked(claims.ID) {
		return nil, fmt.Errorf("%w: session has been signed out", apperr.ErrUnauthorized)
	}

	return &Principal{
		UserID:       claims.Subject,
		Role:         claims.Role,
		LinkedEntity: claims.LinkedEntity,
		TokenID:      claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the session token, closes every live subscription of the
// user and records the sign-out at the identity provider.
func (g *Gate) Logout(ctx context.Context, p *Principal) error {
	if p == nil {
		return fmt.Errorf("%w: no authenticated user", apperr.ErrUnauthorized)
	}
	g.revoked.Revoke(p.TokenID, p.ExpiresAt)

	closed := 0
	if g.closer != nil {
		closed = g.closer.DisconnectUser(p.UserID)
	}

	if err := g.idp.SignOut(ctx, p.UserID); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	g.logger.Info().Str("user_id", p.UserID).Int("connections_closed", closed).Msg("user signed out")
	return nil
}
