package auth

import (
	"context"
	"time"
)

type Role string

const (
	RoleHospital  Role = "hospital"
	RoleAmbulance Role = "ambulance"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleHospital, RoleAmbulance, RoleAdmin:
		return true
	}
	return false
}

// AppUser maps to the app_users table. LinkedEntity is the hospital id for
// hospital users and the ambulance id for ambulance users.
type AppUser struct {
	UserID       string  `db:"user_id" json:"user_id"`
	Role         Role    `db:"role" json:"role"`
	LinkedEntity *string `db:"linked_entity" json:"linked_entity,omitempty"`
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	LinkedEntity *string   `json:"linked_entity,omitempty"`
	TokenID      string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Linked returns the linked entity id, or "" when there is none.
func (p *Principal) Linked() string {
	if p == nil || p.LinkedEntity == nil {
		return ""
	}
	return *p.LinkedEntity
}

type contextKey string

const principalKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}
