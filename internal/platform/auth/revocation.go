package auth

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// RevocationStore remembers signed-out token ids until the token would have
// expired on its own.
type RevocationStore struct {
	entries *gocache.Cache
}

func NewRevocationStore() *RevocationStore {
	return &RevocationStore{entries: gocache.New(gocache.NoExpiration, 5*time.Minute)}
}

// Revoke marks jti as signed out. Tokens already past expiresAt are ignored.
func (s *RevocationStore) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	s.entries.Set(jti, expiresAt, ttl)
}

func (s *RevocationStore) IsRevoked(jti string) bool {
	_, ok := s.entries.Get(jti)
	return ok
}

// Count returns the number of tracked revocations, including ones that have
// expired but not yet been swept.
func (s *RevocationStore) Count() int {
	return s.entries.ItemCount()
}
