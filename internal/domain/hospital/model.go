package hospital

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prealert/prealert/internal/domain/geo"
)

// Hospital maps to the hospitals table. Distance and ETA are computed per
// request from the caller's position and never stored.
type Hospital struct {
	ID          string          `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Address     string          `db:"address" json:"address"`
	Phone       string          `db:"phone" json:"phone"`
	Location    geo.Coordinates `db:"-" json:"location"`
	Equipment   []string        `db:"equipment" json:"equipment"`
	Specialties []string        `db:"specialties" json:"specialties"`
	Available   bool            `db:"available" json:"available"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`

	Distance            *float64   `db:"-" json:"distance,omitempty"`
	ETA                 *int       `db:"-" json:"eta,omitempty"`
	UnavailableForAlert *uuid.UUID `db:"-" json:"unavailable_for_alert,omitempty"`
}

// Clone returns a copy that shares no slices or pointers with h.
func (h *Hospital) Clone() *Hospital {
	c := *h
	c.Equipment = append([]string(nil), h.Equipment...)
	c.Specialties = append([]string(nil), h.Specialties...)
	if h.Distance != nil {
		d := *h.Distance
		c.Distance = &d
	}
	if h.ETA != nil {
		e := *h.ETA
		c.ETA = &e
	}
	if h.UnavailableForAlert != nil {
		id := *h.UnavailableForAlert
		c.UnavailableForAlert = &id
	}
	return &c
}

// HasEquipment reports whether every item in required is present,
// ignoring case and surrounding whitespace.
func (h *Hospital) HasEquipment(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(h.Equipment))
	for _, e := range h.Equipment {
		have[normalize(e)] = true
	}
	for _, r := range required {
		if n := normalize(r); n != "" && !have[n] {
			return false
		}
	}
	return true
}

// Matches reports whether the lower-cased query occurs in the name,
// address, phone or any equipment item.
func (h *Hospital) Matches(query string) bool {
	if query == "" {
		return true
	}
	if strings.Contains(strings.ToLower(h.Name), query) ||
		strings.Contains(strings.ToLower(h.Address), query) ||
		strings.Contains(strings.ToLower(h.Phone), query) {
		return true
	}
	for _, e := range h.Equipment {
		if strings.Contains(strings.ToLower(e), query) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CreateRequest is the body of POST /hospitals.
type CreateRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Address     string          `json:"address"`
	Phone       string          `json:"phone"`
	Location    geo.Coordinates `json:"location"`
	Equipment   []string        `json:"equipment"`
	Specialties []string        `json:"specialties"`
	Available   *bool           `json:"available"`
}

// UpdateRequest is the body of PUT /hospitals/:id. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Name        *string          `json:"name"`
	Address     *string          `json:"address"`
	Phone       *string          `json:"phone"`
	Location    *geo.Coordinates `json:"location"`
	Equipment   []string         `json:"equipment"`
	Specialties []string         `json:"specialties"`
	Available   *bool            `json:"available"`
}
