package hospital

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/prealert/prealert/internal/domain/geo"
)

// RankOptions narrows the candidate list. Zero values disable a filter.
type RankOptions struct {
	AlertID           *uuid.UUID
	Search            string
	RadiusKm          float64
	RequiredEquipment []string
	OnlyAvailable     bool
}

// Rank orders hospitals by straight-line distance from origin, nearest
// first. Hospitals marked unavailable for opts.AlertID, hospitals without
// usable coordinates and hospitals failing a filter are dropped. Equal
// distances keep their input order. The result holds copies carrying
// Distance and ETA; hs is not modified. An empty result is a valid outcome.
func Rank(origin geo.Coordinates, hs []*Hospital, opts RankOptions) []*Hospital {
	type ranked struct {
		h  *Hospital
		km float64
	}

	query := strings.ToLower(strings.TrimSpace(opts.Search))
	candidates := make([]ranked, 0, len(hs))
	for _, h := range hs {
		if h == nil {
			continue
		}
		if opts.AlertID != nil && h.UnavailableForAlert != nil && *h.UnavailableForAlert == *opts.AlertID {
			continue
		}
		if !h.Location.Valid() {
			continue
		}
		km := geo.Haversine(origin, h.Location)
		if math.IsNaN(km) || math.IsInf(km, 0) {
			continue
		}
		if !h.Matches(query) {
			continue
		}
		if opts.RadiusKm > 0 && km > opts.RadiusKm {
			continue
		}
		if !h.HasEquipment(opts.RequiredEquipment) {
			continue
		}
		if opts.OnlyAvailable && !h.Available {
			continue
		}
		candidates = append(candidates, ranked{h: h, km: km})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].km < candidates[j].km
	})

	out := make([]*Hospital, len(candidates))
	for i, c := range candidates {
		cp := c.h.Clone()
		dist := geo.RoundKm(c.km)
		eta := geo.EstimateETA(c.km)
		cp.Distance = &dist
		cp.ETA = &eta
		out[i] = cp
	}
	return out
}
