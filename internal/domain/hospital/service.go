package hospital

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/domain/geo"
	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
	"github.com/prealert/prealert/internal/platform/metrics"
	"github.com/prealert/prealert/internal/platform/recommend"
)

// ExclusionSource lists the hospitals that declined, were marked
// unavailable for, or were previously assigned to an alert.
type ExclusionSource interface {
	UnavailableHospitals(ctx context.Context, alertID uuid.UUID) ([]string, error)
}

const DefaultTopN = 3

type Service struct {
	repo    Repository
	exclude ExclusionSource
	oracle  recommend.Oracle
	topN    int
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, topN: DefaultTopN, logger: logger}
}

// SetExclusionSource attaches the per-alert exclusion lookup used by Rank.
func (s *Service) SetExclusionSource(e ExclusionSource) { s.exclude = e }

// SetOracle attaches the recommendation oracle and the number of picks to
// request from it.
func (s *Service) SetOracle(o recommend.Oracle, topN int) {
	s.oracle = o
	if topN > 0 {
		s.topN = topN
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Hospital, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", apperr.ErrInvalidArgument)
	}
	if !req.Location.Valid() {
		return nil, fmt.Errorf("%w: valid location is required", apperr.ErrInvalidArgument)
	}
	h := &Hospital{
		ID:          strings.TrimSpace(req.ID),
		Name:        strings.TrimSpace(req.Name),
		Address:     req.Address,
		Phone:       req.Phone,
		Location:    req.Location,
		Equipment:   cleanList(req.Equipment),
		Specialties: cleanList(req.Specialties),
		Available:   true,
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if req.Available != nil {
		h.Available = *req.Available
	}
	if err := s.repo.Create(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Hospital, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Update is permitted to admins and to the hospital's own users.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Hospital, error) {
	if err := auth.CanActForHospital(ctx, id); err != nil {
		return nil, err
	}
	h, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", apperr.ErrInvalidArgument)
		}
		h.Name = strings.TrimSpace(*req.Name)
	}
	if req.Address != nil {
		h.Address = *req.Address
	}
	if req.Phone != nil {
		h.Phone = *req.Phone
	}
	if req.Location != nil {
		if !req.Location.Valid() {
			return nil, fmt.Errorf("%w: invalid location", apperr.ErrInvalidArgument)
		}
		h.Location = *req.Location
	}
	if req.Equipment != nil {
		h.Equipment = cleanList(req.Equipment)
	}
	if req.Specialties != nil {
		h.Specialties = cleanList(req.Specialties)
	}
	if req.Available != nil {
		h.Available = *req.Available
	}
	if err := s.repo.Update(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Rank loads every hospital, marks the ones excluded for opts.AlertID and
// returns the ranked candidates.
func (s *Service) Rank(ctx context.Context, origin geo.Coordinates, opts RankOptions) ([]*Hospital, error) {
	if !origin.Valid() {
		return nil, fmt.Errorf("%w: invalid origin coordinates", apperr.ErrInvalidArgument)
	}
	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if opts.AlertID != nil && s.exclude != nil {
		excluded, err := s.exclude.UnavailableHospitals(ctx, *opts.AlertID)
		if err != nil {
			return nil, err
		}
		all = markUnavailable(all, excluded, *opts.AlertID)
	}
	return Rank(origin, all, opts), nil
}

func markUnavailable(hs []*Hospital, ids []string, alertID uuid.UUID) []*Hospital {
	if len(ids) == 0 {
		return hs
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	out := make([]*Hospital, len(hs))
	for i, h := range hs {
		if set[h.ID] {
			h = h.Clone()
			id := alertID
			h.UnavailableForAlert = &id
		}
		out[i] = h
	}
	return out
}

// RecommendRequest carries the patient context for a recommendation.
type RecommendRequest struct {
	Origin            geo.Coordinates `json:"origin"`
	AlertID           *uuid.UUID      `json:"alert_id"`
	Triage            string          `json:"triage"`
	ChiefComplaint    string          `json:"chief_complaint"`
	Vitals            map[string]any  `json:"vitals"`
	RequiredEquipment []string        `json:"required_equipment"`
	RadiusKm          float64         `json:"radius_km"`
}

type Recommended struct {
	Hospital   *Hospital `json:"hospital"`
	Confidence *float64  `json:"confidence,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type Recommendation struct {
	Source          string        `json:"source"`
	Recommendations []Recommended `json:"recommendations"`
}

const (
	SourceOracle = "oracle"
	SourceRanker = "ranker"
)

// Recommend ranks the candidates and asks the oracle for a top-N. When the
// oracle is absent, asks for fallback or fails, the nearest N candidates are
// returned instead. Oracle failures are never surfaced to the caller.
func (s *Service) Recommend(ctx context.Context, req RecommendRequest) (*Recommendation, error) {
	ranked, err := s.Rank(ctx, req.Origin, RankOptions{
		AlertID:           req.AlertID,
		RadiusKm:          req.RadiusKm,
		RequiredEquipment: req.RequiredEquipment,
		OnlyAvailable:     true,
	})
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return &Recommendation{Source: SourceRanker, Recommendations: []Recommended{}}, nil
	}

	if s.oracle != nil {
		picks, err := s.oracle.Recommend(ctx, oracleRequest(req, ranked, s.topN))
		if err == nil {
			return &Recommendation{Source: SourceOracle, Recommendations: resolve(picks, ranked)}, nil
		}
		cause := "error"
		if errors.Is(err, recommend.ErrUseFallback) {
			cause = "use_fallback"
		} else {
			s.logger.Warn().Err(err).Msg("recommendation oracle failed, using ranked list")
		}
		s.metrics.RecommendFallback(cause)
	} else {
		s.metrics.RecommendFallback("disabled")
	}

	n := s.topN
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]Recommended, n)
	for i := 0; i < n; i++ {
		out[i] = Recommended{Hospital: ranked[i]}
	}
	return &Recommendation{Source: SourceRanker, Recommendations: out}, nil
}

func oracleRequest(req RecommendRequest, ranked []*Hospital, topN int) recommend.Request {
	cands := make([]recommend.Candidate, len(ranked))
	for i, h := range ranked {
		cands[i] = recommend.Candidate{
			HospitalID:  h.ID,
			Name:        h.Name,
			DistanceKm:  h.Distance,
			ETAMinutes:  h.ETA,
			Equipment:   h.Equipment,
			Specialties: h.Specialties,
			Available:   h.Available,
		}
	}
	return recommend.Request{
		Triage:            req.Triage,
		ChiefComplaint:    req.ChiefComplaint,
		Vitals:            req.Vitals,
		RequiredEquipment: req.RequiredEquipment,
		Candidates:        cands,
		TopN:              topN,
	}
}

func resolve(picks []recommend.Recommendation, ranked []*Hospital) []Recommended {
	byID := make(map[string]*Hospital, len(ranked))
	for _, h := range ranked {
		byID[h.ID] = h
	}
	out := make([]Recommended, 0, len(picks))
	for _, p := range picks {
		h, ok := byID[p.HospitalID]
		if !ok {
			continue
		}
		conf := p.Confidence
		out = append(out, Recommended{Hospital: h, Confidence: &conf, Reason: p.Reason})
	}
	return out
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[strings.ToLower(v)] {
			continue
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}
	return out
}
