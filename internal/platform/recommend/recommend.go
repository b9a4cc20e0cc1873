// Package recommend asks an OpenAI-compatible chat model to pick the best
// destination hospitals for a patient from an already ranked candidate list.
// Any failure is reported as an error so callers can fall back to the
// deterministic ranking.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/prealert/prealert/internal/platform/apperr"
)

// ErrUseFallback means the oracle declined to answer or is not configured.
var ErrUseFallback = errors.New("recommendation oracle requested fallback")

// Candidate is one ranked hospital offered to the oracle.
type Candidate struct {
	HospitalID  string   `json:"hospital_id"`
	Name        string   `json:"name"`
	DistanceKm  *float64 `json:"distance_km,omitempty"`
	ETAMinutes  *int     `json:"eta_minutes,omitempty"`
	Equipment   []string `json:"equipment"`
	Specialties []string `json:"specialties"`
	Available   bool     `json:"available"`
}

// Request describes the patient and the candidates to choose from.
type Request struct {
	Triage            string         `json:"triage"`
	ChiefComplaint    string         `json:"chief_complaint"`
	Vitals            map[string]any `json:"vitals,omitempty"`
	RequiredEquipment []string       `json:"required_equipment,omitempty"`
	Candidates        []Candidate    `json:"candidates"`
	TopN              int            `json:"top_n"`
}

// Recommendation is a single oracle pick.
type Recommendation struct {
	HospitalID string  `json:"hospital_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type oracleResponse struct {
	UseFallback     bool             `json:"use_fallback"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Oracle is implemented by Client. Services depend on it so tests can swap
// in a scripted oracle.
type Oracle interface {
	Recommend(ctx context.Context, req Request) ([]Recommendation, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient returns a client. With an empty APIKey every call returns
// ErrUseFallback without touching the network.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 8 * time.Second
	}
	c := &Client{
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "recommend").Logger(),
	}
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		c.api = openai.NewClientWithConfig(oc)
	}
	return c
}

const systemPrompt = `You help ambulance crews choose a destination hospital.
You receive a JSON object with the patient's triage level, chief complaint, vitals,
required equipment and a list of candidate hospitals already sorted by distance.
Answer with a single JSON object:
{"use_fallback": bool, "recommendations": [{"hospital_id": string, "confidence": number between 0 and 1, "reason": string}]}
Only use hospital_id values from the candidates. Return at most top_n recommendations,
best first. Set use_fallback to true if you cannot make a confident choice.`

// Recommend returns at most req.TopN picks restricted to req.Candidates.
func (c *Client) Recommend(ctx context.Context, req Request) ([]Recommendation, error) {
	if c.api == nil {
		return nil, ErrUseFallback
	}
	if len(req.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrUseFallback)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode recommendation request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("recommendation request failed")
		return nil, fmt.Errorf("%w: %v", apperr.ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", apperr.ErrUpstreamUnavailable)
	}

	return Parse(resp.Choices[0].Message.Content, req)
}

// Parse validates an oracle answer against the request: unknown hospital ids
// and duplicates are dropped, confidences are clamped to [0,1] and the list
// is cut to TopN. An answer with nothing usable left means fallback.
func Parse(content string, req Request) ([]Recommendation, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out oracleResponse
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("%w: decode oracle answer: %v", apperr.ErrUpstreamUnavailable, err)
	}
	if out.UseFallback {
		return nil, ErrUseFallback
	}

	known := make(map[string]bool, len(req.Candidates))
	for _, cand := range req.Candidates {
		known[cand.HospitalID] = true
	}

	limit := req.TopN
	if limit <= 0 {
		limit = len(req.Candidates)
	}
	recs := make([]Recommendation, 0, limit)
	seen := make(map[string]bool)
	for _, r := range out.Recommendations {
		if !known[r.HospitalID] || seen[r.HospitalID] {
			continue
		}
		seen[r.HospitalID] = true
		switch {
		case r.Confidence < 0:
			r.Confidence = 0
		case r.Confidence > 1:
			r.Confidence = 1
		}
		recs = append(recs, r)
		if len(recs) == limit {
			break
		}
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no usable recommendations", ErrUseFallback)
	}
	return recs, nil
}
