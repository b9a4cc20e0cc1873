package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/platform/apperr"
)

func testRequest() Request {
	return Request{
		Triage:         "critical",
		ChiefComplaint: "chest pain",
		Candidates: []Candidate{
			{HospitalID: "H1", Name: "City General", Available: true},
			{HospitalID: "H2", Name: "St. Mary", Available: true},
			{HospitalID: "H3", Name: "Northside", Available: true},
		},
		TopN: 2,
	}
}

func completionServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "chest pain") {
			t.Errorf("request body does not carry the patient: %s", body)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
}

func newTestClient(url string) *Client {
	return NewClient(Config{APIKey: "test-key", BaseURL: url + "/v1", Model: "test-model", Timeout: 2 * time.Second}, zerolog.Nop())
}

func TestClient_NoKeyFallsBack(t *testing.T) {
	c := NewClient(Config{}, zerolog.Nop())
	_, err := c.Recommend(context.Background(), testRequest())
	if !errors.Is(err, ErrUseFallback) {
		t.Fatalf("expected ErrUseFallback, got %v", err)
	}
}

func TestClient_Recommend(t *testing.T) {
	srv := completionServer(t, `{"use_fallback":false,"recommendations":[
		{"hospital_id":"H2","confidence":0.9,"reason":"cath lab"},
		{"hospital_id":"H1","confidence":0.7,"reason":"closest"},
		{"hospital_id":"H3","confidence":0.4,"reason":"backup"}]}`, http.StatusOK)
	defer srv.Close()

	recs, err := newTestClient(srv.URL).Recommend(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(recs))
	}
	if recs[0].HospitalID != "H2" || recs[0].Confidence != 0.9 {
		t.Errorf("unexpected first recommendation %+v", recs[0])
	}
}

func TestClient_OracleRequestsFallback(t *testing.T) {
	srv := completionServer(t, `{"use_fallback":true,"recommendations":[]}`, http.StatusOK)
	defer srv.Close()

	_, err := newTestClient(srv.URL).Recommend(context.Background(), testRequest())
	if !errors.Is(err, ErrUseFallback) {
		t.Fatalf("expected ErrUseFallback, got %v", err)
	}
}

func TestClient_UpstreamError(t *testing.T) {
	srv := completionServer(t, "", http.StatusInternalServerError)
	defer srv.Close()

	_, err := newTestClient(srv.URL).Recommend(context.Background(), testRequest())
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIDs []string
		wantErr error
	}{
		{"unknown ids dropped", `{"recommendations":[{"hospital_id":"H9","confidence":1},{"hospital_id":"H3","confidence":0.5}]}`, []string{"H3"}, nil},
		{"duplicates dropped", `{"recommendations":[{"hospital_id":"H1","confidence":0.5},{"hospital_id":"H1","confidence":0.4}]}`, []string{"H1"}, nil},
		{"code fence", "```json\n{\"recommendations\":[{\"hospital_id\":\"H1\",\"confidence\":0.5}]}\n```", []string{"H1"}, nil},
		{"nothing usable", `{"recommendations":[{"hospital_id":"H9","confidence":1}]}`, nil, ErrUseFallback},
		{"not json", `I think City General`, nil, apperr.ErrUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := Parse(tt.content, testRequest())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(recs) != len(tt.wantIDs) {
				t.Fatalf("expected %d recommendations, got %d", len(tt.wantIDs), len(recs))
			}
			for i, id := range tt.wantIDs {
				if recs[i].HospitalID != id {
					t.Errorf("recommendation %d: expected %s, got %s", i, id, recs[i].HospitalID)
				}
			}
		})
	}
}

func TestParse_ClampsConfidence(t *testing.T) {
	recs, err := Parse(`{"recommendations":[{"hospital_id":"H1","confidence":7},{"hospital_id":"H2","confidence":-1}]}`, testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Confidence != 1 || recs[1].Confidence != 0 {
		t.Errorf("expected clamped confidences, got %v and %v", recs[0].Confidence, recs[1].Confidence)
	}
}
