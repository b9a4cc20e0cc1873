package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHandler_Login(t *testing.T) {
	g, _ := newTestGate()
	h := NewHandler(g)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"identifier":"amb-001","password":"secret"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Login(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sess Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Token == "" || sess.User.Role != RoleAmbulance {
		t.Errorf("unexpected session %+v", sess)
	}
}

func TestHandler_Login_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad password", `{"identifier":"amb-001","password":"nope"}`, http.StatusUnauthorized},
		{"no profile", `{"identifier":"ghost","password":"secret"}`, http.StatusNotFound},
		{"missing fields", `{}`, http.StatusBadRequest},
		{"malformed json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGate()
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			expectHTTPStatus(t, NewHandler(g).Login(e.NewContext(req, httptest.NewRecorder())), tt.want)
		})
	}
}

func TestHandler_MeAndLogout(t *testing.T) {
	g, _ := newTestGate()
	h := NewHandler(g)
	e := echo.New()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctxWith(RoleHospital, "H1"))
	if err := h.Me(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Me: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"role":"hospital"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	if err := h.Logout(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	anon := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	expectHTTPStatus(t, h.Me(anon), http.StatusUnauthorized)
	expectHTTPStatus(t, h.Logout(anon), http.StatusUnauthorized)
}
