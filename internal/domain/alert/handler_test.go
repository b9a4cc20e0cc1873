package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _, _ := newTestService()
	return NewHandler(svc), svc, echo.New()
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", code, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func jsonRequest(ctx context.Context, method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(ctx)
}

func TestHandler_Create(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{
		"ambulance_id": "amb-001",
		"hospital_id": "H1",
		"distance_km": 5.2,
		"patient": {
			"name": "Ravi Kumar", "age": 54, "gender": "male",
			"chief_complaint": "Chest pain", "triage": "critical",
			"vitals": {"spo2": 91, "heart_rate": 118, "systolic_bp": 150, "diastolic_bp": 95, "temperature": 37.2, "gcs": 14}
		}
	}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(ambulanceCtx("amb-001"), http.MethodPost, body), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp struct {
		Alert    Alert `json:"alert"`
		Hospital struct {
			Name string `json:"name"`
		} `json:"hospital"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Alert.Status != StatusPending || resp.Hospital.Name != "City General" {
		t.Errorf("unexpected response %s", rec.Body.String())
	}
	if resp.Alert.ETAMinutes == nil || *resp.Alert.ETAMinutes != 8 {
		t.Errorf("expected eta 8, got %v", resp.Alert.ETAMinutes)
	}
}

func TestHandler_Create_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(ambulanceCtx("amb-001"), http.MethodPost,
		`{"ambulance_id":"amb-001","hospital_id":"H1","patient":{"name":""}}`), httptest.NewRecorder())
	expectStatus(t, h.Create(c), http.StatusBadRequest)
}

func TestHandler_Get(t *testing.T) {
	h, svc, e := newTestHandler()
	a := createAlert(t, svc)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(hospitalCtx("H1"), http.MethodGet, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(jsonRequest(hospitalCtx("H3"), http.MethodGet, ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	expectStatus(t, h.Get(c), http.StatusForbidden)

	c = e.NewContext(jsonRequest(hospitalCtx("H1"), http.MethodGet, ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectStatus(t, h.Get(c), http.StatusBadRequest)
}

func TestHandler_UpdateStatus(t *testing.T) {
	h, svc, e := newTestHandler()
	a := createAlert(t, svc)

	c := e.NewContext(jsonRequest(hospitalCtx("H1"), http.MethodPost, `{"status":"declined"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	expectStatus(t, h.UpdateStatus(c), http.StatusBadRequest)

	rec := httptest.NewRecorder()
	c = e.NewContext(jsonRequest(hospitalCtx("H1"), http.MethodPost, `{"status":"accepted"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.UpdateStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"accepted"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_ChangeHospital(t *testing.T) {
	h, svc, e := newTestHandler()
	a := createAlert(t, svc)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(ambulanceCtx("amb-001"), http.MethodPost, `{"hospital_id":"H2","reason":"no ICU beds"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.ChangeHospital(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.HospitalID != "H2" || len(got.PreviousHospitalIDs) != 1 {
		t.Errorf("unexpected alert %+v", got)
	}

	c = e.NewContext(jsonRequest(ambulanceCtx("amb-002"), http.MethodPost, `{"hospital_id":"H3","reason":"x"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	expectStatus(t, h.ChangeHospital(c), http.StatusForbidden)
}

func TestHandler_CompleteAndUnavailable(t *testing.T) {
	h, svc, e := newTestHandler()
	a := createAlert(t, svc)

	c := e.NewContext(jsonRequest(ambulanceCtx("amb-001"), http.MethodPost, `{"hospital_id":"H3","reason":"diversion"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.MarkUnavailable(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	c = e.NewContext(jsonRequest(hospitalCtx("H1"), http.MethodPost, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.Complete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_ListForHospital(t *testing.T) {
	h, svc, e := newTestHandler()
	createAlert(t, svc)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(hospitalCtx("H1"), http.MethodGet, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues("H1")
	if err := h.ListForHospital(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(hospitalCtx("H2"), http.MethodGet, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues("H2")
	if err := h.ListForHospital(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data, got %s", rec.Body.String())
	}
}
