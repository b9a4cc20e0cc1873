package vitals

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
	"github.com/prealert/prealert/internal/platform/realtime"
)

// -- Mock Repository --

type mockRepo struct {
	mu   sync.Mutex
	rows map[string]LiveVitals
	now  time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{rows: make(map[string]LiveVitals), now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (m *mockRepo) Get(_ context.Context, ambulanceID string) (*LiveVitals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.rows[ambulanceID]
	if !ok {
		return nil, fmt.Errorf("live vitals: %w", apperr.ErrNotFound)
	}
	return &v, nil
}

func (m *mockRepo) Upsert(_ context.Context, v *LiveVitals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(time.Second)
	v.UpdatedAt = m.now
	m.rows[v.AmbulanceID] = *v
	return nil
}

type reading struct{ spo2, hr int }

type recorder struct {
	mu  sync.Mutex
	got []reading
}

func (r *recorder) onUpdate(spo2, hr int) {
	r.mu.Lock()
	r.got = append(r.got, reading{spo2, hr})
	r.mu.Unlock()
}

func (r *recorder) readings() []reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reading(nil), r.got...)
}

func newTestRelay() (*Relay, *mockRepo, *realtime.Local) {
	repo := newMockRepo()
	broker := realtime.NewLocal()
	return NewRelay(repo, broker, zerolog.Nop()), repo, broker
}

func ambulanceCtx(id string) context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{UserID: "u-" + id, Role: auth.RoleAmbulance, LinkedEntity: &id})
}

func TestRelay_SubscribeDefaultsThenUpdates(t *testing.T) {
	relay, _, broker := newTestRelay()
	reg := realtime.NewRegistry(broker)
	rec := &recorder{}

	sub, err := relay.Subscribe(context.Background(), reg, "amb-001", rec.onUpdate)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := rec.readings(); len(got) != 1 || got[0] != (reading{98, 72}) {
		t.Fatalf("expected default reading first, got %v", got)
	}

	ctx := ambulanceCtx("amb-001")
	if _, err := relay.Publish(ctx, LiveVitals{AmbulanceID: "amb-001", SpO2: 92, HeartRate: 110}); err != nil {
		t.Fatal(err)
	}
	if _, err := relay.Publish(ctx, LiveVitals{AmbulanceID: "amb-001", SpO2: 90, HeartRate: 118}); err != nil {
		t.Fatal(err)
	}
	want := []reading{{98, 72}, {92, 110}, {90, 118}}
	got := rec.readings()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reading %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	sub.Close()
	if _, err := relay.Publish(ctx, LiveVitals{AmbulanceID: "amb-001", SpO2: 95, HeartRate: 100}); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.readings()); n != 3 {
		t.Errorf("expected no callback after Close, got %d readings", n)
	}
}

func TestRelay_SubscribeReadsStoredValue(t *testing.T) {
	relay, _, broker := newTestRelay()
	if _, err := relay.Publish(ambulanceCtx("amb-001"), LiveVitals{AmbulanceID: "amb-001", SpO2: 93, HeartRate: 101}); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	sub, err := relay.Subscribe(context.Background(), realtime.NewRegistry(broker), "amb-001", rec.onUpdate)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if got := rec.readings(); len(got) != 1 || got[0] != (reading{93, 101}) {
		t.Errorf("expected stored reading, got %v", got)
	}
}

// gatedRepo holds Get until released, so a test can close the
// subscription while the initial read is in flight.
type gatedRepo struct {
	*mockRepo
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) Get(ctx context.Context, ambulanceID string) (*LiveVitals, error) {
	close(g.entered)
	<-g.release
	return g.mockRepo.Get(ctx, ambulanceID)
}

func TestRelay_NoInitialReadingAfterClose(t *testing.T) {
	repo := &gatedRepo{mockRepo: newMockRepo(), entered: make(chan struct{}), release: make(chan struct{})}
	broker := realtime.NewLocal()
	relay := NewRelay(repo, broker, zerolog.Nop())
	reg := realtime.NewRegistry(broker)
	rec := &recorder{}

	done := make(chan error, 1)
	go func() {
		_, err := relay.Subscribe(context.Background(), reg, "amb-001", rec.onUpdate)
		done <- err
	}()
	<-repo.entered
	reg.CloseAll()
	close(repo.release)

	if err := <-done; err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := rec.readings(); len(got) != 0 {
		t.Errorf("expected no callback after the socket closed, got %v", got)
	}
}

func TestRelay_OtherAmbulanceIgnored(t *testing.T) {
	relay, _, broker := newTestRelay()
	rec := &recorder{}
	sub, err := relay.Subscribe(context.Background(), realtime.NewRegistry(broker), "amb-001", rec.onUpdate)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, err := relay.Publish(ambulanceCtx("amb-002"), LiveVitals{AmbulanceID: "amb-002", SpO2: 80, HeartRate: 140}); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.readings()); n != 1 {
		t.Errorf("expected only the initial reading, got %d", n)
	}
}

func TestRelay_DuplicateSubscriptionRefused(t *testing.T) {
	relay, _, broker := newTestRelay()
	reg := realtime.NewRegistry(broker)
	rec := &recorder{}

	sub, err := relay.Subscribe(context.Background(), reg, "amb-001", rec.onUpdate)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := relay.Subscribe(context.Background(), reg, "amb-001", rec.onUpdate); !errors.Is(err, realtime.ErrDuplicateSubscription) {
		t.Errorf("expected ErrDuplicateSubscription, got %v", err)
	}
	if n := broker.SubscriberCount(realtime.TableLiveVitals); n != 1 {
		t.Errorf("expected one broker subscription, got %d", n)
	}

	// Once closed the same ambulance can be followed again.
	sub.Close()
	sub, err = relay.Subscribe(context.Background(), reg, "amb-001", rec.onUpdate)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	sub.Close()
}

func TestRelay_PublishValidation(t *testing.T) {
	relay, _, _ := newTestRelay()
	tests := []struct {
		name string
		ctx  context.Context
		v    LiveVitals
		want error
	}{
		{"spo2 above 100", ambulanceCtx("amb-001"), LiveVitals{AmbulanceID: "amb-001", SpO2: 101, HeartRate: 80}, apperr.ErrInvalidArgument},
		{"negative heart rate", ambulanceCtx("amb-001"), LiveVitals{AmbulanceID: "amb-001", SpO2: 95, HeartRate: -1}, apperr.ErrInvalidArgument},
		{"missing ambulance", ambulanceCtx("amb-001"), LiveVitals{SpO2: 95, HeartRate: 80}, apperr.ErrInvalidArgument},
		{"other ambulance", ambulanceCtx("amb-002"), LiveVitals{AmbulanceID: "amb-001", SpO2: 95, HeartRate: 80}, apperr.ErrForbidden},
		{"anonymous", context.Background(), LiveVitals{AmbulanceID: "amb-001", SpO2: 95, HeartRate: 80}, apperr.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := relay.Publish(tt.ctx, tt.v); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRelay_Snapshot(t *testing.T) {
	relay, _, _ := newTestRelay()
	data, err := relay.Snapshot(context.Background(), realtime.Filter{Table: realtime.TableLiveVitals, Column: "ambulance_id", Value: "amb-007"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"spo2":98`) || !strings.Contains(string(data), `"heart_rate":72`) {
		t.Errorf("unexpected snapshot %s", data)
	}
}

func TestHandler_PutAndGet(t *testing.T) {
	relay, _, _ := newTestRelay()
	h := NewHandler(relay)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"spo2":94,"heart_rate":105}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(ambulanceCtx("amb-001"))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("amb-001")
	if err := h.Put(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("amb-001")
	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"spo2":94`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_Put_Forbidden(t *testing.T) {
	relay, _, _ := newTestRelay()
	h := NewHandler(relay)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"spo2":94,"heart_rate":105}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(ambulanceCtx("amb-002"))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("amb-001")

	err := h.Put(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}
