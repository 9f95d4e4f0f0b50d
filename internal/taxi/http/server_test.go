package taxihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/pat"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/lifecycle"
	"tripBack/internal/taxi/repo"
)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// tokenVerifier treats the bearer token as the actor id.
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "bad" {
		return "", errors.New("bad token")
	}
	return token, nil
}

type pushed struct {
	role   fsm.Role
	actor  string
	status fsm.Status
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []pushed
}

func (n *recordingNotifier) TripChanged(_ context.Context, role fsm.Role, actorID string, trip repo.Trip) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, pushed{role: role, actor: actorID, status: trip.Status})
	return nil
}

type recordingHub struct {
	follows map[string]string
}

func (h *recordingHub) ServeRequester(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (h *recordingHub) ServeFulfiller(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (h *recordingHub) Follow(requesterID, tripID string) { h.follows[requesterID] = tripID }

// Request reports every requester as offline.
func (h *recordingHub) Request(context.Context, string, *geo.Point, geo.Point) (repo.Trip, bool, error) {
	return repo.Trip{}, false, nil
}

type fixture struct {
	srv      *httptest.Server
	store    *repo.MemoryStore
	notifier *recordingNotifier
	hub      *recordingHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store := repo.NewMemoryStore(clk)
	svc := lifecycle.NewService(lifecycle.DefaultConfig(), store, nil, nil, clk, nopLogger{})
	f := &fixture{store: store, notifier: &recordingNotifier{}, hub: &recordingHub{follows: map[string]string{}}}
	mux := pat.New()
	NewServer(nopLogger{}, svc, f.hub, f.notifier, tokenVerifier{}).RegisterRoutes(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, actor string, body interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+actor)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func decodeTrip(t *testing.T, body map[string]json.RawMessage) repo.Trip {
	t.Helper()
	var trip repo.Trip
	if err := json.Unmarshal(body["trip"], &trip); err != nil {
		t.Fatalf("decode trip: %v (%s)", err, body["trip"])
	}
	return trip
}

var rideBody = map[string]interface{}{
	"pickup":  map[string]float64{"lat": 40.7128, "lon": -74.0060},
	"dropoff": map[string]float64{"lat": 40.7580, "lon": -73.9855},
}

func TestTripFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SaveProfile(context.Background(), repo.Profile{FulfillerID: "d1", SettlementAddress: "0xabc", Rate: 1.5}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	code, body := f.do(t, http.MethodPost, "/api/v1/trips", "u1", rideBody)
	if code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d %s", code, body["error"])
	}
	trip := decodeTrip(t, body)
	if f.hub.follows["u1"] != trip.ID {
		t.Fatalf("expected requester view to follow %s, got %v", trip.ID, f.hub.follows)
	}

	code, body = f.do(t, http.MethodGet, "/api/v1/trips/open", "u1", nil)
	if code != http.StatusOK || decodeTrip(t, body).ID != trip.ID {
		t.Fatalf("open trip: %d %s", code, body["error"])
	}

	steps := []struct {
		path   string
		status fsm.Status
	}{
		{"accept", fsm.StatusAccepted},
		{"start", fsm.StatusActive},
		{"complete", fsm.StatusCompleted},
		{"confirm-payment", fsm.StatusSettled},
	}
	for _, step := range steps {
		code, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/trips/%s/%s", trip.ID, step.path), "d1", nil)
		if code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d %s", step.path, code, body["error"])
		}
		if got := decodeTrip(t, body).Status; got != step.status {
			t.Fatalf("%s: expected %s got %s", step.path, step.status, got)
		}
	}

	final := decodeTrip(t, body)
	if final.Fare == nil || final.Fare.AmountFiat != 7.97 {
		t.Fatalf("expected fare 7.97, got %+v", final.Fare)
	}
	if len(f.notifier.calls) != len(steps) {
		t.Fatalf("expected %d pushes got %d", len(steps), len(f.notifier.calls))
	}
	for i, call := range f.notifier.calls {
		if call.role != fsm.RoleRequester || call.actor != "u1" || call.status != steps[i].status {
			t.Fatalf("push %d: unexpected %+v", i, call)
		}
	}

	code, body = f.do(t, http.MethodGet, "/api/v1/earnings", "d1", nil)
	if code != http.StatusOK || string(body["total"]) != "7.97" {
		t.Fatalf("earnings: %d %s", code, body["total"])
	}
	code, _ = f.do(t, http.MethodGet, "/api/v1/trips/open", "u1", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected no open trip after settlement, got %d", code)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/api/v1/trips", "u1", rideBody)
	trip := decodeTrip(t, body)

	cases := []struct {
		name   string
		method string
		path   string
		actor  string
		body   interface{}
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/trips/open", "", nil, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/v1/trips/open", "bad", nil, http.StatusUnauthorized},
		{"second open trip", http.MethodPost, "/api/v1/trips", "u1", rideBody, http.StatusPreconditionFailed},
		{"no pickup while offline", http.MethodPost, "/api/v1/trips", "u3", map[string]interface{}{"dropoff": map[string]float64{"lat": 1, "lon": 1}}, http.StatusBadRequest},
		{"missing dropoff", http.MethodPost, "/api/v1/trips", "u2", map[string]interface{}{"pickup": map[string]float64{"lat": 1, "lon": 1}}, http.StatusBadRequest},
		{"unknown trip", http.MethodPost, "/api/v1/trips/nope/start", "d1", nil, http.StatusNotFound},
		{"start before accept", http.MethodPost, "/api/v1/trips/" + trip.ID + "/start", "d1", nil, http.StatusConflict},
		{"accept without address", http.MethodPost, "/api/v1/trips/" + trip.ID + "/accept", "d2", nil, http.StatusPreconditionFailed},
		{"bad estimate", http.MethodGet, "/api/v1/estimate?from_lat=x", "u1", nil, http.StatusBadRequest},
		{"negative rate", http.MethodPut, "/api/v1/profile", "d1", map[string]interface{}{"rate": -1}, http.StatusPreconditionFailed},
		{"bad role", http.MethodPost, "/api/v1/trips/" + trip.ID + "/cancel", "u1", map[string]string{"role": "admin"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, tc.method, tc.path, tc.actor, tc.body)
			if code != tc.want {
				t.Fatalf("expected %d got %d (%s)", tc.want, code, body["error"])
			}
		})
	}
}

func TestCancelPushesCounterpart(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SaveProfile(context.Background(), repo.Profile{FulfillerID: "d1", SettlementAddress: "0xabc"}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	_, body := f.do(t, http.MethodPost, "/api/v1/trips", "u1", rideBody)
	trip := decodeTrip(t, body)
	if code, body := f.do(t, http.MethodPost, "/api/v1/trips/"+trip.ID+"/accept", "d1", nil); code != http.StatusOK {
		t.Fatalf("accept: %d %s", code, body["error"])
	}

	code, body := f.do(t, http.MethodPost, "/api/v1/trips/"+trip.ID+"/cancel", "u1", nil)
	if code != http.StatusOK {
		t.Fatalf("cancel: %d %s", code, body["error"])
	}
	got := decodeTrip(t, body)
	if got.Status != fsm.StatusCancelled || got.CancelReason != fsm.ReasonRequester {
		t.Fatalf("unexpected cancelled trip %+v", got)
	}
	last := f.notifier.calls[len(f.notifier.calls)-1]
	if last.role != fsm.RoleFulfiller || last.actor != "d1" {
		t.Fatalf("expected fulfiller push, got %+v", last)
	}

	code, _ = f.do(t, http.MethodPost, "/api/v1/trips/"+trip.ID+"/cancel", "u1", nil)
	if code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409 got %d", code)
	}
}

func TestProfileAndEstimate(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/api/v1/profile", "d1", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 before save got %d", code)
	}
	code, body := f.do(t, http.MethodPut, "/api/v1/profile", "d1", map[string]interface{}{"settlement_address": " 0xdef ", "rate": 2})
	if code != http.StatusOK || string(body["settlement_address"]) != `"0xdef"` {
		t.Fatalf("save profile: %d %s", code, body["settlement_address"])
	}
	code, body = f.do(t, http.MethodGet, "/api/v1/profile", "d1", nil)
	if code != http.StatusOK || string(body["rate"]) != "2" {
		t.Fatalf("get profile: %d %s", code, body["rate"])
	}

	code, body = f.do(t, http.MethodGet, "/api/v1/estimate?from_lat=40.7128&from_lon=-74.0060&to_lat=40.7580&to_lon=-73.9855", "u1", nil)
	if code != http.StatusOK {
		t.Fatalf("estimate: %d %s", code, body["error"])
	}
	var fare struct {
		DistanceKm float64 `json:"distance_km"`
		AmountFiat float64 `json:"amount_fiat"`
	}
	if err := json.Unmarshal(body["fare"], &fare); err != nil {
		t.Fatalf("decode fare: %v", err)
	}
	if fare.DistanceKm != 5.31 || fare.AmountFiat != 7.97 {
		t.Fatalf("unexpected estimate %+v", fare)
	}
}

func TestPendingAndVisibility(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/api/v1/trips", "u1", rideBody)
	trip := decodeTrip(t, body)

	code, body := f.do(t, http.MethodGet, "/api/v1/trips/pending?lat=40.7130&lon=-74.0055", "d9", nil)
	if code != http.StatusOK {
		t.Fatalf("pending: %d %s", code, body["error"])
	}
	var trips []repo.Trip
	if err := json.Unmarshal(body["trips"], &trips); err != nil || len(trips) != 1 || trips[0].ID != trip.ID {
		t.Fatalf("expected nearby pending trip, got %s (%v)", body["trips"], err)
	}

	if code, _ := f.do(t, http.MethodGet, "/api/v1/trips/"+trip.ID, "d9", nil); code != http.StatusOK {
		t.Fatalf("pending trip should be visible to fulfillers, got %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/v1/trips/"+trip.ID+"/cancel", "u1", nil); code != http.StatusOK {
		t.Fatalf("cancel: %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/v1/trips/"+trip.ID, "d9", nil); code != http.StatusNotFound {
		t.Fatalf("cancelled trip should be hidden from outsiders, got %d", code)
	}
}

func TestHealthAndSockets(t *testing.T) {
	f := newFixture(t)
	if code, body := f.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK || string(body["status"]) != `"ok"` {
		t.Fatalf("healthz: %d %s", code, body["status"])
	}
	for _, path := range []string{"/ws/requester", "/ws/fulfiller"} {
		if code, _ := f.do(t, http.MethodGet, path, "", nil); code != http.StatusTeapot {
			t.Fatalf("%s: expected hub handler, got %d", path, code)
		}
	}
}
