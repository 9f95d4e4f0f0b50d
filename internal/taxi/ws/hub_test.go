package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tripBack/internal/taxi/auth"
	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/lifecycle"
	"tripBack/internal/taxi/repo"
	"tripBack/internal/taxi/session"
)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

type testConfig struct{}

func (testConfig) GetPendingTimeout() time.Duration   { return 10 * time.Minute }
func (testConfig) GetWarningAfter() time.Duration     { return 8 * time.Minute }
func (testConfig) GetSettledGrace() time.Duration     { return 10 * time.Second }
func (testConfig) GetCancelledGrace() time.Duration   { return 8 * time.Second }
func (testConfig) GetPositionInterval() time.Duration { return 2 * time.Second }
func (testConfig) GetOneShotTimeout() time.Duration   { return time.Second }

var (
	pickup  = geo.Point{Lon: 76.9, Lat: 43.25}
	dropoff = geo.Point{Lon: 76.95, Lat: 43.27}
)

type harness struct {
	store *repo.MemoryStore
	svc   *lifecycle.Service
	hub   *Hub
	jwt   *auth.JWTManager
	srv   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.Real()
	store := repo.NewMemoryStore(clk)
	svc := lifecycle.NewService(lifecycle.DefaultConfig(), store, nil, nil, clk, nopLogger{})
	deps := session.Deps{Service: svc, Store: store, Clock: clk, Logger: nopLogger{}}
	jwt := auth.NewJWTManager("test-secret")
	hub := NewHub(jwt, func(role fsm.Role, actorID string) *session.Session {
		return session.New(testConfig{}, deps, role, actorID)
	}, nopLogger{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/requester", hub.ServeRequester)
	mux.HandleFunc("/ws/fulfiller", hub.ServeFulfiller)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &harness{store: store, svc: svc, hub: hub, jwt: jwt, srv: srv}
}

func (h *harness) dial(t *testing.T, path, actorID string) *websocket.Conn {
	t.Helper()
	token, err := h.jwt.NewToken(actorID, time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path + "?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type  string          `json:"type"`
	View  json.RawMessage `json:"view"`
	Trips []repo.Trip     `json:"trips"`
}

type viewBody struct {
	Trip   *repo.Trip `json:"trip"`
	Phrase string     `json:"phrase"`
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		if match(f) {
			return f
		}
	}
}

func viewOf(f frame) viewBody {
	var v viewBody
	_ = json.Unmarshal(f.View, &v)
	return v
}

func TestRejectsMissingToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/requester"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestRequesterFollowsTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws/requester", "u1")
	readUntil(t, conn, "initial view", func(f frame) bool { return f.Type == "view" })

	trip, err := h.svc.RequestTrip(context.Background(), "u1", pickup, dropoff)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	h.hub.Follow("u1", trip.ID)

	f := readUntil(t, conn, "pending view", func(f frame) bool {
		v := viewOf(f)
		return f.Type == "view" && v.Trip != nil && v.Trip.ID == trip.ID
	})
	if v := viewOf(f); v.Phrase != "Waiting for a driver to accept your ride..." {
		t.Fatalf("unexpected phrase %q", v.Phrase)
	}
}

func TestFulfillerPoolAndPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.SaveProfile(ctx, "d1", "0xabc", 0); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	trip, err := h.svc.RequestTrip(ctx, "u1", pickup, dropoff)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}

	conn := h.dial(t, "/ws/fulfiller", "d1")
	readUntil(t, conn, "pool", func(f frame) bool { return f.Type == "pool" && len(f.Trips) == 1 })

	if _, err := h.svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	readUntil(t, conn, "accepted view", func(f frame) bool {
		v := viewOf(f)
		return f.Type == "view" && v.Trip != nil && v.Trip.Status == fsm.StatusAccepted
	})

	driver := geo.Point{Lon: 76.91, Lat: 43.251}
	deadline := time.Now().Add(3 * time.Second)
	for {
		msg, _ := json.Marshal(map[string]interface{}{"type": "position", "lat": driver.Lat, "lon": driver.Lon})
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		current, _ := h.store.GetTrip(ctx, trip.ID)
		if current.FulfillerPosition != nil && *current.FulfillerPosition == driver {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("position never reached the trip")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "/ws/requester", "u1")
	readUntil(t, first, "initial view", func(f frame) bool { return f.Type == "view" })
	second := h.dial(t, "/ws/requester", "u1")
	readUntil(t, second, "initial view", func(f frame) bool { return f.Type == "view" })

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	if !h.hub.Connected(fsm.RoleRequester, "u1") {
		t.Fatalf("second connection should stay registered")
	}
}

func TestRequestUsesDevicePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, ok, _ := h.hub.Request(ctx, "u1", nil, dropoff); ok {
		t.Fatalf("expected no session before connecting")
	}

	conn := h.dial(t, "/ws/requester", "u1")
	readUntil(t, conn, "initial view", func(f frame) bool { return f.Type == "view" })
	msg, _ := json.Marshal(map[string]interface{}{"type": "position", "lat": pickup.Lat, "lon": pickup.Lon})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	trip, ok, err := h.hub.Request(ctx, "u1", nil, dropoff)
	if !ok || err != nil {
		t.Fatalf("Request: ok=%v err=%v", ok, err)
	}
	if trip.Pickup != pickup {
		t.Fatalf("expected pickup %v from the device, got %v", pickup, trip.Pickup)
	}
	readUntil(t, conn, "pending view", func(f frame) bool {
		v := viewOf(f)
		return f.Type == "view" && v.Trip != nil && v.Trip.ID == trip.ID
	})
}
