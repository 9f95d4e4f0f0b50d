package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tripBack/internal/taxi/auth"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/repo"
	"tripBack/internal/taxi/session"
	"tripBack/internal/taxi/view"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	pingEvery    = 30 * time.Second
)

// Logger is shared between hubs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// SessionFactory builds the session of a newly connected party.
type SessionFactory func(role fsm.Role, actorID string) *session.Session

// ViewFrame carries the party's current view.
type ViewFrame struct {
	Type string    `json:"type"`
	View view.View `json:"view"`
}

// PoolFrame carries the pending trips offered to a fulfiller.
type PoolFrame struct {
	Type  string      `json:"type"`
	Trips []repo.Trip `json:"trips"`
}

// EventFrame is a one-off notification.
type EventFrame struct {
	Type   string     `json:"type"`
	TripID string     `json:"trip_id"`
	Status fsm.Status `json:"status"`
}

type inbound struct {
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type key struct {
	role    fsm.Role
	actorID string
}

type client struct {
	conn *websocket.Conn
	sess *session.Session
	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

func (c *client) write(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.sess.Close()
	})
}

// Hub serves the requester and fulfiller websocket channels. Each
// connection owns one session.
type Hub struct {
	upgrader   websocket.Upgrader
	verifier   auth.Verifier
	newSession SessionFactory
	logger     Logger

	mu      sync.RWMutex
	clients map[key]*client
}

// NewHub creates hub.
func NewHub(verifier auth.Verifier, newSession SessionFactory, logger Logger) *Hub {
	return &Hub{
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		verifier:   verifier,
		newSession: newSession,
		logger:     logger,
		clients:    make(map[key]*client),
	}
}

// ServeRequester handles requester connections.
func (h *Hub) ServeRequester(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, fsm.RoleRequester)
}

// ServeFulfiller handles fulfiller connections.
func (h *Hub) ServeFulfiller(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, fsm.RoleFulfiller)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, role fsm.Role) {
	actorID, ok := auth.Actor(r.Context())
	if !ok {
		token := auth.BearerToken(r)
		if token == "" {
			http.Error(w, "missing access token", http.StatusUnauthorized)
			return
		}
		var err error
		if actorID, err = h.verifier.Verify(r.Context(), token); err != nil {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("%s ws upgrade failed: %v", role, err)
		return
	}

	c := &client{conn: conn, sess: h.newSession(role, actorID), done: make(chan struct{})}
	k := key{role: role, actorID: actorID}
	h.mu.Lock()
	old := h.clients[k]
	h.clients[k] = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	h.logger.Infof("%s %s connected", role, actorID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.sess.Start(ctx); err != nil {
		h.logger.Errorf("%s %s resume failed: %v", role, actorID, err)
	}
	cancel()

	go h.writeLoop(c)
	go h.readLoop(k, c)
}

func (h *Hub) readLoop(k key, c *client) {
	defer func() {
		c.close()
		h.mu.Lock()
		if h.clients[k] == c {
			delete(h.clients, k)
		}
		h.mu.Unlock()
		h.logger.Infof("%s %s disconnected", k.role, k.actorID)
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(string(message)), "ping") {
			c.wmu.Lock()
			_ = c.conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			c.wmu.Unlock()
			continue
		}
		var in inbound
		if err := json.Unmarshal(message, &in); err != nil {
			h.logger.Errorf("%s %s invalid payload: %v", k.role, k.actorID, err)
			continue
		}
		p := geo.Point{Lon: in.Lon, Lat: in.Lat}
		switch in.Type {
		case "position":
			c.sess.Offer(p)
		case "area":
			if k.role != fsm.RoleFulfiller {
				continue
			}
			var near *geo.Point
			if p.Valid() && (p.Lat != 0 || p.Lon != 0) {
				near = &p
			}
			if err := c.sess.WatchPool(near); err != nil {
				h.logger.Errorf("%s %s watch pool: %v", k.role, k.actorID, err)
			}
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	if err := c.write(ViewFrame{Type: "view", View: c.sess.Current()}); err != nil {
		c.close()
		return
	}
	for {
		var err error
		select {
		case <-c.done:
			return
		case v := <-c.sess.Updates():
			err = c.write(ViewFrame{Type: "view", View: v})
		case trips := <-c.sess.PoolUpdates():
			if trips == nil {
				trips = []repo.Trip{}
			}
			err = c.write(PoolFrame{Type: "pool", Trips: trips})
		case <-ping.C:
			c.wmu.Lock()
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.wmu.Unlock()
		}
		if err != nil {
			c.close()
			return
		}
	}
}

func (h *Hub) client(role fsm.Role, actorID string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[key{role: role, actorID: actorID}]
}

// Follow points a connected requester's view at tripID.
func (h *Hub) Follow(requesterID, tripID string) {
	c := h.client(fsm.RoleRequester, requesterID)
	if c == nil {
		return
	}
	if err := c.sess.Follow(tripID); err != nil {
		h.logger.Errorf("requester %s follow trip %s: %v", requesterID, tripID, err)
	}
}

// Request opens a trip through the requester's session, which fills a
// missing pickup from the device position. ok is false when the requester
// has no open connection.
func (h *Hub) Request(ctx context.Context, requesterID string, pickup *geo.Point, dropoff geo.Point) (trip repo.Trip, ok bool, err error) {
	c := h.client(fsm.RoleRequester, requesterID)
	if c == nil {
		return repo.Trip{}, false, nil
	}
	trip, err = c.sess.Request(ctx, pickup, dropoff)
	return trip, true, err
}

// Connected reports whether the party has an open connection.
func (h *Hub) Connected(role fsm.Role, actorID string) bool {
	return h.client(role, actorID) != nil
}

// TripSettled tells both parties that the payment was confirmed.
func (h *Hub) TripSettled(_ context.Context, trip repo.Trip) {
	event := EventFrame{Type: "settled", TripID: trip.ID, Status: trip.Status}
	for _, k := range []key{{fsm.RoleRequester, trip.RequesterID}, {fsm.RoleFulfiller, trip.FulfillerID}} {
		c := h.client(k.role, k.actorID)
		if c == nil {
			continue
		}
		if err := c.write(event); err != nil {
			h.logger.Errorf("%s %s write failed: %v", k.role, k.actorID, err)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[key]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
