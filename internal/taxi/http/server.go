package taxihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bmizerany/pat"

	"tripBack/internal/taxi/auth"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/lifecycle"
	"tripBack/internal/taxi/pricing"
	"tripBack/internal/taxi/repo"
	"tripBack/internal/taxi/tracking"
)

// Logger is the subset of the application logger used here.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Notifier pushes trip changes to a party that may be offline.
type Notifier interface {
	TripChanged(ctx context.Context, role fsm.Role, actorID string, trip repo.Trip) error
}

// Hub serves the websocket channels and lets the API point a connected
// requester at a newly created trip.
type Hub interface {
	ServeRequester(w http.ResponseWriter, r *http.Request)
	ServeFulfiller(w http.ResponseWriter, r *http.Request)
	Follow(requesterID, tripID string)
	Request(ctx context.Context, requesterID string, pickup *geo.Point, dropoff geo.Point) (repo.Trip, bool, error)
}

// Server handles HTTP endpoints for the trip module.
type Server struct {
	logger   Logger
	trips    *lifecycle.Service
	hub      Hub
	notifier Notifier
	verifier auth.Verifier
}

// NewServer constructs server. hub and notifier may be nil.
func NewServer(logger Logger, trips *lifecycle.Service, hub Hub, notifier Notifier, verifier auth.Verifier) *Server {
	return &Server{
		logger:   logger,
		trips:    trips,
		hub:      hub,
		notifier: notifier,
		verifier: verifier,
	}
}

// RegisterRoutes mounts the trip API on mux. Static paths are registered
// before the :id patterns so they win the match.
func (s *Server) RegisterRoutes(mux *pat.PatternServeMux) {
	authed := auth.Middleware(s.verifier)
	handle := func(h http.HandlerFunc) http.Handler { return authed(h) }

	mux.Post("/api/v1/trips", handle(s.handleCreateTrip))
	mux.Get("/api/v1/trips/open", handle(s.handleOpenTrip))
	mux.Get("/api/v1/trips/pending", handle(s.handlePendingTrips))
	mux.Get("/api/v1/trips/:id", handle(s.handleGetTrip))
	mux.Post("/api/v1/trips/:id/accept", handle(s.handleAccept))
	mux.Post("/api/v1/trips/:id/start", handle(s.handleStart))
	mux.Post("/api/v1/trips/:id/complete", handle(s.handleComplete))
	mux.Post("/api/v1/trips/:id/confirm-payment", handle(s.handleConfirmPayment))
	mux.Post("/api/v1/trips/:id/cancel", handle(s.handleCancel))
	mux.Get("/api/v1/estimate", handle(s.handleEstimate))
	mux.Get("/api/v1/profile", handle(s.handleGetProfile))
	mux.Put("/api/v1/profile", handle(s.handleSaveProfile))
	mux.Get("/api/v1/history", handle(s.handleHistory))
	mux.Get("/api/v1/earnings", handle(s.handleEarnings))
	if s.hub != nil {
		mux.Get("/ws/requester", http.HandlerFunc(s.hub.ServeRequester))
		mux.Get("/ws/fulfiller", http.HandlerFunc(s.hub.ServeFulfiller))
	}
	mux.Get("/healthz", http.HandlerFunc(s.handleHealth))
}

type tripRequest struct {
	Pickup  *geo.Point `json:"pickup"`
	Dropoff *geo.Point `json:"dropoff"`
}

type cancelRequest struct {
	Role string `json:"role"`
}

type profileRequest struct {
	SettlementAddress string  `json:"settlement_address"`
	Rate              float64 `json:"rate"`
}

type tripResponse struct {
	Trip repo.Trip `json:"trip"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.Actor(r.Context())
	var req tripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Dropoff == nil {
		writeError(w, http.StatusBadRequest, "dropoff is required")
		return
	}
	if !req.Dropoff.Valid() || (req.Pickup != nil && !req.Pickup.Valid()) {
		writeError(w, http.StatusBadRequest, "invalid coordinates")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	if req.Pickup == nil {
		s.requestFromDevice(ctx, w, actor, *req.Dropoff)
		return
	}
	trip, err := s.trips.RequestTrip(ctx, actor, *req.Pickup, *req.Dropoff)
	if err != nil {
		s.fail(w, "create trip", err)
		return
	}
	if s.hub != nil {
		s.hub.Follow(actor, trip.ID)
	}
	writeJSON(w, http.StatusCreated, tripResponse{Trip: trip})
}

// requestFromDevice uses the position the requester's socket last
// reported as the pickup.
func (s *Server) requestFromDevice(ctx context.Context, w http.ResponseWriter, actor string, dropoff geo.Point) {
	if s.hub == nil {
		writeError(w, http.StatusBadRequest, "pickup is required")
		return
	}
	trip, ok, err := s.hub.Request(ctx, actor, nil, dropoff)
	switch {
	case !ok:
		writeError(w, http.StatusBadRequest, "pickup is required without a live connection")
	case errors.Is(err, tracking.ErrPositionUnavailable):
		writeError(w, http.StatusBadRequest, "pickup is required, no device position available")
	case err != nil:
		s.fail(w, "create trip", err)
	default:
		writeJSON(w, http.StatusCreated, tripResponse{Trip: trip})
	}
}

func (s *Server) handleOpenTrip(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.Actor(r.Context())
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	trip, ok, err := s.trips.OpenTrip(ctx, actor)
	if err != nil {
		s.fail(w, "open trip", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no open trip")
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: trip})
}

func (s *Server) handlePendingTrips(w http.ResponseWriter, r *http.Request) {
	var near *geo.Point
	q := r.URL.Query()
	if q.Get("lat") != "" || q.Get("lon") != "" {
		p, err := parsePoint(q.Get("lat"), q.Get("lon"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		near = &p
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	trips, err := s.trips.PendingTrips(ctx, near)
	if err != nil {
		s.fail(w, "pending trips", err)
		return
	}
	if trips == nil {
		trips = []repo.Trip{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trips": trips})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.Actor(r.Context())
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	trip, err := s.trips.Trip(ctx, r.URL.Query().Get(":id"))
	if err != nil {
		s.fail(w, "get trip", err)
		return
	}
	// unclaimed trips are visible to every fulfiller browsing the pool
	if trip.RequesterID != actor && trip.FulfillerID != actor && trip.Status != fsm.StatusPending {
		writeError(w, http.StatusNotFound, "trip not found")
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: trip})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.fulfillerAction(w, r, "accept", s.trips.Accept)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.fulfillerAction(w, r, "start", s.trips.Start)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.fulfillerAction(w, r, "complete", s.trips.Complete)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	s.fulfillerAction(w, r, "confirm payment", s.trips.ConfirmPayment)
}

func (s *Server) fulfillerAction(w http.ResponseWriter, r *http.Request, name string, act func(ctx context.Context, tripID, fulfillerID string) (repo.Trip, error)) {
	actor, _ := auth.Actor(r.Context())
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	trip, err := act(ctx, r.URL.Query().Get(":id"), actor)
	if err != nil {
		s.fail(w, name, err)
		return
	}
	s.push(ctx, fsm.RoleRequester, trip.RequesterID, trip)
	writeJSON(w, http.StatusOK, tripResponse{Trip: trip})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.Actor(r.Context())
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	tripID := r.URL.Query().Get(":id")
	var role fsm.Role
	switch fsm.Role(req.Role) {
	case fsm.RoleRequester, fsm.RoleFulfiller:
		role = fsm.Role(req.Role)
	case "":
		current, err := s.trips.Trip(ctx, tripID)
		if err != nil {
			s.fail(w, "cancel", err)
			return
		}
		role = fsm.RoleFulfiller
		if current.RequesterID == actor {
			role = fsm.RoleRequester
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	trip, err := s.trips.Cancel(ctx, tripID, actor, role)
	if err != nil {
		s.fail(w, "cancel", err)
		return
	}
	if role == fsm.RoleRequester {
		s.push(ctx, fsm.RoleFulfiller, trip.FulfillerID, trip)
	} else {
		s.push(ctx, fsm.RoleRequester, trip.RequesterID, trip)
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: trip})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parsePoint(q.Get("from_lat"), q.Get("from_lon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parsePoint(q.Get("to_lat"), q.Get("to_lon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]pricing.Fare{"fare": s.trips.Estimate(from, to)})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.Actor(r.Context())
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	profile, err := s.trips.Profile(ctx, actor)
	if err != nil {
		s.fail(w, "get profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.Actor(r.Context())
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	profile, err := s.trips.SaveProfile(ctx, actor, req.SettlementAddress, req.Rate)
	if err != nil {
		s.fail(w, "save profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.Actor(r.Context())
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	trips, err := s.trips.History(ctx, actor)
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	if trips == nil {
		trips = []repo.Trip{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trips": trips})
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.Actor(r.Context())
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	total, err := s.trips.Earnings(ctx, actor)
	if err != nil {
		s.fail(w, "earnings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"total": total})
}

// push tells the counterpart about the new status. Delivery failures are
// logged; the websocket view catches up regardless.
func (s *Server) push(ctx context.Context, role fsm.Role, actorID string, trip repo.Trip) {
	if s.notifier == nil || actorID == "" {
		return
	}
	if err := s.notifier.TripChanged(ctx, role, actorID, trip); err != nil {
		s.logger.Errorf("push %s to %s %s failed: %v", trip.Status, role, actorID, err)
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("%s failed: %v", op, err)
	}
	writeError(w, status, msg)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, lifecycle.ErrNotParticipant):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, lifecycle.ErrPreconditionUnmet):
		return http.StatusPreconditionFailed, err.Error()
	case errors.Is(err, lifecycle.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func parsePoint(latRaw, lonRaw string) (geo.Point, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil {
		return geo.Point{}, errors.New("invalid lat")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonRaw), 64)
	if err != nil {
		return geo.Point{}, errors.New("invalid lon")
	}
	p := geo.Point{Lat: lat, Lon: lon}
	if !p.Valid() {
		return geo.Point{}, errors.New("coordinates out of range")
	}
	return p, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}
