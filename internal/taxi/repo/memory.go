package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
)

// MemoryStore is an in-process Store. Every write is atomic under one
// lock and watchers observe writes in commit order.
type MemoryStore struct {
	clock clock.Clock

	mu          sync.Mutex
	trips       map[string]Trip
	profiles    map[string]Profile
	tripWatch   map[string]map[*mailbox[TripEvent]]struct{}
	poolWatch   map[*mailbox[PoolEvent]]TripQuery
	down        bool
	mutationLog []Mutation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:     clk,
		trips:     make(map[string]Trip),
		profiles:  make(map[string]Profile),
		tripWatch: make(map[string]map[*mailbox[TripEvent]]struct{}),
		poolWatch: make(map[*mailbox[PoolEvent]]TripQuery),
	}
}

// SetUnavailable makes every operation fail with ErrUnavailable until it
// is called again with false. Watchers receive an error event and then
// the current value once the store is back.
func (s *MemoryStore) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
	for id, boxes := range s.tripWatch {
		for box := range boxes {
			box.put(s.tripEventLocked(id))
		}
	}
	for box, q := range s.poolWatch {
		box.put(s.poolEventLocked(q))
	}
}

// Mutations returns the conditional writes committed so far.
func (s *MemoryStore) Mutations() []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Mutation(nil), s.mutationLog...)
}

// CreateTrip stores a new pending trip with a generated id.
func (s *MemoryStore) CreateTrip(ctx context.Context, t Trip) (Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return Trip{}, ErrUnavailable
	}
	for _, existing := range s.trips {
		if openTripQuery(t.RequesterID).Match(existing) {
			return Trip{}, ErrOpenTrip
		}
	}
	t = prepareTrip(t, s.clock.Now())
	t.ID = uuid.NewString()
	s.trips[t.ID] = t
	s.notifyLocked(t.ID)
	return t.Clone(), nil
}

// GetTrip returns the trip with the given id.
func (s *MemoryStore) GetTrip(ctx context.Context, id string) (Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return Trip{}, ErrUnavailable
	}
	t, ok := s.trips[id]
	if !ok {
		return Trip{}, ErrNotFound
	}
	return t.Clone(), nil
}

// ApplyMutation performs the conditional write.
func (s *MemoryStore) ApplyMutation(ctx context.Context, m Mutation) (Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return Trip{}, ErrUnavailable
	}
	t, ok := s.trips[m.TripID]
	if !ok {
		return Trip{}, ErrNotFound
	}
	if !m.When.Check(t) {
		return t.Clone(), ErrConflict
	}
	m.Set.ApplyTo(&t, s.clock.Now())
	s.trips[t.ID] = t
	s.mutationLog = append(s.mutationLog, m)
	s.notifyLocked(t.ID)
	return t.Clone(), nil
}

// FindTrips runs q against the stored trips.
func (s *MemoryStore) FindTrips(ctx context.Context, q TripQuery) ([]Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrUnavailable
	}
	return s.findLocked(q), nil
}

func (s *MemoryStore) findLocked(q TripQuery) []Trip {
	var out []Trip
	for _, t := range s.trips {
		if q.Match(t) {
			out = append(out, t.Clone())
		}
	}
	return q.sortTrips(out)
}

// WatchTrip subscribes to one trip. The current value is delivered first.
func (s *MemoryStore) WatchTrip(ctx context.Context, id string) (*TripWatch, error) {
	box := newMailbox[TripEvent]()
	s.mu.Lock()
	if s.tripWatch[id] == nil {
		s.tripWatch[id] = make(map[*mailbox[TripEvent]]struct{})
	}
	s.tripWatch[id][box] = struct{}{}
	box.put(s.tripEventLocked(id))
	s.mu.Unlock()

	stop := s.stopper(ctx, func() {
		delete(s.tripWatch[id], box)
		if len(s.tripWatch[id]) == 0 {
			delete(s.tripWatch, id)
		}
		box.close()
	})
	return &TripWatch{C: box.ch, close: stop}, nil
}

// WatchTrips subscribes to a query. The current result is delivered first.
func (s *MemoryStore) WatchTrips(ctx context.Context, q TripQuery) (*PoolWatch, error) {
	box := newMailbox[PoolEvent]()
	s.mu.Lock()
	s.poolWatch[box] = q
	box.put(s.poolEventLocked(q))
	s.mu.Unlock()

	stop := s.stopper(ctx, func() {
		delete(s.poolWatch, box)
		box.close()
	})
	return &PoolWatch{C: box.ch, close: stop}, nil
}

// stopper returns an idempotent close func that also fires when ctx ends.
func (s *MemoryStore) stopper(ctx context.Context, release func()) func() {
	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			release()
			s.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop
}

func (s *MemoryStore) tripEventLocked(id string) TripEvent {
	if s.down {
		return TripEvent{Err: ErrUnavailable}
	}
	t, ok := s.trips[id]
	if !ok {
		return TripEvent{}
	}
	return TripEvent{Trip: t.Clone(), Found: true}
}

func (s *MemoryStore) poolEventLocked(q TripQuery) PoolEvent {
	if s.down {
		return PoolEvent{Err: ErrUnavailable}
	}
	return PoolEvent{Trips: s.findLocked(q)}
}

func (s *MemoryStore) notifyLocked(id string) {
	for box := range s.tripWatch[id] {
		box.put(s.tripEventLocked(id))
	}
	for box, q := range s.poolWatch {
		box.put(s.poolEventLocked(q))
	}
}

// GetProfile returns a fulfiller profile.
func (s *MemoryStore) GetProfile(ctx context.Context, fulfillerID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return Profile{}, ErrUnavailable
	}
	p, ok := s.profiles[fulfillerID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// SaveProfile creates or replaces a fulfiller profile.
func (s *MemoryStore) SaveProfile(ctx context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnavailable
	}
	p.UpdatedAt = s.clock.Now()
	s.profiles[p.FulfillerID] = p
	return nil
}

// SampleProfiles returns up to limit profiles ordered by fulfiller id.
func (s *MemoryStore) SampleProfiles(ctx context.Context, limit int) ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrUnavailable
	}
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.profiles[id])
	}
	return out, nil
}

// Seed inserts t as-is, bypassing creation rules. Intended for tests and
// fixtures that need trips in a specific state.
func (s *MemoryStore) Seed(t Trip) Trip {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == fsm.StatusNone {
		t.Status = fsm.StatusPending
	}
	s.trips[t.ID] = t.Clone()
	s.notifyLocked(t.ID)
	return t.Clone()
}
