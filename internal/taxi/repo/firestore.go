package repo

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/genproto/googleapis/type/latlng"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/pricing"
)

const (
	tripsCollection    = "rides"
	profilesCollection = "drivers"
)

// FirestoreStore keeps trips as documents in Cloud Firestore. Conditional
// writes run inside transactions and watches use snapshot listeners.
type FirestoreStore struct {
	client *firestore.Client
	clock  clock.Clock
}

// NewFirestoreStore wraps an initialised Firestore client.
func NewFirestoreStore(client *firestore.Client, clk clock.Clock) *FirestoreStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &FirestoreStore{client: client, clock: clk}
}

type tripDoc struct {
	RequesterID       string         `firestore:"requesterId"`
	FulfillerID       string         `firestore:"fulfillerId,omitempty"`
	Pickup            *latlng.LatLng `firestore:"pickup"`
	Dropoff           *latlng.LatLng `firestore:"dropoff"`
	PickupCell        string         `firestore:"pickupCell"`
	Status            string         `firestore:"status"`
	CancelReason      string         `firestore:"cancelReason,omitempty"`
	RequestedAt       time.Time      `firestore:"requestedAt"`
	StartedAt         *time.Time     `firestore:"startedAt,omitempty"`
	EndedAt           *time.Time     `firestore:"endedAt,omitempty"`
	WarnedAt          *time.Time     `firestore:"warnedAt,omitempty"`
	FulfillerPosition *latlng.LatLng `firestore:"fulfillerPosition,omitempty"`
	RequesterPosition *latlng.LatLng `firestore:"requesterPosition,omitempty"`
	Rate              float64        `firestore:"rate"`
	SettlementAddress string         `firestore:"settlementAddress,omitempty"`
	Distance          *float64       `firestore:"distance,omitempty"`
	AmountFiat        *float64       `firestore:"amountFiat,omitempty"`
	AmountToken       *float64       `firestore:"amountToken,omitempty"`
	UpdatedAt         time.Time      `firestore:"updatedAt"`
}

type profileDoc struct {
	SettlementAddress string    `firestore:"walletAddress"`
	Rate              float64   `firestore:"rate"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func toLatLng(p *geo.Point) *latlng.LatLng {
	if p == nil {
		return nil
	}
	return &latlng.LatLng{Latitude: p.Lat, Longitude: p.Lon}
}

func fromLatLng(ll *latlng.LatLng) *geo.Point {
	if ll == nil {
		return nil
	}
	return &geo.Point{Lon: ll.Longitude, Lat: ll.Latitude}
}

func encodeTrip(t Trip) tripDoc {
	doc := tripDoc{
		RequesterID:       t.RequesterID,
		FulfillerID:       t.FulfillerID,
		Pickup:            toLatLng(&t.Pickup),
		Dropoff:           toLatLng(&t.Dropoff),
		PickupCell:        t.PickupCell,
		Status:            string(t.Status),
		CancelReason:      string(t.CancelReason),
		RequestedAt:       t.RequestedAt,
		StartedAt:         t.StartedAt,
		EndedAt:           t.EndedAt,
		WarnedAt:          t.WarnedAt,
		FulfillerPosition: toLatLng(t.FulfillerPosition),
		RequesterPosition: toLatLng(t.RequesterPosition),
		Rate:              t.Rate,
		SettlementAddress: t.SettlementAddress,
		UpdatedAt:         t.UpdatedAt,
	}
	if f := t.Fare; f != nil {
		doc.Distance, doc.AmountFiat, doc.AmountToken = &f.DistanceKm, &f.AmountFiat, &f.AmountToken
	}
	return doc
}

func decodeTrip(snap *firestore.DocumentSnapshot) (Trip, error) {
	var doc tripDoc
	if err := snap.DataTo(&doc); err != nil {
		return Trip{}, err
	}
	t := Trip{
		ID:                snap.Ref.ID,
		RequesterID:       doc.RequesterID,
		FulfillerID:       doc.FulfillerID,
		PickupCell:        doc.PickupCell,
		Status:            fsm.Status(doc.Status),
		CancelReason:      fsm.CancelReason(doc.CancelReason),
		RequestedAt:       doc.RequestedAt,
		StartedAt:         doc.StartedAt,
		EndedAt:           doc.EndedAt,
		WarnedAt:          doc.WarnedAt,
		FulfillerPosition: fromLatLng(doc.FulfillerPosition),
		RequesterPosition: fromLatLng(doc.RequesterPosition),
		Rate:              doc.Rate,
		SettlementAddress: doc.SettlementAddress,
		UpdatedAt:         doc.UpdatedAt,
	}
	if p := fromLatLng(doc.Pickup); p != nil {
		t.Pickup = *p
	}
	if p := fromLatLng(doc.Dropoff); p != nil {
		t.Dropoff = *p
	}
	if doc.Distance != nil {
		t.Fare = &pricing.Fare{DistanceKm: *doc.Distance}
		if doc.AmountFiat != nil {
			t.Fare.AmountFiat = *doc.AmountFiat
		}
		if doc.AmountToken != nil {
			t.Fare.AmountToken = *doc.AmountToken
		}
	}
	return t, nil
}

// firestoreUpdates renders u as field paths. Cleared fields are deleted
// from the document rather than set to null.
func firestoreUpdates(u Update, now time.Time) []firestore.Update {
	var ups []firestore.Update
	add := func(path string, v interface{}) {
		ups = append(ups, firestore.Update{Path: path, Value: v})
	}
	if u.Status != fsm.StatusNone {
		add("status", string(u.Status))
	}
	if u.CancelReason != "" {
		add("cancelReason", string(u.CancelReason))
	}
	if u.FulfillerID != "" {
		add("fulfillerId", u.FulfillerID)
	}
	if u.SettlementAddress != "" {
		add("settlementAddress", u.SettlementAddress)
	}
	if u.Rate != nil {
		add("rate", *u.Rate)
	}
	if u.StartedAt != nil {
		add("startedAt", *u.StartedAt)
	}
	if u.EndedAt != nil {
		add("endedAt", *u.EndedAt)
	}
	if u.WarnedAt != nil {
		add("warnedAt", *u.WarnedAt)
	}
	if u.Fare != nil {
		add("distance", u.Fare.DistanceKm)
		add("amountFiat", u.Fare.AmountFiat)
		add("amountToken", u.Fare.AmountToken)
	}
	if u.FulfillerPosition != nil {
		add("fulfillerPosition", toLatLng(u.FulfillerPosition))
	}
	if u.RequesterPosition != nil {
		add("requesterPosition", toLatLng(u.RequesterPosition))
	}
	for _, f := range u.Clear {
		add(string(f), firestore.Delete)
	}
	add("updatedAt", now)
	return ups
}

func (s *FirestoreStore) trips() *firestore.CollectionRef {
	return s.client.Collection(tripsCollection)
}

func (s *FirestoreStore) query(q TripQuery) firestore.Query {
	fq := s.trips().Query
	if q.RequesterID != "" {
		fq = fq.Where("requesterId", "==", q.RequesterID)
	}
	if q.FulfillerID != "" {
		fq = fq.Where("fulfillerId", "==", q.FulfillerID)
	}
	switch len(q.Statuses) {
	case 0:
	case 1:
		fq = fq.Where("status", "==", string(q.Statuses[0]))
	default:
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		fq = fq.Where("status", "in", statuses)
	}
	if len(q.PickupCells) > 0 {
		fq = fq.Where("pickupCell", "in", q.PickupCells)
	}
	if !q.RequestedBefore.IsZero() {
		fq = fq.Where("requestedAt", "<", q.RequestedBefore)
	}
	dir := firestore.Asc
	if q.Newest {
		dir = firestore.Desc
	}
	fq = fq.OrderBy("requestedAt", dir)
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

func firestoreErr(err error) error {
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return unavailable(err)
}

// CreateTrip adds a pending trip. The open-trip check and the insert run
// in one transaction.
func (s *FirestoreStore) CreateTrip(ctx context.Context, t Trip) (Trip, error) {
	t = prepareTrip(t, s.clock.Now().UTC())
	ref := s.trips().NewDoc()
	t.ID = ref.ID
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		open, err := tx.Documents(s.query(openTripQuery(t.RequesterID))).GetAll()
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return ErrOpenTrip
		}
		return tx.Create(ref, encodeTrip(t))
	})
	if errors.Is(err, ErrOpenTrip) {
		return Trip{}, ErrOpenTrip
	}
	if err != nil {
		return Trip{}, unavailable(err)
	}
	return t, nil
}

// GetTrip reads one trip document.
func (s *FirestoreStore) GetTrip(ctx context.Context, id string) (Trip, error) {
	snap, err := s.trips().Doc(id).Get(ctx)
	if err != nil {
		return Trip{}, firestoreErr(err)
	}
	t, err := decodeTrip(snap)
	if err != nil {
		return Trip{}, unavailable(err)
	}
	return t, nil
}

// ApplyMutation checks the condition and writes the update in one
// transaction.
func (s *FirestoreStore) ApplyMutation(ctx context.Context, m Mutation) (Trip, error) {
	ref := s.trips().Doc(m.TripID)
	var result Trip
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return firestoreErr(err)
		}
		t, err := decodeTrip(snap)
		if err != nil {
			return err
		}
		result = t
		if !m.When.Check(t) {
			return ErrConflict
		}
		now := s.clock.Now().UTC()
		if err := tx.Update(ref, firestoreUpdates(m.Set, now)); err != nil {
			return err
		}
		m.Set.ApplyTo(&result, now)
		return nil
	})
	switch {
	case errors.Is(err, ErrConflict):
		return result, ErrConflict
	case errors.Is(err, ErrNotFound):
		return Trip{}, ErrNotFound
	case err != nil:
		return Trip{}, unavailable(err)
	}
	return result, nil
}

// FindTrips runs q.
func (s *FirestoreStore) FindTrips(ctx context.Context, q TripQuery) ([]Trip, error) {
	snaps, err := s.query(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeAll(snaps)
}

func decodeAll(snaps []*firestore.DocumentSnapshot) ([]Trip, error) {
	out := make([]Trip, 0, len(snaps))
	for _, snap := range snaps {
		t, err := decodeTrip(snap)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, t)
	}
	return out, nil
}

// WatchTrip listens to one document. A broken listener reports the error
// and is re-opened after a backoff.
func (s *FirestoreStore) WatchTrip(ctx context.Context, id string) (*TripWatch, error) {
	ctx, cancel := context.WithCancel(ctx)
	box := newMailbox[TripEvent]()
	go func() {
		defer box.close()
		b := newBackoff()
		for {
			it := s.trips().Doc(id).Snapshots(ctx)
			var err error
			for {
				var snap *firestore.DocumentSnapshot
				snap, err = it.Next()
				if err != nil {
					break
				}
				b.reset()
				if !snap.Exists() {
					box.put(TripEvent{})
					continue
				}
				t, derr := decodeTrip(snap)
				if derr != nil {
					box.put(TripEvent{Err: unavailable(derr)})
					continue
				}
				box.put(TripEvent{Trip: t, Found: true})
			}
			it.Stop()
			if ctx.Err() != nil {
				return
			}
			box.put(TripEvent{Err: unavailable(err)})
			if !wait(ctx, s.clock, b.next()) {
				return
			}
		}
	}()
	return &TripWatch{C: box.ch, close: cancel}, nil
}

// WatchTrips listens to a query.
func (s *FirestoreStore) WatchTrips(ctx context.Context, q TripQuery) (*PoolWatch, error) {
	ctx, cancel := context.WithCancel(ctx)
	box := newMailbox[PoolEvent]()
	go func() {
		defer box.close()
		b := newBackoff()
		for {
			it := s.query(q).Snapshots(ctx)
			var err error
			for {
				var qs *firestore.QuerySnapshot
				qs, err = it.Next()
				if err != nil {
					break
				}
				b.reset()
				var snaps []*firestore.DocumentSnapshot
				snaps, err = qs.Documents.GetAll()
				if err != nil {
					break
				}
				trips, derr := decodeAll(snaps)
				if derr != nil {
					box.put(PoolEvent{Err: derr})
					continue
				}
				box.put(PoolEvent{Trips: trips})
			}
			it.Stop()
			if ctx.Err() != nil || errors.Is(err, iterator.Done) {
				return
			}
			box.put(PoolEvent{Err: unavailable(err)})
			if !wait(ctx, s.clock, b.next()) {
				return
			}
		}
	}()
	return &PoolWatch{C: box.ch, close: cancel}, nil
}

// GetProfile reads a fulfiller profile.
func (s *FirestoreStore) GetProfile(ctx context.Context, fulfillerID string) (Profile, error) {
	snap, err := s.client.Collection(profilesCollection).Doc(fulfillerID).Get(ctx)
	if err != nil {
		return Profile{}, firestoreErr(err)
	}
	var doc profileDoc
	if err := snap.DataTo(&doc); err != nil {
		return Profile{}, unavailable(err)
	}
	return Profile{FulfillerID: fulfillerID, SettlementAddress: doc.SettlementAddress, Rate: doc.Rate, UpdatedAt: doc.UpdatedAt}, nil
}

// SaveProfile replaces the fulfiller's profile document.
func (s *FirestoreStore) SaveProfile(ctx context.Context, p Profile) error {
	doc := profileDoc{SettlementAddress: p.SettlementAddress, Rate: p.Rate, UpdatedAt: s.clock.Now().UTC()}
	_, err := s.client.Collection(profilesCollection).Doc(p.FulfillerID).Set(ctx, doc)
	return unavailable(err)
}

// SampleProfiles returns up to limit profiles in document id order.
func (s *FirestoreStore) SampleProfiles(ctx context.Context, limit int) ([]Profile, error) {
	snaps, err := s.client.Collection(profilesCollection).OrderBy(firestore.DocumentID, firestore.Asc).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]Profile, 0, len(snaps))
	for _, snap := range snaps {
		var doc profileDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, Profile{FulfillerID: snap.Ref.ID, SettlementAddress: doc.SettlementAddress, Rate: doc.Rate, UpdatedAt: doc.UpdatedAt})
	}
	return out, nil
}
