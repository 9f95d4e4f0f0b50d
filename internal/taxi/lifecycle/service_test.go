package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"tripBack/internal/taxi/clock"
	"tripBack/internal/taxi/fsm"
	"tripBack/internal/taxi/geo"
	"tripBack/internal/taxi/pricing"
	"tripBack/internal/taxi/repo"
)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

type fixedPrice float64

func (p fixedPrice) Price() float64 { return float64(p) }

type fixedRate float64

func (r fixedRate) AverageRate() float64 { return float64(r) }

type recordingHook struct{ trips []repo.Trip }

func (h *recordingHook) TripSettled(_ context.Context, t repo.Trip) { h.trips = append(h.trips, t) }

var (
	pickup  = geo.Point{Lon: -74.0060, Lat: 40.7128}
	dropoff = geo.Point{Lon: -73.9855, Lat: 40.7580}
	start   = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newTestService(t *testing.T, price PriceSource) (*Service, *repo.MemoryStore, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(start)
	store := repo.NewMemoryStore(clk)
	svc := NewService(DefaultConfig(), store, price, nil, clk, nopLogger{})
	if err := store.SaveProfile(context.Background(), repo.Profile{FulfillerID: "d1", SettlementAddress: "0xabc", Rate: 1.5}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	return svc, store, clk
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, store, clk := newTestService(t, fixedPrice(0.05))
	hook := &recordingHook{}
	svc.OnSettled(hook)

	trip, err := svc.RequestTrip(ctx, "u1", pickup, dropoff)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if trip.Status != fsm.StatusPending || trip.Rate != pricing.DefaultRate {
		t.Fatalf("unexpected new trip %+v", trip)
	}
	if !trip.RequestedAt.Equal(start) {
		t.Fatalf("expected requestedAt %v got %v", start, trip.RequestedAt)
	}

	clk.Advance(time.Minute)
	if trip, err = svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if trip.Status != fsm.StatusAccepted || trip.FulfillerID != "d1" || trip.SettlementAddress != "0xabc" {
		t.Fatalf("unexpected accepted trip %+v", trip)
	}

	clk.Advance(2 * time.Minute)
	if trip, err = svc.Start(ctx, trip.ID, "d1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if trip.StartedAt == nil || !trip.StartedAt.Equal(start.Add(3*time.Minute)) {
		t.Fatalf("startedAt not recorded: %+v", trip.StartedAt)
	}

	clk.Advance(15 * time.Minute)
	if trip, err = svc.Complete(ctx, trip.ID, "d1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	want := pricing.Fare{DistanceKm: 5.31, AmountFiat: 7.97, AmountToken: 159.4}
	if trip.Fare == nil || *trip.Fare != want {
		t.Fatalf("expected fare %+v got %+v", want, trip.Fare)
	}
	if trip.EndedAt == nil || trip.FulfillerPosition != nil || trip.RequesterPosition != nil {
		t.Fatalf("unexpected completed trip %+v", trip)
	}

	if trip, err = svc.ConfirmPayment(ctx, trip.ID, "d1"); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if trip.Status != fsm.StatusSettled {
		t.Fatalf("expected settled got %s", trip.Status)
	}
	if len(hook.trips) != 1 || hook.trips[0].ID != trip.ID {
		t.Fatalf("settlement hook not called once: %+v", hook.trips)
	}
	if n := len(store.Mutations()); n != 4 {
		t.Fatalf("expected 4 conditional writes got %d", n)
	}
}

func TestFareFixedAfterCompletion(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, fixedPrice(0.05))
	trip := store.Seed(repo.Trip{RequesterID: "u1", FulfillerID: "d1", Pickup: pickup, Dropoff: dropoff, Status: fsm.StatusActive, Rate: 1.5, RequestedAt: start})

	done, err := svc.Complete(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := svc.Complete(ctx, trip.ID, "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second complete, got %v", err)
	}
	settled, err := svc.ConfirmPayment(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if !reflect.DeepEqual(done.Fare, settled.Fare) {
		t.Fatalf("fare changed after completion: %+v vs %+v", done.Fare, settled.Fare)
	}
}

func TestDoubleAccept(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, nil)
	if err := store.SaveProfile(ctx, repo.Profile{FulfillerID: "d2", SettlementAddress: "0xdef"}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	trip, err := svc.RequestTrip(ctx, "u1", pickup, dropoff)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if _, err := svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	got, err := svc.Accept(ctx, trip.ID, "d2")
	if !errors.Is(err, ErrAlreadyAccepted) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected already accepted, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != fsm.StatusAccepted {
		t.Fatalf("expected transition error from accepted, got %#v", err)
	}
	if got.FulfillerID != "d1" {
		t.Fatalf("record changed by losing accept: %+v", got)
	}
}

func TestAcceptRequiresSettlementAddress(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, nil)
	if err := store.SaveProfile(ctx, repo.Profile{FulfillerID: "d3", SettlementAddress: "  "}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	trip, err := svc.RequestTrip(ctx, "u1", pickup, dropoff)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	for _, id := range []string{"d3", "nobody"} {
		if _, err := svc.Accept(ctx, trip.ID, id); !errors.Is(err, ErrNoSettlementAddress) {
			t.Fatalf("%s: expected missing settlement address, got %v", id, err)
		}
	}
	current, err := svc.Trip(ctx, trip.ID)
	if err != nil {
		t.Fatalf("Trip: %v", err)
	}
	if current.Status != fsm.StatusPending || current.FulfillerID != "" {
		t.Fatalf("trip modified: %+v", current)
	}
	if n := len(store.Mutations()); n != 0 {
		t.Fatalf("expected no writes, got %d", n)
	}
}

func TestAcceptUsesFulfillerRate(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, nil)
	if err := store.SaveProfile(ctx, repo.Profile{FulfillerID: "d4", SettlementAddress: "0x1", Rate: 2.25}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	trip, _ := svc.RequestTrip(ctx, "u1", pickup, dropoff)
	trip, err := svc.Accept(ctx, trip.ID, "d4")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if trip.Rate != 2.25 {
		t.Fatalf("expected fulfiller rate 2.25, got %v", trip.Rate)
	}
}

func TestCancel(t *testing.T) {
	cases := []struct {
		name    string
		status  fsm.Status
		actor   string
		role    fsm.Role
		wantErr error
		reason  fsm.CancelReason
	}{
		{"requester while pending", fsm.StatusPending, "u1", fsm.RoleRequester, nil, fsm.ReasonRequester},
		{"requester while accepted", fsm.StatusAccepted, "u1", fsm.RoleRequester, nil, fsm.ReasonRequester},
		{"fulfiller while accepted", fsm.StatusAccepted, "d1", fsm.RoleFulfiller, nil, fsm.ReasonFulfiller},
		{"fulfiller while pending", fsm.StatusPending, "d1", fsm.RoleFulfiller, ErrInvalidTransition, ""},
		{"requester while active", fsm.StatusActive, "u1", fsm.RoleRequester, ErrInvalidTransition, ""},
		{"fulfiller while completed", fsm.StatusCompleted, "d1", fsm.RoleFulfiller, ErrInvalidTransition, ""},
		{"stranger", fsm.StatusAccepted, "u2", fsm.RoleRequester, ErrNotParticipant, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			svc, store, _ := newTestService(t, nil)
			seed := repo.Trip{RequesterID: "u1", Pickup: pickup, Dropoff: dropoff, Status: tc.status, RequestedAt: start}
			if tc.status != fsm.StatusPending {
				seed.FulfillerID = "d1"
				seed.FulfillerPosition = &geo.Point{Lon: -74, Lat: 40.71}
			}
			trip := store.Seed(seed)
			before, _ := svc.Trip(ctx, trip.ID)

			got, err := svc.Cancel(ctx, trip.ID, tc.actor, tc.role)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v got %v", tc.wantErr, err)
				}
				after, _ := svc.Trip(ctx, trip.ID)
				if !reflect.DeepEqual(before, after) {
					t.Fatalf("record changed: %+v -> %+v", before, after)
				}
				return
			}
			if err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if got.Status != fsm.StatusCancelled || got.CancelReason != tc.reason {
				t.Fatalf("unexpected cancelled trip %+v", got)
			}
			if got.FulfillerPosition != nil || got.RequesterPosition != nil {
				t.Fatalf("positions not cleared: %+v", got)
			}
		})
	}
}

func TestExpireOnlyPending(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, nil)
	pending := store.Seed(repo.Trip{RequesterID: "u1", Pickup: pickup, Dropoff: dropoff, RequestedAt: start})
	accepted := store.Seed(repo.Trip{RequesterID: "u2", FulfillerID: "d1", Pickup: pickup, Dropoff: dropoff, Status: fsm.StatusAccepted, RequestedAt: start})

	got, err := svc.Expire(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if !got.Expired() {
		t.Fatalf("expected expired trip, got %+v", got)
	}
	if _, err := svc.Expire(ctx, pending.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second expire, got %v", err)
	}
	if _, err := svc.Expire(ctx, accepted.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected accepted trip to be left alone, got %v", err)
	}
}

func TestMarkWarnedOnce(t *testing.T) {
	ctx := context.Background()
	svc, store, clk := newTestService(t, nil)
	pending := store.Seed(repo.Trip{RequesterID: "u1", Pickup: pickup, Dropoff: dropoff, RequestedAt: start})
	accepted := store.Seed(repo.Trip{RequesterID: "u2", FulfillerID: "d1", Pickup: pickup, Dropoff: dropoff, Status: fsm.StatusAccepted, RequestedAt: start})

	clk.Advance(8 * time.Minute)
	cases := []struct {
		name   string
		tripID string
		want   bool
	}{
		{"first warning", pending.ID, true},
		{"repeat", pending.ID, false},
		{"not pending", accepted.ID, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.MarkWarned(ctx, tc.tripID)
			if err != nil {
				t.Fatalf("MarkWarned: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v got %v", tc.want, got)
			}
		})
	}
	got, err := store.GetTrip(ctx, pending.ID)
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	if got.WarnedAt == nil || !got.WarnedAt.Equal(start.Add(8*time.Minute)) || got.Status != fsm.StatusPending {
		t.Fatalf("unexpected warned trip %+v", got)
	}
	if _, err := svc.MarkWarned(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentAccept(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, nil)
	if err := store.SaveProfile(ctx, repo.Profile{FulfillerID: "d2", SettlementAddress: "0xdef"}); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	for round := 0; round < 20; round++ {
		trip, err := svc.RequestTrip(ctx, fmt.Sprintf("u%d", round), pickup, dropoff)
		if err != nil {
			t.Fatalf("RequestTrip: %v", err)
		}

		fulfillers := []string{"d1", "d2"}
		errs := make([]error, len(fulfillers))
		var ready, done sync.WaitGroup
		ready.Add(1)
		for i, id := range fulfillers {
			done.Add(1)
			go func(i int, id string) {
				defer done.Done()
				ready.Wait()
				_, errs[i] = svc.Accept(ctx, trip.ID, id)
			}(i, id)
		}
		ready.Done()
		done.Wait()

		winner := ""
		for i, err := range errs {
			switch {
			case err == nil:
				if winner != "" {
					t.Fatalf("round %d: both fulfillers accepted", round)
				}
				winner = fulfillers[i]
			case !errors.Is(err, ErrAlreadyAccepted):
				t.Fatalf("round %d: loser got %v, want already accepted", round, err)
			}
		}
		if winner == "" {
			t.Fatalf("round %d: no fulfiller accepted", round)
		}
		got, err := store.GetTrip(ctx, trip.ID)
		if err != nil {
			t.Fatalf("GetTrip: %v", err)
		}
		if got.Status != fsm.StatusAccepted || got.FulfillerID != winner {
			t.Fatalf("round %d: record %+v does not match winner %s", round, got, winner)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)

	if _, err := svc.Execute(ctx, Request{RequesterID: "u1", Pickup: &pickup}); !errors.Is(err, ErrMissingLocation) {
		t.Fatalf("expected missing location, got %v", err)
	}
	if _, err := svc.Execute(ctx, Request{RequesterID: "u1", Pickup: &pickup, Dropoff: &geo.Point{Lon: 200, Lat: 0}}); !errors.Is(err, ErrPreconditionUnmet) {
		t.Fatalf("expected precondition error for invalid dropoff, got %v", err)
	}
	if _, err := svc.RequestTrip(ctx, "u1", pickup, dropoff); err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if _, err := svc.RequestTrip(ctx, "u1", pickup, dropoff); !errors.Is(err, ErrOpenTrip) {
		t.Fatalf("expected open trip error, got %v", err)
	}
}

func TestRequestCapturesFleetRate(t *testing.T) {
	clk := clock.Fake(start)
	store := repo.NewMemoryStore(clk)
	svc := NewService(DefaultConfig(), store, nil, fixedRate(2.4), clk, nopLogger{})
	trip, err := svc.RequestTrip(context.Background(), "u1", pickup, dropoff)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if trip.Rate != 2.4 {
		t.Fatalf("expected rate 2.4 got %v", trip.Rate)
	}
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, nil)
	trip, _ := svc.RequestTrip(ctx, "u1", pickup, dropoff)
	store.SetUnavailable(true)
	if _, err := svc.Accept(ctx, trip.ID, "d1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	store.SetUnavailable(false)
	if _, err := svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatalf("retry Accept: %v", err)
	}
}

func TestUnknownTrip(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	if _, err := svc.Start(context.Background(), "missing", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryAndEarnings(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, nil)
	fare := func(v float64) *pricing.Fare { return &pricing.Fare{AmountFiat: v} }
	store.Seed(repo.Trip{ID: "a", RequesterID: "u1", FulfillerID: "d1", Status: fsm.StatusSettled, Fare: fare(4.5), RequestedAt: start})
	store.Seed(repo.Trip{ID: "b", RequesterID: "u2", FulfillerID: "d1", Status: fsm.StatusCompleted, Fare: fare(3), RequestedAt: start.Add(time.Hour)})
	store.Seed(repo.Trip{ID: "c", RequesterID: "u3", FulfillerID: "d1", Status: fsm.StatusSettled, Fare: fare(2.25), RequestedAt: start.Add(2 * time.Hour)})
	store.Seed(repo.Trip{ID: "d", RequesterID: "u4", FulfillerID: "d1", Status: fsm.StatusCancelled, RequestedAt: start.Add(3 * time.Hour)})
	store.Seed(repo.Trip{ID: "e", RequesterID: "u5", FulfillerID: "d9", Status: fsm.StatusSettled, Fare: fare(10), RequestedAt: start})

	history, err := svc.History(ctx, "d1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var ids []string
	for _, tr := range history {
		ids = append(ids, tr.ID)
	}
	if !reflect.DeepEqual(ids, []string{"c", "b", "a"}) {
		t.Fatalf("unexpected history order %v", ids)
	}
	total, err := svc.Earnings(ctx, "d1")
	if err != nil {
		t.Fatalf("Earnings: %v", err)
	}
	if total != 6.75 {
		t.Fatalf("expected 6.75 got %v", total)
	}
}

func TestSaveProfile(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, nil)
	if _, err := svc.SaveProfile(ctx, "d7", "0x7", -1); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected invalid rate, got %v", err)
	}
	p, err := svc.SaveProfile(ctx, "d7", " 0x7 ", 1.8)
	if err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if p.SettlementAddress != "0x7" {
		t.Fatalf("address not trimmed: %q", p.SettlementAddress)
	}
	got, err := svc.Profile(ctx, "d7")
	if err != nil || got.Rate != 1.8 {
		t.Fatalf("Profile: %+v %v", got, err)
	}
}

func TestEstimate(t *testing.T) {
	svc, _, _ := newTestService(t, fixedPrice(0.05))
	fare := svc.Estimate(pickup, dropoff)
	if fare.AmountFiat != 7.97 {
		t.Fatalf("expected 7.97 got %+v", fare)
	}
}
