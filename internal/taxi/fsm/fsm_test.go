package fsm

import (
	"errors"
	"reflect"
	"testing"
)

func TestNext(t *testing.T) {
	cases := []struct {
		name   string
		from   Status
		action Action
		role   Role
		want   Status
		ok     bool
	}{
		{"request", StatusNone, ActionRequest, RoleRequester, StatusPending, true},
		{"accept", StatusPending, ActionAccept, RoleFulfiller, StatusAccepted, true},
		{"requester cannot accept", StatusPending, ActionAccept, RoleRequester, StatusPending, false},
		{"requester cancels pending", StatusPending, ActionCancel, RoleRequester, StatusCancelled, true},
		{"fulfiller cannot cancel pending", StatusPending, ActionCancel, RoleFulfiller, StatusPending, false},
		{"fulfiller cancels accepted", StatusAccepted, ActionCancel, RoleFulfiller, StatusCancelled, true},
		{"requester cancels accepted", StatusAccepted, ActionCancel, RoleRequester, StatusCancelled, true},
		{"cancel active", StatusActive, ActionCancel, RoleRequester, StatusActive, false},
		{"start", StatusAccepted, ActionStart, RoleFulfiller, StatusActive, true},
		{"complete", StatusActive, ActionComplete, RoleFulfiller, StatusCompleted, true},
		{"confirm payment", StatusCompleted, ActionConfirmPayment, RoleFulfiller, StatusSettled, true},
		{"expire pending", StatusPending, ActionExpire, RoleSystem, StatusCancelled, true},
		{"accepted trips do not expire", StatusAccepted, ActionExpire, RoleSystem, StatusAccepted, false},
		{"expire active", StatusActive, ActionExpire, RoleSystem, StatusActive, false},
		{"settled is final", StatusSettled, ActionCancel, RoleRequester, StatusSettled, false},
		{"double accept", StatusAccepted, ActionAccept, RoleFulfiller, StatusAccepted, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.from, tc.action, tc.role)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}

func TestSources(t *testing.T) {
	got := Sources(ActionCancel, RoleRequester)
	want := []Status{StatusPending, StatusAccepted}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("requester cancel sources: expected %v got %v", want, got)
	}
	got = Sources(ActionCancel, RoleFulfiller)
	want = []Status{StatusAccepted}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fulfiller cancel sources: expected %v got %v", want, got)
	}
	if got := Sources(ActionComplete, RoleRequester); len(got) != 0 {
		t.Fatalf("requester must not complete, got %v", got)
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatusPending, StatusAccepted) {
		t.Fatal("expected pending -> accepted to be allowed")
	}
	if CanTransition(StatusPending, StatusCompleted) {
		t.Fatal("unexpected transition allowed")
	}
	if CanTransition(StatusActive, StatusCancelled) {
		t.Fatal("active trips cannot be cancelled")
	}
	if !CanTransition(StatusSettled, StatusSettled) {
		t.Fatal("same status must be allowed")
	}
}

func TestStatusSets(t *testing.T) {
	for _, s := range NonTerminal() {
		if Terminal(s) {
			t.Fatalf("%s listed as open and terminal", s)
		}
	}
	if !Tracked(StatusActive) || Tracked(StatusCompleted) {
		t.Fatal("tracking must cover accepted and active only")
	}
	if HasFulfiller(StatusPending) || !HasFulfiller(StatusSettled) {
		t.Fatal("fulfiller presence mismatch")
	}
	if Valid(StatusNone) || !Valid(StatusCancelled) || Valid("paid") {
		t.Fatal("status validation mismatch")
	}
}
