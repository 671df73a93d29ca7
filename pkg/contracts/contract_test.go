package contracts

import (
	"errors"
	"testing"

	"mcpgw/pkg/models"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusTerminated, true},
		{StatusPending, StatusRevoked, false},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusRevoked, true},
		{StatusActive, StatusTerminated, true},
		{StatusActive, StatusPending, false},
		{StatusExpired, StatusActive, false},
		{StatusRevoked, StatusActive, false},
		{StatusTerminated, StatusActive, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.ok {
			t.Fatalf("CanTransition(%s,%s)=%v want %v", tc.from, tc.to, got, tc.ok)
		}
		next, err := Transition(tc.from, tc.to)
		if tc.ok {
			if err != nil || next != tc.to {
				t.Fatalf("Transition(%s,%s)=%q err=%v", tc.from, tc.to, next, err)
			}
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Transition(%s,%s) err=%v want ErrInvalidTransition", tc.from, tc.to, err)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, st := range []string{StatusExpired, StatusRevoked, StatusTerminated} {
		if !IsTerminal(st) {
			t.Fatalf("IsTerminal(%s)=false", st)
		}
	}
	for _, st := range []string{StatusPending, StatusActive} {
		if IsTerminal(st) {
			t.Fatalf("IsTerminal(%s)=true", st)
		}
	}
}

func TestViolationRingEvictsOldest(t *testing.T) {
	r := newViolationRing(3)
	for i := 0; i < 5; i++ {
		r.append(models.ViolationEntry{TransactionID: string(rune('a' + i))})
	}
	got := r.snapshot()
	if len(got) != 3 {
		t.Fatalf("len=%d want 3", len(got))
	}
	if got[0].TransactionID != "c" || got[2].TransactionID != "e" {
		t.Fatalf("unexpected window: %+v", got)
	}
}

func TestTransactionRingOrder(t *testing.T) {
	r := newTransactionRing(2)
	r.append(models.TransactionEntry{TransactionID: "t1"})
	r.append(models.TransactionEntry{TransactionID: "t2"})
	r.append(models.TransactionEntry{TransactionID: "t3"})
	got := r.snapshot()
	if len(got) != 2 || got[0].TransactionID != "t2" || got[1].TransactionID != "t3" {
		t.Fatalf("unexpected window: %+v", got)
	}
}
