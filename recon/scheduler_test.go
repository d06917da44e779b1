package recon

import (
	"testing"
	"time"
)

func TestNextDailySlotSameDayWhenBeforeTarget(t *testing.T) {
	now := time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC)
	next := nextDailySlot(now, 2, 30)
	want := time.Date(2026, 3, 14, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestNextDailySlotRollsToTomorrowWhenPastTarget(t *testing.T) {
	now := time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)
	next := nextDailySlot(now, 2, 30)
	want := time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestNextDailySlotExactTargetRollsForward(t *testing.T) {
	now := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	next := nextDailySlot(now, 2, 0)
	want := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}
