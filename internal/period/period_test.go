package period_test

import (
	"testing"
	"time"

	"matrank/internal/comp"
	"matrank/internal/period"
)

var testPool = comp.NewPoolID(comp.AgeClassAdult, comp.GiStatusGi)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ============================================================================
// Test: Schedule
// ============================================================================

func TestNewSchedule_AnchorsAtUTCMidnight(t *testing.T) {
	first := time.Date(2024, 3, 15, 18, 30, 0, 0, time.UTC)
	s := period.NewSchedule(first, period.DefaultLength)

	want := date(2024, 3, 15)
	if !s.Anchor.Equal(want) {
		t.Errorf("anchor = %v, want %v", s.Anchor, want)
	}
}

func TestNewSchedule_ZeroLengthUsesDefault(t *testing.T) {
	s := period.NewSchedule(date(2024, 1, 1), 0)
	if s.Length != period.DefaultLength {
		t.Errorf("length = %v, want %v", s.Length, period.DefaultLength)
	}
}

func TestIndexFor_Grid(t *testing.T) {
	s := period.NewSchedule(date(2024, 1, 1), period.DefaultLength)

	cases := []struct {
		date time.Time
		want int
	}{
		{date(2024, 1, 1), 0},
		{date(2024, 2, 11), 0},                                // day 41
		{date(2024, 2, 12), 1},                                // day 42
		{date(2024, 3, 25), 2},                                // day 84
		{time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC), 0},    // same day, late
		{time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC), -1}, // just before anchor
		{date(2023, 11, 20), -1},                              // 42 days before
		{date(2023, 11, 19), -2},
	}
	for _, c := range cases {
		if got := s.IndexFor(c.date); got != c.want {
			t.Errorf("IndexFor(%v) = %d, want %d", c.date, got, c.want)
		}
	}
}

func TestBounds_HalfOpen(t *testing.T) {
	s := period.NewSchedule(date(2024, 1, 1), period.DefaultLength)

	start, end := s.Bounds(1)
	if !start.Equal(date(2024, 2, 12)) {
		t.Errorf("start = %v, want 2024-02-12", start)
	}
	if !end.Equal(date(2024, 3, 25)) {
		t.Errorf("end = %v, want 2024-03-25", end)
	}
	if s.IndexFor(end) != 2 {
		t.Error("end boundary must belong to the next period")
	}
}

// ============================================================================
// Test: Manager
// ============================================================================

func TestNewManager_OpensPeriodZero(t *testing.T) {
	m := period.NewManager(testPool, date(2024, 1, 5), period.DefaultLength)

	open := m.Open()
	if open.Seq != 0 {
		t.Errorf("open seq = %d, want 0", open.Seq)
	}
	if open.Status != period.StatusOpen {
		t.Errorf("status = %v, want open", open.Status)
	}
	if open.Pool != testPool {
		t.Errorf("pool = %v, want %v", open.Pool, testPool)
	}
}

func TestAssign_MultiDayEventByStartDate(t *testing.T) {
	// An event starting on the last day of period 0 belongs to period 0
	// even if it runs past the boundary.
	m := period.NewManager(testPool, date(2024, 1, 1), period.DefaultLength)

	lastDay := date(2024, 2, 11)
	if got := m.Assign(lastDay); got != 0 {
		t.Errorf("Assign(%v) = %d, want 0", lastDay, got)
	}
}

func TestDue_WallClock(t *testing.T) {
	m := period.NewManager(testPool, date(2024, 1, 1), period.DefaultLength)

	if m.Due(date(2024, 2, 11)) {
		t.Error("period due before its end boundary")
	}
	if !m.Due(date(2024, 2, 12)) {
		t.Error("period not due at its end boundary")
	}
}

func TestDue_MaxObservedEvent(t *testing.T) {
	m := period.NewManager(testPool, date(2024, 1, 1), period.DefaultLength)

	// An event in period 1 makes period 0 due regardless of wall clock.
	m.Observe(date(2024, 2, 20))
	if !m.Due(date(2024, 1, 15)) {
		t.Error("observed future event should make the open period due")
	}
}

func TestFinalizeOpen_AdvancesSequence(t *testing.T) {
	m := period.NewManager(testPool, date(2024, 1, 1), period.DefaultLength)

	next := m.FinalizeOpen()
	if next.Seq != 1 {
		t.Errorf("next seq = %d, want 1", next.Seq)
	}
	if m.Open().Seq != 1 {
		t.Errorf("open seq = %d, want 1", m.Open().Seq)
	}

	ps := m.Periods()
	if len(ps) != 2 {
		t.Fatalf("periods = %d, want 2", len(ps))
	}
	if ps[0].Status != period.StatusFinalized {
		t.Error("period 0 should be finalized")
	}
	if !ps[0].End.Equal(ps[1].Start) {
		t.Error("periods must be contiguous")
	}
}

func TestNewManagerAt_RebuildsSequence(t *testing.T) {
	s := period.NewSchedule(date(2024, 1, 1), period.DefaultLength)
	m := period.NewManagerAt(testPool, s, 3)

	ps := m.Periods()
	if len(ps) != 4 {
		t.Fatalf("periods = %d, want 4", len(ps))
	}
	for _, p := range ps[:3] {
		if p.Status != period.StatusFinalized {
			t.Errorf("period %d status = %v, want finalized", p.Seq, p.Status)
		}
	}
	if m.Open().Seq != 3 {
		t.Errorf("open seq = %d, want 3", m.Open().Seq)
	}

	start, _ := s.Bounds(3)
	if !m.Open().Start.Equal(start) {
		t.Errorf("open start = %v, want %v", m.Open().Start, start)
	}
}

func TestPeriodString(t *testing.T) {
	m := period.NewManager(testPool, date(2024, 1, 1), period.DefaultLength)
	want := "adult:gi/0[2024-01-01,2024-02-12)"
	if got := m.Open().String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
