package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"matrank/internal/comp"
	"matrank/internal/core"
	"matrank/internal/period"
	"matrank/internal/rating"
	"matrank/internal/snapshot"
)

var adultGi = comp.PoolID("adult:gi")

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTracker(t *testing.T) (*core.Tracker, *snapshot.MemoryStore) {
	t.Helper()
	st := snapshot.NewMemoryStore()
	tr := core.NewTracker(rating.DefaultParams(), st, period.DefaultLength, nil)
	return tr, st
}

func event(id string, start time.Time) comp.Event {
	return comp.Event{ID: id, Name: id, StartDate: start}
}

func match(id, eventID, winner, loser string, wt comp.WinType) comp.Match {
	return comp.Match{
		ID:          id,
		EventID:     eventID,
		AgeClass:    comp.AgeClassAdult,
		Gi:          comp.GiStatusGi,
		WinnerID:    winner,
		LoserID:     loser,
		WinType:     wt,
		WinnerSkill: comp.SkillAdvanced,
		LoserSkill:  comp.SkillAdvanced,
	}
}

func mustIngest(t *testing.T, tr *core.Tracker, ev comp.Event, ms ...comp.Match) {
	t.Helper()
	ctx := context.Background()
	if err := tr.IngestEvent(ctx, ev); err != nil {
		t.Fatalf("ingest event %s: %v", ev.ID, err)
	}
	for _, m := range ms {
		if err := tr.IngestMatch(ctx, m); err != nil {
			t.Fatalf("ingest match %s: %v", m.ID, err)
		}
	}
}

// ============================================================================
// Test: Event ingestion
// ============================================================================

func TestIngestEvent_DuplicateSameDateIsNoOp(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	ev := event("e1", date(2024, 1, 5))
	if err := tr.IngestEvent(ctx, ev); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := tr.IngestEvent(ctx, ev); err != nil {
		t.Errorf("redelivery should be a no-op: %v", err)
	}
}

func TestIngestEvent_ConflictingDateRejected(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	if err := tr.IngestEvent(ctx, event("e1", date(2024, 1, 5))); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	err := tr.IngestEvent(ctx, event("e1", date(2024, 1, 6)))
	if !errors.Is(err, core.ErrEventConflict) {
		t.Errorf("got %v, want ErrEventConflict", err)
	}
}

// ============================================================================
// Test: Match ingestion
// ============================================================================

func TestIngestMatch_UnknownEvent(t *testing.T) {
	tr, _ := newTracker(t)

	err := tr.IngestMatch(context.Background(), match("m1", "nope", "a", "b", comp.WinTypeSubmission))
	var unknown *core.ErrUnknownEvent
	if !errors.As(err, &unknown) {
		t.Fatalf("got %v, want ErrUnknownEvent", err)
	}
	if unknown.EventID != "nope" {
		t.Errorf("event id = %q, want %q", unknown.EventID, "nope")
	}
}

func TestIngestMatch_Duplicate(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission))

	err := tr.IngestMatch(ctx, match("m1", "e1", "a", "b", comp.WinTypeSubmission))
	if !errors.Is(err, core.ErrDuplicateMatch) {
		t.Errorf("got %v, want ErrDuplicateMatch", err)
	}

	// The duplicate must not have moved anything.
	info, err := tr.Rating(adultGi, "a")
	if err != nil {
		t.Fatalf("rating: %v", err)
	}
	if info.Matches != 1 {
		t.Errorf("matches = %d, want 1", info.Matches)
	}
}

func TestIngestMatch_Unroutable(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	if err := tr.IngestEvent(ctx, event("e1", date(2024, 1, 5))); err != nil {
		t.Fatal(err)
	}
	m := match("m1", "e1", "a", "b", comp.WinTypeSubmission)
	m.AgeClass = comp.AgeClassUnknown

	var unroutable *comp.ErrUnroutable
	if err := tr.IngestMatch(ctx, m); !errors.As(err, &unroutable) {
		t.Errorf("got %v, want ErrUnroutable", err)
	}
}

func TestIngestMatch_ProvisionalMovesRatingHoldsRD(t *testing.T) {
	tr, _ := newTracker(t)

	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission))

	winner, err := tr.Rating(adultGi, "a")
	if err != nil {
		t.Fatalf("rating a: %v", err)
	}
	loser, err := tr.Rating(adultGi, "b")
	if err != nil {
		t.Fatalf("rating b: %v", err)
	}

	if winner.Rating <= 1000 {
		t.Errorf("winner rating = %v, want > 1000", winner.Rating)
	}
	if loser.Rating >= 1000 {
		t.Errorf("loser rating = %v, want < 1000", loser.Rating)
	}
	if winner.RD != 350 || loser.RD != 350 {
		t.Errorf("RD must hold until finalization: %v, %v", winner.RD, loser.RD)
	}
	if !winner.Provisional {
		t.Error("open-period figures should be marked provisional")
	}
}

func TestIngestMatch_SkillSeedsApply(t *testing.T) {
	tr, _ := newTracker(t)

	m := match("m1", "e1", "champ", "novice", comp.WinTypeSubmission)
	m.WinnerSkill = comp.SkillWorldChampionship
	m.LoserSkill = comp.SkillBeginner
	mustIngest(t, tr, event("e1", date(2024, 1, 5)), m)

	champ, _ := tr.Rating(adultGi, "champ")
	novice, _ := tr.Rating(adultGi, "novice")
	if champ.Rating <= 1500 {
		t.Errorf("champ rating = %v, want > 1500 seed", champ.Rating)
	}
	if novice.Rating >= 800 {
		t.Errorf("novice rating = %v, want < 800 seed", novice.Rating)
	}
}

func TestIngestMatch_NoContestLeavesNoTrace(t *testing.T) {
	tr, _ := newTracker(t)

	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeNoContest))

	if _, err := tr.Rating(adultGi, "a"); !errors.Is(err, core.ErrUnknownCompetitor) {
		t.Errorf("no-contest participant should have no record, got %v", err)
	}

	// The match is still logged for idempotency.
	err := tr.IngestMatch(context.Background(), match("m1", "e1", "a", "b", comp.WinTypeNoContest))
	if !errors.Is(err, core.ErrDuplicateMatch) {
		t.Errorf("got %v, want ErrDuplicateMatch", err)
	}
}

func TestIngestMatch_PoolsAreIsolated(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	nogi := match("m2", "e1", "a", "b", comp.WinTypeSubmission)
	nogi.Gi = comp.GiStatusNoGi
	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypePoints))
	if err := tr.IngestMatch(ctx, nogi); err != nil {
		t.Fatalf("ingest no-gi match: %v", err)
	}

	gi, _ := tr.Rating(adultGi, "a")
	ng, _ := tr.Rating(comp.PoolID("adult:no-gi"), "a")
	if gi.Rating == ng.Rating {
		t.Error("same competitor should have independent per-pool ratings")
	}

	pools := tr.Pools()
	if len(pools) != 2 {
		t.Fatalf("pools = %v, want 2", pools)
	}
}

// ============================================================================
// Test: Finalization
// ============================================================================

func TestLaterEventRollsPeriodsForward(t *testing.T) {
	tr, st := newTracker(t)

	// e1 opens period 0; e2 lands in period 1 and forces 0 closed.
	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission))
	mustIngest(t, tr, event("e2", date(2024, 3, 1)),
		match("m2", "e2", "a", "b", comp.WinTypeSubmission))

	periods, err := tr.Periods(adultGi)
	if err != nil {
		t.Fatalf("periods: %v", err)
	}
	if len(periods) != 2 {
		t.Fatalf("periods = %d, want 2", len(periods))
	}
	if periods[0].Status != period.StatusFinalized {
		t.Error("period 0 should be finalized")
	}
	if periods[1].Status != period.StatusOpen {
		t.Error("period 1 should be open")
	}

	snap, err := st.Read(context.Background(), adultGi, 0)
	if err != nil {
		t.Fatalf("snapshot 0: %v", err)
	}
	if snap.Records["a"].RD >= 350 {
		t.Errorf("finalized RD = %v, want < 350", snap.Records["a"].RD)
	}
	if snap.Records["a"].Matches != 1 {
		t.Errorf("finalized matches = %d, want 1", snap.Records["a"].Matches)
	}
}

func TestAdvance_WallClockFinalization(t *testing.T) {
	tr, _ := newTracker(t)

	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission))

	// Two full period lengths later: both elapsed periods close.
	if err := tr.Advance(context.Background(), adultGi, date(2024, 4, 1)); err != nil {
		t.Fatalf("advance: %v", err)
	}

	stats, err := tr.Stats(adultGi)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.OpenPeriod != 2 {
		t.Errorf("open period = %d, want 2", stats.OpenPeriod)
	}
	if stats.FinalizedPeriods != 2 {
		t.Errorf("finalized = %d, want 2", stats.FinalizedPeriods)
	}

	// After finalization the figures are authoritative, not provisional.
	info, err := tr.Rating(adultGi, "a")
	if err != nil {
		t.Fatalf("rating: %v", err)
	}
	if info.Provisional {
		t.Error("no open-period matches, figures should not be provisional")
	}
	// Idle period 1 decayed the RD back up.
	snap0, _ := tr.Snapshot(context.Background(), adultGi, 0)
	if info.RD <= snap0.Records["a"].RD {
		t.Errorf("idle decay should grow RD: %v vs %v", info.RD, snap0.Records["a"].RD)
	}
}

func TestAdvance_UnknownPool(t *testing.T) {
	tr, _ := newTracker(t)
	err := tr.Advance(context.Background(), adultGi, date(2024, 4, 1))
	if !errors.Is(err, core.ErrUnknownPool) {
		t.Errorf("got %v, want ErrUnknownPool", err)
	}
}

func TestIngestMatch_FinalizedPeriodRejected(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission))
	if err := tr.Advance(ctx, adultGi, date(2024, 3, 1)); err != nil {
		t.Fatalf("advance: %v", err)
	}

	err := tr.IngestMatch(ctx, match("m2", "e1", "c", "d", comp.WinTypeSubmission))
	var finalized *core.ErrPeriodFinalized
	if !errors.As(err, &finalized) {
		t.Fatalf("got %v, want ErrPeriodFinalized", err)
	}
	if finalized.Seq != 0 {
		t.Errorf("seq = %d, want 0", finalized.Seq)
	}
}

func TestPreAnchorEventRebuildsPool(t *testing.T) {
	tr, _ := newTracker(t)

	mustIngest(t, tr, event("e1", date(2024, 2, 10)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission))

	// An event before the pool's anchor forces a rebuild on a new grid.
	mustIngest(t, tr, event("e0", date(2023, 12, 15)),
		match("m0", "e0", "c", "d", comp.WinTypeSubmission))

	periods, err := tr.Periods(adultGi)
	if err != nil {
		t.Fatalf("periods: %v", err)
	}
	if !periods[0].Start.Equal(date(2023, 12, 15)) {
		t.Errorf("anchor = %v, want 2023-12-15", periods[0].Start)
	}
	if periods[len(periods)-1].Seq != 1 {
		t.Errorf("open seq = %d, want 1", periods[len(periods)-1].Seq)
	}

	// Both matches survive the rebuild.
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := tr.Rating(adultGi, id); err != nil {
			t.Errorf("rating %s after rebuild: %v", id, err)
		}
	}
}

// ============================================================================
// Test: Determinism
// ============================================================================

func TestFinalizedRecordsIndependentOfArrivalOrder(t *testing.T) {
	// Same match set, different arrival orders, identical finalized
	// figures bit for bit.
	ev := event("e1", date(2024, 1, 5))
	ms := []comp.Match{
		match("m1", "e1", "a", "b", comp.WinTypeSubmission),
		match("m2", "e1", "b", "c", comp.WinTypePoints),
		match("m3", "e1", "c", "a", comp.WinTypeDecision),
		match("m4", "e1", "a", "c", comp.WinTypeSubmission),
	}

	run := func(order []int) *snapshot.PoolSnapshot {
		tr, st := newTracker(t)
		ctx := context.Background()
		if err := tr.IngestEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
		for _, i := range order {
			if err := tr.IngestMatch(ctx, ms[i]); err != nil {
				t.Fatalf("ingest %s: %v", ms[i].ID, err)
			}
		}
		if err := tr.Advance(ctx, adultGi, date(2024, 3, 1)); err != nil {
			t.Fatalf("advance: %v", err)
		}
		snap, err := st.Read(ctx, adultGi, 0)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return snap
	}

	first := run([]int{0, 1, 2, 3})
	second := run([]int{3, 1, 0, 2})

	if len(first.Records) != len(second.Records) {
		t.Fatalf("record counts differ: %d vs %d", len(first.Records), len(second.Records))
	}
	for id, rec := range first.Records {
		if other := second.Records[id]; other != rec {
			t.Errorf("%s diverged across arrival orders: %+v vs %+v", id, rec, other)
		}
	}
}

// ============================================================================
// Test: Queries
// ============================================================================

func TestStats(t *testing.T) {
	tr, _ := newTracker(t)

	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission),
		match("m2", "e1", "c", "d", comp.WinTypePoints))

	stats, err := tr.Stats(adultGi)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Competitors != 4 {
		t.Errorf("competitors = %d, want 4", stats.Competitors)
	}
	if stats.OpenPeriod != 0 || stats.FinalizedPeriods != 0 {
		t.Errorf("periods = %d/%d, want 0/0", stats.FinalizedPeriods, stats.OpenPeriod)
	}
	if stats.MeanRating <= 0 {
		t.Errorf("mean rating = %v", stats.MeanRating)
	}
}

// ============================================================================
// Test: Writer lock fail-fast
// ============================================================================

// blockingStore stalls Write until released, to hold a pool's writer lock
// mid-finalize.
type blockingStore struct {
	snapshot.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Write(ctx context.Context, snap *snapshot.PoolSnapshot) error {
	close(b.entered)
	<-b.release
	return b.Store.Write(ctx, snap)
}

func TestIngestMatch_BusyPoolFailsFast(t *testing.T) {
	ctx := context.Background()
	bs := &blockingStore{
		Store:   snapshot.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	tr := core.NewTracker(rating.DefaultParams(), bs, period.DefaultLength, nil)

	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission))
	if err := tr.IngestEvent(ctx, event("e2", date(2024, 3, 1))); err != nil {
		t.Fatal(err)
	}

	id, err := tr.TriggerFinalize(adultGi)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	<-bs.entered // finalize job now holds the writer lock

	err = tr.IngestMatch(ctx, match("m2", "e2", "c", "d", comp.WinTypePoints))
	if !errors.Is(err, core.ErrPoolBusy) {
		t.Errorf("got %v, want ErrPoolBusy", err)
	}

	close(bs.release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if job, ok := tr.Job(id); ok && job.State != core.JobRunning {
			if job.State != core.JobDone {
				t.Fatalf("finalize job failed: %s", job.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finalize job did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The rejected match was not lost state: a retry lands cleanly.
	if err := tr.IngestMatch(ctx, match("m2", "e2", "c", "d", comp.WinTypePoints)); err != nil {
		t.Errorf("retry after busy: %v", err)
	}
}

func TestRating_UnknownPoolAndCompetitor(t *testing.T) {
	tr, _ := newTracker(t)

	if _, err := tr.Rating(adultGi, "a"); !errors.Is(err, core.ErrUnknownPool) {
		t.Errorf("got %v, want ErrUnknownPool", err)
	}

	mustIngest(t, tr, event("e1", date(2024, 1, 5)),
		match("m1", "e1", "a", "b", comp.WinTypeSubmission))
	if _, err := tr.Rating(adultGi, "ghost"); !errors.Is(err, core.ErrUnknownCompetitor) {
		t.Errorf("got %v, want ErrUnknownCompetitor", err)
	}
}
