package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matrank/internal/comp"
	"matrank/internal/period"
	"matrank/internal/rating"
	"matrank/internal/snapshot"
)

// ReprocessFrom rolls a pool back to the period containing the given
// event and replays forward. The pool's writer lock is held for the whole
// restore, replay and promote; readers keep the old committed view until
// the swap.
func (t *Tracker) ReprocessFrom(ctx context.Context, pid comp.PoolID, eventID string) error {
	t.mu.RLock()
	ev, ok := t.events[eventID]
	t.mu.RUnlock()
	if !ok {
		return &ErrUnknownEvent{EventID: eventID}
	}

	p, found := t.pool(pid)
	if !found {
		return ErrUnknownPool
	}
	if !p.mu.TryLock() {
		return ErrPoolBusy
	}
	defer p.mu.Unlock()

	fromSeq := p.mgr.Assign(ev.StartDate)
	if fromSeq < 0 {
		fromSeq = 0
	}
	if fromSeq >= p.mgr.Open().Seq {
		// Nothing finalized is affected; the open period's provisional
		// overlay is rebuilt in place.
		t.rebuildProvisional(p)
		t.publish(p)
		return nil
	}
	return t.reprocessLocked(ctx, p, fromSeq)
}

// AdmitLate accepts a match that IngestMatch rejected with
// ErrPeriodFinalized: the match is appended to the log and the affected
// periods are rebuilt through the rollback path.
func (t *Tracker) AdmitLate(ctx context.Context, m comp.Match) error {
	start := time.Now()

	pid, err := comp.Route(m)
	if err != nil {
		t.reject("unroutable")
		return err
	}

	t.mu.RLock()
	ev, ok := t.events[m.EventID]
	t.mu.RUnlock()
	if !ok {
		t.reject("unknown_event")
		return &ErrUnknownEvent{EventID: m.EventID}
	}
	if _, err := t.engine.Weight(m.WinType); err != nil {
		t.reject("unknown_win_type")
		return err
	}

	p := t.getOrCreatePool(pid, ev.StartDate)
	if !p.mu.TryLock() {
		if t.metrics != nil {
			t.metrics.PoolBusy.WithLabelValues(string(pid)).Inc()
		}
		return ErrPoolBusy
	}
	defer p.mu.Unlock()

	if _, dup := p.seen[m.ID]; dup {
		t.reject("duplicate")
		return fmt.Errorf("%w: %s", ErrDuplicateMatch, m.ID)
	}

	idx := p.mgr.Assign(ev.StartDate)
	open := p.mgr.Open().Seq

	if idx >= open {
		// Not actually late; apply it like any in-window match.
		p.mgr.Observe(ev.StartDate)
		for p.mgr.Open().Seq < idx {
			if err := t.finalizeOpenLocked(ctx, p); err != nil {
				return err
			}
		}
		p.append(m, ev.StartDate)
		t.applyProvisional(p, m)
		t.publish(p)
		t.applied(pid, start)
		return nil
	}

	if idx < 0 {
		idx = 0
	}
	p.append(m, ev.StartDate)
	if err := t.reprocessLocked(ctx, p, idx); err != nil {
		p.dropLast(m.ID)
		return err
	}
	t.applied(pid, start)
	return nil
}

// ResetSoft discards every derived figure of the pool and recomputes from
// the raw match log, period 0 onward.
func (t *Tracker) ResetSoft(ctx context.Context, pid comp.PoolID) error {
	p, ok := t.pool(pid)
	if !ok {
		return ErrUnknownPool
	}
	if !p.mu.TryLock() {
		return ErrPoolBusy
	}
	defer p.mu.Unlock()
	return t.reprocessLocked(ctx, p, 0)
}

// ResetHard drops everything: pools, events, raw logs, and all stored
// snapshots. The engine starts from nothing.
func (t *Tracker) ResetHard(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for id, p := range t.pools {
		p.mu.Lock()
		if err := t.store.Purge(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", id, err))
		}
		p.mu.Unlock()
	}
	t.pools = make(map[comp.PoolID]*pool)
	t.events = make(map[string]comp.Event)
	if t.metrics != nil {
		t.metrics.PoolCount.Set(0)
	}
	t.log.Info().Msg("hard reset complete")
	return errors.Join(errs...)
}

// reprocessLocked is the rollback replay. Caller holds the pool lock.
//
// Restore point: the latest finalized snapshot strictly before the target
// period. Every later period is recomputed from the raw log into the
// staged snapshot sequence; only after the last staged write succeeds is
// the staged sequence promoted and the in-memory state swapped. Any
// failure discards the staged writes and leaves the pool exactly as it
// was.
//
// fromSeq 0 also rebuilds the schedule itself, anchored at the earliest
// logged event. That is the soft-reset path and the pre-anchor-insert
// path.
//
// A target below the pool's replay floor is refused outright: the log
// does not reach that far back, so replaying would rewrite finalized
// history from incomplete input.
func (t *Tracker) reprocessLocked(ctx context.Context, p *pool, fromSeq int) error {
	if fromSeq < p.replayFloor {
		t.reject("log_truncated")
		return &ErrLogTruncated{Pool: p.id, Seq: fromSeq, Floor: p.replayFloor}
	}

	start := time.Now()
	if t.metrics != nil {
		t.metrics.RollbacksStarted.WithLabelValues(string(p.id)).Inc()
	}

	discard := func(err error) error {
		if derr := t.store.DiscardStaged(ctx, p.id); derr != nil {
			t.log.Error().Err(derr).Str("pool", string(p.id)).Msg("staged discard failed")
		}
		if t.metrics != nil {
			t.metrics.RollbacksCompleted.WithLabelValues(string(p.id), "discarded").Inc()
		}
		return err
	}

	entries := make([]entry, len(p.log))
	copy(entries, p.log)
	sortEntries(entries)

	schedule := p.mgr.Schedule()
	if fromSeq == 0 && len(entries) > 0 {
		schedule = period.NewSchedule(entries[0].eventStart, t.periodLen)
	}

	// Restore point.
	var (
		base       map[string]rating.Record
		replayFrom int
	)
	if fromSeq > 0 {
		_, targetEnd := schedule.Bounds(fromSeq)
		rstart := time.Now()
		lb, err := t.store.LatestBefore(ctx, p.id, targetEnd)
		switch {
		case err == nil:
			if t.metrics != nil {
				t.metrics.SnapshotReadDur.Observe(time.Since(rstart).Seconds())
			}
			base = lb.Clone().Records
			replayFrom = lb.Seq + 1
		case errors.Is(err, snapshot.ErrSnapshotNotFound):
			base = make(map[string]rating.Record)
			replayFrom = 0
		default:
			return fmt.Errorf("restore point lookup: %w", err)
		}
	} else {
		base = make(map[string]rating.Record)
		replayFrom = 0
	}

	// The open period after replay: where the newest logged event falls.
	targetOpen := p.mgr.Open().Seq
	if len(entries) > 0 {
		if idx := schedule.IndexFor(entries[len(entries)-1].eventStart); fromSeq == 0 || idx > targetOpen {
			targetOpen = idx
		}
	} else if fromSeq == 0 {
		targetOpen = 0
	}

	auth := base
	replayed := 0
	for seq := replayFrom; seq < targetOpen; seq++ {
		ps, pe := schedule.Bounds(seq)
		win := period.Period{Pool: p.id, Seq: seq, Start: ps, End: pe}

		next, _ := t.computeWindow(p, auth, entries, win)
		for _, e := range entries {
			if !e.eventStart.Before(win.Start) && e.eventStart.Before(win.End) {
				replayed++
			}
		}

		snap := &snapshot.PoolSnapshot{
			Meta: snapshot.Meta{
				Pool:      p.id,
				Seq:       seq,
				Start:     win.Start,
				End:       win.End,
				CreatedAt: t.clock(),
			},
			Records: next,
		}
		wstart := time.Now()
		if err := t.store.WriteStaged(ctx, snap); err != nil {
			return discard(fmt.Errorf("staged write %s: %w", win, err))
		}
		if t.metrics != nil {
			t.metrics.SnapshotWrites.WithLabelValues("staged").Inc()
			t.metrics.SnapshotWriteDur.Observe(time.Since(wstart).Seconds())
		}
		auth = next
	}

	if err := t.store.PromoteStaged(ctx, p.id, replayFrom); err != nil {
		return discard(fmt.Errorf("promote staged: %w", err))
	}

	// Commit point: swap in-memory state under the held lock.
	mgr := period.NewManagerAt(p.id, schedule, targetOpen)
	if len(entries) > 0 {
		mgr.Observe(entries[len(entries)-1].eventStart)
	}
	p.mgr = mgr
	p.authoritative = auth
	t.rebuildProvisional(p)
	t.publish(p)

	if err := t.store.SaveProvisional(ctx, p.id, p.provisional); err != nil {
		t.log.Warn().Err(err).Str("pool", string(p.id)).Msg("provisional save failed")
	}

	if t.metrics != nil {
		t.metrics.RollbacksCompleted.WithLabelValues(string(p.id), "promoted").Inc()
		t.metrics.RollbackDuration.Observe(time.Since(start).Seconds())
		t.metrics.MatchesReplayed.Add(float64(replayed))
		t.metrics.OpenPeriodSeq.WithLabelValues(string(p.id)).Set(float64(targetOpen))
	}
	t.log.Info().
		Str("pool", string(p.id)).
		Int("from", replayFrom).
		Int("open", targetOpen).
		Int("matches_replayed", replayed).
		Dur("took", time.Since(start)).
		Msg("rollback replay promoted")
	return nil
}
