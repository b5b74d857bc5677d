// Package core is the engine façade: it owns the per-pool state machines,
// routes ingested matches to them, and enforces the one-writer-per-pool
// rule. Reads go through a lock-free committed view so queries never wait
// on a finalize or rollback in progress.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"matrank/internal/comp"
	"matrank/internal/observability"
	"matrank/internal/period"
	"matrank/internal/rating"
	"matrank/internal/snapshot"
)

var (
	// ErrPoolBusy means another writer holds the pool. The caller retries;
	// the engine never queues writes behind a long finalize or rollback.
	ErrPoolBusy = errors.New("pool writer busy")

	ErrUnknownPool       = errors.New("unknown pool")
	ErrUnknownCompetitor = errors.New("unknown competitor")
	ErrDuplicateMatch    = errors.New("duplicate match id")
	ErrEventConflict     = errors.New("event already registered with different data")
)

// ErrUnknownEvent is returned when a match references an event that was
// never ingested.
type ErrUnknownEvent struct {
	EventID string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q", e.EventID)
}

// ErrPeriodFinalized rejects a match dated inside an already-finalized
// period. Late matches enter only through the rollback path.
type ErrPeriodFinalized struct {
	Pool comp.PoolID
	Seq  int
}

func (e *ErrPeriodFinalized) Error() string {
	return fmt.Sprintf("pool %s period %d is finalized", e.Pool, e.Seq)
}

// ErrLogTruncated rejects a rollback that reaches behind the in-memory
// match log. The raw log is not persisted, so after a restart it restarts
// at the recovered open period; periods before that cannot be recomputed
// and their stored snapshots must not be touched. Permanent for the given
// match, never retried.
type ErrLogTruncated struct {
	Pool  comp.PoolID
	Seq   int
	Floor int
}

func (e *ErrLogTruncated) Error() string {
	return fmt.Sprintf("pool %s: cannot replay period %d, match log covers period %d onward", e.Pool, e.Seq, e.Floor)
}

// entry is one match in a pool's raw log, pinned to its event's start
// date. The log is the replay source of truth.
type entry struct {
	match      comp.Match
	eventStart time.Time
}

// skillBinding pins a competitor's declared level to the chronologically
// first match that names them. Binding to chronology rather than arrival
// keeps replay seeds a function of the match set alone: a late-admitted
// earlier match rebinds the label.
type skillBinding struct {
	at    entry
	skill comp.SkillLevel
}

// pool is the unit of isolation. Its mutex is the single writer lock;
// committed is the lock-free read view swapped in after every successful
// mutation.
type pool struct {
	id comp.PoolID
	mu sync.Mutex

	mgr  *period.Manager
	log  []entry
	seen map[string]struct{}

	// skills remembers each competitor's declared level at their
	// chronologically first match, so replay seeds identically.
	skills map[string]skillBinding

	// replayFloor is the first period the raw log fully covers. Zero for
	// pools built from live ingestion; after recovery it is the recovered
	// open period, since everything earlier lives only in stored
	// snapshots. Rollbacks below the floor are refused.
	replayFloor int

	// authoritative is the finalized state as of the last closed period.
	// provisional layers the open period's matches on top of it.
	authoritative map[string]rating.Record
	provisional   map[string]rating.Record

	committed atomic.Pointer[View]
}

// View is the immutable committed read model of one pool. Queries load it
// atomically; it is replaced wholesale, never mutated.
type View struct {
	Pool      comp.PoolID
	Records   map[string]rating.Record
	Periods   []period.Period
	UpdatedAt time.Time
}

// RatingInfo is the query result for one competitor.
type RatingInfo struct {
	Pool         comp.PoolID
	CompetitorID string
	rating.Record
	AsOfPeriod int
	// Provisional is true when the competitor has matches in the open
	// period, so the figures will still move at finalization.
	Provisional bool
}

// PoolStats is the summary returned by Stats.
type PoolStats struct {
	Pool             comp.PoolID
	Competitors      int
	MeanRating       float64
	FinalizedPeriods int
	OpenPeriod       int
}

// Tracker is the engine façade. One instance owns every pool.
type Tracker struct {
	engine    *rating.Engine
	store     snapshot.Store
	periodLen time.Duration
	log       zerolog.Logger
	metrics   *observability.Metrics
	clock     func() time.Time

	mu     sync.RWMutex
	events map[string]comp.Event
	pools  map[comp.PoolID]*pool

	jobs *jobRegistry
}

// NewTracker builds a tracker over the given store. metrics may be nil
// (tests).
func NewTracker(params rating.Params, store snapshot.Store, periodLen time.Duration, metrics *observability.Metrics) *Tracker {
	if periodLen <= 0 {
		periodLen = period.DefaultLength
	}
	return &Tracker{
		engine:    rating.NewEngine(params),
		store:     store,
		periodLen: periodLen,
		log:       observability.NewLogger("core"),
		metrics:   metrics,
		clock:     func() time.Time { return time.Now().UTC() },
		events:    make(map[string]comp.Event),
		pools:     make(map[comp.PoolID]*pool),
		jobs:      newJobRegistry(),
	}
}

// SetClock overrides the wall clock. Tests only.
func (t *Tracker) SetClock(fn func() time.Time) { t.clock = fn }

// IngestEvent registers a tournament. Matches referencing an unregistered
// event are rejected, so the collaborator publishes events first.
func (t *Tracker) IngestEvent(ctx context.Context, ev comp.Event) error {
	if ev.ID == "" || ev.StartDate.IsZero() {
		return fmt.Errorf("event %q: missing id or start date", ev.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.events[ev.ID]; ok {
		if !prev.StartDate.Equal(ev.StartDate) {
			return fmt.Errorf("%w: %s", ErrEventConflict, ev.ID)
		}
		return nil
	}
	t.events[ev.ID] = ev

	if t.metrics != nil {
		t.metrics.EventsIngested.Inc()
	}
	t.log.Debug().Str("event_id", ev.ID).Time("start", ev.StartDate).Msg("event registered")
	return nil
}

// IngestMatch routes a match to its pool, assigns it a period, and applies
// the provisional update. Matches dated in a finalized period come back as
// ErrPeriodFinalized; the caller escalates those to AdmitLate.
func (t *Tracker) IngestMatch(ctx context.Context, m comp.Match) error {
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
	if idx < 0 {
		// Event predates the pool's anchor: the grid itself is wrong, so
		// the whole pool is rebuilt on a new schedule.
		p.append(m, ev.StartDate)
		if err := t.reprocessLocked(ctx, p, 0); err != nil {
			p.dropLast(m.ID)
			return err
		}
		t.applied(pid, start)
		return nil
	}

	open := p.mgr.Open().Seq
	if idx < open {
		t.reject("period_finalized")
		return &ErrPeriodFinalized{Pool: pid, Seq: idx}
	}

	// A match dated past the open period's end means the window has
	// lapsed: close periods forward until the match's period is open.
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

// Advance closes every period of the pool whose end boundary has passed,
// by wall clock or by the latest event date seen.
func (t *Tracker) Advance(ctx context.Context, pid comp.PoolID, now time.Time) error {
	p, ok := t.pool(pid)
	if !ok {
		return ErrUnknownPool
	}
	if !p.mu.TryLock() {
		if t.metrics != nil {
			t.metrics.PoolBusy.WithLabelValues(string(pid)).Inc()
		}
		return ErrPoolBusy
	}
	defer p.mu.Unlock()

	for p.mgr.Due(now) {
		if err := t.finalizeOpenLocked(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Rating returns the committed figures for one competitor. Lock-free: the
// answer may be one mutation stale but is always internally consistent.
func (t *Tracker) Rating(pid comp.PoolID, competitorID string) (RatingInfo, error) {
	p, ok := t.pool(pid)
	if !ok {
		return RatingInfo{}, ErrUnknownPool
	}
	v := p.committed.Load()
	if v == nil {
		return RatingInfo{}, ErrUnknownCompetitor
	}
	rec, ok := v.Records[competitorID]
	if !ok {
		return RatingInfo{}, ErrUnknownCompetitor
	}
	return RatingInfo{
		Pool:         pid,
		CompetitorID: competitorID,
		Record:       rec,
		AsOfPeriod:   v.Periods[len(v.Periods)-1].Seq,
		Provisional:  rec.Matches > 0,
	}, nil
}

// Snapshot returns a finalized snapshot from the store.
func (t *Tracker) Snapshot(ctx context.Context, pid comp.PoolID, seq int) (*snapshot.PoolSnapshot, error) {
	start := time.Now()
	snap, err := t.store.Read(ctx, pid, seq)
	if err == nil && t.metrics != nil {
		t.metrics.SnapshotReadDur.Observe(time.Since(start).Seconds())
	}
	return snap, err
}

// Periods returns the pool's full period sequence from the committed view.
func (t *Tracker) Periods(pid comp.PoolID) ([]period.Period, error) {
	p, ok := t.pool(pid)
	if !ok {
		return nil, ErrUnknownPool
	}
	v := p.committed.Load()
	if v == nil {
		return nil, ErrUnknownPool
	}
	return v.Periods, nil
}

// Pools lists every pool with at least one ingested match, sorted.
func (t *Tracker) Pools() []comp.PoolID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]comp.PoolID, 0, len(t.pools))
	for id := range t.pools {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats summarizes a pool from its committed view.
func (t *Tracker) Stats(pid comp.PoolID) (PoolStats, error) {
	p, ok := t.pool(pid)
	if !ok {
		return PoolStats{}, ErrUnknownPool
	}
	v := p.committed.Load()
	if v == nil {
		return PoolStats{}, ErrUnknownPool
	}

	s := PoolStats{Pool: pid, Competitors: len(v.Records)}
	open := v.Periods[len(v.Periods)-1].Seq
	s.OpenPeriod = open
	s.FinalizedPeriods = open
	var sum float64
	for _, rec := range v.Records {
		sum += rec.Rating
	}
	if s.Competitors > 0 {
		s.MeanRating = sum / float64(s.Competitors)
	}
	return s, nil
}

func (t *Tracker) pool(pid comp.PoolID) (*pool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pools[pid]
	return p, ok
}

func (t *Tracker) getOrCreatePool(pid comp.PoolID, firstEvent time.Time) *pool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pools[pid]; ok {
		return p
	}
	p := &pool{
		id:            pid,
		mgr:           period.NewManager(pid, firstEvent, t.periodLen),
		seen:          make(map[string]struct{}),
		skills:        make(map[string]skillBinding),
		authoritative: make(map[string]rating.Record),
		provisional:   make(map[string]rating.Record),
	}
	t.pools[pid] = p
	if t.metrics != nil {
		t.metrics.PoolCount.Set(float64(len(t.pools)))
	}
	t.log.Info().Str("pool", string(pid)).Time("anchor", p.mgr.Schedule().Anchor).Msg("pool opened")
	return p
}

// finalizeOpenLocked runs the authoritative period update and commits it.
// Order matters: compute, persist the snapshot, then mutate memory. A
// store failure leaves the period open and the provisional state
// untouched, so the caller can retry.
func (t *Tracker) finalizeOpenLocked(ctx context.Context, p *pool) error {
	start := time.Now()
	open := p.mgr.Open()

	next, fallbacks := t.computePeriod(p, open)

	snap := &snapshot.PoolSnapshot{
		Meta: snapshot.Meta{
			Pool:      p.id,
			Seq:       open.Seq,
			Start:     open.Start,
			End:       open.End,
			CreatedAt: t.clock(),
		},
		Records: next,
	}
	wstart := time.Now()
	if err := t.store.Write(ctx, snap); err != nil {
		if t.metrics != nil {
			t.metrics.FinalizeFailures.WithLabelValues(string(p.id)).Inc()
			t.metrics.SnapshotErrors.WithLabelValues("write").Inc()
		}
		return fmt.Errorf("finalize %s: snapshot write: %w", open, err)
	}
	if t.metrics != nil {
		t.metrics.SnapshotWriteDur.Observe(time.Since(wstart).Seconds())
	}

	p.authoritative = next
	opened := p.mgr.FinalizeOpen()
	t.rebuildProvisional(p)
	t.publish(p)

	if err := t.store.SaveProvisional(ctx, p.id, p.provisional); err != nil {
		t.log.Warn().Err(err).Str("pool", string(p.id)).Msg("provisional save failed")
	}

	if t.metrics != nil {
		t.metrics.PeriodsFinalized.WithLabelValues(string(p.id)).Inc()
		t.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
		t.metrics.SnapshotWrites.WithLabelValues("finalized").Inc()
		t.metrics.OpenPeriodSeq.WithLabelValues(string(p.id)).Set(float64(opened.Seq))
		t.metrics.PoolCompetitors.WithLabelValues(string(p.id)).Set(float64(len(next)))
		if fallbacks > 0 {
			t.metrics.DivergenceFallback.WithLabelValues(string(p.id)).Add(float64(fallbacks))
		}
	}
	t.log.Info().
		Str("pool", string(p.id)).
		Int("seq", open.Seq).
		Int("competitors", len(next)).
		Int("volatility_fallbacks", fallbacks).
		Msg("period finalized")
	return nil
}

// computePeriod derives the finalized records for the pool's given window
// from its authoritative base and raw log.
func (t *Tracker) computePeriod(p *pool, win period.Period) (map[string]rating.Record, int) {
	return t.computeWindow(p, p.authoritative, p.log, win)
}

// computeWindow is the authoritative period update over an explicit base
// and log, so rollback replay can run it against restored state. Pure;
// nothing in the pool is mutated.
func (t *Tracker) computeWindow(p *pool, base map[string]rating.Record, log []entry, win period.Period) (map[string]rating.Record, int) {
	pre := func(id string) rating.Record {
		if rec, ok := base[id]; ok {
			return rec
		}
		return t.engine.Seed(p.skillOf(id))
	}

	// Per-competitor game order must be a function of true chronology, not
	// arrival order, or float summation makes "identical" periods diverge
	// in the last bit.
	ordered := make([]entry, len(log))
	copy(ordered, log)
	sortEntries(ordered)

	games := make(map[string][]rating.Game)
	for _, e := range ordered {
		if e.eventStart.Before(win.Start) || !e.eventStart.Before(win.End) {
			continue
		}
		m := e.match
		w, err := t.engine.Weight(m.WinType)
		if err != nil || w == 0 {
			// Zero-weight outcomes leave no trace: no rating change, no
			// match count, no seeded record.
			continue
		}
		// Opponent figures are pre-period: the base, or the seed for
		// first-time competitors.
		wRec := pre(m.WinnerID)
		lRec := pre(m.LoserID)
		games[m.WinnerID] = append(games[m.WinnerID],
			rating.Game{OppRating: lRec.Rating, OppRD: lRec.RD, Score: 1, Weight: w})
		games[m.LoserID] = append(games[m.LoserID],
			rating.Game{OppRating: wRec.Rating, OppRD: wRec.RD, Score: 0, Weight: w})
	}

	next := make(map[string]rating.Record, len(base)+len(games))
	fallbacks := 0

	for id, gs := range games {
		rec, err := t.engine.FinalizePeriod(pre(id), gs)
		if err != nil {
			// Volatility kept at its prior value; the record is usable.
			fallbacks++
			t.log.Warn().
				Str("pool", string(p.id)).
				Str("competitor", id).
				Int("seq", win.Seq).
				Msg("volatility search diverged, keeping prior volatility")
		}
		next[id] = rec
	}
	for id, rec := range base {
		if _, played := games[id]; !played {
			next[id] = t.engine.Decay(rec)
		}
	}
	return next, fallbacks
}

// rebuildProvisional recomputes the provisional overlay: authoritative
// base with match counts cleared, then every open-period match re-applied
// in chronological order.
func (t *Tracker) rebuildProvisional(p *pool) {
	open := p.mgr.Open()
	prov := make(map[string]rating.Record, len(p.authoritative))
	for id, rec := range p.authoritative {
		rec.Matches = 0
		prov[id] = rec
	}
	p.provisional = prov

	entries := make([]entry, 0)
	for _, e := range p.log {
		if !e.eventStart.Before(open.Start) && e.eventStart.Before(open.End) {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)
	for _, e := range entries {
		t.applyProvisional(p, e.match)
	}
}

// applyProvisional runs the best-effort single-match step for both sides,
// against current provisional opponent figures.
func (t *Tracker) applyProvisional(p *pool, m comp.Match) {
	w, err := t.engine.Weight(m.WinType)
	if err != nil || w == 0 {
		return
	}

	wRec := t.provisionalRecord(p, m.WinnerID, m.WinnerSkill)
	lRec := t.provisionalRecord(p, m.LoserID, m.LoserSkill)

	p.provisional[m.WinnerID] = t.engine.ApplyProvisional(wRec,
		rating.Game{OppRating: lRec.Rating, OppRD: lRec.RD, Score: 1, Weight: w})
	p.provisional[m.LoserID] = t.engine.ApplyProvisional(lRec,
		rating.Game{OppRating: wRec.Rating, OppRD: wRec.RD, Score: 0, Weight: w})
}

func (t *Tracker) provisionalRecord(p *pool, id string, skill comp.SkillLevel) rating.Record {
	if rec, ok := p.provisional[id]; ok {
		return rec
	}
	seedSkill := skill
	if b, ok := p.skills[id]; ok {
		seedSkill = b.skill
	}
	rec := t.engine.Seed(seedSkill)
	p.provisional[id] = rec
	return rec
}

// publish swaps in a fresh committed view. Caller holds the pool lock.
func (t *Tracker) publish(p *pool) {
	records := make(map[string]rating.Record, len(p.provisional))
	for id, rec := range p.provisional {
		records[id] = rec
	}
	p.committed.Store(&View{
		Pool:      p.id,
		Records:   records,
		Periods:   p.mgr.Periods(),
		UpdatedAt: t.clock(),
	})
}

func (p *pool) append(m comp.Match, eventStart time.Time) {
	e := entry{match: m, eventStart: eventStart}
	p.log = append(p.log, e)
	p.seen[m.ID] = struct{}{}
	p.bindSkill(m.WinnerID, e, m.WinnerSkill)
	p.bindSkill(m.LoserID, e, m.LoserSkill)
}

// bindSkill records the level declared by the competitor's
// chronologically earliest match, rebinding when an earlier match lands.
func (p *pool) bindSkill(id string, e entry, skill comp.SkillLevel) {
	if prev, ok := p.skills[id]; ok && !entryBefore(e, prev.at) {
		return
	}
	p.skills[id] = skillBinding{at: e, skill: skill}
}

func (p *pool) skillOf(id string) comp.SkillLevel {
	if b, ok := p.skills[id]; ok {
		return b.skill
	}
	return comp.SkillUnknown
}

// dropLast undoes an append when the follow-up rebuild failed.
func (p *pool) dropLast(matchID string) {
	if n := len(p.log); n > 0 && p.log[n-1].match.ID == matchID {
		dropped := p.log[n-1]
		p.log = p.log[:n-1]
		delete(p.seen, matchID)
		p.rebindSkillAfterDrop(dropped.match.WinnerID, matchID)
		p.rebindSkillAfterDrop(dropped.match.LoserID, matchID)
	}
}

// rebindSkillAfterDrop rescans the log for a competitor whose binding
// pointed at the dropped match.
func (p *pool) rebindSkillAfterDrop(id, matchID string) {
	b, ok := p.skills[id]
	if !ok || b.at.match.ID != matchID {
		return
	}
	delete(p.skills, id)
	for _, e := range p.log {
		switch id {
		case e.match.WinnerID:
			p.bindSkill(id, e, e.match.WinnerSkill)
		case e.match.LoserID:
			p.bindSkill(id, e, e.match.LoserSkill)
		}
	}
}

// entryBefore is the canonical log order: event start date, then event
// ID, then match ID. Replay determinism depends on this ordering being a
// function of the match set alone, never of arrival order.
func entryBefore(a, b entry) bool {
	if !a.eventStart.Equal(b.eventStart) {
		return a.eventStart.Before(b.eventStart)
	}
	if a.match.EventID != b.match.EventID {
		return a.match.EventID < b.match.EventID
	}
	return a.match.ID < b.match.ID
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool { return entryBefore(entries[i], entries[j]) })
}

func (t *Tracker) reject(reason string) {
	if t.metrics != nil {
		t.metrics.MatchesRejected.WithLabelValues(reason).Inc()
	}
}

func (t *Tracker) applied(pid comp.PoolID, start time.Time) {
	if t.metrics != nil {
		t.metrics.MatchesApplied.WithLabelValues(string(pid)).Inc()
		t.metrics.IngestDuration.WithLabelValues(string(pid)).Observe(time.Since(start).Seconds())
	}
}
