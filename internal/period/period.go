// Package period manages the fixed-length rating windows of a pool: the
// grid they fall on, assignment of events to windows, and the
// open/finalized lifecycle.
package period

import (
	"fmt"
	"time"

	"matrank/internal/comp"
)

// DefaultLength is the production rating window: six weeks.
const DefaultLength = 42 * 24 * time.Hour

// Status is the lifecycle state of one period. Transitions are monotonic
// (open to finalized); only a rollback recreates periods.
type Status int32

const (
	StatusOpen Status = iota
	StatusFinalized
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Period is one rating window of a pool. Bounds are half-open [Start, End).
type Period struct {
	Pool   comp.PoolID
	Seq    int
	Start  time.Time
	End    time.Time
	Status Status
}

// Schedule fixes a pool's period grid: contiguous fixed-length windows
// anchored at the UTC midnight of the pool's first event date. The grid is
// immutable; inserting an event before the anchor forces a full rebuild of
// the pool with a new schedule.
type Schedule struct {
	Anchor time.Time
	Length time.Duration
}

// NewSchedule anchors a grid at the UTC day of the given first event date.
func NewSchedule(firstEvent time.Time, length time.Duration) Schedule {
	if length <= 0 {
		length = DefaultLength
	}
	return Schedule{
		Anchor: firstEvent.UTC().Truncate(24 * time.Hour),
		Length: length,
	}
}

// IndexFor returns the sequence number of the period containing the given
// date. Dates before the anchor yield a negative index; callers treat that
// as "before period 0" and rebuild the pool.
func (s Schedule) IndexFor(date time.Time) int {
	d := date.UTC().Sub(s.Anchor)
	if d < 0 {
		// Round toward negative infinity so a date one second before the
		// anchor lands in period -1, not 0.
		return int((d - s.Length + time.Nanosecond) / s.Length)
	}
	return int(d / s.Length)
}

// Bounds returns the [start, end) window of a period sequence.
func (s Schedule) Bounds(seq int) (time.Time, time.Time) {
	start := s.Anchor.Add(time.Duration(seq) * s.Length)
	return start, start.Add(s.Length)
}

// Manager tracks the contiguous period sequence of one pool. Exactly one
// period is open at a time; all earlier ones are finalized.
type Manager struct {
	pool     comp.PoolID
	schedule Schedule
	periods  []Period
	maxEvent time.Time
}

// NewManager starts a pool's period sequence at the first event date, with
// period 0 open.
func NewManager(pool comp.PoolID, firstEvent time.Time, length time.Duration) *Manager {
	return NewManagerAt(pool, NewSchedule(firstEvent, length), 0)
}

// NewManagerAt rebuilds a manager on an existing schedule with periods
// 0..openSeq-1 finalized and openSeq open. Used by rollback replay.
func NewManagerAt(pool comp.PoolID, schedule Schedule, openSeq int) *Manager {
	m := &Manager{pool: pool, schedule: schedule}
	for i := 0; i <= openSeq; i++ {
		start, end := schedule.Bounds(i)
		st := StatusFinalized
		if i == openSeq {
			st = StatusOpen
		}
		m.periods = append(m.periods, Period{Pool: pool, Seq: i, Start: start, End: end, Status: st})
	}
	return m
}

// Schedule returns the pool's immutable grid.
func (m *Manager) Schedule() Schedule { return m.schedule }

// Open returns the current open period.
func (m *Manager) Open() Period {
	return m.periods[len(m.periods)-1]
}

// Periods returns a copy of the full period sequence.
func (m *Manager) Periods() []Period {
	out := make([]Period, len(m.periods))
	copy(out, m.periods)
	return out
}

// Assign returns the period sequence an event belongs to, by start date.
func (m *Manager) Assign(eventStart time.Time) int {
	return m.schedule.IndexFor(eventStart)
}

// Observe records an ingested event date so boundary detection can use the
// max event date as well as the wall clock.
func (m *Manager) Observe(eventStart time.Time) {
	if eventStart.After(m.maxEvent) {
		m.maxEvent = eventStart
	}
}

// Due reports whether the open period's end boundary has been crossed by
// either the supplied current date or the max event date seen so far.
func (m *Manager) Due(now time.Time) bool {
	open := m.Open()
	return !now.Before(open.End) || !m.maxEvent.Before(open.End)
}

// FinalizeOpen marks the open period finalized and opens its successor.
// The caller must have already committed the period's snapshot; this is
// the in-memory bookkeeping half of the transition.
func (m *Manager) FinalizeOpen() Period {
	m.periods[len(m.periods)-1].Status = StatusFinalized
	next := m.Open().Seq + 1
	start, end := m.schedule.Bounds(next)
	p := Period{Pool: m.pool, Seq: next, Start: start, End: end, Status: StatusOpen}
	m.periods = append(m.periods, p)
	return p
}

// String implements fmt.Stringer for log output.
func (p Period) String() string {
	return fmt.Sprintf("%s/%d[%s,%s)", p.Pool, p.Seq,
		p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
}
