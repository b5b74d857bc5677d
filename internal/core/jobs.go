package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"matrank/internal/comp"
)

type JobKind string

const (
	JobFinalize JobKind = "finalize"
	JobRollback JobKind = "rollback"
)

type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is the handle for an async finalize or rollback. Callers poll it via
// Tracker.Job.
type Job struct {
	ID       uuid.UUID
	Kind     JobKind
	Pool     comp.PoolID
	State    JobState
	Error    string
	Started  time.Time
	Finished time.Time
}

type jobRegistry struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Job
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[uuid.UUID]*Job)}
}

func (r *jobRegistry) create(kind JobKind, pool comp.PoolID) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &Job{
		ID:      uuid.New(),
		Kind:    kind,
		Pool:    pool,
		State:   JobRunning,
		Started: time.Now().UTC(),
	}
	r.jobs[j.ID] = j
	return j
}

func (r *jobRegistry) finish(id uuid.UUID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return
	}
	j.Finished = time.Now().UTC()
	if err != nil {
		j.State = JobFailed
		j.Error = err.Error()
	} else {
		j.State = JobDone
	}
}

func (r *jobRegistry) get(id uuid.UUID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Job returns a copy of the job record for polling.
func (t *Tracker) Job(id uuid.UUID) (Job, bool) {
	return t.jobs.get(id)
}

// TriggerFinalize force-closes the pool's open period asynchronously.
// Unlike the write path, the job blocks for the writer lock instead of
// failing fast; it is an administrative action, not a stream write.
func (t *Tracker) TriggerFinalize(pid comp.PoolID) (uuid.UUID, error) {
	p, ok := t.pool(pid)
	if !ok {
		return uuid.Nil, ErrUnknownPool
	}

	job := t.jobs.create(JobFinalize, pid)
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		t.jobs.finish(job.ID, t.finalizeOpenLocked(context.Background(), p))
	}()
	return job.ID, nil
}

// TriggerRollback starts an async replay from the period containing the
// given event. Validation happens synchronously so the caller gets an
// immediate error for unknown pools or events.
func (t *Tracker) TriggerRollback(pid comp.PoolID, eventID string) (uuid.UUID, error) {
	t.mu.RLock()
	ev, ok := t.events[eventID]
	t.mu.RUnlock()
	if !ok {
		return uuid.Nil, &ErrUnknownEvent{EventID: eventID}
	}

	p, found := t.pool(pid)
	if !found {
		return uuid.Nil, ErrUnknownPool
	}

	job := t.jobs.create(JobRollback, pid)
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		fromSeq := p.mgr.Assign(ev.StartDate)
		if fromSeq < 0 {
			fromSeq = 0
		}
		if fromSeq >= p.mgr.Open().Seq {
			t.rebuildProvisional(p)
			t.publish(p)
			t.jobs.finish(job.ID, nil)
			return
		}
		t.jobs.finish(job.ID, t.reprocessLocked(context.Background(), p, fromSeq))
	}()
	return job.ID, nil
}
