package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"matrank/internal/comp"
	"matrank/internal/rating"
)

// MemoryStore is the in-memory Store used by tests and single-process
// deployments without Postgres. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	final       map[comp.PoolID]map[int]*PoolSnapshot
	staged      map[comp.PoolID]map[int]*PoolSnapshot
	provisional map[comp.PoolID]map[string]rating.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		final:       make(map[comp.PoolID]map[int]*PoolSnapshot),
		staged:      make(map[comp.PoolID]map[int]*PoolSnapshot),
		provisional: make(map[comp.PoolID]map[string]rating.Record),
	}
}

func (ms *MemoryStore) Write(_ context.Context, snap *PoolSnapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	series, ok := ms.final[snap.Pool]
	if !ok {
		series = make(map[int]*PoolSnapshot)
		ms.final[snap.Pool] = series
	}
	if _, exists := series[snap.Seq]; exists {
		return ErrSnapshotExists
	}

	cp := snap.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	series[snap.Seq] = cp
	return nil
}

func (ms *MemoryStore) Read(_ context.Context, pool comp.PoolID, seq int) (*PoolSnapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	snap, ok := ms.final[pool][seq]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snap.Clone(), nil
}

func (ms *MemoryStore) LatestBefore(_ context.Context, pool comp.PoolID, date time.Time) (*PoolSnapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var best *PoolSnapshot
	for _, snap := range ms.final[pool] {
		if !snap.End.Before(date) {
			continue
		}
		if best == nil || snap.Seq > best.Seq {
			best = snap
		}
	}
	if best == nil {
		return nil, ErrSnapshotNotFound
	}
	return best.Clone(), nil
}

func (ms *MemoryStore) List(_ context.Context, pool comp.PoolID) ([]Meta, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var metas []Meta
	for _, snap := range ms.final[pool] {
		metas = append(metas, snap.Meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Seq < metas[j].Seq })
	return metas, nil
}

func (ms *MemoryStore) WriteStaged(_ context.Context, snap *PoolSnapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	series, ok := ms.staged[snap.Pool]
	if !ok {
		series = make(map[int]*PoolSnapshot)
		ms.staged[snap.Pool] = series
	}
	cp := snap.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	series[snap.Seq] = cp
	return nil
}

func (ms *MemoryStore) PromoteStaged(_ context.Context, pool comp.PoolID, fromSeq int) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	final, ok := ms.final[pool]
	if !ok {
		final = make(map[int]*PoolSnapshot)
		ms.final[pool] = final
	}
	for seq := range final {
		if seq >= fromSeq {
			delete(final, seq)
		}
	}
	// Staged rows below fromSeq are leftovers of an aborted rollback and
	// are dropped with the rest of the staged set.
	for seq, snap := range ms.staged[pool] {
		if seq >= fromSeq {
			final[seq] = snap
		}
	}
	delete(ms.staged, pool)
	return nil
}

func (ms *MemoryStore) DiscardStaged(_ context.Context, pool comp.PoolID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.staged, pool)
	return nil
}

func (ms *MemoryStore) SaveProvisional(_ context.Context, pool comp.PoolID, records map[string]rating.Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cp := make(map[string]rating.Record, len(records))
	for id, r := range records {
		cp[id] = r
	}
	ms.provisional[pool] = cp
	return nil
}

func (ms *MemoryStore) LoadProvisional(_ context.Context, pool comp.PoolID) (map[string]rating.Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	cp := make(map[string]rating.Record, len(ms.provisional[pool]))
	for id, r := range ms.provisional[pool] {
		cp[id] = r
	}
	return cp, nil
}

func (ms *MemoryStore) Purge(_ context.Context, pool comp.PoolID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.final, pool)
	delete(ms.staged, pool)
	delete(ms.provisional, pool)
	return nil
}
