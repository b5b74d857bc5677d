package core

import (
	"context"
	"fmt"
	"time"

	"matrank/internal/comp"
	"matrank/internal/period"
	"matrank/internal/rating"
	"matrank/internal/snapshot"
)

// Recover rebuilds in-memory pool state from the store on startup: the
// latest finalized snapshot becomes the authoritative base and the saved
// provisional record becomes the overlay. The raw match log is not
// persisted, so a recovered pool serves queries and new ingestion
// immediately but its replay floor is pinned at the recovered open
// period; rollbacks into earlier periods return ErrLogTruncated instead
// of rewriting finalized history from an incomplete log.
func (t *Tracker) Recover(ctx context.Context) error {
	recovered := 0
	for _, pid := range comp.AllPools() {
		metas, err := t.store.List(ctx, pid)
		if err != nil {
			return fmt.Errorf("recover %s: list: %w", pid, err)
		}
		if len(metas) == 0 {
			continue
		}
		if err := t.recoverPool(ctx, pid, metas); err != nil {
			return fmt.Errorf("recover %s: %w", pid, err)
		}
		recovered++
	}
	t.log.Info().Int("pools", recovered).Msg("recovery complete")
	return nil
}

func (t *Tracker) recoverPool(ctx context.Context, pid comp.PoolID, metas []snapshot.Meta) error {
	last := metas[len(metas)-1]

	snap, err := t.store.Read(ctx, pid, last.Seq)
	if err != nil {
		return err
	}
	prov, err := t.store.LoadProvisional(ctx, pid)
	if err != nil {
		return err
	}

	// The grid anchor is implied by any snapshot's bounds.
	length := last.End.Sub(last.Start)
	anchor := last.Start.Add(-time.Duration(last.Seq) * length)
	schedule := period.Schedule{Anchor: anchor, Length: length}

	auth := snap.Clone().Records
	if len(prov) == 0 {
		prov = make(map[string]rating.Record, len(auth))
		for id, rec := range auth {
			rec.Matches = 0
			prov[id] = rec
		}
	}

	t.mu.Lock()
	p := &pool{
		id:            pid,
		mgr:           period.NewManagerAt(pid, schedule, last.Seq+1),
		seen:          make(map[string]struct{}),
		skills:        make(map[string]skillBinding),
		replayFloor:   last.Seq + 1,
		authoritative: auth,
		provisional:   prov,
	}
	t.pools[pid] = p
	if t.metrics != nil {
		t.metrics.PoolCount.Set(float64(len(t.pools)))
	}
	t.mu.Unlock()

	t.publish(p)
	t.log.Info().
		Str("pool", string(pid)).
		Int("open_seq", last.Seq+1).
		Int("competitors", len(auth)).
		Msg("pool recovered from snapshot")
	return nil
}
