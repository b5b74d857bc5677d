// Package snapshot persists the versioned rating state of each pool: one
// append-only snapshot series per pool plus one provisional-state record.
// Both are keyed by (pool, period sequence) so a restore point is a lookup,
// not a scan.
package snapshot

import (
	"context"
	"errors"
	"time"

	"matrank/internal/comp"
	"matrank/internal/rating"
)

// ErrSnapshotNotFound reports a missing (pool, period) snapshot.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrSnapshotExists reports an attempt to overwrite a finalized snapshot.
// Only the staged-promote path may replace finalized snapshots.
var ErrSnapshotExists = errors.New("snapshot already finalized")

// Meta identifies one snapshot in a pool's series.
type Meta struct {
	Pool      comp.PoolID `json:"pool"`
	Seq       int         `json:"seq"`
	Start     time.Time   `json:"start"`
	End       time.Time   `json:"end"`
	CreatedAt time.Time   `json:"created_at"`
}

// PoolSnapshot is the full rating state of a pool as of one finalized
// period: every competitor's authoritative record.
type PoolSnapshot struct {
	Meta
	Records map[string]rating.Record `json:"records"`
}

// Clone deep-copies a snapshot so callers can mutate the result freely.
func (s *PoolSnapshot) Clone() *PoolSnapshot {
	out := &PoolSnapshot{Meta: s.Meta, Records: make(map[string]rating.Record, len(s.Records))}
	for id, r := range s.Records {
		out.Records[id] = r
	}
	return out
}

// Store is the durable snapshot series. Write is append-only; replacing
// finalized snapshots happens only through the staged sequence, which a
// rollback fills period by period and then promotes in one atomic swap.
type Store interface {
	// Write appends a finalized snapshot. Fails with ErrSnapshotExists if
	// (pool, seq) is already finalized.
	Write(ctx context.Context, snap *PoolSnapshot) error

	// Read returns the finalized snapshot for (pool, seq), or
	// ErrSnapshotNotFound.
	Read(ctx context.Context, pool comp.PoolID, seq int) (*PoolSnapshot, error)

	// LatestBefore returns the most recent finalized snapshot whose period
	// end precedes the given date, or ErrSnapshotNotFound.
	LatestBefore(ctx context.Context, pool comp.PoolID, date time.Time) (*PoolSnapshot, error)

	// List returns the pool's finalized snapshot metadata in sequence order.
	List(ctx context.Context, pool comp.PoolID) ([]Meta, error)

	// WriteStaged writes into the pool's staging sequence. Staged entries
	// are invisible to Read/LatestBefore/List and may be overwritten.
	WriteStaged(ctx context.Context, snap *PoolSnapshot) error

	// PromoteStaged atomically replaces the pool's finalized sequence from
	// fromSeq onward with the staged sequence. Superseded snapshots are
	// discarded only after the replacement set is fully in place. Staged
	// entries below fromSeq are dropped without promotion.
	PromoteStaged(ctx context.Context, pool comp.PoolID, fromSeq int) error

	// DiscardStaged drops the pool's staging sequence, leaving the
	// finalized series untouched.
	DiscardStaged(ctx context.Context, pool comp.PoolID) error

	// SaveProvisional replaces the pool's provisional-state record.
	SaveProvisional(ctx context.Context, pool comp.PoolID, records map[string]rating.Record) error

	// LoadProvisional returns the pool's provisional-state record; an empty
	// map when none has been saved.
	LoadProvisional(ctx context.Context, pool comp.PoolID) (map[string]rating.Record, error)

	// Purge removes every record of the pool, finalized, staged and
	// provisional alike. Only the hard-reset path calls this.
	Purge(ctx context.Context, pool comp.PoolID) error
}
