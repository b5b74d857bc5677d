package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"matrank/internal/comp"
	"matrank/internal/rating"
)

// PostgresStore persists snapshot series and provisional records in
// Postgres. Record maps are stored as JSON; the (pool_id, seq, staged) key
// makes the staged sequence a parallel series that PromoteStaged swaps in
// inside a single transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (ps *PostgresStore) insert(ctx context.Context, snap *PoolSnapshot, staged bool) error {
	data, err := json.Marshal(snap.Records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO ratings.snapshots
			(pool_id, seq, staged, period_start, period_end, records, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if staged {
		// Staged entries may be rewritten while a rollback retries.
		query += `
		ON CONFLICT (pool_id, seq, staged) DO UPDATE
			SET period_start = $4, period_end = $5, records = $6, created_at = $7`
	}

	_, err = ps.db.ExecContext(ctx, query,
		string(snap.Pool), snap.Seq, staged, snap.Start, snap.End, data, createdAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrSnapshotExists
	}
	return err
}

func (ps *PostgresStore) Write(ctx context.Context, snap *PoolSnapshot) error {
	return ps.insert(ctx, snap, false)
}

func (ps *PostgresStore) WriteStaged(ctx context.Context, snap *PoolSnapshot) error {
	return ps.insert(ctx, snap, true)
}

func (ps *PostgresStore) scanSnapshot(row *sql.Row, pool comp.PoolID) (*PoolSnapshot, error) {
	var (
		seq       int
		start     time.Time
		end       time.Time
		data      []byte
		createdAt time.Time
	)
	if err := row.Scan(&seq, &start, &end, &data, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}

	records := make(map[string]rating.Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal records: %w", err)
	}

	return &PoolSnapshot{
		Meta:    Meta{Pool: pool, Seq: seq, Start: start, End: end, CreatedAt: createdAt},
		Records: records,
	}, nil
}

func (ps *PostgresStore) Read(ctx context.Context, pool comp.PoolID, seq int) (*PoolSnapshot, error) {
	row := ps.db.QueryRowContext(ctx, `
		SELECT seq, period_start, period_end, records, created_at
		FROM ratings.snapshots
		WHERE pool_id = $1 AND seq = $2 AND staged = FALSE
	`, string(pool), seq)
	return ps.scanSnapshot(row, pool)
}

func (ps *PostgresStore) LatestBefore(ctx context.Context, pool comp.PoolID, date time.Time) (*PoolSnapshot, error) {
	row := ps.db.QueryRowContext(ctx, `
		SELECT seq, period_start, period_end, records, created_at
		FROM ratings.snapshots
		WHERE pool_id = $1 AND staged = FALSE AND period_end < $2
		ORDER BY seq DESC
		LIMIT 1
	`, string(pool), date)
	return ps.scanSnapshot(row, pool)
}

func (ps *PostgresStore) List(ctx context.Context, pool comp.PoolID) ([]Meta, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT seq, period_start, period_end, created_at
		FROM ratings.snapshots
		WHERE pool_id = $1 AND staged = FALSE
		ORDER BY seq ASC
	`, string(pool))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		m := Meta{Pool: pool}
		if err := rows.Scan(&m.Seq, &m.Start, &m.End, &m.CreatedAt); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// PromoteStaged swaps the staged sequence in as the finalized one from
// fromSeq onward. The delete and the flip happen in one transaction, so a
// reader never observes a partially replaced series. Staged rows below
// fromSeq are leftovers of an earlier aborted rollback whose discard
// failed; they are dropped, never promoted.
func (ps *PostgresStore) PromoteStaged(ctx context.Context, pool comp.PoolID, fromSeq int) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ratings.snapshots
		WHERE pool_id = $1 AND staged = FALSE AND seq >= $2
	`, string(pool), fromSeq); err != nil {
		tx.Rollback()
		return fmt.Errorf("drop superseded snapshots: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ratings.snapshots SET staged = FALSE
		WHERE pool_id = $1 AND staged = TRUE AND seq >= $2
	`, string(pool), fromSeq); err != nil {
		tx.Rollback()
		return fmt.Errorf("promote staged snapshots: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ratings.snapshots
		WHERE pool_id = $1 AND staged = TRUE
	`, string(pool)); err != nil {
		tx.Rollback()
		return fmt.Errorf("drop stale staged snapshots: %w", err)
	}

	return tx.Commit()
}

func (ps *PostgresStore) DiscardStaged(ctx context.Context, pool comp.PoolID) error {
	_, err := ps.db.ExecContext(ctx, `
		DELETE FROM ratings.snapshots WHERE pool_id = $1 AND staged = TRUE
	`, string(pool))
	return err
}

func (ps *PostgresStore) SaveProvisional(ctx context.Context, pool comp.PoolID, records map[string]rating.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal provisional: %w", err)
	}

	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO ratings.provisional (pool_id, records, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (pool_id) DO UPDATE SET records = $2, updated_at = $3
	`, string(pool), data, time.Now().UTC())
	return err
}

func (ps *PostgresStore) LoadProvisional(ctx context.Context, pool comp.PoolID) (map[string]rating.Record, error) {
	var data []byte
	err := ps.db.QueryRowContext(ctx, `
		SELECT records FROM ratings.provisional WHERE pool_id = $1
	`, string(pool)).Scan(&data)
	if err == sql.ErrNoRows {
		return map[string]rating.Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	records := make(map[string]rating.Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal provisional: %w", err)
	}
	return records, nil
}

func (ps *PostgresStore) Purge(ctx context.Context, pool comp.PoolID) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ratings.snapshots WHERE pool_id = $1
	`, string(pool)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ratings.provisional WHERE pool_id = $1
	`, string(pool)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
