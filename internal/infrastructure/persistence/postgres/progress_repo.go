package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ProgressRepository implements progression.ProgressStore for PostgreSQL.
type ProgressRepository struct {
	conn *Connection
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

const progressColumns = `user_id, node_id, state, value, version, updated_at, idempotency_keys, last_event_at`

// Get implements progression.ProgressReader.
func (r *ProgressRepository) Get(ctx context.Context, userID, nodeID string) (*progression.NodeProgress, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT `+progressColumns+` FROM node_progress WHERE user_id = $1 AND node_id = $2`, userID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProgress)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan progress: %w", err)
	}
	return p, nil
}

// ListByUser implements progression.ProgressReader.
func (r *ProgressRepository) ListByUser(ctx context.Context, userID string, nodeIDs []string) (map[string]*progression.NodeProgress, error) {
	out := make(map[string]*progression.NodeProgress, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return out, nil
	}

	rows, err := r.conn.Query(ctx,
		`SELECT `+progressColumns+` FROM node_progress WHERE user_id = $1 AND node_id = ANY($2)`, userID, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to scan progress: %w", err)
	}
	for _, p := range records {
		out[p.NodeID] = p
	}
	return out, nil
}

// CompareAndSwap implements progression.ProgressStore. Version 0 inserts,
// anything else updates the row only if its version still matches.
func (r *ProgressRepository) CompareAndSwap(ctx context.Context, userID, nodeID string, expectedVersion int64, record *progression.NodeProgress) (*progression.NodeProgress, error) {
	const op = "CompareAndSwap"
	if record == nil {
		return nil, shared.NewDomainError("progress", op, shared.ErrInvalidInput, "record is nil")
	}

	var (
		next    = expectedVersion + 1
		keys    = nonNilKeys(record.IdempotencyKeys)
		updated = nullTime(record.UpdatedAt)
		seen    = nullTime(record.LastEventAt)
		query   string
		args    []any
	)
	if expectedVersion == 0 {
		query = `INSERT INTO node_progress (` + progressColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, node_id) DO NOTHING`
		args = []any{userID, nodeID, string(record.State), record.Value, next, updated, keys, seen}
	} else {
		query = `UPDATE node_progress
			SET state = $3, value = $4, version = $5, updated_at = $6, idempotency_keys = $7, last_event_at = $8
			WHERE user_id = $1 AND node_id = $2 AND version = $9`
		args = []any{userID, nodeID, string(record.State), record.Value, next, updated, keys, seen, expectedVersion}
	}

	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to write progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, shared.Errorf("progress", op, shared.ErrVersionConflict,
			"%s: expected version %d", shared.ProgressAggregateID(userID, nodeID), expectedVersion)
	}

	stored := record.Clone()
	stored.UserID = userID
	stored.NodeID = nodeID
	stored.Version = next
	return stored, nil
}

// trimQuery filters each row's key array in SQL. The version guard makes a
// row that moved between the snapshot and the update keep its keys until
// the next sweep.
const trimQuery = `
	WITH trimmed AS (
		SELECT user_id, node_id, version,
		       jsonb_array_length(idempotency_keys) AS before,
		       COALESCE((
		           SELECT jsonb_agg(e ORDER BY ord)
		           FROM jsonb_array_elements(idempotency_keys) WITH ORDINALITY AS x(e, ord)
		           WHERE (e->>'recorded_at')::timestamptz >= $1
		       ), '[]'::jsonb) AS kept
		FROM node_progress
		WHERE idempotency_keys <> '[]'::jsonb
	)
	UPDATE node_progress p
	SET idempotency_keys = t.kept
	FROM trimmed t
	WHERE p.user_id = t.user_id AND p.node_id = t.node_id
	  AND p.version = t.version
	  AND jsonb_array_length(t.kept) < t.before
	RETURNING t.before - jsonb_array_length(t.kept)
`

// TrimIdempotencyKeys implements progression.ProgressStore.
func (r *ProgressRepository) TrimIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := r.conn.Query(ctx, trimQuery, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to trim idempotency keys: %w", err)
	}
	removed, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return 0, fmt.Errorf("failed to trim idempotency keys: %w", err)
	}

	total := 0
	for _, n := range removed {
		total += int(n)
	}
	return total, nil
}

func scanProgress(row pgx.CollectableRow) (*progression.NodeProgress, error) {
	var (
		p         progression.NodeProgress
		state     string
		updatedAt *time.Time
		seenAt    *time.Time
	)
	if err := row.Scan(&p.UserID, &p.NodeID, &state, &p.Value, &p.Version, &updatedAt, &p.IdempotencyKeys, &seenAt); err != nil {
		return nil, err
	}
	p.State = progression.State(state)
	if updatedAt != nil {
		p.UpdatedAt = updatedAt.UTC()
	}
	if seenAt != nil {
		p.LastEventAt = seenAt.UTC()
	}
	if len(p.IdempotencyKeys) == 0 {
		p.IdempotencyKeys = nil
	}
	return &p, nil
}

func nonNilKeys(keys []progression.IdempotencyEntry) []progression.IdempotencyEntry {
	if keys == nil {
		return []progression.IdempotencyEntry{}
	}
	return keys
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ progression.ProgressStore = (*ProgressRepository)(nil)
