package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// listChunk keeps IN (...) lists below SQLite's host parameter limit.
const listChunk = 500

// ProgressRepository implements progression.ProgressStore.
type ProgressRepository struct {
	db *DB
}

// NewProgressRepository creates a progress repository on db.
func NewProgressRepository(db *DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

const progressColumns = `user_id, node_id, state, value, version, updated_at, idempotency_keys, last_event_at`

// Get implements progression.ProgressReader.
func (r *ProgressRepository) Get(ctx context.Context, userID, nodeID string) (*progression.NodeProgress, error) {
	row := r.db.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM node_progress WHERE user_id = ? AND node_id = ?`, userID, nodeID)
	p, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListByUser implements progression.ProgressReader.
func (r *ProgressRepository) ListByUser(ctx context.Context, userID string, nodeIDs []string) (map[string]*progression.NodeProgress, error) {
	out := make(map[string]*progression.NodeProgress, len(nodeIDs))
	for start := 0; start < len(nodeIDs); start += listChunk {
		end := min(start+listChunk, len(nodeIDs))
		chunk := nodeIDs[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, userID)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := `SELECT ` + progressColumns + ` FROM node_progress WHERE user_id = ? AND node_id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`

		rows, err := r.db.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list progress: %w", err)
		}
		for rows.Next() {
			p, err := scanProgress(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[p.NodeID] = p
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlite: iterate progress: %w", err)
		}
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

	keys, err := json.Marshal(nonNilKeys(record.IdempotencyKeys))
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode idempotency keys: %w", err)
	}
	next := expectedVersion + 1

	var res sql.Result
	if expectedVersion == 0 {
		res, err = r.db.db.ExecContext(ctx,
			`INSERT INTO node_progress (`+progressColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, node_id) DO NOTHING`,
			userID, nodeID, string(record.State), record.Value, next, encodeTime(record.UpdatedAt), string(keys),
			encodeTime(record.LastEventAt))
	} else {
		res, err = r.db.db.ExecContext(ctx,
			`UPDATE node_progress
			    SET state = ?, value = ?, version = ?, updated_at = ?, idempotency_keys = ?, last_event_at = ?
			  WHERE user_id = ? AND node_id = ? AND version = ?`,
			string(record.State), record.Value, next, encodeTime(record.UpdatedAt), string(keys),
			encodeTime(record.LastEventAt), userID, nodeID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: write progress: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return nil, shared.Errorf("progress", op, shared.ErrVersionConflict,
			"%s: expected version %d", shared.ProgressAggregateID(userID, nodeID), expectedVersion)
	}

	stored := record.Clone()
	stored.UserID = userID
	stored.NodeID = nodeID
	stored.Version = next
	return stored, nil
}

// TrimIdempotencyKeys implements progression.ProgressStore. Each row is
// rewritten only if its version has not moved since it was read; a row that
// moved is left for the next sweep.
func (r *ProgressRepository) TrimIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := r.db.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM node_progress WHERE idempotency_keys <> '[]'`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: scan for trimming: %w", err)
	}
	var candidates []*progression.NodeProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, fmt.Errorf("sqlite: iterate for trimming: %w", err)
	}

	total := 0
	for _, p := range candidates {
		removed := p.TrimKeysOlderThan(olderThan)
		if removed == 0 {
			continue
		}
		keys, err := json.Marshal(nonNilKeys(p.IdempotencyKeys))
		if err != nil {
			return total, fmt.Errorf("sqlite: encode idempotency keys: %w", err)
		}
		res, err := r.db.db.ExecContext(ctx,
			`UPDATE node_progress SET idempotency_keys = ? WHERE user_id = ? AND node_id = ? AND version = ?`,
			string(keys), p.UserID, p.NodeID, p.Version)
		if err != nil {
			return total, fmt.Errorf("sqlite: trim keys: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			total += removed
		}
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProgress(s scanner) (*progression.NodeProgress, error) {
	var (
		p         progression.NodeProgress
		state     string
		updatedAt int64
		keys      string
		seenAt    int64
	)
	if err := s.Scan(&p.UserID, &p.NodeID, &state, &p.Value, &p.Version, &updatedAt, &keys, &seenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan progress: %w", err)
	}
	p.State = progression.State(state)
	p.UpdatedAt = decodeTime(updatedAt)
	p.LastEventAt = decodeTime(seenAt)
	if err := json.Unmarshal([]byte(keys), &p.IdempotencyKeys); err != nil {
		return nil, fmt.Errorf("sqlite: decode idempotency keys: %w", err)
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

var _ progression.ProgressStore = (*ProgressRepository)(nil)
