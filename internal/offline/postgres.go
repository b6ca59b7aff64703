package offline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/nirmalarya/autograph-sub004/internal/op"
)

// PGStore backs the pending-edit queue and the resolved-operation archive
// with PostgreSQL. It also satisfies the room package's Archiver, letting a
// restarted process answer late-join snapshots for rooms it no longer holds
// in memory.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the tables this subsystem owns.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS offline_queue (
			id          TEXT PRIMARY KEY,
			diagram_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			operation   JSONB NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS offline_queue_user ON offline_queue (user_id, enqueued_at);

		CREATE TABLE IF NOT EXISTS room_operations (
			room_id    TEXT NOT NULL,
			server_seq BIGINT NOT NULL,
			operation  JSONB NOT NULL,
			PRIMARY KEY (room_id, server_seq)
		);

		CREATE TABLE IF NOT EXISTS room_snapshots (
			room_id    TEXT PRIMARY KEY,
			server_seq BIGINT NOT NULL,
			elements   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`)
	return errors.Wrap(err, "migrate realtime tables")
}

func (s *PGStore) Enqueue(ctx context.Context, e PendingEdit) error {
	payload, err := json.Marshal(e.Operation)
	if err != nil {
		return errors.Wrap(err, "encode pending operation")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO offline_queue (id, diagram_id, user_id, operation, retry_count, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.DiagramID, e.UserID, payload, e.RetryCount, e.EnqueuedAt)
	return errors.Wrap(err, "enqueue pending edit")
}

func (s *PGStore) List(ctx context.Context, userID string) ([]PendingEdit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, diagram_id, user_id, operation, retry_count, enqueued_at
		FROM offline_queue WHERE user_id = $1 ORDER BY enqueued_at`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list pending edits")
	}
	defer rows.Close()

	var out []PendingEdit
	for rows.Next() {
		var e PendingEdit
		var payload []byte
		if err := rows.Scan(&e.ID, &e.DiagramID, &e.UserID, &payload, &e.RetryCount, &e.EnqueuedAt); err != nil {
			return nil, errors.Wrap(err, "scan pending edit")
		}
		if err := json.Unmarshal(payload, &e.Operation); err != nil {
			return nil, errors.Wrapf(err, "decode pending operation %s", e.ID)
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "list pending edits")
}

func (s *PGStore) Delete(ctx context.Context, editID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM offline_queue WHERE id = $1`, editID)
	if err != nil {
		return errors.Wrap(err, "delete pending edit")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotQueued
	}
	return nil
}

func (s *PGStore) Clear(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM offline_queue WHERE user_id = $1`, userID)
	return errors.Wrap(err, "clear pending edits")
}

func (s *PGStore) IncrementRetry(ctx context.Context, editID string) (int, error) {
	var retries int
	err := s.pool.QueryRow(ctx, `
		UPDATE offline_queue SET retry_count = retry_count + 1
		WHERE id = $1 RETURNING retry_count`, editID).Scan(&retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotQueued
	}
	return retries, errors.Wrap(err, "bump retry count")
}

// SaveOperations archives a batch of committed operations.
func (s *PGStore) SaveOperations(ctx context.Context, ops []op.Operation) error {
	batch := &pgx.Batch{}
	for _, o := range ops {
		payload, err := json.Marshal(o)
		if err != nil {
			return errors.Wrapf(err, "encode operation %s", o.ID)
		}
		batch.Queue(`
			INSERT INTO room_operations (room_id, server_seq, operation)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			o.RoomID, o.ServerSeq, payload)
	}
	return errors.Wrap(s.pool.SendBatch(ctx, batch).Close(), "archive operations")
}

// SaveSnapshot archives a room's resolved element map.
func (s *PGStore) SaveSnapshot(ctx context.Context, roomID string, elements map[string]op.State, seq int64) error {
	payload, err := json.Marshal(elements)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO room_snapshots (room_id, server_seq, elements, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO UPDATE
		SET server_seq = EXCLUDED.server_seq,
		    elements = EXCLUDED.elements,
		    updated_at = EXCLUDED.updated_at
		WHERE room_snapshots.server_seq < EXCLUDED.server_seq`,
		roomID, seq, payload, time.Now().UTC())
	return errors.Wrap(err, "archive snapshot")
}

// LoadSnapshot restores a room's archived element map, if any.
func (s *PGStore) LoadSnapshot(ctx context.Context, roomID string) (map[string]op.State, int64, error) {
	var payload []byte
	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT elements, server_seq FROM room_snapshots WHERE room_id = $1`,
		roomID).Scan(&payload, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "load snapshot")
	}
	elements := make(map[string]op.State)
	if err := json.Unmarshal(payload, &elements); err != nil {
		return nil, 0, errors.Wrap(err, "decode snapshot")
	}
	return elements, seq, nil
}
