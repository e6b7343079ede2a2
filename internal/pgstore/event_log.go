package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flitsinc/go-threads/internal/threads"
)

// AppendEvents locks the thread row, so concurrent appends to one thread
// serialize and seq never repeats.
func (s *Store) AppendEvents(ctx context.Context, threadID string, inputs []threads.EventInput) ([]threads.Event, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	type encoded struct {
		kind     threads.EventKind
		payload  *string
		metadata *string
	}
	rows := make([]encoded, 0, len(inputs))
	for _, in := range inputs {
		payload, err := threads.EncodePayload(in.Payload)
		if err != nil {
			return nil, err
		}
		metadata, err := encodeJSON(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode event metadata: %w", err)
		}
		var payloadValue *string
		if payload != nil {
			p := string(payload)
			payloadValue = &p
		}
		rows = append(rows, encoded{kind: in.Kind(), payload: payloadValue, metadata: metadata})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM threads WHERE id = $1 FOR UPDATE`, threadID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &threads.NotFoundError{Kind: "thread", ID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("lock thread: %w", err)
	}
	var maxSeq int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM thread_events WHERE thread_id = $1`, threadID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read max seq: %w", err)
	}

	createdAt := s.now()
	out := make([]threads.Event, 0, len(rows))
	batch := &pgx.Batch{}
	for i, row := range rows {
		id := s.newID("event")
		seq := maxSeq + int64(i) + 1
		batch.Queue(`
			INSERT INTO thread_events (id, thread_id, seq, kind, payload, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, threadID, seq, string(row.kind), row.payload, row.metadata, createdAt)
		evt, err := buildEvent(id, threadID, seq, string(row.kind), row.payload, row.metadata, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	batch.Queue(`UPDATE threads SET updated_at = $1 WHERE id = $2`, createdAt, threadID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return out, nil
}

func (s *Store) ListEventsFrom(ctx context.Context, threadID string, afterSeq int64, limit int) ([]threads.Event, error) {
	return listEvents(ctx, s.pool, threadID, afterSeq, limit)
}

func listEvents(ctx context.Context, q querier, threadID string, afterSeq int64, limit int) ([]threads.Event, error) {
	query := `
		SELECT id, seq, kind, payload, metadata, created_at
		FROM thread_events
		WHERE thread_id = $1 AND seq > $2
		ORDER BY seq ASC`
	args := []any{threadID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []threads.Event
	for rows.Next() {
		var (
			id, kind          string
			seq               int64
			payload, metadata *string
			createdAt         time.Time
		)
		if err := rows.Scan(&id, &seq, &kind, &payload, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt, err := buildEvent(id, threadID, seq, kind, payload, metadata, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func buildEvent(id, threadID string, seq int64, kind string, payload, metadata *string, createdAt time.Time) (threads.Event, error) {
	evt := threads.Event{
		ID:        id,
		ThreadID:  threadID,
		Seq:       seq,
		Kind:      threads.EventKind(kind),
		Metadata:  decodeJSONMap(metadata),
		CreatedAt: createdAt.UTC(),
	}
	if evt.Kind != threads.KindSystem {
		p, err := threads.DecodePayload(evt.Kind, []byte(deref(payload)))
		if err != nil {
			return threads.Event{}, fmt.Errorf("event %s: %w", id, err)
		}
		evt.Payload = p
	}
	return evt, nil
}
