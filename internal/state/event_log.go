package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flitsinc/go-threads/internal/threads"
)

// AppendEvents assigns seq values after the current maximum and writes the
// whole batch in one transaction. The returned events are decoded from what
// was stored, so they compare equal to a later ListEventsFrom.
func (s *Store) AppendEvents(ctx context.Context, threadID string, inputs []threads.EventInput) ([]threads.Event, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	type encoded struct {
		kind     threads.EventKind
		payload  any
		metadata any
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
		var payloadValue any
		if payload != nil {
			payloadValue = string(payload)
		}
		rows = append(rows, encoded{kind: in.Kind(), payload: payloadValue, metadata: metadata})
	}

	var out []threads.Event
	err := txWithRetry(ctx, s.db, func(tx *sql.Tx) error {
		out = out[:0]
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
			return fmt.Errorf("check thread: %w", err)
		}
		if exists == 0 {
			return &threads.NotFoundError{Kind: "thread", ID: threadID}
		}
		var maxSeq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM thread_events WHERE thread_id = ?`, threadID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("read max seq: %w", err)
		}
		createdAt := formatTime(s.now())
		for i, row := range rows {
			id := s.newID("event")
			seq := maxSeq + int64(i) + 1
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO thread_events (id, thread_id, seq, kind, payload, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, id, threadID, seq, row.kind, row.payload, row.metadata, createdAt); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			evt, err := buildEvent(id, threadID, seq, string(row.kind), stringOf(row.payload), stringOf(row.metadata), createdAt)
			if err != nil {
				return err
			}
			out = append(out, evt)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, createdAt, threadID); err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	return out, nil
}

func (s *Store) ListEventsFrom(ctx context.Context, threadID string, afterSeq int64, limit int) ([]threads.Event, error) {
	return listEvents(ctx, s.db, threadID, afterSeq, limit)
}

func listEvents(ctx context.Context, q queryer, threadID string, afterSeq int64, limit int) ([]threads.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, seq, kind, payload, metadata, created_at
		FROM thread_events
		WHERE thread_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, threadID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []threads.Event
	for rows.Next() {
		var (
			id, kind, createdAt string
			seq                 int64
			payload, metadata   sql.NullString
		)
		if err := rows.Scan(&id, &seq, &kind, &payload, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt, err := buildEvent(id, threadID, seq, kind, payload.String, metadata.String, createdAt)
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

func buildEvent(id, threadID string, seq int64, kind, payload, metadata, createdAt string) (threads.Event, error) {
	evt := threads.Event{
		ID:        id,
		ThreadID:  threadID,
		Seq:       seq,
		Kind:      threads.EventKind(kind),
		Metadata:  decodeJSONMap(metadata),
		CreatedAt: parseTime(createdAt),
	}
	if evt.Kind != threads.KindSystem {
		p, err := threads.DecodePayload(evt.Kind, []byte(payload))
		if err != nil {
			return threads.Event{}, fmt.Errorf("event %s: %w", id, err)
		}
		evt.Payload = p
	}
	return evt, nil
}
