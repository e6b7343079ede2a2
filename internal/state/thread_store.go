package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/flitsinc/go-threads/internal/threads"
)

const threadColumns = `id, agent_id, model, context, tick, state, parent_task_id, error, created_at, updated_at`

func (s *Store) CreateThread(ctx context.Context, spec threads.ThreadSpec) (threads.Thread, error) {
	if err := spec.Validate(); err != nil {
		return threads.Thread{}, err
	}
	id := spec.ID
	if id == "" {
		id = s.newID("thread")
	}
	contextJSON, err := encodeJSON(spec.Context)
	if err != nil {
		return threads.Thread{}, fmt.Errorf("encode thread context: %w", err)
	}
	now := s.now()
	_, err = execWithRetry(ctx, s.db, `
		INSERT INTO threads (id, agent_id, model, context, tick, state, parent_task_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, NULL, ?, ?)
	`, id, spec.AgentID, nullString(spec.Model), contextJSON, threads.StateRunning, nullString(spec.ParentTaskID), formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return threads.Thread{}, fmt.Errorf("create thread %s: %w", id, threads.ErrAlreadyExists)
		}
		return threads.Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	return threads.Thread{
		ID:           id,
		AgentID:      spec.AgentID,
		Model:        spec.Model,
		Context:      decodeJSONMap(stringOf(contextJSON)),
		State:        threads.StateRunning,
		ParentTaskID: spec.ParentTaskID,
		CreatedAt:    parseTime(formatTime(now)),
		UpdatedAt:    parseTime(formatTime(now)),
	}, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (threads.Thread, error) {
	return getThread(ctx, s.db, id)
}

func (s *Store) GetThreadWithHistory(ctx context.Context, id string) (threads.Thread, []threads.Event, error) {
	var (
		thread threads.Thread
		events []threads.Event
	)
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		thread, err = getThread(ctx, tx, id)
		if err != nil {
			return err
		}
		events, err = listEvents(ctx, tx, id, 0, 0)
		return err
	})
	if err != nil {
		return threads.Thread{}, nil, err
	}
	return thread, events, nil
}

func (s *Store) ListThreads(ctx context.Context, filter threads.ListFilter) ([]threads.Thread, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	query := `SELECT ` + threadColumns + ` FROM threads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []threads.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return out, nil
}

// UpdateThread applies patch as a compare-and-swap on state. Without an
// explicit FromState the current state is read first and must still hold
// when the row is written.
func (s *Store) UpdateThread(ctx context.Context, id string, patch threads.ThreadPatch) (threads.Thread, error) {
	var from threads.State
	if patch.State != nil {
		if patch.FromState != nil {
			from = *patch.FromState
		} else {
			current, err := s.GetThread(ctx, id)
			if err != nil {
				return threads.Thread{}, err
			}
			from = current.State
		}
		if !threads.CanTransition(from, *patch.State) {
			return threads.Thread{}, &threads.StateTransitionError{ThreadID: id, From: from, To: *patch.State}
		}
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.now())}
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *patch.State)
	}
	if patch.Tick != nil {
		sets = append(sets, "tick = ?")
		args = append(args, *patch.Tick)
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, nullString(*patch.Model))
	}
	if patch.Context != nil {
		contextJSON, err := encodeJSON(patch.Context)
		if err != nil {
			return threads.Thread{}, fmt.Errorf("encode thread context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, contextJSON)
	}
	if patch.ParentTaskID != nil {
		sets = append(sets, "parent_task_id = ?")
		args = append(args, nullString(*patch.ParentTaskID))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*patch.Error))
	}

	query := `UPDATE threads SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if patch.State != nil {
		query += " AND state = ?"
		args = append(args, from)
	}
	res, err := execWithRetry(ctx, s.db, query, args...)
	if err != nil {
		return threads.Thread{}, fmt.Errorf("update thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return threads.Thread{}, fmt.Errorf("update thread rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.GetThread(ctx, id)
		if err != nil {
			return threads.Thread{}, err
		}
		if patch.State == nil {
			return current, nil
		}
		return threads.Thread{}, &threads.StateTransitionError{ThreadID: id, From: current.State, To: *patch.State}
	}
	return s.GetThread(ctx, id)
}

func (s *Store) DeleteThread(ctx context.Context, id string) error {
	return txWithRetry(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM wakeups WHERE thread_id = ?`, id); err != nil {
			return fmt.Errorf("delete wakeups: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM thread_events WHERE thread_id = ?`, id); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete thread rows affected: %w", err)
		}
		if affected == 0 {
			return &threads.NotFoundError{Kind: "thread", ID: id}
		}
		return nil
	})
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getThread(ctx context.Context, q queryer, id string) (threads.Thread, error) {
	row := q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return threads.Thread{}, &threads.NotFoundError{Kind: "thread", ID: id}
	}
	if err != nil {
		return threads.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

func scanThread(row interface{ Scan(...any) error }) (threads.Thread, error) {
	var (
		thread                                   threads.Thread
		model, contextStr, parentTaskID, errText sql.NullString
		state, createdAt, updatedAt              string
	)
	if err := row.Scan(&thread.ID, &thread.AgentID, &model, &contextStr, &thread.Tick, &state, &parentTaskID, &errText, &createdAt, &updatedAt); err != nil {
		return threads.Thread{}, err
	}
	thread.Model = model.String
	thread.Context = decodeJSONMap(contextStr.String)
	thread.State = threads.State(state)
	thread.ParentTaskID = parentTaskID.String
	thread.Error = errText.String
	thread.CreatedAt = parseTime(createdAt)
	thread.UpdatedAt = parseTime(updatedAt)
	return thread, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
