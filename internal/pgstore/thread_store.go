package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flitsinc/go-threads/internal/threads"
)

const threadColumns = `id, agent_id, model, context, tick, state, parent_task_id, error, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO threads (id, agent_id, model, context, tick, state, parent_task_id, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, NULL, $7, $7)
	`, id, spec.AgentID, nullString(spec.Model), contextJSON, string(threads.StateRunning), nullString(spec.ParentTaskID), now)
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
		Context:      decodeJSONMap(contextJSON),
		State:        threads.StateRunning,
		ParentTaskID: spec.ParentTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (threads.Thread, error) {
	return getThread(ctx, s.pool, id)
}

// GetThreadWithHistory reads the thread and its events in one repeatable-read
// transaction so the pair is consistent.
func (s *Store) GetThreadWithHistory(ctx context.Context, id string) (threads.Thread, []threads.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return threads.Thread{}, nil, fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	thread, err := getThread(ctx, tx, id)
	if err != nil {
		return threads.Thread{}, nil, err
	}
	events, err := listEvents(ctx, tx, id, 0, 0)
	if err != nil {
		return threads.Thread{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return threads.Thread{}, nil, fmt.Errorf("commit history tx: %w", err)
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
		args = append(args, filter.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	query := `SELECT ` + threadColumns + ` FROM threads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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

// UpdateThread applies patch as a compare-and-swap on state, like the SQLite
// store.
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

	args := []any{s.now()}
	sets := []string{"updated_at = $1"}
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.State != nil {
		set("state", string(*patch.State))
	}
	if patch.Tick != nil {
		set("tick", *patch.Tick)
	}
	if patch.Model != nil {
		set("model", nullString(*patch.Model))
	}
	if patch.Context != nil {
		contextJSON, err := encodeJSON(patch.Context)
		if err != nil {
			return threads.Thread{}, fmt.Errorf("encode thread context: %w", err)
		}
		set("context", contextJSON)
	}
	if patch.ParentTaskID != nil {
		set("parent_task_id", nullString(*patch.ParentTaskID))
	}
	if patch.Error != nil {
		set("error", nullString(*patch.Error))
	}

	args = append(args, id)
	query := `UPDATE threads SET ` + strings.Join(sets, ", ") + fmt.Sprintf(` WHERE id = $%d`, len(args))
	if patch.State != nil {
		args = append(args, string(from))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += ` RETURNING ` + threadColumns

	updated, err := scanThread(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetThread(ctx, id)
		if err != nil {
			return threads.Thread{}, err
		}
		if patch.State == nil {
			return current, nil
		}
		return threads.Thread{}, &threads.StateTransitionError{ThreadID: id, From: current.State, To: *patch.State}
	}
	if err != nil {
		return threads.Thread{}, fmt.Errorf("update thread: %w", err)
	}
	return updated, nil
}

// DeleteThread relies on ON DELETE CASCADE for events and wakeups.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &threads.NotFoundError{Kind: "thread", ID: id}
	}
	return nil
}

func getThread(ctx context.Context, q querier, id string) (threads.Thread, error) {
	thread, err := scanThread(q.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return threads.Thread{}, &threads.NotFoundError{Kind: "thread", ID: id}
	}
	if err != nil {
		return threads.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

func scanThread(row pgx.Row) (threads.Thread, error) {
	var (
		thread                                   threads.Thread
		model, contextStr, parentTaskID, errText *string
		state                                    string
		createdAt, updatedAt                     time.Time
	)
	if err := row.Scan(&thread.ID, &thread.AgentID, &model, &contextStr, &thread.Tick, &state, &parentTaskID, &errText, &createdAt, &updatedAt); err != nil {
		return threads.Thread{}, err
	}
	thread.Model = deref(model)
	thread.Context = decodeJSONMap(contextStr)
	thread.State = threads.State(state)
	thread.ParentTaskID = deref(parentTaskID)
	thread.Error = deref(errText)
	thread.CreatedAt = createdAt.UTC()
	thread.UpdatedAt = updatedAt.UTC()
	return thread, nil
}
