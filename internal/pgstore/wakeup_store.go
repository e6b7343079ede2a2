package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flitsinc/go-threads/internal/threads"
)

const wakeupColumns = `id, thread_id, wait_ms, due_at, reason, claimed_at, claimed_by, lease_until, attempts, woken, error, cancelled, created_at, updated_at`

const outstanding = `woken = FALSE AND error IS NULL AND cancelled = FALSE`

func (s *Store) CreateWakeup(ctx context.Context, spec threads.WakeupSpec) (threads.Wakeup, error) {
	if spec.ThreadID == "" {
		return threads.Wakeup{}, &threads.ValidationError{Field: "thread_id", Reason: "is required"}
	}
	now := s.now()
	dueAt := spec.DueAt(now).Truncate(time.Millisecond)
	wait := spec.After
	if wait < 0 || !spec.At.IsZero() {
		wait = dueAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
	}
	id := s.newID("wakeup")
	w, err := scanWakeup(s.pool.QueryRow(ctx, `
		INSERT INTO wakeups (id, thread_id, wait_ms, due_at, reason, attempts, woken, cancelled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE, FALSE, $6, $6)
		RETURNING `+wakeupColumns,
		id, spec.ThreadID, wait.Milliseconds(), dueAt, nullString(spec.Reason), now))
	if err != nil {
		if isForeignKeyViolation(err) {
			return threads.Wakeup{}, &threads.NotFoundError{Kind: "thread", ID: spec.ThreadID}
		}
		return threads.Wakeup{}, fmt.Errorf("insert wakeup: %w", err)
	}
	return w, nil
}

// ClaimDueWakeups claims in one statement. Rows locked by a concurrent claimer
// are skipped, so no wakeup is handed to two callers.
func (s *Store) ClaimDueWakeups(ctx context.Context, now time.Time, limit int, opts threads.ClaimOptions) ([]threads.Wakeup, error) {
	if limit <= 0 {
		limit = 10
	}
	now = now.UTC().Truncate(time.Microsecond)
	var leaseUntil *time.Time
	if opts.LeaseTTL > 0 {
		t := now.Add(opts.LeaseTTL)
		leaseUntil = &t
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE wakeups SET
			claimed_at = $1, claimed_by = $2, lease_until = $3, attempts = attempts + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM wakeups
			WHERE `+outstanding+` AND due_at <= $1
			  AND (claimed_at IS NULL OR (lease_until IS NOT NULL AND lease_until <= $1))
			ORDER BY due_at ASC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+wakeupColumns,
		now, nullString(opts.Claimer), leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("claim wakeups: %w", err)
	}
	claimed, err := collectWakeups(rows)
	if err != nil {
		return nil, fmt.Errorf("claim wakeups: %w", err)
	}
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].DueAt.Equal(claimed[j].DueAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].DueAt.Before(claimed[j].DueAt)
	})
	return claimed, nil
}

func (s *Store) UpdateWakeup(ctx context.Context, id string, patch threads.WakeupPatch) (threads.Wakeup, error) {
	args := []any{s.now()}
	sets := []string{"updated_at = $1"}
	if patch.Woken != nil {
		args = append(args, *patch.Woken)
		sets = append(sets, fmt.Sprintf("woken = $%d", len(args)))
	}
	if patch.Error != nil {
		args = append(args, *patch.Error)
		sets = append(sets, fmt.Sprintf("error = $%d", len(args)))
	}
	args = append(args, id)
	w, err := scanWakeup(s.pool.QueryRow(ctx,
		`UPDATE wakeups SET `+strings.Join(sets, ", ")+fmt.Sprintf(` WHERE id = $%d RETURNING `, len(args))+wakeupColumns,
		args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return threads.Wakeup{}, &threads.NotFoundError{Kind: "wakeup", ID: id}
	}
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("update wakeup: %w", err)
	}
	return w, nil
}

func (s *Store) CancelWakeupsForThread(ctx context.Context, threadID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE wakeups SET cancelled = TRUE, updated_at = $1
		WHERE thread_id = $2 AND claimed_at IS NULL AND `+outstanding,
		s.now(), threadID)
	if err != nil {
		return 0, fmt.Errorf("cancel wakeups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetWakeup(ctx context.Context, id string) (threads.Wakeup, error) {
	w, err := scanWakeup(s.pool.QueryRow(ctx, `SELECT `+wakeupColumns+` FROM wakeups WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return threads.Wakeup{}, &threads.NotFoundError{Kind: "wakeup", ID: id}
	}
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("get wakeup: %w", err)
	}
	return w, nil
}

func (s *Store) ListWakeups(ctx context.Context, filter threads.WakeupFilter) ([]threads.Wakeup, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if filter.ThreadID != "" {
		args = append(args, filter.ThreadID)
		where = append(where, fmt.Sprintf("thread_id = $%d", len(args)))
	}
	if filter.Status != "" {
		cond, err := statusCondition(filter.Status)
		if err != nil {
			return nil, err
		}
		where = append(where, cond)
	}
	query := `SELECT ` + wakeupColumns + ` FROM wakeups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY due_at ASC, created_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list wakeups: %w", err)
	}
	out, err := collectWakeups(rows)
	if err != nil {
		return nil, fmt.Errorf("list wakeups: %w", err)
	}
	return out, nil
}

// RearmWakeup clears claim and outcome; attempts are kept so retry limits
// still apply.
func (s *Store) RearmWakeup(ctx context.Context, id string, dueAt time.Time) (threads.Wakeup, error) {
	w, err := scanWakeup(s.pool.QueryRow(ctx, `
		UPDATE wakeups
		SET due_at = $1, claimed_at = NULL, claimed_by = NULL, lease_until = NULL,
		    woken = FALSE, error = NULL, cancelled = FALSE, updated_at = $2
		WHERE id = $3
		RETURNING `+wakeupColumns,
		dueAt.UTC().Truncate(time.Millisecond), s.now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return threads.Wakeup{}, &threads.NotFoundError{Kind: "wakeup", ID: id}
	}
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("rearm wakeup: %w", err)
	}
	return w, nil
}

// DeferWakeup releases the claim and returns the attempt it consumed.
func (s *Store) DeferWakeup(ctx context.Context, id string, dueAt time.Time) (threads.Wakeup, error) {
	w, err := scanWakeup(s.pool.QueryRow(ctx, `
		UPDATE wakeups
		SET due_at = $1, claimed_at = NULL, claimed_by = NULL, lease_until = NULL,
		    attempts = GREATEST(attempts - 1, 0), updated_at = $2
		WHERE id = $3
		RETURNING `+wakeupColumns,
		dueAt.UTC().Truncate(time.Millisecond), s.now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return threads.Wakeup{}, &threads.NotFoundError{Kind: "wakeup", ID: id}
	}
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("defer wakeup: %w", err)
	}
	return w, nil
}

func statusCondition(status threads.WakeupStatus) (string, error) {
	switch status {
	case threads.WakeupPending:
		return outstanding + " AND claimed_at IS NULL", nil
	case threads.WakeupClaimed:
		return outstanding + " AND claimed_at IS NOT NULL", nil
	case threads.WakeupWoken:
		return "cancelled = FALSE AND woken = TRUE", nil
	case threads.WakeupFailed:
		return "cancelled = FALSE AND woken = FALSE AND error IS NOT NULL", nil
	case threads.WakeupCancelled:
		return "cancelled = TRUE", nil
	default:
		return "", &threads.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown wakeup status %q", status)}
	}
}

func collectWakeups(rows pgx.Rows) ([]threads.Wakeup, error) {
	defer rows.Close()
	var out []threads.Wakeup
	for rows.Next() {
		w, err := scanWakeup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wakeup: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanWakeup(row pgx.Row) (threads.Wakeup, error) {
	var (
		w                     threads.Wakeup
		waitMs                int64
		dueAt                 time.Time
		reason, claimedBy     *string
		claimedAt, leaseUntil *time.Time
		errText               *string
		createdAt, updatedAt  time.Time
	)
	if err := row.Scan(&w.ID, &w.ThreadID, &waitMs, &dueAt, &reason, &claimedAt, &claimedBy, &leaseUntil, &w.Attempts, &w.Woken, &errText, &w.Cancelled, &createdAt, &updatedAt); err != nil {
		return threads.Wakeup{}, err
	}
	w.Wait = time.Duration(waitMs) * time.Millisecond
	w.DueAt = dueAt.UTC()
	w.Reason = deref(reason)
	w.ClaimedAt = utcPtr(claimedAt)
	w.ClaimedBy = deref(claimedBy)
	w.LeaseUntil = utcPtr(leaseUntil)
	w.Error = errText
	w.CreatedAt = createdAt.UTC()
	w.UpdatedAt = updatedAt.UTC()
	return w, nil
}
