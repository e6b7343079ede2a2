package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/go-threads/internal/threads"
)

const wakeupColumns = `id, thread_id, wait_ms, due_at_ms, reason, claimed_at, claimed_by, lease_until_ms, attempts, woken, error, cancelled, created_at, updated_at`

// outstanding matches wakeups that have no outcome yet.
const outstanding = `woken = 0 AND error IS NULL AND cancelled = 0`

func (s *Store) CreateWakeup(ctx context.Context, spec threads.WakeupSpec) (threads.Wakeup, error) {
	if spec.ThreadID == "" {
		return threads.Wakeup{}, &threads.ValidationError{Field: "thread_id", Reason: "is required"}
	}
	if _, err := s.GetThread(ctx, spec.ThreadID); err != nil {
		return threads.Wakeup{}, err
	}
	now := s.now()
	dueAt := fromMillis(spec.DueAt(now).UnixMilli())
	wait := spec.After
	if wait < 0 || !spec.At.IsZero() {
		wait = dueAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
	}
	id := s.newID("wakeup")
	_, err := execWithRetry(ctx, s.db, `
		INSERT INTO wakeups (id, thread_id, wait_ms, due_at_ms, reason, attempts, woken, cancelled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
	`, id, spec.ThreadID, wait.Milliseconds(), dueAt.UnixMilli(), nullString(spec.Reason), formatTime(now), formatTime(now))
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("insert wakeup: %w", err)
	}
	return s.GetWakeup(ctx, id)
}

// ClaimDueWakeups selects candidates and then claims each with a conditional
// update. Only the caller whose update affects the row owns the wakeup.
func (s *Store) ClaimDueWakeups(ctx context.Context, now time.Time, limit int, opts threads.ClaimOptions) ([]threads.Wakeup, error) {
	if limit <= 0 {
		limit = 10
	}
	now = now.UTC()
	nowMs := now.UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+wakeupColumns+`
		FROM wakeups
		WHERE `+outstanding+` AND due_at_ms <= ?
		  AND (claimed_at IS NULL OR (lease_until_ms IS NOT NULL AND lease_until_ms <= ?))
		ORDER BY due_at_ms ASC, created_at ASC
		LIMIT ?
	`, nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query due wakeups: %w", err)
	}
	var candidates []threads.Wakeup
	for rows.Next() {
		w, err := scanWakeup(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due wakeup: %w", err)
		}
		candidates = append(candidates, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate due wakeups: %w", err)
	}
	rows.Close()

	var leaseUntil any
	var leaseTime *time.Time
	if opts.LeaseTTL > 0 {
		t := fromMillis(now.Add(opts.LeaseTTL).UnixMilli())
		leaseTime = &t
		leaseUntil = t.UnixMilli()
	}
	claimedAt := parseTime(formatTime(now))

	claimed := make([]threads.Wakeup, 0, len(candidates))
	for _, w := range candidates {
		res, err := execWithRetry(ctx, s.db, `
			UPDATE wakeups
			SET claimed_at = ?, claimed_by = ?, lease_until_ms = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND `+outstanding+` AND due_at_ms <= ?
			  AND (claimed_at IS NULL OR (lease_until_ms IS NOT NULL AND lease_until_ms <= ?))
		`, formatTime(now), nullString(opts.Claimer), leaseUntil, formatTime(now), w.ID, nowMs, nowMs)
		if err != nil {
			return claimed, fmt.Errorf("claim wakeup %s: %w", w.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("claim wakeup rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}
		w.ClaimedAt = &claimedAt
		w.ClaimedBy = opts.Claimer
		w.LeaseUntil = leaseTime
		w.Attempts++
		w.UpdatedAt = claimedAt
		claimed = append(claimed, w)
	}
	return claimed, nil
}

func (s *Store) UpdateWakeup(ctx context.Context, id string, patch threads.WakeupPatch) (threads.Wakeup, error) {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.now())}
	if patch.Woken != nil {
		sets = append(sets, "woken = ?")
		args = append(args, boolInt(*patch.Woken))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	args = append(args, id)
	res, err := execWithRetry(ctx, s.db, `UPDATE wakeups SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("update wakeup: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return threads.Wakeup{}, &threads.NotFoundError{Kind: "wakeup", ID: id}
	}
	return s.GetWakeup(ctx, id)
}

func (s *Store) CancelWakeupsForThread(ctx context.Context, threadID string) (int, error) {
	res, err := execWithRetry(ctx, s.db, `
		UPDATE wakeups SET cancelled = 1, updated_at = ?
		WHERE thread_id = ? AND claimed_at IS NULL AND `+outstanding,
		formatTime(s.now()), threadID)
	if err != nil {
		return 0, fmt.Errorf("cancel wakeups: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel wakeups rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *Store) GetWakeup(ctx context.Context, id string) (threads.Wakeup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+wakeupColumns+` FROM wakeups WHERE id = ?`, id)
	w, err := scanWakeup(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		where = append(where, "thread_id = ?")
		args = append(args, filter.ThreadID)
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
	query += " ORDER BY due_at_ms ASC, created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list wakeups: %w", err)
	}
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
		return nil, fmt.Errorf("iterate wakeups: %w", err)
	}
	return out, nil
}

// RearmWakeup clears claim and outcome; attempts are kept so retry limits
// still apply.
func (s *Store) RearmWakeup(ctx context.Context, id string, dueAt time.Time) (threads.Wakeup, error) {
	res, err := execWithRetry(ctx, s.db, `
		UPDATE wakeups
		SET due_at_ms = ?, claimed_at = NULL, claimed_by = NULL, lease_until_ms = NULL,
		    woken = 0, error = NULL, cancelled = 0, updated_at = ?
		WHERE id = ?
	`, dueAt.UTC().UnixMilli(), formatTime(s.now()), id)
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("rearm wakeup: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return threads.Wakeup{}, &threads.NotFoundError{Kind: "wakeup", ID: id}
	}
	return s.GetWakeup(ctx, id)
}

// DeferWakeup releases the claim and returns the attempt it consumed.
func (s *Store) DeferWakeup(ctx context.Context, id string, dueAt time.Time) (threads.Wakeup, error) {
	res, err := execWithRetry(ctx, s.db, `
		UPDATE wakeups
		SET due_at_ms = ?, claimed_at = NULL, claimed_by = NULL, lease_until_ms = NULL,
		    attempts = MAX(attempts - 1, 0), updated_at = ?
		WHERE id = ?
	`, dueAt.UTC().UnixMilli(), formatTime(s.now()), id)
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("defer wakeup: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return threads.Wakeup{}, &threads.NotFoundError{Kind: "wakeup", ID: id}
	}
	return s.GetWakeup(ctx, id)
}

func statusCondition(status threads.WakeupStatus) (string, error) {
	switch status {
	case threads.WakeupPending:
		return outstanding + " AND claimed_at IS NULL", nil
	case threads.WakeupClaimed:
		return outstanding + " AND claimed_at IS NOT NULL", nil
	case threads.WakeupWoken:
		return "cancelled = 0 AND woken = 1", nil
	case threads.WakeupFailed:
		return "cancelled = 0 AND woken = 0 AND error IS NOT NULL", nil
	case threads.WakeupCancelled:
		return "cancelled = 1", nil
	default:
		return "", &threads.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown wakeup status %q", status)}
	}
}

func scanWakeup(row interface{ Scan(...any) error }) (threads.Wakeup, error) {
	var (
		w                    threads.Wakeup
		waitMs, dueAtMs      int64
		reason, claimedAt    sql.NullString
		claimedBy, errText   sql.NullString
		leaseUntil           sql.NullInt64
		woken, cancelled     int
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.ID, &w.ThreadID, &waitMs, &dueAtMs, &reason, &claimedAt, &claimedBy, &leaseUntil, &w.Attempts, &woken, &errText, &cancelled, &createdAt, &updatedAt); err != nil {
		return threads.Wakeup{}, err
	}
	w.Wait = time.Duration(waitMs) * time.Millisecond
	w.DueAt = fromMillis(dueAtMs)
	w.Reason = reason.String
	w.ClaimedAt = parseNullTime(claimedAt)
	w.ClaimedBy = claimedBy.String
	if leaseUntil.Valid {
		t := fromMillis(leaseUntil.Int64)
		w.LeaseUntil = &t
	}
	w.Woken = woken != 0
	if errText.Valid {
		msg := errText.String
		w.Error = &msg
	}
	w.Cancelled = cancelled != 0
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}
