package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const actionColumns = "seq, id, kind, target, payload, created_at, attempts, last_error, status"

func scanAction(scanner interface{ Scan(dest ...any) error }) (*Action, error) {
	var (
		action    Action
		target    sql.NullString
		payload   string
		createdAt int64
		lastError sql.NullString
		status    string
	)
	if err := scanner.Scan(
		&action.Seq,
		&action.ID,
		&action.Kind,
		&target,
		&payload,
		&createdAt,
		&action.Attempts,
		&lastError,
		&status,
	); err != nil {
		return nil, err
	}
	action.Target = nullString(target)
	action.Payload = []byte(payload)
	action.CreatedAt = fromUnixNano(createdAt)
	action.LastError = nullString(lastError)
	action.Status = ActionStatus(status)
	return &action, nil
}

// InsertAction persists a new pending action. The row is durable once this returns.
func (s *Store) InsertAction(ctx context.Context, action *Action) error {
	if action == nil || strings.TrimSpace(action.ID) == "" {
		return errors.New("insert action: id is required")
	}
	if action.Status == "" {
		action.Status = ActionPending
	}
	payload := string(action.Payload)
	if payload == "" {
		payload = "null"
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO actions (id, kind, target, payload, created_at, attempts, last_error, status)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID,
		action.Kind,
		nullableString(action.Target),
		payload,
		toUnixNano(action.CreatedAt),
		action.Attempts,
		nullableString(action.LastError),
		string(action.Status),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		action.Seq = seq
	}
	return nil
}

// GetAction fetches an action by id.
func (s *Store) GetAction(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return action, nil
}

// NextPendingAction returns the oldest pending action, or nil when none remain.
func (s *Store) NextPendingAction(ctx context.Context) (*Action, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+actionColumns+` FROM actions WHERE status = ? ORDER BY created_at, seq LIMIT 1`,
		string(ActionPending),
	)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending action: %w", err)
	}
	return action, nil
}

// ListActions returns actions in replay order, optionally filtered by status.
func (s *Store) ListActions(ctx context.Context, statuses ...ActionStatus) ([]*Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// CountActions counts actions with the given status.
func (s *Store) CountActions(ctx context.Context, status ActionStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM actions WHERE status = ?`, string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return count, nil
}

// IncrementActionAttempts bumps the attempt counter before a replay request is
// sent and returns the new value, so a crash mid-request still counts.
func (s *Store) IncrementActionAttempts(ctx context.Context, id string) (int, error) {
	res, err := s.execWithRetry(ctx, `UPDATE actions SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	var attempts int
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT attempts FROM actions WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// ReleaseActionAttempt undoes one IncrementActionAttempts for a replay that
// never reached the retry classification.
func (s *Store) ReleaseActionAttempt(ctx context.Context, id string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE actions SET attempts = MAX(attempts - 1, 0) WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("release attempt: %w", err)
	}
	return nil
}

// RecordActionFailure stores the last error and the resulting status.
func (s *Store) RecordActionFailure(ctx context.Context, id string, status ActionStatus, message string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE actions SET status = ?, last_error = ? WHERE id = ?`,
		string(status), nullableString(message), id,
	); err != nil {
		return fmt.Errorf("record action failure: %w", err)
	}
	return nil
}

// DeleteAction removes an action. It is called after the server acknowledges
// the replay or when the user discards a dead action.
func (s *Store) DeleteAction(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM actions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete action: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DiscardAction deletes an abandoned or rejected action. Pending actions are
// never discarded.
func (s *Store) DiscardAction(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM actions WHERE id = ? AND status IN (?, ?)`,
		id, string(ActionAbandoned), string(ActionRejected),
	)
	if err != nil {
		return false, fmt.Errorf("discard action: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RetryActions returns abandoned and rejected actions to pending with the
// attempt counter reset. With no ids every dead action is retried.
func (s *Store) RetryActions(ctx context.Context, ids ...string) (int64, error) {
	query := `UPDATE actions SET status = ?, attempts = 0, last_error = NULL WHERE status IN (?, ?)`
	args := []any{string(ActionPending), string(ActionAbandoned), string(ActionRejected)}
	if len(ids) > 0 {
		query += ` AND id IN (` + makePlaceholders(len(ids)) + `)`
		args = append(args, stringArgs(ids)...)
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry actions: %w", err)
	}
	return res.RowsAffected()
}
