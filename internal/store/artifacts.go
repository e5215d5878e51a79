package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition reports a status change the artifact lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid artifact transition")

const artifactColumns = "seq, id, entry_id, mime_type, duration_ms, size_bytes, blob_path, status, attempts, last_error, created_at, updated_at"

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*Artifact, error) {
	var (
		artifact   Artifact
		durationMS int64
		blobPath   sql.NullString
		status     string
		lastError  sql.NullString
		createdAt  int64
		updatedAt  int64
	)
	if err := scanner.Scan(
		&artifact.Seq,
		&artifact.ID,
		&artifact.EntryID,
		&artifact.MimeType,
		&durationMS,
		&artifact.SizeBytes,
		&blobPath,
		&status,
		&artifact.Attempts,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	artifact.Duration = time.Duration(durationMS) * time.Millisecond
	artifact.BlobPath = nullString(blobPath)
	artifact.Status = ArtifactStatus(status)
	artifact.LastError = nullString(lastError)
	artifact.CreatedAt = fromUnixNano(createdAt)
	artifact.UpdatedAt = fromUnixNano(updatedAt)
	return &artifact, nil
}

// InsertArtifact persists artifact metadata. The blob must already be on disk.
func (s *Store) InsertArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact == nil || strings.TrimSpace(artifact.ID) == "" {
		return errors.New("insert artifact: id is required")
	}
	if artifact.Status == "" {
		artifact.Status = ArtifactPending
	}
	created := toUnixNano(artifact.CreatedAt)
	res, err := s.execWithRetry(ctx,
		`INSERT INTO artifacts (id, entry_id, mime_type, duration_ms, size_bytes, blob_path, status, attempts, last_error, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID,
		artifact.EntryID,
		artifact.MimeType,
		artifact.Duration.Milliseconds(),
		artifact.SizeBytes,
		nullableString(artifact.BlobPath),
		string(artifact.Status),
		artifact.Attempts,
		nullableString(artifact.LastError),
		created,
		created,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		artifact.Seq = seq
	}
	artifact.CreatedAt = fromUnixNano(created)
	artifact.UpdatedAt = artifact.CreatedAt
	return nil
}

// GetArtifact fetches an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

// NextPendingArtifact returns the oldest pending artifact not in skip, or nil.
func (s *Store) NextPendingArtifact(ctx context.Context, skip ...string) (*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE status = ?`
	args := []any{string(ArtifactPending)}
	if len(skip) > 0 {
		query += ` AND id NOT IN (` + makePlaceholders(len(skip)) + `)`
		args = append(args, stringArgs(skip)...)
	}
	query += ` ORDER BY created_at, seq LIMIT 1`

	artifact, err := scanArtifact(s.db.QueryRowContext(ensureContext(ctx), query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending artifact: %w", err)
	}
	return artifact, nil
}

// ListArtifacts returns artifacts oldest first, optionally filtered by status.
func (s *Store) ListArtifacts(ctx context.Context, statuses ...ArtifactStatus) ([]*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
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
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, artifact)
	}
	return out, rows.Err()
}

// TransitionArtifact moves an artifact between statuses, enforcing the
// lifecycle table. Moving to uploading counts an attempt. The update only
// applies when the row is still in the expected status, so two writers can
// never both claim the same artifact.
func (s *Store) TransitionArtifact(ctx context.Context, id string, from, to ArtifactStatus, message string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	attemptDelta := 0
	if to == ArtifactUploading {
		attemptDelta = 1
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE artifacts SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(to), attemptDelta, nullableString(message), time.Now().UnixNano(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: artifact %s is not %s", ErrInvalidTransition, id, from)
	}
	return nil
}

// ClearArtifactBlob forgets the blob path once the file has been removed.
func (s *Store) ClearArtifactBlob(ctx context.Context, id string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE artifacts SET blob_path = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), id,
	); err != nil {
		return fmt.Errorf("clear artifact blob: %w", err)
	}
	return nil
}

// ResetInFlightArtifacts returns uploading and processing artifacts left over
// from a crash to pending.
func (s *Store) ResetInFlightArtifacts(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE artifacts SET status = ?, last_error = 'Reset after restart', updated_at = ?
         WHERE status IN (?, ?)`,
		string(ArtifactPending), time.Now().UnixNano(),
		string(ArtifactUploading), string(ArtifactProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight artifacts: %w", err)
	}
	return res.RowsAffected()
}

// RetryArtifacts moves failed artifacts back to pending. With no ids every
// failed artifact is retried.
func (s *Store) RetryArtifacts(ctx context.Context, ids ...string) (int64, error) {
	query := `UPDATE artifacts SET status = ?, attempts = 0, last_error = NULL, updated_at = ? WHERE status = ?`
	args := []any{string(ArtifactPending), time.Now().UnixNano(), string(ArtifactError)}
	if len(ids) > 0 {
		query += ` AND id IN (` + makePlaceholders(len(ids)) + `)`
		args = append(args, stringArgs(ids)...)
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry artifacts: %w", err)
	}
	return res.RowsAffected()
}

// ArtifactStats counts artifacts by lifecycle bucket.
func (s *Store) ArtifactStats(ctx context.Context) (ArtifactSummary, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM artifacts GROUP BY status`)
	if err != nil {
		return ArtifactSummary{}, fmt.Errorf("artifact stats: %w", err)
	}
	defer rows.Close()

	var summary ArtifactSummary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return ArtifactSummary{}, err
		}
		summary.Total += count
		switch ArtifactStatus(status) {
		case ArtifactPending:
			summary.Pending += count
		case ArtifactUploading, ArtifactProcessing:
			summary.InFlight += count
		case ArtifactDone:
			summary.Done += count
		case ArtifactError:
			summary.Failed += count
		}
	}
	return summary, rows.Err()
}
