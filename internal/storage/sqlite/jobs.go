package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

const jobColumns = `id, agent_id, type, status, payload, result, progress, total_steps, error,
	source_type, source_ref, created_at, started_at, completed_at`

func scanJob(row rowScanner) (*types.ExtractionJob, error) {
	var (
		j                      types.ExtractionJob
		status, sourceType     string
		payload                string
		result                 sql.NullString
		createdAt              string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&j.ID, &j.AgentID, &j.Type, &status, &payload, &result, &j.Progress, &j.TotalSteps, &j.Error,
		&sourceType, &j.SourceRef, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Status = types.JobStatus(status)
	j.SourceType = types.SourceType(sourceType)
	j.Payload = json.RawMessage(payload)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a pending job.
func (s *PackStore) CreateJob(ctx context.Context, j *types.ExtractionJob) error {
	if j == nil {
		return storage.ErrInvalidInput
	}
	if len(j.Payload) == 0 {
		return fmt.Errorf("%w: job payload is required", storage.ErrInvalidInput)
	}
	if j.ID == "" {
		j.ID = types.NewID()
	}
	if j.AgentID == "" {
		j.AgentID = s.owner
	}
	if j.AgentID != s.owner {
		return fmt.Errorf("%w: job agent %q does not own this pack", storage.ErrConstraintViolation, j.AgentID)
	}
	if j.Type == "" {
		j.Type = types.JobTypeExtract
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.Status = types.JobPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_jobs (id, agent_id, type, status, payload, progress, total_steps, source_type, source_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.AgentID, j.Type, string(j.Status), string(j.Payload), j.Progress, j.TotalSteps,
		string(j.SourceType), j.SourceRef, formatTime(j.CreatedAt),
	)
	if err != nil {
		return storageErr("insert job", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *PackStore) GetJob(ctx context.Context, id string) (*types.ExtractionJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return j, nil
}

// ClaimJob atomically moves a pending job to running. The status predicate
// in the UPDATE is what makes the claim exclusive: a second claimer matches
// zero rows.
func (s *PackStore) ClaimJob(ctx context.Context, id string, at time.Time) (*types.ExtractionJob, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extraction_jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(types.JobRunning), formatTime(at), id, string(types.JobPending))
	if err != nil {
		return nil, storageErr("claim job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storageErr("rows affected", err)
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", storage.ErrJobAlreadyClaimed, id)
	}
	return s.GetJob(ctx, id)
}

// UpdateJobProgress raises progress and total_steps of a running job.
func (s *PackStore) UpdateJobProgress(ctx context.Context, id string, progress, totalSteps int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extraction_jobs
		SET progress = MAX(progress, ?), total_steps = MAX(total_steps, ?)
		WHERE id = ? AND status = ?`,
		progress, totalSteps, id, string(types.JobRunning))
	if err != nil {
		return storageErr("update job progress", err)
	}
	return checkAffected(res, fmt.Errorf("%w: job %s is not running", storage.ErrConstraintViolation, id))
}

// FinishJob moves a running job to a terminal status.
func (s *PackStore) FinishJob(ctx context.Context, id string, status types.JobStatus, result json.RawMessage, errText string, at time.Time) error {
	if !types.IsValidJobTransition(types.JobRunning, status) {
		return fmt.Errorf("%w: cannot finish job as %q", storage.ErrInvalidInput, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE extraction_jobs
		SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), nullableString(string(result)), errText, formatTime(at), id, string(types.JobRunning))
	if err != nil {
		return storageErr("finish job", err)
	}
	return checkAffected(res, fmt.Errorf("%w: job %s is not running", storage.ErrConstraintViolation, id))
}

// ListJobs returns jobs oldest first.
func (s *PackStore) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*types.ExtractionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM extraction_jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// FindActiveJob returns a pending or running job for the source.
func (s *PackStore) FindActiveJob(ctx context.Context, sourceType types.SourceType, sourceRef string) (*types.ExtractionJob, error) {
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM extraction_jobs
		WHERE source_type = ? AND source_ref = ? AND status IN (?, ?)
		ORDER BY created_at ASC LIMIT 1`,
		string(sourceType), sourceRef, string(types.JobPending), string(types.JobRunning))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: no active job for %s:%s", storage.ErrNotFound, sourceType, sourceRef)
	}
	return jobs[0], nil
}

func (s *PackStore) queryJobs(ctx context.Context, query string, args ...any) ([]*types.ExtractionJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query jobs", err)
	}
	defer rows.Close()

	var jobs []*types.ExtractionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate jobs", err)
	}
	return jobs, nil
}
