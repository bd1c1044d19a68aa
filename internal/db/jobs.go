package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/halfstep/lipsync/internal/models"
)

const jobColumns = `
	id, account_id, tier, video_url, audio_url, image_urls,
	video_duration_sec, audio_duration_sec, bpm, bpm_detected, beats_per_bar,
	chunk_duration_sec, sync_offset_sec, offset_direction,
	status, lease_holder, lease_expires_at, final_video_url,
	error_code, error_message, created_at, updated_at
`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	job := &models.Job{}
	var direction sql.NullString

	err := row.Scan(
		&job.ID, &job.AccountID, &job.Tier, &job.VideoURL, &job.AudioURL,
		pq.Array(&job.ImageURLs),
		&job.VideoDurationSec, &job.AudioDurationSec, &job.BPM, &job.BPMDetected, &job.BeatsPerBar,
		&job.ChunkDurationSec, &job.SyncOffsetSec, &direction,
		&job.Status, &job.LeaseHolder, &job.LeaseExpiresAt, &job.FinalVideoURL,
		&job.ErrorCode, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if direction.Valid {
		job.OffsetDirection = models.OffsetDirection(direction.String)
	}
	return job, nil
}

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, account_id, tier, video_url, audio_url, image_urls,
			video_duration_sec, audio_duration_sec, bpm, beats_per_bar, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.AccountID, job.Tier, job.VideoURL, job.AudioURL,
		pq.Array(job.ImageURLs), job.VideoDurationSec, job.AudioDurationSec,
		job.BPM, job.BeatsPerBar, job.Status,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ListJobs returns jobs ordered by creation date (newest first).
// Supports optional status filter, limit, and offset for pagination.
func (db *DB) ListJobs(ctx context.Context, status string, limit, offset int) ([]models.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseSelect := `SELECT ` + jobColumns + ` FROM jobs`

	if status != "" {
		query := baseSelect + ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = db.QueryContext(ctx, query, status, limit, offset)
	} else {
		query := baseSelect + ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = db.QueryContext(ctx, query, limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

// CountJobs returns the total number of jobs, optionally filtered by status.
func (db *DB) CountJobs(ctx context.Context, status string) (int, error) {
	var count int
	if status != "" {
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, status).Scan(&count)
		return count, err
	}
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count)
	return count, err
}

func (db *DB) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	query := `UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

// SetJobAnalysis stores the tempo analysis results and advances the job to chunking.
func (db *DB) SetJobAnalysis(ctx context.Context, id uuid.UUID, bpm int, bpmDetected bool, chunkDurationSec, syncOffsetSec float64, direction models.OffsetDirection) error {
	query := `
		UPDATE jobs
		SET bpm = $1, bpm_detected = $2, chunk_duration_sec = $3,
		    sync_offset_sec = $4, offset_direction = $5,
		    status = $6, updated_at = NOW()
		WHERE id = $7
	`
	_, err := db.ExecContext(ctx, query, bpm, bpmDetected, chunkDurationSec,
		syncOffsetSec, string(direction), models.JobStatusChunking, id)
	return err
}

// SetJobFinalVideo records the merged asset and completes the job.
func (db *DB) SetJobFinalVideo(ctx context.Context, id uuid.UUID, finalURL string) error {
	query := `
		UPDATE jobs
		SET final_video_url = $1, status = $2,
		    lease_holder = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, finalURL, models.JobStatusCompleted, id)
	return err
}

// FailJob records a failure reason and flips the job to failed, unless it is
// already terminal. The first recorded reason wins: a job failed by one chunk
// keeps that chunk's reason even if more failures follow.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, code models.ErrorCode, message string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, error_code = $2, error_message = $3,
		    lease_holder = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $4 AND status NOT IN ($5, $6, $7)
	`
	result, err := db.ExecContext(ctx, query, models.JobStatusFailed, string(code), message, id,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	return rows > 0, err
}

// CancelJob flips a non-terminal job to cancelled. Returns false when the job
// was already terminal (the cancel is then a no-op for the job row).
func (db *DB) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, lease_holder = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4, $5)
	`
	result, err := db.ExecContext(ctx, query, models.JobStatusCancelled, id,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	return rows > 0, err
}

// Claimable jobs rotate on updated_at: the claim itself bumps it, so a job
// idling in dispatching while webhooks trickle in goes to the back of the
// line after each tick instead of starving younger pending jobs.
const claimNextJobQuery = `
	UPDATE jobs
	SET lease_holder = $1,
	    lease_expires_at = NOW() + make_interval(secs => $2),
	    updated_at = NOW()
	WHERE id = (
		SELECT id FROM jobs
		WHERE status IN ($3, $4, $5, $6)
		  AND (lease_expires_at IS NULL OR lease_expires_at < NOW())
		ORDER BY updated_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + jobColumns

// ClaimNextJob atomically leases one claimable job: non-terminal work whose
// lease is absent or expired. FOR UPDATE SKIP LOCKED makes concurrent
// scheduler instances skip rather than block on each other, so no job is ever
// double-claimed. Returns ErrNotFound when nothing is claimable.
func (db *DB) ClaimNextJob(ctx context.Context, holder string, lease time.Duration) (*models.Job, error) {
	job, err := scanJob(db.QueryRowContext(ctx, claimNextJobQuery, holder, lease.Seconds(),
		models.JobStatusPending, models.JobStatusAnalyzing,
		models.JobStatusChunking, models.JobStatusDispatching))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// ReleaseJobLease clears the lease if this holder still owns it. A lease that
// expired and was re-claimed by another instance is left alone.
func (db *DB) ReleaseJobLease(ctx context.Context, id uuid.UUID, holder string) error {
	query := `
		UPDATE jobs
		SET lease_holder = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND lease_holder = $2
	`
	_, err := db.ExecContext(ctx, query, id, holder)
	return err
}
