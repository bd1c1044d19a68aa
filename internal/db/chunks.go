package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/models"
)

const chunkColumns = `
	id, job_id, chunk_index,
	video_start_sec, video_end_sec, audio_start_sec, audio_end_sec,
	image_index, status, external_request_id, attempts, dispatched_at,
	result_url, credits_charged, error_code, error_message,
	created_at, updated_at
`

func scanChunk(row interface{ Scan(...interface{}) error }) (*models.Chunk, error) {
	chunk := &models.Chunk{}
	err := row.Scan(
		&chunk.ID, &chunk.JobID, &chunk.ChunkIndex,
		&chunk.VideoStartSec, &chunk.VideoEndSec, &chunk.AudioStartSec, &chunk.AudioEndSec,
		&chunk.ImageIndex, &chunk.Status, &chunk.ExternalRequestID, &chunk.Attempts, &chunk.DispatchedAt,
		&chunk.ResultURL, &chunk.CreditsCharged, &chunk.ErrorCode, &chunk.ErrorMessage,
		&chunk.CreatedAt, &chunk.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

// CreateChunk inserts a chunk row. The conflict target on (job_id,
// chunk_index) makes re-planning after a mid-insert crash safe: rows that
// already exist are left untouched.
func (db *DB) CreateChunk(ctx context.Context, chunk *models.Chunk) error {
	query := `
		INSERT INTO chunks (
			id, job_id, chunk_index,
			video_start_sec, video_end_sec, audio_start_sec, audio_end_sec,
			image_index, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, chunk_index) DO NOTHING
	`

	_, err := db.ExecContext(
		ctx, query,
		chunk.ID, chunk.JobID, chunk.ChunkIndex,
		chunk.VideoStartSec, chunk.VideoEndSec, chunk.AudioStartSec, chunk.AudioEndSec,
		chunk.ImageIndex, chunk.Status,
	)
	return err
}

func (db *DB) GetChunk(ctx context.Context, id uuid.UUID) (*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = $1`

	chunk, err := scanChunk(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}

	return chunk, nil
}

// GetChunkByExternalID resolves a webhook correlation id to its chunk.
// Returns ErrNotFound for ids this system never issued.
func (db *DB) GetChunkByExternalID(ctx context.Context, externalID string) (*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE external_request_id = $1`

	chunk, err := scanChunk(db.QueryRowContext(ctx, query, externalID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk by external id: %w", err)
	}

	return chunk, nil
}

func (db *DB) GetJobChunks(ctx context.Context, jobID uuid.UUID) ([]models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE job_id = $1 ORDER BY chunk_index`

	rows, err := db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, *chunk)
	}

	return chunks, rows.Err()
}

func (db *DB) GetPendingChunks(ctx context.Context, jobID uuid.UUID) ([]models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE job_id = $1 AND status = $2 ORDER BY chunk_index`

	rows, err := db.QueryContext(ctx, query, jobID, models.ChunkStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, *chunk)
	}

	return chunks, rows.Err()
}

// MarkChunkDispatched flips a pending chunk to dispatched and records the
// provider's request id. The pending-state guard makes the write a no-op if a
// concurrent actor already moved the chunk on.
func (db *DB) MarkChunkDispatched(ctx context.Context, id uuid.UUID, externalID string) (bool, error) {
	query := `
		UPDATE chunks
		SET status = $1, external_request_id = $2, dispatched_at = NOW(),
		    attempts = attempts + 1, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	result, err := db.ExecContext(ctx, query, models.ChunkStatusDispatched, externalID, id, models.ChunkStatusPending)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	return rows > 0, err
}

// RecordDispatchFailure counts a failed synchronous dispatch attempt against
// the chunk's retry budget; the chunk stays pending for a later tick.
func (db *DB) RecordDispatchFailure(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE chunks
		SET attempts = attempts + 1, error_message = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	_, err := db.ExecContext(ctx, query, message, id, models.ChunkStatusPending)
	return err
}

// CompleteChunk flips a dispatched chunk to completed with its result asset.
// The compare-and-set on status is what makes duplicate webhook deliveries
// and webhook/scheduler races single-writer safe: only the first transition
// applies.
func (db *DB) CompleteChunk(ctx context.Context, id uuid.UUID, resultURL string) (bool, error) {
	query := `
		UPDATE chunks
		SET status = $1, result_url = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	result, err := db.ExecContext(ctx, query, models.ChunkStatusCompleted, resultURL, id, models.ChunkStatusDispatched)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	return rows > 0, err
}

// FailChunk records a terminal failure on a non-terminal chunk.
func (db *DB) FailChunk(ctx context.Context, id uuid.UUID, code models.ErrorCode, message string) (bool, error) {
	query := `
		UPDATE chunks
		SET status = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND status IN ($5, $6)
	`
	result, err := db.ExecContext(ctx, query, models.ChunkStatusFailed, string(code), message, id,
		models.ChunkStatusPending, models.ChunkStatusDispatched)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	return rows > 0, err
}

// SetChunkCharged records the amount debited for a completed chunk.
func (db *DB) SetChunkCharged(ctx context.Context, id uuid.UUID, amount int64) error {
	query := `UPDATE chunks SET credits_charged = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, amount, id)
	return err
}

// CancelJobChunks cancels every chunk of a job that is not yet terminal.
// Completed chunks are untouched: that work was consumed and stays charged.
func (db *DB) CancelJobChunks(ctx context.Context, jobID uuid.UUID) (int, error) {
	query := `
		UPDATE chunks
		SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND status IN ($3, $4)
	`
	result, err := db.ExecContext(ctx, query, models.ChunkStatusCancelled, jobID,
		models.ChunkStatusPending, models.ChunkStatusDispatched)
	if err != nil {
		return 0, err
	}

	rows, err := result.RowsAffected()
	return int(rows), err
}

// AreAllChunksCompleted reports whether every chunk of the job is completed.
func (db *DB) AreAllChunksCompleted(ctx context.Context, jobID uuid.UUID) (bool, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE status != $2) = 0 AND COUNT(*) > 0
		FROM chunks
		WHERE job_id = $1
	`
	var done bool
	err := db.QueryRowContext(ctx, query, jobID, models.ChunkStatusCompleted).Scan(&done)
	return done, err
}

// GetStaleDispatchedChunks returns chunks dispatched longer ago than the
// window with no webhook delivery; the scheduler fails them by timeout
// instead of leaving them pending forever.
func (db *DB) GetStaleDispatchedChunks(ctx context.Context, window time.Duration) ([]models.Chunk, error) {
	query := `
		SELECT ` + chunkColumns + `
		FROM chunks
		WHERE status = $1 AND dispatched_at < NOW() - make_interval(secs => $2)
		ORDER BY dispatched_at
	`

	rows, err := db.QueryContext(ctx, query, models.ChunkStatusDispatched, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, *chunk)
	}

	return chunks, rows.Err()
}

// SumJobCharges totals the credits actually charged across a job's chunks.
func (db *DB) SumJobCharges(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var total sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT SUM(credits_charged) FROM chunks WHERE job_id = $1`, jobID).Scan(&total)
	return total.Int64, err
}

// GetJobChunkCount returns the number of chunks for a job.
func (db *DB) GetJobChunkCount(ctx context.Context, jobID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE job_id = $1`, jobID).Scan(&count)
	return count, err
}
