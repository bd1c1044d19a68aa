package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/halfstep/lipsync/internal/models"
	"github.com/halfstep/lipsync/internal/queue"
)

// Blocking pop timeout for the merge consumer loop.
const mergeDequeueTimeout = 5 * time.Second

// Stream-copy concatenation should land within this of the summed chunk
// durations; larger drift means a chunk asset does not match its plan.
const mergeDriftToleranceMs = 500

// ErrIncompleteChunkSet means the chunk set cannot be assembled: an index is
// missing, a chunk is not completed, or a result asset is absent.
var ErrIncompleteChunkSet = errors.New("incomplete chunk set")

// VerifyChunkSet checks that chunks (ordered by index) form a contiguous,
// fully completed set with a result asset per chunk. Merging anything less
// would splice wrong footage together silently.
func VerifyChunkSet(chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks", ErrIncompleteChunkSet)
	}

	for i := range chunks {
		chunk := &chunks[i]
		if chunk.ChunkIndex != i {
			return fmt.Errorf("%w: gap at index %d (found %d)", ErrIncompleteChunkSet, i, chunk.ChunkIndex)
		}
		if chunk.Status != models.ChunkStatusCompleted {
			return fmt.Errorf("%w: chunk %d is %s", ErrIncompleteChunkSet, chunk.ChunkIndex, chunk.Status)
		}
		if chunk.ResultURL == nil || *chunk.ResultURL == "" {
			return fmt.Errorf("%w: chunk %d has no result asset", ErrIncompleteChunkSet, chunk.ChunkIndex)
		}
	}

	return nil
}

// runMergeConsumer drains the merge queue until ctx is cancelled.
func (w *Worker) runMergeConsumer(ctx context.Context) {
	log.Println("[Merge] consumer started")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Merge] consumer shutting down...")
			return
		default:
		}

		task, err := w.queue.DequeueMerge(ctx, mergeDequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Merge] dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		if err := w.handleMerge(ctx, task); err != nil {
			// The job is still dispatching, so a later scheduler tick sees the
			// completed chunk set and re-enqueues the merge.
			log.Printf("[Merge] job %s: %v", task.JobID, err)
		}
	}
}

// handleMerge assembles one job's chunk results into the final video.
// Duplicate tasks are expected (webhook and scheduler both enqueue); the
// terminal-status check up front makes them no-ops.
func (w *Worker) handleMerge(ctx context.Context, task *queue.MergeTask) error {
	job, err := w.db.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status.Terminal() {
		log.Printf("[Merge] job %s already %s, skipping", job.ID, job.Status)
		return nil
	}

	chunks, err := w.db.GetJobChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load chunks: %w", err)
	}

	if err := VerifyChunkSet(chunks); err != nil {
		w.failJob(ctx, job.ID, models.ErrCodeIncompleteChunkSet, err.Error())
		return nil
	}

	log.Printf("[Merge] assembling job %s from %d chunks", job.ID, len(chunks))

	var chunkPaths []string
	defer func() { w.ffmpeg.Cleanup(chunkPaths...) }()

	var wantMs int
	for i := range chunks {
		chunk := &chunks[i]

		data, err := w.storage.DownloadURL(ctx, *chunk.ResultURL)
		if err != nil {
			return fmt.Errorf("failed to download chunk %d: %w", chunk.ChunkIndex, err)
		}

		path := w.ffmpeg.CreateTempFile(fmt.Sprintf("%s_chunk_%03d.mp4", job.ID, chunk.ChunkIndex))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", chunk.ChunkIndex, err)
		}

		chunkPaths = append(chunkPaths, path)
		wantMs += int(chunk.DurationSec() * 1000)
	}

	outPath := w.ffmpeg.CreateTempFile(fmt.Sprintf("%s_final.mp4", job.ID))
	defer w.ffmpeg.Cleanup(outPath)

	if err := w.ffmpeg.ConcatenateChunks(ctx, chunkPaths, outPath); err != nil {
		return fmt.Errorf("concatenation failed: %w", err)
	}

	if gotMs, err := w.ffmpeg.GetVideoDurationMs(ctx, outPath); err != nil {
		log.Printf("[Merge] job %s: could not probe final duration: %v", job.ID, err)
	} else if drift := gotMs - wantMs; drift > mergeDriftToleranceMs || drift < -mergeDriftToleranceMs {
		log.Printf("[Merge] job %s: final duration %dms drifts %dms from planned %dms", job.ID, gotMs, drift, wantMs)
	}

	storagePath := w.storage.JobPath(job.ID, "final.mp4")
	if err := w.storage.UploadFile(ctx, storagePath, outPath, "video/mp4"); err != nil {
		return fmt.Errorf("failed to upload final video: %w", err)
	}

	finalURL := w.storage.GetPublicURL(storagePath)
	if err := w.db.SetJobFinalVideo(ctx, job.ID, finalURL); err != nil {
		return fmt.Errorf("failed to record final video: %w", err)
	}

	log.Printf("[Merge] job %s completed: %s", job.ID, finalURL)
	return nil
}
