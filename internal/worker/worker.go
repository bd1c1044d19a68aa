// Package worker runs the job scheduler and the merge consumer.
//
// The scheduler is a polling loop: every tick it claims at most one job via
// an atomic lease in Postgres and advances it through
// pending → analyzing → chunking → dispatching. Nothing about the claimed job
// is held in process memory across ticks, so any number of worker instances
// can run concurrently and crash recovery is just lease expiry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/halfstep/lipsync/internal/config"
	"github.com/halfstep/lipsync/internal/db"
	"github.com/halfstep/lipsync/internal/models"
	"github.com/halfstep/lipsync/internal/planner"
	"github.com/halfstep/lipsync/internal/provider"
	"github.com/halfstep/lipsync/internal/queue"
	"github.com/halfstep/lipsync/internal/services"
	"github.com/halfstep/lipsync/internal/storage"
	"github.com/halfstep/lipsync/internal/tempo"
)

// Sample rate and envelope hop for sync-offset extraction. 8kHz mono is
// plenty for energy envelopes; a 400-sample hop gives 20 envelope frames/sec.
const (
	pcmSampleRate = 8000
	envelopeHop   = 400
	maxOffsetLag  = 15.0 // seconds searched on either side
)

type Worker struct {
	db       *db.DB
	queue    *queue.Queue
	storage  *storage.Storage
	provider *provider.Client
	ffmpeg   *services.FFmpegService
	cfg      *config.Config
	holder   string // lease holder identity, unique per instance
}

func New(
	database *db.DB,
	q *queue.Queue,
	stor *storage.Storage,
	prov *provider.Client,
	ffmpegSvc *services.FFmpegService,
	cfg *config.Config,
) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}

	return &Worker{
		db:       database,
		queue:    q,
		storage:  stor,
		provider: prov,
		ffmpeg:   ffmpegSvc,
		cfg:      cfg,
		holder:   fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

// Start runs the scheduler loop and the merge consumer until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[Worker] started (holder=%s, poll=%v, dispatch concurrency=%d)",
		w.holder, w.cfg.PollInterval, w.cfg.DispatchConcurrency)

	go w.runMergeConsumer(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Worker] shutting down...")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick sweeps timed-out chunks, then claims and advances at most one job.
func (w *Worker) tick(ctx context.Context) {
	w.sweepStaleChunks(ctx)

	job, err := w.db.ClaimNextJob(ctx, w.holder, w.cfg.LeaseDuration)
	if errors.Is(err, db.ErrNotFound) {
		return // nothing claimable this tick
	}
	if err != nil {
		log.Printf("[Worker] claim failed: %v", err)
		return
	}

	log.Printf("[Worker] claimed job %s (status=%s)", job.ID, job.Status)

	if err := w.processJob(ctx, job); err != nil {
		log.Printf("[Worker] job %s: %v", job.ID, err)
	}

	if err := w.db.ReleaseJobLease(ctx, job.ID, w.holder); err != nil {
		log.Printf("[Worker] failed to release lease on %s: %v", job.ID, err)
	}
}

// processJob advances a claimed job as far as it can within this tick.
// Stages that hit a terminal business failure record it on the job and
// report done=false; infrastructure errors bubble up and the lease expiry
// makes the job re-claimable.
func (w *Worker) processJob(ctx context.Context, job *models.Job) error {
	if job.Status == models.JobStatusPending || job.Status == models.JobStatusAnalyzing {
		ok, err := w.analyzeJob(ctx, job)
		if err != nil || !ok {
			return err
		}
		job.Status = models.JobStatusChunking
	}

	if job.Status == models.JobStatusChunking {
		ok, err := w.planChunks(ctx, job)
		if err != nil || !ok {
			return err
		}
		job.Status = models.JobStatusDispatching
	}

	if job.Status == models.JobStatusDispatching {
		return w.dispatchJob(ctx, job)
	}

	return nil
}

// analyzeJob computes the measure-aligned chunk duration and the sync offset
// and stores both on the job.
func (w *Worker) analyzeJob(ctx context.Context, job *models.Job) (bool, error) {
	if job.Status == models.JobStatusPending {
		if err := w.db.UpdateJobStatus(ctx, job.ID, models.JobStatusAnalyzing); err != nil {
			return false, fmt.Errorf("failed to update job status: %w", err)
		}
	}

	// bpm_detected stays false until a real tempo detector lands; the column
	// records provenance so defaulted jobs can be re-analyzed later.
	bpm := w.cfg.DefaultBPM
	if job.BPM != nil {
		bpm = *job.BPM
	} else {
		log.Printf("[Worker] job %s: no BPM supplied, defaulting to %d", job.ID, bpm)
	}

	analysis, err := tempo.Analyze(tempo.AnalysisInput{
		VideoDurationSec: job.VideoDurationSec,
		AudioDurationSec: job.AudioDurationSec,
		BPM:              bpm,
		BeatsPerBar:      job.BeatsPerBar,
		TargetCeilingSec: w.cfg.ChunkTargetSeconds,
		ToleranceSec:     w.cfg.DurationToleranceSec,
	})
	if err != nil {
		code := models.ErrCodeValidation
		if errors.Is(err, tempo.ErrDurationMismatch) {
			code = models.ErrCodeDurationMismatch
		}
		w.failJob(ctx, job.ID, code, err.Error())
		return false, nil
	}

	offset := w.computeSyncOffset(ctx, job)

	if err := w.db.SetJobAnalysis(ctx, job.ID, bpm, false,
		analysis.ChunkDurationSec, offset.Seconds, offset.Direction); err != nil {
		return false, fmt.Errorf("failed to store analysis: %w", err)
	}

	job.ChunkDurationSec = &analysis.ChunkDurationSec
	job.SyncOffsetSec = &offset.Seconds
	job.OffsetDirection = offset.Direction

	log.Printf("[Worker] job %s analyzed: bpm=%d, chunk=%.2fs (%d measures), offset=%.2fs (%s, peak=%.2f)",
		job.ID, bpm, analysis.ChunkDurationSec, analysis.MeasuresPerChunk,
		offset.Seconds, offset.Direction, offset.Peak)

	return true, nil
}

// computeSyncOffset decodes both tracks to energy envelopes and
// cross-correlates them. Offset extraction is best-effort: a job whose media
// cannot be decoded still renders, just without dead-space correction.
func (w *Worker) computeSyncOffset(ctx context.Context, job *models.Job) tempo.Offset {
	aligned := tempo.Offset{Direction: models.OffsetAligned}

	videoPCM, err := w.ffmpeg.ExtractPCM(ctx, job.VideoURL, pcmSampleRate)
	if err != nil {
		log.Printf("[Worker] job %s: could not extract video audio, assuming aligned: %v", job.ID, err)
		return aligned
	}

	audioPCM, err := w.ffmpeg.ExtractPCM(ctx, job.AudioURL, pcmSampleRate)
	if err != nil {
		log.Printf("[Worker] job %s: could not extract audio track, assuming aligned: %v", job.ID, err)
		return aligned
	}

	offset, err := tempo.SyncOffsetFromSamples(videoPCM, audioPCM, pcmSampleRate, envelopeHop, maxOffsetLag)
	if err != nil {
		log.Printf("[Worker] job %s: sync offset failed, assuming aligned: %v", job.ID, err)
		return aligned
	}

	return offset
}

// planChunks materializes the chunk rows and advances the job to dispatching.
func (w *Worker) planChunks(ctx context.Context, job *models.Job) (bool, error) {
	if job.ChunkDurationSec == nil {
		return false, fmt.Errorf("job %s is chunking without analysis results", job.ID)
	}

	offset := 0.0
	if job.SyncOffsetSec != nil {
		offset = *job.SyncOffsetSec
	}

	total := planner.UsableDuration(job.VideoDurationSec, job.AudioDurationSec, offset)

	specs, err := planner.Plan(total, *job.ChunkDurationSec, offset, len(job.ImageURLs))
	if err != nil {
		w.failJob(ctx, job.ID, models.ErrCodeValidation, err.Error())
		return false, nil
	}

	for _, spec := range specs {
		chunk := &models.Chunk{
			ID:            uuid.New(),
			JobID:         job.ID,
			ChunkIndex:    spec.Index,
			VideoStartSec: spec.VideoStartSec,
			VideoEndSec:   spec.VideoEndSec,
			AudioStartSec: spec.AudioStartSec,
			AudioEndSec:   spec.AudioEndSec,
			ImageIndex:    spec.ImageIndex,
			Status:        models.ChunkStatusPending,
		}
		if err := w.db.CreateChunk(ctx, chunk); err != nil {
			return false, fmt.Errorf("failed to create chunk %d: %w", spec.Index, err)
		}
	}

	log.Printf("[Worker] job %s planned: %d chunks over %.2fs", job.ID, len(specs), total)

	if err := w.db.UpdateJobStatus(ctx, job.ID, models.JobStatusDispatching); err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	return true, nil
}

// dispatchJob fans the job's pending chunks out to the provider with bounded
// parallelism, then aggregates chunk state up to the job.
func (w *Worker) dispatchJob(ctx context.Context, job *models.Job) error {
	pending, err := w.db.GetPendingChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load pending chunks: %w", err)
	}

	// Chunks that already burned their retry budget fail terminally before
	// any new dispatch goes out.
	var dispatchable []models.Chunk
	for _, chunk := range pending {
		if chunk.Attempts >= w.cfg.MaxDispatchAttempts {
			msg := fmt.Sprintf("dispatch failed after %d attempts", chunk.Attempts)
			if chunk.ErrorMessage != nil {
				msg = fmt.Sprintf("%s (last error: %s)", msg, *chunk.ErrorMessage)
			}
			if applied, _ := w.db.FailChunk(ctx, chunk.ID, models.ErrCodeDispatchFailure, msg); applied {
				log.Printf("[Worker] chunk %s (job %s, index %d) exhausted dispatch retries", chunk.ID, job.ID, chunk.ChunkIndex)
			}
			continue
		}
		dispatchable = append(dispatchable, chunk)
	}

	if len(dispatchable) > 0 {
		sem := semaphore.NewWeighted(int64(w.cfg.DispatchConcurrency))
		g, gctx := errgroup.WithContext(ctx)

		for _, chunk := range dispatchable {
			chunk := chunk
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				w.dispatchChunk(gctx, job, &chunk)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("dispatch fan-out interrupted: %w", err)
		}
	}

	return w.aggregateJob(ctx, job.ID)
}

// dispatchChunk submits one chunk to the provider. Synchronous failures are
// counted against the retry budget; the chunk stays pending for a later tick.
func (w *Worker) dispatchChunk(ctx context.Context, job *models.Job, chunk *models.Chunk) {
	req := provider.RenderRequest{
		VideoURL:       job.VideoURL,
		AudioURL:       job.AudioURL,
		VideoStartSec:  chunk.VideoStartSec,
		VideoEndSec:    chunk.VideoEndSec,
		AudioStartSec:  chunk.AudioStartSec,
		AudioEndSec:    chunk.AudioEndSec,
		Watermark:      job.Tier.Watermarked(),
		IdempotencyKey: chunk.ID.String(),
		CallbackURL:    w.cfg.WebhookBaseURL + "/v1/webhooks/render",
	}

	if chunk.ImageIndex != nil && *chunk.ImageIndex < len(job.ImageURLs) {
		req.ImageURL = job.ImageURLs[*chunk.ImageIndex]
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	defer cancel()

	externalID, err := w.provider.SubmitRender(callCtx, req)
	if err != nil {
		log.Printf("[Worker] chunk %s (index %d) dispatch failed (attempt %d/%d): %v",
			chunk.ID, chunk.ChunkIndex, chunk.Attempts+1, w.cfg.MaxDispatchAttempts, err)
		if dbErr := w.db.RecordDispatchFailure(ctx, chunk.ID, err.Error()); dbErr != nil {
			log.Printf("[Worker] failed to record dispatch failure for %s: %v", chunk.ID, dbErr)
		}
		return
	}

	applied, err := w.db.MarkChunkDispatched(ctx, chunk.ID, externalID)
	if err != nil {
		log.Printf("[Worker] failed to mark chunk %s dispatched: %v", chunk.ID, err)
		return
	}
	if !applied {
		// Another actor moved the chunk while we were on the wire; the
		// provider-side idempotency key kept the duplicate submit harmless.
		log.Printf("[Worker] chunk %s already left pending, dispatch result dropped", chunk.ID)
		return
	}

	log.Printf("[Worker] chunk %s (index %d) dispatched, request_id=%s", chunk.ID, chunk.ChunkIndex, externalID)
}

// aggregateJob folds chunk states up to the job: any failed chunk fails the
// job; a fully completed set enqueues the merge. The latter also backstops a
// webhook whose merge enqueue was lost.
func (w *Worker) aggregateJob(ctx context.Context, jobID uuid.UUID) error {
	chunks, err := w.db.GetJobChunks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	allCompleted := true
	for i := range chunks {
		chunk := &chunks[i]
		if chunk.Status == models.ChunkStatusFailed {
			w.failJobForChunk(ctx, jobID, chunk)
			return nil
		}
		if chunk.Status != models.ChunkStatusCompleted {
			allCompleted = false
		}
	}

	if allCompleted {
		if err := w.queue.EnqueueMerge(ctx, jobID); err != nil {
			return fmt.Errorf("failed to enqueue merge: %w", err)
		}
	}

	return nil
}

// failJobForChunk fails the parent job with the chunk's reason and cancels
// whatever work is still in flight. The FailJob CAS keeps the first reason.
func (w *Worker) failJobForChunk(ctx context.Context, jobID uuid.UUID, chunk *models.Chunk) {
	code := models.ErrCodeRenderFailure
	if chunk.ErrorCode != nil {
		code = models.ErrorCode(*chunk.ErrorCode)
	}
	msg := "chunk failed"
	if chunk.ErrorMessage != nil {
		msg = *chunk.ErrorMessage
	}

	w.failJob(ctx, jobID, code, fmt.Sprintf("chunk %d: %s", chunk.ChunkIndex, msg))
}

func (w *Worker) failJob(ctx context.Context, jobID uuid.UUID, code models.ErrorCode, message string) {
	applied, err := w.db.FailJob(ctx, jobID, code, message)
	if err != nil {
		log.Printf("[Worker] failed to fail job %s: %v", jobID, err)
		return
	}
	if !applied {
		return // already terminal, first reason stands
	}

	log.Printf("[Worker] job %s failed: %s: %s", jobID, code, message)

	if n, err := w.db.CancelJobChunks(ctx, jobID); err != nil {
		log.Printf("[Worker] failed to cancel chunks of %s: %v", jobID, err)
	} else if n > 0 {
		log.Printf("[Worker] job %s: cancelled %d in-flight chunks", jobID, n)
	}
}

// sweepStaleChunks fails dispatched chunks whose completion webhook never
// arrived within the render timeout, instead of leaving them open forever.
func (w *Worker) sweepStaleChunks(ctx context.Context) {
	stale, err := w.db.GetStaleDispatchedChunks(ctx, w.cfg.RenderTimeout)
	if err != nil {
		log.Printf("[Worker] stale chunk sweep failed: %v", err)
		return
	}

	for i := range stale {
		chunk := &stale[i]
		msg := fmt.Sprintf("no completion webhook within %v", w.cfg.RenderTimeout)

		applied, err := w.db.FailChunk(ctx, chunk.ID, models.ErrCodeRenderFailure, msg)
		if err != nil {
			log.Printf("[Worker] failed to time out chunk %s: %v", chunk.ID, err)
			continue
		}
		if !applied {
			continue // a webhook won the race, leave it be
		}

		log.Printf("[Worker] chunk %s (job %s, index %d) timed out waiting for webhook",
			chunk.ID, chunk.JobID, chunk.ChunkIndex)

		code := models.ErrCodeRenderFailure
		errCode := string(code)
		chunk.ErrorCode = &errCode
		chunk.ErrorMessage = &msg
		w.failJobForChunk(ctx, chunk.JobID, chunk)
	}
}
