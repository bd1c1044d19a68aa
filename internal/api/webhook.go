package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/db"
	"github.com/halfstep/lipsync/internal/models"
)

// webhookStore is the slice of the database the webhook receiver touches.
// Narrowed to an interface so the delivery semantics are testable without
// Postgres.
type webhookStore interface {
	GetChunkByExternalID(ctx context.Context, externalID string) (*models.Chunk, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	CompleteChunk(ctx context.Context, id uuid.UUID, resultURL string) (bool, error)
	FailChunk(ctx context.Context, id uuid.UUID, code models.ErrorCode, message string) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, code models.ErrorCode, message string) (bool, error)
	CancelJobChunks(ctx context.Context, jobID uuid.UUID) (int, error)
	Charge(ctx context.Context, chargeToken, accountID uuid.UUID, amount int64) error
	Refund(ctx context.Context, chargeToken uuid.UUID) error
	SetChunkCharged(ctx context.Context, id uuid.UUID, amount int64) error
	AreAllChunksCompleted(ctx context.Context, jobID uuid.UUID) (bool, error)
}

type mergeEnqueuer interface {
	EnqueueMerge(ctx context.Context, jobID uuid.UUID) error
}

// WebhookHandler receives render completion/failure callbacks from the
// provider. Deliveries are at-least-once and unordered, so every path here
// must be idempotent: duplicates, late arrivals on terminal chunks, and ids
// this system never issued are all acknowledged with 200 and no side effects.
type WebhookHandler struct {
	store     webhookStore
	merges    mergeEnqueuer
	secret    string
	chunkCost func(pro bool) int64
}

func NewWebhookHandler(store webhookStore, merges mergeEnqueuer, secret string, chunkCost func(pro bool) int64) *WebhookHandler {
	return &WebhookHandler{
		store:     store,
		merges:    merges,
		secret:    secret,
		chunkCost: chunkCost,
	}
}

// HandleRenderWebhook handles POST /v1/webhooks/render
func (h *WebhookHandler) HandleRenderWebhook(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			respondError(w, http.StatusUnauthorized, "Invalid webhook secret")
			return
		}
	}

	var payload models.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	ids := payload.LookupIDs()
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, "Missing request id")
		return
	}

	chunk := h.resolveChunk(r.Context(), ids)
	if chunk == nil {
		// Not ours (or long since cleaned up). Acknowledge so the provider
		// stops retrying a delivery we can never use.
		log.Printf("[Webhook] unknown request id %v, acknowledged", ids)
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if chunk.Status.Terminal() {
		respondJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}

	switch payload.Status {
	case models.WebhookStatusCompleted:
		h.handleCompleted(r.Context(), chunk, &payload)
	case models.WebhookStatusFailed:
		h.handleFailed(r.Context(), chunk, &payload)
	default:
		// Intermediate progress notification; nothing to record.
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) resolveChunk(ctx context.Context, ids []string) *models.Chunk {
	for _, id := range ids {
		chunk, err := h.store.GetChunkByExternalID(ctx, id)
		if err == nil {
			return chunk
		}
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("[Webhook] chunk lookup failed for %s: %v", id, err)
		}
	}
	return nil
}

// handleCompleted charges for the chunk, then flips it to completed. Charge
// goes first: a completed chunk is terminal and could no longer be failed if
// the balance turned out short. The ledger's charge token (the chunk id) and
// the status CAS each make their half exactly-once, so a duplicate delivery
// can neither rewrite the result nor double-bill.
func (h *WebhookHandler) handleCompleted(ctx context.Context, chunk *models.Chunk, payload *models.WebhookPayload) {
	if payload.ResultURL == "" {
		// A completion we cannot merge is a failure.
		if applied, err := h.store.FailChunk(ctx, chunk.ID, models.ErrCodeRenderFailure, "provider reported completion without a result url"); err != nil {
			log.Printf("[Webhook] failed to fail chunk %s: %v", chunk.ID, err)
		} else if applied {
			h.propagateChunkFailure(ctx, chunk.JobID, chunk.ChunkIndex, models.ErrCodeRenderFailure, "completion without result url")
		}
		return
	}

	job, err := h.store.GetJob(ctx, chunk.JobID)
	if err != nil {
		log.Printf("[Webhook] failed to load job %s: %v", chunk.JobID, err)
		return
	}

	amount := h.chunkCost(job.Tier == models.TierPro)
	err = h.store.Charge(ctx, chunk.ID, job.AccountID, amount)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrAlreadyCharged):
		// A previous delivery charged this chunk but may have crashed before
		// completing it; fall through and finish the transition.
	case errors.Is(err, db.ErrInsufficientCredits):
		log.Printf("[Webhook] job %s: account %s cannot cover chunk %d", job.ID, job.AccountID, chunk.ChunkIndex)
		if applied, err := h.store.FailChunk(ctx, chunk.ID, models.ErrCodeInsufficientCredits, "account balance cannot cover chunk"); err != nil {
			log.Printf("[Webhook] failed to fail chunk %s: %v", chunk.ID, err)
		} else if applied {
			h.propagateChunkFailure(ctx, chunk.JobID, chunk.ChunkIndex, models.ErrCodeInsufficientCredits, "account balance cannot cover chunk")
		}
		return
	default:
		log.Printf("[Webhook] charge failed for chunk %s: %v", chunk.ID, err)
		return
	}

	applied, err := h.store.CompleteChunk(ctx, chunk.ID, payload.ResultURL)
	if err != nil {
		log.Printf("[Webhook] failed to complete chunk %s: %v", chunk.ID, err)
		return
	}
	if !applied {
		// The chunk left dispatched between our lookup and the CAS. If a
		// cancel won that race the charge must not stick; Refund is a no-op
		// for every other interleaving.
		if current, err := h.store.GetChunkByExternalID(ctx, deref(chunk.ExternalRequestID)); err == nil &&
			current.Status == models.ChunkStatusCancelled {
			if err := h.store.Refund(ctx, chunk.ID); err != nil {
				log.Printf("[Webhook] failed to refund cancelled chunk %s: %v", chunk.ID, err)
			}
		}
		return
	}

	if err := h.store.SetChunkCharged(ctx, chunk.ID, amount); err != nil {
		log.Printf("[Webhook] failed to record charge on chunk %s: %v", chunk.ID, err)
	}

	log.Printf("[Webhook] chunk %s (job %s, index %d) completed and charged %d credits",
		chunk.ID, chunk.JobID, chunk.ChunkIndex, amount)

	done, err := h.store.AreAllChunksCompleted(ctx, chunk.JobID)
	if err != nil {
		log.Printf("[Webhook] completion check failed for job %s: %v", chunk.JobID, err)
		return
	}
	if done {
		if err := h.merges.EnqueueMerge(ctx, chunk.JobID); err != nil {
			// The scheduler re-enqueues on its next pass over the job.
			log.Printf("[Webhook] failed to enqueue merge for job %s: %v", chunk.JobID, err)
		}
	}
}

func (h *WebhookHandler) handleFailed(ctx context.Context, chunk *models.Chunk, payload *models.WebhookPayload) {
	msg := payload.Error
	if msg == "" {
		msg = "provider reported render failure"
	}

	applied, err := h.store.FailChunk(ctx, chunk.ID, models.ErrCodeRenderFailure, msg)
	if err != nil {
		log.Printf("[Webhook] failed to fail chunk %s: %v", chunk.ID, err)
		return
	}
	if !applied {
		return
	}

	log.Printf("[Webhook] chunk %s (job %s, index %d) failed: %s", chunk.ID, chunk.JobID, chunk.ChunkIndex, msg)
	h.propagateChunkFailure(ctx, chunk.JobID, chunk.ChunkIndex, models.ErrCodeRenderFailure, msg)
}

// propagateChunkFailure fails the parent job with the chunk's reason and
// cancels its remaining work. The FailJob CAS keeps the first recorded reason
// if several chunks fail.
func (h *WebhookHandler) propagateChunkFailure(ctx context.Context, jobID uuid.UUID, chunkIndex int, code models.ErrorCode, msg string) {
	applied, err := h.store.FailJob(ctx, jobID, code,
		fmt.Sprintf("chunk %d: %s", chunkIndex, msg))
	if err != nil {
		log.Printf("[Webhook] failed to fail job %s: %v", jobID, err)
		return
	}
	if !applied {
		return
	}

	if _, err := h.store.CancelJobChunks(ctx, jobID); err != nil {
		log.Printf("[Webhook] failed to cancel chunks of %s: %v", jobID, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
