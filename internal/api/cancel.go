package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/models"
)

// cancelStore is the slice of the database the cancel path touches, narrowed
// to an interface for the same reason as webhookStore.
type cancelStore interface {
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)
	CancelJobChunks(ctx context.Context, jobID uuid.UUID) (int, error)
	GetJobChunks(ctx context.Context, jobID uuid.UUID) ([]models.Chunk, error)
	Refund(ctx context.Context, chargeToken uuid.UUID) error
}

// cancelJobWork flips a non-terminal job and its live chunks to cancelled and
// refunds any charge left on a now-cancelled chunk. Completed chunks keep
// their status and their charge: that work was consumed. Returns false when
// the job was already terminal (the whole call is then a no-op).
func cancelJobWork(ctx context.Context, store cancelStore, jobID uuid.UUID) (bool, error) {
	cancelled, err := store.CancelJob(ctx, jobID)
	if err != nil || !cancelled {
		return cancelled, err
	}

	if _, err := store.CancelJobChunks(ctx, jobID); err != nil {
		return true, err
	}

	// Refund is a no-op for never-charged tokens, so blanket-refunding the
	// cancelled chunks is safe. The only cancelled chunk that carries a
	// charge is one a completion webhook charged just before losing the
	// status race to this cancel.
	chunks, err := store.GetJobChunks(ctx, jobID)
	if err != nil {
		return true, err
	}
	for i := range chunks {
		if chunks[i].Status == models.ChunkStatusCancelled {
			if err := store.Refund(ctx, chunks[i].ID); err != nil {
				return true, err
			}
		}
	}

	return true, nil
}
