package api

import (
	"context"
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/models"
)

// cancelStore methods the webhook tests don't need.

func (s *fakeStore) CancelJob(_ context.Context, id uuid.UUID) (bool, error) {
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = models.JobStatusCancelled
	return true, nil
}

func (s *fakeStore) GetJobChunks(_ context.Context, jobID uuid.UUID) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for _, chunk := range s.chunks {
		if chunk.JobID == jobID {
			chunks = append(chunks, *chunk)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func chunkByIndex(store *fakeStore, index int) *models.Chunk {
	for _, chunk := range store.chunks {
		if chunk.ChunkIndex == index {
			return chunk
		}
	}
	return nil
}

func TestCancelJobMatrix(t *testing.T) {
	store := newFakeStore()
	jobID, _ := seedDispatched(store, 3)

	// Chunk 0 completed and charged, chunk 1 dispatched, chunk 2 pending.
	completed := chunkByIndex(store, 0)
	completed.Status = models.ChunkStatusCompleted
	url := "https://storage.example.com/chunk0.mp4"
	completed.ResultURL = &url
	completed.CreditsCharged = 10
	store.charges[completed.ID] = 10
	store.balance -= 10

	chunkByIndex(store, 2).Status = models.ChunkStatusPending

	cancelled, err := cancelJobWork(context.Background(), store, jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cancelled {
		t.Fatal("expected the job to be cancelled")
	}

	if store.jobs[jobID].Status != models.JobStatusCancelled {
		t.Errorf("expected job cancelled, got %s", store.jobs[jobID].Status)
	}

	// Completed chunk untouched and still charged.
	if completed.Status != models.ChunkStatusCompleted {
		t.Errorf("cancel must not touch a completed chunk, got %s", completed.Status)
	}
	if _, charged := store.charges[completed.ID]; !charged {
		t.Error("cancel must not refund a completed chunk")
	}
	if completed.CreditsCharged != 10 {
		t.Errorf("completed chunk charge = %d, want 10", completed.CreditsCharged)
	}

	// Dispatched and pending chunks cancelled, never charged.
	for _, index := range []int{1, 2} {
		chunk := chunkByIndex(store, index)
		if chunk.Status != models.ChunkStatusCancelled {
			t.Errorf("chunk %d: expected cancelled, got %s", index, chunk.Status)
		}
		if _, charged := store.charges[chunk.ID]; charged {
			t.Errorf("chunk %d: cancelled chunk must not stay charged", index)
		}
	}

	if store.balance != 990 {
		t.Errorf("balance = %d, want 990 (only the completed chunk billed)", store.balance)
	}
}

func TestCancelJobRefundsChargedCancelledChunk(t *testing.T) {
	store := newFakeStore()
	jobID, _ := seedDispatched(store, 1)

	// A completion webhook charged the chunk but lost the status race: the
	// chunk is still dispatched with a charge on its token.
	chunk := chunkByIndex(store, 0)
	store.charges[chunk.ID] = 10
	store.balance -= 10

	cancelled, err := cancelJobWork(context.Background(), store, jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cancelled {
		t.Fatal("expected the job to be cancelled")
	}

	if chunk.Status != models.ChunkStatusCancelled {
		t.Errorf("expected chunk cancelled, got %s", chunk.Status)
	}
	if _, charged := store.charges[chunk.ID]; charged {
		t.Error("charge on a cancelled chunk must be refunded")
	}
	if store.balance != 1000 {
		t.Errorf("balance = %d, want 1000 after refund", store.balance)
	}
}

func TestCancelJobAlreadyTerminal(t *testing.T) {
	store := newFakeStore()
	jobID, _ := seedDispatched(store, 1)
	store.jobs[jobID].Status = models.JobStatusCompleted

	cancelled, err := cancelJobWork(context.Background(), store, jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled {
		t.Fatal("a terminal job must not be cancellable")
	}

	if store.jobs[jobID].Status != models.JobStatusCompleted {
		t.Errorf("terminal job status must be untouched, got %s", store.jobs[jobID].Status)
	}
	for _, chunk := range store.chunks {
		if chunk.Status != models.ChunkStatusDispatched {
			t.Errorf("no-op cancel must leave chunks untouched, got %s", chunk.Status)
		}
	}
}
