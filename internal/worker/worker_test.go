package worker

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/models"
)

func completedChunk(index int) models.Chunk {
	url := "https://storage.example.com/chunks/" + uuid.New().String() + ".mp4"
	return models.Chunk{
		ID:         uuid.New(),
		ChunkIndex: index,
		Status:     models.ChunkStatusCompleted,
		ResultURL:  &url,
	}
}

func TestVerifyChunkSetComplete(t *testing.T) {
	chunks := []models.Chunk{completedChunk(0), completedChunk(1), completedChunk(2)}

	if err := VerifyChunkSet(chunks); err != nil {
		t.Fatalf("expected complete set to verify, got %v", err)
	}
}

func TestVerifyChunkSetEmpty(t *testing.T) {
	if err := VerifyChunkSet(nil); !errors.Is(err, ErrIncompleteChunkSet) {
		t.Fatalf("expected ErrIncompleteChunkSet for empty set, got %v", err)
	}
}

func TestVerifyChunkSetIndexGap(t *testing.T) {
	// Indexes {0, 1, 3}: chunk 2 was never created or its row was lost.
	chunks := []models.Chunk{completedChunk(0), completedChunk(1), completedChunk(3)}

	err := VerifyChunkSet(chunks)
	if !errors.Is(err, ErrIncompleteChunkSet) {
		t.Fatalf("expected ErrIncompleteChunkSet for index gap, got %v", err)
	}
}

func TestVerifyChunkSetNonCompletedChunk(t *testing.T) {
	for _, status := range []models.ChunkStatus{
		models.ChunkStatusPending,
		models.ChunkStatusDispatched,
		models.ChunkStatusFailed,
		models.ChunkStatusCancelled,
	} {
		chunks := []models.Chunk{completedChunk(0), completedChunk(1)}
		chunks[1].Status = status

		if err := VerifyChunkSet(chunks); !errors.Is(err, ErrIncompleteChunkSet) {
			t.Errorf("status %s: expected ErrIncompleteChunkSet, got %v", status, err)
		}
	}
}

func TestVerifyChunkSetMissingResultURL(t *testing.T) {
	chunks := []models.Chunk{completedChunk(0), completedChunk(1)}
	chunks[0].ResultURL = nil

	if err := VerifyChunkSet(chunks); !errors.Is(err, ErrIncompleteChunkSet) {
		t.Fatalf("expected ErrIncompleteChunkSet for missing result url, got %v", err)
	}

	empty := ""
	chunks[0].ResultURL = &empty
	if err := VerifyChunkSet(chunks); !errors.Is(err, ErrIncompleteChunkSet) {
		t.Fatalf("expected ErrIncompleteChunkSet for empty result url, got %v", err)
	}
}
