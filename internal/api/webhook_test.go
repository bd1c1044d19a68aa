package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/db"
	"github.com/halfstep/lipsync/internal/models"
)

// fakeStore is an in-memory webhookStore with the same transition semantics
// as the SQL layer: compare-and-set on chunk/job status, charge-once ledger.
type fakeStore struct {
	jobs    map[uuid.UUID]*models.Job
	chunks  map[uuid.UUID]*models.Chunk
	charges map[uuid.UUID]int64 // charge token -> amount
	balance int64

	chargeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[uuid.UUID]*models.Job),
		chunks:  make(map[uuid.UUID]*models.Chunk),
		charges: make(map[uuid.UUID]int64),
		balance: 1000,
	}
}

func (s *fakeStore) GetChunkByExternalID(_ context.Context, externalID string) (*models.Chunk, error) {
	for _, chunk := range s.chunks {
		if chunk.ExternalRequestID != nil && *chunk.ExternalRequestID == externalID {
			copied := *chunk
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) CompleteChunk(_ context.Context, id uuid.UUID, resultURL string) (bool, error) {
	chunk, ok := s.chunks[id]
	if !ok || chunk.Status != models.ChunkStatusDispatched {
		return false, nil
	}
	chunk.Status = models.ChunkStatusCompleted
	chunk.ResultURL = &resultURL
	return true, nil
}

func (s *fakeStore) FailChunk(_ context.Context, id uuid.UUID, code models.ErrorCode, message string) (bool, error) {
	chunk, ok := s.chunks[id]
	if !ok || chunk.Status.Terminal() {
		return false, nil
	}
	chunk.Status = models.ChunkStatusFailed
	codeStr := string(code)
	chunk.ErrorCode = &codeStr
	chunk.ErrorMessage = &message
	return true, nil
}

func (s *fakeStore) FailJob(_ context.Context, id uuid.UUID, code models.ErrorCode, message string) (bool, error) {
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = models.JobStatusFailed
	codeStr := string(code)
	job.ErrorCode = &codeStr
	job.ErrorMessage = &message
	return true, nil
}

func (s *fakeStore) CancelJobChunks(_ context.Context, jobID uuid.UUID) (int, error) {
	n := 0
	for _, chunk := range s.chunks {
		if chunk.JobID == jobID && !chunk.Status.Terminal() {
			chunk.Status = models.ChunkStatusCancelled
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Charge(_ context.Context, chargeToken, _ uuid.UUID, amount int64) error {
	s.chargeCalls++
	if _, exists := s.charges[chargeToken]; exists {
		return db.ErrAlreadyCharged
	}
	if s.balance < amount {
		return db.ErrInsufficientCredits
	}
	s.charges[chargeToken] = amount
	s.balance -= amount
	return nil
}

func (s *fakeStore) Refund(_ context.Context, chargeToken uuid.UUID) error {
	if amount, ok := s.charges[chargeToken]; ok {
		delete(s.charges, chargeToken)
		s.balance += amount
	}
	return nil
}

func (s *fakeStore) SetChunkCharged(_ context.Context, id uuid.UUID, amount int64) error {
	if chunk, ok := s.chunks[id]; ok {
		chunk.CreditsCharged = amount
	}
	return nil
}

func (s *fakeStore) AreAllChunksCompleted(_ context.Context, jobID uuid.UUID) (bool, error) {
	found := false
	for _, chunk := range s.chunks {
		if chunk.JobID != jobID {
			continue
		}
		found = true
		if chunk.Status != models.ChunkStatusCompleted {
			return false, nil
		}
	}
	return found, nil
}

type fakeMerges struct {
	enqueued []uuid.UUID
}

func (m *fakeMerges) EnqueueMerge(_ context.Context, jobID uuid.UUID) error {
	m.enqueued = append(m.enqueued, jobID)
	return nil
}

func testCost(pro bool) int64 {
	if pro {
		return 8
	}
	return 10
}

// seedDispatched creates a job with n dispatched chunks and returns the job id
// and external request ids.
func seedDispatched(store *fakeStore, n int) (uuid.UUID, []string) {
	jobID := uuid.New()
	store.jobs[jobID] = &models.Job{
		ID:        jobID,
		AccountID: uuid.New(),
		Tier:      models.TierFree,
		Status:    models.JobStatusDispatching,
	}

	externalIDs := make([]string, n)
	for i := 0; i < n; i++ {
		extID := "req-" + uuid.New().String()
		externalIDs[i] = extID
		chunkID := uuid.New()
		store.chunks[chunkID] = &models.Chunk{
			ID:                chunkID,
			JobID:             jobID,
			ChunkIndex:        i,
			Status:            models.ChunkStatusDispatched,
			ExternalRequestID: &extID,
		}
	}

	return jobID, externalIDs
}

func postWebhook(t *testing.T, h *WebhookHandler, secret string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/webhooks/render", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}

	rec := httptest.NewRecorder()
	h.HandleRenderWebhook(rec, req)
	return rec
}

func TestWebhookDuplicateCompletionChargesOnce(t *testing.T) {
	store := newFakeStore()
	merges := &fakeMerges{}
	h := NewWebhookHandler(store, merges, "", testCost)

	_, externalIDs := seedDispatched(store, 2)

	payload := models.WebhookPayload{
		RequestID: externalIDs[0],
		Status:    models.WebhookStatusCompleted,
		ResultURL: "https://storage.example.com/chunk0.mp4",
	}

	for i := 0; i < 3; i++ {
		if rec := postWebhook(t, h, "", payload); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, rec.Code)
		}
	}

	if len(store.charges) != 1 {
		t.Errorf("expected exactly one charge, got %d", len(store.charges))
	}
	if store.balance != 990 {
		t.Errorf("expected balance 990 after a single 10-credit charge, got %d", store.balance)
	}
}

func TestWebhookUnknownRequestIDAcknowledged(t *testing.T) {
	store := newFakeStore()
	h := NewWebhookHandler(store, &fakeMerges{}, "", testCost)

	payload := models.WebhookPayload{
		RequestID: "req-nobody-issued-this",
		Status:    models.WebhookStatusCompleted,
		ResultURL: "https://storage.example.com/x.mp4",
	}

	rec := postWebhook(t, h, "", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown id, got %d", rec.Code)
	}
	if len(store.charges) != 0 {
		t.Errorf("unknown id must not charge anything")
	}
}

func TestWebhookAlternateKeyFallback(t *testing.T) {
	store := newFakeStore()
	h := NewWebhookHandler(store, &fakeMerges{}, "", testCost)

	_, externalIDs := seedDispatched(store, 1)

	// Correlation id arrives only under the camelCase field.
	payload := models.WebhookPayload{
		RequestIDAlt: externalIDs[0],
		Status:       models.WebhookStatusCompleted,
		ResultURL:    "https://storage.example.com/chunk0.mp4",
	}

	if rec := postWebhook(t, h, "", payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(store.charges) != 1 {
		t.Errorf("expected the chunk to resolve via requestId and be charged")
	}
}

func TestWebhookCompletionWithoutResultURLFailsChunk(t *testing.T) {
	store := newFakeStore()
	h := NewWebhookHandler(store, &fakeMerges{}, "", testCost)

	jobID, externalIDs := seedDispatched(store, 1)

	payload := models.WebhookPayload{
		RequestID: externalIDs[0],
		Status:    models.WebhookStatusCompleted,
	}

	if rec := postWebhook(t, h, "", payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	for _, chunk := range store.chunks {
		if chunk.Status != models.ChunkStatusFailed {
			t.Errorf("expected chunk failed, got %s", chunk.Status)
		}
	}
	if store.jobs[jobID].Status != models.JobStatusFailed {
		t.Errorf("expected job failed, got %s", store.jobs[jobID].Status)
	}
	if len(store.charges) != 0 {
		t.Errorf("a failed chunk must not be charged")
	}
}

func TestWebhookFailureCancelsRemainingChunks(t *testing.T) {
	store := newFakeStore()
	h := NewWebhookHandler(store, &fakeMerges{}, "", testCost)

	jobID, externalIDs := seedDispatched(store, 3)

	payload := models.WebhookPayload{
		RequestID: externalIDs[1],
		Status:    models.WebhookStatusFailed,
		Error:     "face not detected",
	}

	if rec := postWebhook(t, h, "", payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	job := store.jobs[jobID]
	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected job failed, got %s", job.Status)
	}
	if job.ErrorCode == nil || *job.ErrorCode != string(models.ErrCodeRenderFailure) {
		t.Errorf("expected RENDER_FAILURE on job, got %v", job.ErrorCode)
	}

	failed, cancelled := 0, 0
	for _, chunk := range store.chunks {
		switch chunk.Status {
		case models.ChunkStatusFailed:
			failed++
		case models.ChunkStatusCancelled:
			cancelled++
		}
	}
	if failed != 1 || cancelled != 2 {
		t.Errorf("expected 1 failed and 2 cancelled chunks, got %d failed, %d cancelled", failed, cancelled)
	}
}

func TestWebhookAllCompletedEnqueuesMerge(t *testing.T) {
	store := newFakeStore()
	merges := &fakeMerges{}
	h := NewWebhookHandler(store, merges, "", testCost)

	jobID, externalIDs := seedDispatched(store, 2)

	for i, extID := range externalIDs {
		payload := models.WebhookPayload{
			RequestID: extID,
			Status:    models.WebhookStatusCompleted,
			ResultURL: "https://storage.example.com/chunk.mp4",
		}
		if rec := postWebhook(t, h, "", payload); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, rec.Code)
		}
	}

	if len(merges.enqueued) != 1 {
		t.Fatalf("expected exactly one merge enqueue, got %d", len(merges.enqueued))
	}
	if merges.enqueued[0] != jobID {
		t.Errorf("merge enqueued for wrong job")
	}
}

func TestWebhookInsufficientCreditsFailsJob(t *testing.T) {
	store := newFakeStore()
	store.balance = 5 // below the 10-credit free-tier chunk cost
	h := NewWebhookHandler(store, &fakeMerges{}, "", testCost)

	jobID, externalIDs := seedDispatched(store, 2)

	payload := models.WebhookPayload{
		RequestID: externalIDs[0],
		Status:    models.WebhookStatusCompleted,
		ResultURL: "https://storage.example.com/chunk0.mp4",
	}

	if rec := postWebhook(t, h, "", payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	job := store.jobs[jobID]
	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected job failed, got %s", job.Status)
	}
	if job.ErrorCode == nil || *job.ErrorCode != string(models.ErrCodeInsufficientCredits) {
		t.Errorf("expected INSUFFICIENT_CREDITS on job, got %v", job.ErrorCode)
	}

	failed, cancelled := 0, 0
	for _, chunk := range store.chunks {
		switch chunk.Status {
		case models.ChunkStatusFailed:
			failed++
			if chunk.ErrorCode == nil || *chunk.ErrorCode != string(models.ErrCodeInsufficientCredits) {
				t.Errorf("expected INSUFFICIENT_CREDITS on failed chunk, got %v", chunk.ErrorCode)
			}
		case models.ChunkStatusCancelled:
			cancelled++
		}
	}
	if failed != 1 || cancelled != 1 {
		t.Errorf("expected 1 failed and 1 cancelled chunk, got %d failed, %d cancelled", failed, cancelled)
	}
	if len(store.charges) != 0 {
		t.Errorf("no charge should be recorded when the balance cannot cover it")
	}
}

func TestWebhookSecretRequired(t *testing.T) {
	store := newFakeStore()
	h := NewWebhookHandler(store, &fakeMerges{}, "hook-secret", testCost)

	_, externalIDs := seedDispatched(store, 1)

	payload := models.WebhookPayload{
		RequestID: externalIDs[0],
		Status:    models.WebhookStatusCompleted,
		ResultURL: "https://storage.example.com/chunk0.mp4",
	}

	if rec := postWebhook(t, h, "wrong-secret", payload); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad secret, got %d", rec.Code)
	}
	if rec := postWebhook(t, h, "", payload); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing secret, got %d", rec.Code)
	}
	if len(store.charges) != 0 {
		t.Fatalf("unauthorized deliveries must have no side effects")
	}

	if rec := postWebhook(t, h, "hook-secret", payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the right secret, got %d", rec.Code)
	}
	if len(store.charges) != 1 {
		t.Errorf("expected the authorized delivery to charge")
	}
}

func TestWebhookTerminalChunkNoOp(t *testing.T) {
	store := newFakeStore()
	merges := &fakeMerges{}
	h := NewWebhookHandler(store, merges, "", testCost)

	_, externalIDs := seedDispatched(store, 1)
	for _, chunk := range store.chunks {
		chunk.Status = models.ChunkStatusCancelled
	}

	payload := models.WebhookPayload{
		RequestID: externalIDs[0],
		Status:    models.WebhookStatusCompleted,
		ResultURL: "https://storage.example.com/late.mp4",
	}

	if rec := postWebhook(t, h, "", payload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for late delivery, got %d", rec.Code)
	}

	for _, chunk := range store.chunks {
		if chunk.Status != models.ChunkStatusCancelled {
			t.Errorf("late delivery must not resurrect a cancelled chunk, got %s", chunk.Status)
		}
	}
	if store.chargeCalls != 0 {
		t.Errorf("late delivery must not attempt a charge")
	}
}
