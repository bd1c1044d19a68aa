package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/config"
	"github.com/halfstep/lipsync/internal/db"
	"github.com/halfstep/lipsync/internal/models"
	"github.com/halfstep/lipsync/internal/queue"
	"github.com/halfstep/lipsync/internal/storage"
	"github.com/halfstep/lipsync/internal/tempo"
)

type Handler struct {
	db      *db.DB
	queue   *queue.Queue
	storage *storage.Storage
	cfg     *config.Config
}

func NewHandler(database *db.DB, q *queue.Queue, stor *storage.Storage, cfg *config.Config) *Handler {
	return &Handler{
		db:      database,
		queue:   q,
		storage: stor,
		cfg:     cfg,
	}
}

// CreateJob handles POST /v1/jobs
//
// The job is persisted as pending and picked up by the scheduler's polling
// loop; nothing is enqueued here.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.VideoURL == "" || req.AudioURL == "" {
		respondError(w, http.StatusBadRequest, "video_url and audio_url are required")
		return
	}

	if req.VideoDurationSec <= 0 || req.AudioDurationSec <= 0 {
		respondError(w, http.StatusBadRequest, "video_duration_sec and audio_duration_sec must be positive")
		return
	}

	// Mismatched sources are rejected up front rather than after analysis
	if math.Abs(req.VideoDurationSec-req.AudioDurationSec) > h.cfg.DurationToleranceSec {
		respondError(w, http.StatusBadRequest, fmt.Sprintf(
			"video and audio durations differ by more than %.0f seconds", h.cfg.DurationToleranceSec))
		return
	}

	if req.BPM != nil && (*req.BPM < tempo.MinBPM || *req.BPM > tempo.MaxBPM) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf(
			"bpm must be between %d and %d", tempo.MinBPM, tempo.MaxBPM))
		return
	}

	beatsPerBar := tempo.DefaultBeatsPerBar
	if req.BeatsPerBar != nil {
		if *req.BeatsPerBar < 1 {
			respondError(w, http.StatusBadRequest, "beats_per_bar must be at least 1")
			return
		}
		beatsPerBar = *req.BeatsPerBar
	}

	tier := models.TierFree
	if req.Tier != nil {
		switch *req.Tier {
		case models.TierFree, models.TierPro:
			tier = *req.Tier
		default:
			respondError(w, http.StatusBadRequest, "Invalid tier. Allowed: free, pro")
			return
		}
	}

	if _, err := h.db.GetAccount(r.Context(), req.AccountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusBadRequest, "Account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to look up account")
		return
	}

	job := &models.Job{
		ID:               uuid.New(),
		AccountID:        req.AccountID,
		Tier:             tier,
		VideoURL:         req.VideoURL,
		AudioURL:         req.AudioURL,
		ImageURLs:        req.ImageURLs,
		VideoDurationSec: req.VideoDurationSec,
		AudioDurationSec: req.AudioDurationSec,
		BPM:              req.BPM,
		BeatsPerBar:      beatsPerBar,
		Status:           models.JobStatusPending,
	}

	if err := h.db.CreateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - status: filter by job status
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" {
		switch models.JobStatus(statusFilter) {
		case models.JobStatusPending, models.JobStatusAnalyzing,
			models.JobStatusChunking, models.JobStatusDispatching,
			models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
			// valid
		default:
			respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: pending, analyzing, chunking, dispatching, completed, failed, cancelled")
			return
		}
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	total, err := h.db.CountJobs(r.Context(), statusFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count jobs")
		return
	}

	jobs, err := h.db.ListJobs(r.Context(), statusFilter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	summaries := make([]models.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summary := models.JobSummary{
			ID:            job.ID,
			Tier:          job.Tier,
			Status:        job.Status,
			FinalVideoURL: job.FinalVideoURL,
			ErrorCode:     job.ErrorCode,
			ErrorMessage:  job.ErrorMessage,
			CreatedAt:     job.CreatedAt,
			UpdatedAt:     job.UpdatedAt,
		}

		if count, err := h.db.GetJobChunkCount(r.Context(), job.ID); err == nil {
			summary.ChunkCount = count
		}

		summaries = append(summaries, summary)
	}

	respondJSON(w, http.StatusOK, models.ListJobsResponse{
		Jobs:   summaries,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	chunks, err := h.db.GetJobChunks(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get chunks")
		return
	}

	response := models.JobResponse{
		Job:    *job,
		Chunks: chunks,
	}

	if spent, err := h.db.SumJobCharges(r.Context(), jobID); err == nil {
		response.CreditsSpent = spent

		// Chunks that completed before the job ended stay charged; make the
		// partial bill visible rather than surprising.
		if spent > 0 && (job.Status == models.JobStatusFailed || job.Status == models.JobStatusCancelled) {
			response.BillingNotice = fmt.Sprintf(
				"%d credits were charged for chunks completed before the job ended", spent)
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// GetJobDownload handles GET /v1/jobs/{id}/download
func (h *Handler) GetJobDownload(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	if job.FinalVideoURL == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	// Get signed URL (valid for 1 hour)
	signedURL, err := h.storage.GetSignedURL(r.Context(), h.storage.JobPath(job.ID, "final.mp4"), 3600)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}

// CancelJob handles POST /v1/jobs/{id}/cancel
//
// Cancellation is a compare-and-set: a job that already reached a terminal
// state is not cancellable, and a webhook racing this call loses on whichever
// row transition it reaches second.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	if _, err := h.db.GetJob(r.Context(), jobID); err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	cancelled, err := cancelJobWork(r.Context(), h.db, jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}
	if !cancelled {
		respondError(w, http.StatusConflict, "Job already finished")
		return
	}

	respondJSON(w, http.StatusOK, models.CreateJobResponse{
		JobID:  jobID,
		Status: models.JobStatusCancelled,
	})
}

// CreateAccount handles POST /v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email   string `json:"email"`
		Balance int64  `json:"balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}
	if req.Balance < 0 {
		respondError(w, http.StatusBadRequest, "balance must not be negative")
		return
	}

	account := &models.Account{
		ID:      uuid.New(),
		Email:   req.Email,
		Balance: req.Balance,
	}

	if err := h.db.CreateAccount(r.Context(), account); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	respondJSON(w, http.StatusCreated, account)
}

// GetAccount handles GET /v1/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	account, err := h.db.GetAccount(r.Context(), accountID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Account not found")
		return
	}

	response := models.AccountResponse{Account: *account}
	if spent, err := h.db.SumAccountCharges(r.Context(), accountID); err == nil {
		response.CreditsSpent = spent
	}

	respondJSON(w, http.StatusOK, response)
}

// AddCredits handles POST /v1/accounts/{id}/credits
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	if err := h.db.AddCredits(r.Context(), accountID, req.Amount); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to add credits")
		return
	}

	account, err := h.db.GetAccount(r.Context(), accountID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load account")
		return
	}

	respondJSON(w, http.StatusOK, account)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check — reports the merge backlog when Redis is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if length, err := h.queue.GetQueueLength(r.Context()); err == nil {
		resp["merge_backlog"] = length
	}
	respondJSON(w, http.StatusOK, resp)
}
