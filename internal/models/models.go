package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums

type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusAnalyzing   JobStatus = "analyzing"
	JobStatusChunking    JobStatus = "chunking"
	JobStatusDispatching JobStatus = "dispatching"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed for a job.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusDispatched ChunkStatus = "dispatched"
	ChunkStatusCompleted  ChunkStatus = "completed"
	ChunkStatusFailed     ChunkStatus = "failed"
	ChunkStatusCancelled  ChunkStatus = "cancelled"
)

// Terminal reports whether a chunk can no longer change state.
// Completed chunks stay completed (and charged) even if the parent job fails.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkStatusCompleted || s == ChunkStatusFailed || s == ChunkStatusCancelled
}

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Watermarked reports whether renders for this tier carry the platform watermark.
func (t Tier) Watermarked() bool {
	return t != TierPro
}

// OffsetDirection records which track's useful content starts later.
// The sync offset itself is always a non-negative magnitude; this field
// carries the directional convention so it can be flipped in one place
// if playback verification shows the convention inverted.
type OffsetDirection string

const (
	OffsetAudioDelayed OffsetDirection = "audio_delayed" // audio useful content starts later within its track
	OffsetVideoDelayed OffsetDirection = "video_delayed" // video useful content starts later within its track
	OffsetAligned      OffsetDirection = "aligned"
)

// Error codes recorded on jobs and chunks alongside a human-readable message.
type ErrorCode string

const (
	ErrCodeValidation          ErrorCode = "VALIDATION"
	ErrCodeDurationMismatch    ErrorCode = "DURATION_MISMATCH"
	ErrCodeDispatchFailure     ErrorCode = "DISPATCH_FAILURE"
	ErrCodeRenderFailure       ErrorCode = "RENDER_FAILURE"
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrCodeIncompleteChunkSet  ErrorCode = "INCOMPLETE_CHUNK_SET"
)

// Models

type Account struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Balance   int64     `json:"balance"` // credits, integer units
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Job struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        uuid.UUID       `json:"account_id"`
	Tier             Tier            `json:"tier"`
	VideoURL         string          `json:"video_url"`
	AudioURL         string          `json:"audio_url"`
	ImageURLs        []string        `json:"image_urls"`
	VideoDurationSec float64         `json:"video_duration_sec"`
	AudioDurationSec float64         `json:"audio_duration_sec"`
	BPM              *int            `json:"bpm,omitempty"` // nil until defaulted during analysis
	BPMDetected      bool            `json:"bpm_detected"`
	BeatsPerBar      int             `json:"beats_per_bar"`
	ChunkDurationSec *float64        `json:"chunk_duration_sec,omitempty"` // set by analysis
	SyncOffsetSec    *float64        `json:"sync_offset_sec,omitempty"`    // non-negative magnitude
	OffsetDirection  OffsetDirection `json:"offset_direction,omitempty"`
	Status           JobStatus       `json:"status"`
	LeaseHolder      *string         `json:"lease_holder,omitempty"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"`
	FinalVideoURL    *string         `json:"final_video_url,omitempty"`
	ErrorCode        *string         `json:"error_code,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type Chunk struct {
	ID                uuid.UUID   `json:"id"`
	JobID             uuid.UUID   `json:"job_id"`
	ChunkIndex        int         `json:"chunk_index"` // 0-based, contiguous, defines merge order
	VideoStartSec     float64     `json:"video_start_sec"`
	VideoEndSec       float64     `json:"video_end_sec"`
	AudioStartSec     float64     `json:"audio_start_sec"`
	AudioEndSec       float64     `json:"audio_end_sec"`
	ImageIndex        *int        `json:"image_index,omitempty"` // nil when the job has no reference images
	Status            ChunkStatus `json:"status"`
	ExternalRequestID *string     `json:"external_request_id,omitempty"` // unique; webhook correlation key
	Attempts          int         `json:"attempts"`
	DispatchedAt      *time.Time  `json:"dispatched_at,omitempty"`
	ResultURL         *string     `json:"result_url,omitempty"`
	CreditsCharged    int64       `json:"credits_charged"`
	ErrorCode         *string     `json:"error_code,omitempty"`
	ErrorMessage      *string     `json:"error_message,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// DurationSec returns the chunk's video-range length in seconds.
func (c *Chunk) DurationSec() float64 {
	return c.VideoEndSec - c.VideoStartSec
}

// LedgerEntry is an idempotent charge record. ChargeToken is the chunk id:
// the unique constraint on it is what makes repeated webhook deliveries safe
// no matter how many times the provider retries.
type LedgerEntry struct {
	ID          uuid.UUID `json:"id"`
	ChargeToken uuid.UUID `json:"charge_token"`
	AccountID   uuid.UUID `json:"account_id"`
	Amount      int64     `json:"amount"` // debit, positive
	Refunded    bool      `json:"refunded"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DTOs for API responses

type JobResponse struct {
	Job
	Chunks        []Chunk `json:"chunks,omitempty"`
	CreditsSpent  int64   `json:"credits_spent"`
	BillingNotice string  `json:"billing_notice,omitempty"`
}

type JobSummary struct {
	ID            uuid.UUID `json:"id"`
	Tier          Tier      `json:"tier"`
	Status        JobStatus `json:"status"`
	ChunkCount    int       `json:"chunk_count"`
	FinalVideoURL *string   `json:"final_video_url,omitempty"`
	ErrorCode     *string   `json:"error_code,omitempty"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ListJobsResponse struct {
	Jobs   []JobSummary `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type CreateJobRequest struct {
	AccountID        uuid.UUID `json:"account_id"`
	VideoURL         string    `json:"video_url"`
	AudioURL         string    `json:"audio_url"`
	ImageURLs        []string  `json:"image_urls,omitempty"`
	VideoDurationSec float64   `json:"video_duration_sec"`
	AudioDurationSec float64   `json:"audio_duration_sec"`
	BPM              *int      `json:"bpm,omitempty"`           // absent = default applied at analysis
	BeatsPerBar      *int      `json:"beats_per_bar,omitempty"` // default 4
	Tier             *Tier     `json:"tier,omitempty"`          // default free
}

type CreateJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type AccountResponse struct {
	Account
	CreditsSpent int64 `json:"credits_spent"`
}

// WebhookPayload is the inbound provider notification. The provider has been
// seen sending the correlation id under two field names; LookupIDs returns
// the candidates in preference order.
type WebhookPayload struct {
	RequestID    string `json:"request_id,omitempty"`
	RequestIDAlt string `json:"requestId,omitempty"`
	Status       string `json:"status"`
	ResultURL    string `json:"result_url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// LookupIDs returns the candidate correlation ids, primary key first.
func (p *WebhookPayload) LookupIDs() []string {
	var ids []string
	if p.RequestID != "" {
		ids = append(ids, p.RequestID)
	}
	if p.RequestIDAlt != "" && p.RequestIDAlt != p.RequestID {
		ids = append(ids, p.RequestIDAlt)
	}
	return ids
}

// Webhook status values as delivered by the provider. Anything else is an
// intermediate progress notification and is acknowledged without side effects.
const (
	WebhookStatusCompleted = "COMPLETED"
	WebhookStatusFailed    = "FAILED"
)
