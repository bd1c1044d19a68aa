// Package queue is the Redis hand-off between the webhook receiver and the
// worker's merge consumer. Job pickup itself is poll-based; only the
// "all chunks completed, merge now" signal travels through Redis so the
// webhook request never runs ffmpeg inline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const QueueMergeJob = "queue:merge_job"

type Queue struct {
	client *redis.Client
}

// MergeTask asks the merge consumer to assemble one job's completed chunks.
type MergeTask struct {
	JobID     uuid.UUID `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueueMerge schedules the final assembly of a job. Enqueueing the same job
// twice is harmless: the consumer re-checks the chunk set and job status.
func (q *Queue) EnqueueMerge(ctx context.Context, jobID uuid.UUID) error {
	task := MergeTask{
		JobID:     jobID,
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal merge task: %w", err)
	}

	return q.client.RPush(ctx, QueueMergeJob, data).Err()
}

// DequeueMerge blocks up to timeout for the next merge task. Returns nil when
// the queue stayed empty.
func (q *Queue) DequeueMerge(ctx context.Context, timeout time.Duration) (*MergeTask, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueMergeJob).Result()
	if err == redis.Nil {
		return nil, nil // no task available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var task MergeTask
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal merge task: %w", err)
	}

	return &task, nil
}

// GetQueueLength reports the merge backlog, exposed on the health endpoint.
func (q *Queue) GetQueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueMergeJob).Result()
}
