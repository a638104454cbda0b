package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueExports is the Redis list key for seat event export jobs.
	QueueExports = "seats:jobs:exports"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "seats:jobs:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const JobTypeEventExport JobType = "event_export"

// ExportPayload asks the worker to write a CSV of seat events to object storage.
type ExportPayload struct {
	ExportID       uuid.UUID  `json:"export_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	PoolID         *uuid.UUID `json:"pool_id,omitempty"`
	From           time.Time  `json:"from"`
	To             time.Time  `json:"to"`
	RequestedBy    string     `json:"requested_by"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client redis.UniversalClient, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueExport enqueues an event export job and returns its job id.
func (q *Queue) EnqueueExport(ctx context.Context, payload ExportPayload) (string, error) {
	job, err := NewJob(JobTypeEventExport, payload)
	if err != nil {
		return "", err
	}
	if err := q.push(ctx, QueueExports, job); err != nil {
		return "", err
	}
	q.logger.Debug("enqueued export job", zap.String("job_id", job.ID), zap.String("export_id", payload.ExportID.String()))
	return job.ID, nil
}

// NewJob wraps payload in a fresh job envelope.
func NewJob(t JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{ID: uuid.New().String(), Type: t, Payload: body, CreatedAt: time.Now().UTC()}, nil
}

// Dequeue blocks until a job is available or ctx is done. A nil job with nil error means nothing usable was read.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, 0, QueueExports).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		if err := q.push(ctx, QueueDLQ, job); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.push(ctx, QueueExports, job); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// DecodeExport unmarshals an export job payload.
func DecodeExport(job *Job) (ExportPayload, error) {
	var p ExportPayload
	if job.Type != JobTypeEventExport {
		return p, fmt.Errorf("unexpected job type %q", job.Type)
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode export payload: %w", err)
	}
	return p, nil
}
