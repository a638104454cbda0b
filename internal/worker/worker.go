// Package worker consumes background jobs from the Redis queue.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/internal/events"
	"github.com/aura-lms/seats/pkg/queue"
)

// JobSource is the queue surface the processor needs. *queue.Queue satisfies it.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Exporter writes filtered seat events to object storage. *events.Exporter satisfies it.
type Exporter interface {
	Export(ctx context.Context, exportID, organizationID uuid.UUID, f events.Filter) (string, int, error)
}

// ExportProcessor processes seat event export jobs: stream events, write CSV, upload to S3.
type ExportProcessor struct {
	exporter Exporter
	queue    JobSource
	backoff  time.Duration
	logger   *zap.Logger
}

// NewExportProcessor creates an export job processor.
func NewExportProcessor(exporter Exporter, q JobSource, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{exporter: exporter, queue: q, backoff: queue.RetryBackoff, logger: logger.With(zap.String("component", "worker"))}
}

// Process executes one export job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := queue.DecodeExport(job)
	if err != nil {
		return err
	}
	f := events.Filter{From: payload.From, To: payload.To}
	if payload.PoolID != nil {
		f.PoolID = payload.PoolID
	} else {
		f.OrganizationID = &payload.OrganizationID
	}
	key, rows, err := p.exporter.Export(ctx, payload.ExportID, payload.OrganizationID, f)
	if err != nil {
		return fmt.Errorf("export %s: %w", payload.ExportID, err)
	}
	p.logger.Info("export completed",
		zap.String("export_id", payload.ExportID.String()),
		zap.String("organization_id", payload.OrganizationID.String()),
		zap.String("requested_by", payload.RequestedBy),
		zap.String("key", key),
		zap.Int("rows", rows),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, p.backoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
