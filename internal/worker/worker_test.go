package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-lms/seats/internal/events"
	"github.com/aura-lms/seats/pkg/queue"
)

type mockExporter struct {
	mu      sync.Mutex
	filters []events.Filter
	err     error
}

func (m *mockExporter) Export(_ context.Context, exportID, orgID uuid.UUID, f events.Filter) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
	if m.err != nil {
		return "", 0, m.err
	}
	return "exports/" + orgID.String() + "/" + exportID.String() + ".csv", 3, nil
}

func (m *mockExporter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filters)
}

type mockQueue struct {
	mu      sync.Mutex
	jobs    chan *queue.Job
	retried []*queue.Job
}

func (m *mockQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case j := <-m.jobs:
		return j, nil
	}
}

func (m *mockQueue) Retry(_ context.Context, job *queue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Attempt++
	m.retried = append(m.retried, job)
	return nil
}

func (m *mockQueue) retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retried)
}

func exportJob(t *testing.T, pool *uuid.UUID) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeEventExport, queue.ExportPayload{
		ExportID:       uuid.New(),
		OrganizationID: uuid.New(),
		PoolID:         pool,
	})
	require.NoError(t, err)
	return job
}

func TestProcessBuildsFilter(t *testing.T) {
	exp := &mockExporter{}
	p := NewExportProcessor(exp, &mockQueue{}, nil)

	require.NoError(t, p.Process(context.Background(), exportJob(t, nil)))
	pool := uuid.New()
	require.NoError(t, p.Process(context.Background(), exportJob(t, &pool)))

	require.Len(t, exp.filters, 2)
	assert.NotNil(t, exp.filters[0].OrganizationID)
	assert.Nil(t, exp.filters[0].PoolID)
	require.NotNil(t, exp.filters[1].PoolID)
	assert.Equal(t, pool, *exp.filters[1].PoolID)
}

func TestProcessRejectsUnknownJob(t *testing.T) {
	p := NewExportProcessor(&mockExporter{}, &mockQueue{}, nil)
	job, err := queue.NewJob("recording_upload", map[string]string{})
	require.NoError(t, err)
	assert.Error(t, p.Process(context.Background(), job))
}

func TestRunRetriesFailedJobs(t *testing.T) {
	exp := &mockExporter{err: errors.New("s3 down")}
	q := &mockQueue{jobs: make(chan *queue.Job, 2)}
	p := NewExportProcessor(exp, q, nil)
	p.backoff = time.Millisecond

	q.jobs <- exportJob(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.retries() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, exp.calls())
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
