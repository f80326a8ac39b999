package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"review-assigner/internal/models"
	"review-assigner/internal/telemetry"
)

// ErrQueueSaturated is the backpressure signal on enqueue. The lease claim
// that triggered the dispatch still stands; only the side effect is refused.
var ErrQueueSaturated = errors.New("dispatch queue saturated")

// JobStore is the persistence surface the queue and pool need.
type JobStore interface {
	CreateDispatchJob(ctx context.Context, workItemID string, payload map[string]any, maxAttempts int) (models.DispatchJob, error)
	GetDispatchJob(ctx context.Context, id string) (models.DispatchJob, error)
	ActiveDispatchCount(ctx context.Context) (int64, error)
	LeaseNextDispatchJob(ctx context.Context, now, deadline time.Time) (models.DispatchJob, bool, error)
	ReclaimStalledDispatch(ctx context.Context, now time.Time, limit int) (int, error)
	MarkDispatchSucceeded(ctx context.Context, id string, result map[string]any) error
	MarkDispatchRetry(ctx context.Context, id string, nextEligible time.Time, lastErr string) error
	MarkDispatchTerminal(ctx context.Context, id string, lastErr string) error
}

// Queue accepts dispatch jobs and answers status queries. Execution belongs
// to the Pool; Enqueue never waits on the external call.
type Queue struct {
	store       JobStore
	ceiling     int64
	maxAttempts int
}

func NewQueue(store JobStore, ceiling, maxAttempts int) *Queue {
	if ceiling <= 0 {
		ceiling = 1000
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{store: store, ceiling: int64(ceiling), maxAttempts: maxAttempts}
}

// Enqueue persists a queued job and returns its id immediately. Depth above
// the ceiling is refused rather than grown unbounded.
func (q *Queue) Enqueue(ctx context.Context, workItemID string, payload map[string]any) (string, error) {
	depth, err := q.store.ActiveDispatchCount(ctx)
	if err != nil {
		return "", fmt.Errorf("check queue depth: %w", err)
	}
	if depth >= q.ceiling {
		telemetry.DispatchSaturated.Inc()
		return "", ErrQueueSaturated
	}
	job, err := q.store.CreateDispatchJob(ctx, workItemID, payload, q.maxAttempts)
	if err != nil {
		return "", err
	}
	telemetry.DispatchEnqueued.Inc()
	return job.ID, nil
}

// Status returns the current job record, terminal states included.
func (q *Queue) Status(ctx context.Context, jobID string) (models.DispatchJob, error) {
	return q.store.GetDispatchJob(ctx, jobID)
}
