package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"review-assigner/internal/models"
	"review-assigner/internal/store"
)

// memJobStore is an in-memory JobStore whose single mutex gives LeaseNext
// the same no-double-claim behavior as SKIP LOCKED.
type memJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.DispatchJob
	order []string
	next  int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]*models.DispatchJob{}}
}

func (m *memJobStore) CreateDispatchJob(_ context.Context, workItemID string, payload map[string]any, maxAttempts int) (models.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	now := time.Now()
	job := &models.DispatchJob{
		ID:             fmt.Sprintf("job-%d", m.next),
		WorkItemID:     workItemID,
		Payload:        payload,
		State:          models.DispatchQueued,
		MaxAttempts:    maxAttempts,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	return *job, nil
}

func (m *memJobStore) GetDispatchJob(_ context.Context, id string) (models.DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.DispatchJob{}, store.ErrNotFound
	}
	return *job, nil
}

func (m *memJobStore) ActiveDispatchCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		if !job.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *memJobStore) LeaseNextDispatchJob(_ context.Context, now, deadline time.Time) (models.DispatchJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		job := m.jobs[id]
		if job.State != models.DispatchQueued && job.State != models.DispatchRetryable {
			continue
		}
		if job.NextEligibleAt.After(now) {
			continue
		}
		job.State = models.DispatchRunning
		job.Attempt++
		job.NextEligibleAt = deadline
		job.UpdatedAt = now
		return *job, true, nil
	}
	return models.DispatchJob{}, false, nil
}

func (m *memJobStore) ReclaimStalledDispatch(_ context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.order {
		if n == limit {
			break
		}
		job := m.jobs[id]
		if job.State != models.DispatchRunning || job.NextEligibleAt.After(now) {
			continue
		}
		if job.Attempt >= job.MaxAttempts {
			job.State = models.DispatchTerminal
		} else {
			job.State = models.DispatchRetryable
			job.NextEligibleAt = now
		}
		if job.LastError == nil {
			msg := "worker lost before reporting an outcome"
			job.LastError = &msg
		}
		job.UpdatedAt = now
		n++
	}
	return n, nil
}

// strandRunning simulates a worker crash: the job sits in running with a
// deadline already in the past and no outcome was ever persisted.
func (m *memJobStore) strandRunning(id string, attempt int, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.State = models.DispatchRunning
	job.Attempt = attempt
	job.NextEligibleAt = deadline
}

func (m *memJobStore) MarkDispatchSucceeded(_ context.Context, id string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.State = models.DispatchSucceeded
	job.Result = result
	job.LastError = nil
	return nil
}

func (m *memJobStore) MarkDispatchRetry(_ context.Context, id string, nextEligible time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.State = models.DispatchRetryable
	job.NextEligibleAt = nextEligible
	job.LastError = &lastErr
	return nil
}

func (m *memJobStore) MarkDispatchTerminal(_ context.Context, id string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.State = models.DispatchTerminal
	job.LastError = &lastErr
	return nil
}

func (m *memJobStore) snapshot(id string) models.DispatchJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobStore) countInState(state string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.State == state {
			n++
		}
	}
	return n
}
