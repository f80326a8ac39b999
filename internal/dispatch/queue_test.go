package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-assigner/internal/models"
	"review-assigner/internal/store"
)

func TestEnqueueReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	st := newMemJobStore()
	q := NewQueue(st, 10, 3)

	jobID, err := q.Enqueue(ctx, "item-1", map[string]any{"contact_number": "+911234"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchQueued, job.State)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, "item-1", job.WorkItemID)
}

func TestEnqueueSaturation(t *testing.T) {
	ctx := context.Background()
	st := newMemJobStore()
	q := NewQueue(st, 2, 3)

	_, err := q.Enqueue(ctx, "item-1", nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "item-2", nil)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "item-3", nil)
	assert.ErrorIs(t, err, ErrQueueSaturated)

	// Completing a job frees a slot.
	require.NoError(t, st.MarkDispatchSucceeded(ctx, "job-1", nil))
	_, err = q.Enqueue(ctx, "item-3", nil)
	assert.NoError(t, err)
}

func TestStatusUnknownJob(t *testing.T) {
	q := NewQueue(newMemJobStore(), 10, 3)
	_, err := q.Status(context.Background(), "job-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
