package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"review-assigner/internal/models"
)

// CreateDispatchJob inserts a queued dispatch job eligible to run immediately.
func (s *Store) CreateDispatchJob(ctx context.Context, workItemID string, payload map[string]any, maxAttempts int) (models.DispatchJob, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.DispatchJob{}, fmt.Errorf("marshal payload: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dispatch_jobs (id, work_item_id, payload, state, attempt, max_attempts, next_eligible_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6, $6)
	`, id, workItemID, payloadJSON, models.DispatchQueued, maxAttempts, now)
	if err != nil {
		return models.DispatchJob{}, wrapStore("insert dispatch job", err)
	}

	return models.DispatchJob{
		ID:             id,
		WorkItemID:     workItemID,
		Payload:        payload,
		State:          models.DispatchQueued,
		MaxAttempts:    maxAttempts,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

const dispatchSelect = `
	SELECT id, work_item_id, payload, state, attempt, max_attempts,
	       next_eligible_at, last_error, result, created_at, updated_at
	FROM dispatch_jobs`

// GetDispatchJob fetches a dispatch job by id.
func (s *Store) GetDispatchJob(ctx context.Context, id string) (models.DispatchJob, error) {
	row := s.pool.QueryRow(ctx, dispatchSelect+` WHERE id = $1`, id)
	return scanDispatchJob(row)
}

// ActiveDispatchCount counts non-terminal jobs for the saturation check and
// the depth gauge.
func (s *Store) ActiveDispatchCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dispatch_jobs WHERE state IN ($1, $2, $3)
	`, models.DispatchQueued, models.DispatchRunning, models.DispatchRetryable).Scan(&n)
	if err != nil {
		return 0, wrapStore("count active dispatch jobs", err)
	}
	return n, nil
}

// LeaseNextDispatchJob claims the next due job for a worker slot, bumping
// its attempt count. SKIP LOCKED keeps concurrent slots off the same row.
// next_eligible_at becomes the visibility deadline while the job runs; a
// worker that dies without persisting an outcome leaves the row for
// ReclaimStalledDispatch once the deadline passes.
func (s *Store) LeaseNextDispatchJob(ctx context.Context, now, deadline time.Time) (models.DispatchJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE dispatch_jobs
		SET state = $1, attempt = attempt + 1, next_eligible_at = $5, updated_at = NOW()
		WHERE id = (
			SELECT id FROM dispatch_jobs
			WHERE state IN ($2, $3) AND next_eligible_at <= $4
			ORDER BY next_eligible_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, work_item_id, payload, state, attempt, max_attempts,
		          next_eligible_at, last_error, result, created_at, updated_at
	`, models.DispatchRunning, models.DispatchQueued, models.DispatchRetryable, now, deadline)

	job, err := scanDispatchJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.DispatchJob{}, false, nil
	}
	if err != nil {
		return models.DispatchJob{}, false, err
	}
	return job, true, nil
}

// ReclaimStalledDispatch returns running jobs whose visibility deadline has
// passed to a retryable state, or dead-letters them when the crashed attempt
// was already the last one. This is the recovery path for workers that died
// mid-call without persisting an outcome.
func (s *Store) ReclaimStalledDispatch(ctx context.Context, now time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state = CASE WHEN attempt >= max_attempts THEN $3 ELSE $2 END,
		    last_error = COALESCE(last_error, 'worker lost before reporting an outcome'),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM dispatch_jobs
			WHERE state = $1 AND next_eligible_at <= $4
			ORDER BY next_eligible_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
	`, models.DispatchRunning, models.DispatchRetryable, models.DispatchTerminal, now, limit)
	if err != nil {
		return 0, wrapStore("reclaim stalled dispatch", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkDispatchSucceeded records the provider result and finishes the job.
func (s *Store) MarkDispatchSucceeded(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state = $2, result = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.DispatchSucceeded, resultJSON)
	if err != nil {
		return wrapStore("mark dispatch succeeded", err)
	}
	return nil
}

// MarkDispatchRetry parks a failed job until its backoff deadline.
func (s *Store) MarkDispatchRetry(ctx context.Context, id string, nextEligible time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state = $2, next_eligible_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.DispatchRetryable, nextEligible, lastErr)
	if err != nil {
		return wrapStore("mark dispatch retry", err)
	}
	return nil
}

// MarkDispatchTerminal dead-letters a job after its final attempt.
func (s *Store) MarkDispatchTerminal(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.DispatchTerminal, lastErr)
	if err != nil {
		return wrapStore("mark dispatch terminal", err)
	}
	return nil
}

func scanDispatchJob(row pgx.Row) (models.DispatchJob, error) {
	var job models.DispatchJob
	var payloadJSON, resultJSON []byte
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.WorkItemID, &payloadJSON, &job.State, &job.Attempt,
		&job.MaxAttempts, &job.NextEligibleAt, &lastErr, &resultJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DispatchJob{}, ErrNotFound
	}
	if err != nil {
		return models.DispatchJob{}, wrapStore("scan dispatch job", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.DispatchJob{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.DispatchJob{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}
