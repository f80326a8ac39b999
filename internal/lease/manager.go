package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"review-assigner/internal/cache"
	"review-assigner/internal/models"
	"review-assigner/internal/store"
	"review-assigner/internal/telemetry"
)

// ErrNoWork means the pool holds no claimable item for the filter. It is a
// normal outcome, distinct from store failures, so polling clients can back
// off instead of alerting.
var ErrNoWork = errors.New("no work available")

// ErrNotLeaseHolder is returned when a release references a lease the
// caller no longer holds, typically after an expiry requeue.
var ErrNotLeaseHolder = errors.New("caller does not hold the lease")

// PoolStore is the slice of the work pool store the manager needs. The
// conditional-write semantics of ClaimWorkItem and ReleaseByLease carry the
// entire exclusivity guarantee.
type PoolStore interface {
	PendingCandidates(ctx context.Context, filter map[string]string, window int) ([]string, error)
	ClaimWorkItem(ctx context.Context, id, reviewerID, leaseID string, expiresAt time.Time) (bool, error)
	ReleaseByLease(ctx context.Context, leaseID, outcome string) (store.ReleasedItem, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int) ([]store.ReleasedItem, error)
	GetWorkItem(ctx context.Context, id string) (models.WorkItem, error)
	AppendEvent(ctx context.Context, itemID, event, detail string) error
}

// CandidateCache is the advisory snapshot cache. Implementations absorb
// their own failures; none of these calls may surface an error.
type CandidateCache interface {
	Lookup(ctx context.Context, reviewerID, fingerprint string) ([]string, bool)
	Store(ctx context.Context, reviewerID, fingerprint string, ids []string)
	Remove(ctx context.Context, reviewerID, fingerprint string)
	Invalidate(ctx context.Context, reviewerID string)
}

// Submitter accepts dispatch jobs triggered by claims.
type Submitter interface {
	Enqueue(ctx context.Context, workItemID string, payload map[string]any) (string, error)
}

// Manager hands out time-bounded exclusive leases on work items.
type Manager struct {
	store    PoolStore
	cache    CandidateCache
	dispatch Submitter
	log      *slog.Logger

	leaseDuration time.Duration
	window        int
	now           func() time.Time
}

// NewManager wires the lease manager. dispatch may be nil when assignment
// side effects are disabled.
func NewManager(st PoolStore, cc CandidateCache, dispatch Submitter, log *slog.Logger, leaseDuration time.Duration, window int) *Manager {
	if window <= 0 {
		window = 50
	}
	return &Manager{
		store:         st,
		cache:         cc,
		dispatch:      dispatch,
		log:           log,
		leaseDuration: leaseDuration,
		window:        window,
		now:           time.Now,
	}
}

// RequestNext claims the oldest claimable item matching the filter for the
// reviewer. The cached candidate list is only a hint: every candidate goes
// through the store's conditional claim, and a fully stale list falls back
// to one fresh query before reporting ErrNoWork.
func (m *Manager) RequestNext(ctx context.Context, reviewerID string, filter map[string]string) (models.Lease, error) {
	fp := cache.Fingerprint(filter)

	ids, hit := m.cache.Lookup(ctx, reviewerID, fp)
	if !hit {
		var err error
		ids, err = m.store.PendingCandidates(ctx, filter, m.window)
		if err != nil {
			return models.Lease{}, err
		}
		m.cache.Store(ctx, reviewerID, fp, ids)
	}

	lease, claimed, err := m.claimFirst(ctx, reviewerID, ids)
	if err != nil {
		return models.Lease{}, err
	}
	if !claimed && hit {
		// Cached list exhausted without a claim. Recompute once before
		// giving up; the snapshot may predate a burst of claims.
		m.cache.Remove(ctx, reviewerID, fp)
		ids, err = m.store.PendingCandidates(ctx, filter, m.window)
		if err != nil {
			return models.Lease{}, err
		}
		m.cache.Store(ctx, reviewerID, fp, ids)
		lease, claimed, err = m.claimFirst(ctx, reviewerID, ids)
		if err != nil {
			return models.Lease{}, err
		}
	}
	if !claimed {
		telemetry.NoWorkResponses.Inc()
		return models.Lease{}, ErrNoWork
	}

	telemetry.ClaimSuccess.Inc()
	_ = m.store.AppendEvent(ctx, lease.WorkItemID, "claimed", "reviewer="+reviewerID)
	m.submitDispatch(ctx, &lease)
	return lease, nil
}

// claimFirst walks candidates in order and returns the first successful
// conditional claim. A failed claim means another reviewer won the race or
// the snapshot is stale; either way the next candidate is tried.
func (m *Manager) claimFirst(ctx context.Context, reviewerID string, ids []string) (models.Lease, bool, error) {
	for _, id := range ids {
		leaseID := uuid.New().String()
		expiresAt := m.now().Add(m.leaseDuration)
		ok, err := m.store.ClaimWorkItem(ctx, id, reviewerID, leaseID, expiresAt)
		if err != nil {
			return models.Lease{}, false, err
		}
		if !ok {
			telemetry.ClaimContention.Inc()
			continue
		}
		return models.Lease{
			LeaseID:    leaseID,
			WorkItemID: id,
			ReviewerID: reviewerID,
			ExpiresAt:  expiresAt,
		}, true, nil
	}
	return models.Lease{}, false, nil
}

// submitDispatch enqueues the telephony call-out for items that carry a
// contact number. The claim already stands; enqueue failure (saturation,
// store trouble) is logged and retried by nothing here — at-least-once
// delivery belongs to the dispatch queue, not this path.
func (m *Manager) submitDispatch(ctx context.Context, lease *models.Lease) {
	if m.dispatch == nil {
		return
	}
	item, err := m.store.GetWorkItem(ctx, lease.WorkItemID)
	if err != nil {
		m.log.Warn("work item lookup failed, call-out dropped",
			slog.String("work_item_id", lease.WorkItemID),
			slog.String("error", err.Error()))
		return
	}
	if item.ContactNumber == "" {
		return
	}
	jobID, err := m.dispatch.Enqueue(ctx, lease.WorkItemID, map[string]any{
		"work_item_id":   lease.WorkItemID,
		"reviewer_id":    lease.ReviewerID,
		"contact_number": item.ContactNumber,
	})
	if err != nil {
		m.log.Warn("dispatch enqueue failed, lease stands",
			slog.String("work_item_id", lease.WorkItemID),
			slog.String("error", err.Error()))
		return
	}
	lease.DispatchJobID = jobID
	_ = m.store.AppendEvent(ctx, lease.WorkItemID, "dispatch_enqueued", "job="+jobID)
}

// Release ends a lease. Completed is permanent; Skipped requeues the item
// immediately and clears the reviewer's cached snapshots so the next poll
// does not re-serve the same head.
func (m *Manager) Release(ctx context.Context, leaseID, outcome string) error {
	if outcome != models.OutcomeCompleted && outcome != models.OutcomeSkipped {
		return fmt.Errorf("invalid outcome %q", outcome)
	}
	rel, err := m.store.ReleaseByLease(ctx, leaseID, outcome)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotLeaseHolder
	}
	if err != nil {
		return err
	}
	m.cache.Invalidate(ctx, rel.ReviewerID)
	_ = m.store.AppendEvent(ctx, rel.ItemID, outcome, "reviewer="+rel.ReviewerID)
	return nil
}
