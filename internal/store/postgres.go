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
	"github.com/jackc/pgx/v5/pgxpool"

	"review-assigner/internal/models"
)

// ErrStoreUnavailable marks transient connectivity failures. Callers must
// retry with backoff and must never read it as an empty pool.
var ErrStoreUnavailable = errors.New("work pool store unavailable")

// ErrNotFound is returned for lookups of unknown ids.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateWorkItemParams collects inputs required to insert a work item.
type CreateWorkItemParams struct {
	ExternalRef   string
	FilterAttrs   map[string]string
	ContactNumber string
}

// CreateWorkItem inserts a work item row. When an external_ref is supplied
// and already known, the existing item is returned instead; the boolean
// reports that dedup hit.
func (s *Store) CreateWorkItem(ctx context.Context, p CreateWorkItemParams) (models.WorkItem, bool, error) {
	if p.FilterAttrs == nil {
		p.FilterAttrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(p.FilterAttrs)
	if err != nil {
		return models.WorkItem{}, false, fmt.Errorf("marshal filter attrs: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO work_items (id, external_ref, state, filter_attrs, contact_number, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $6)
		ON CONFLICT (external_ref) DO NOTHING
	`, id, p.ExternalRef, models.ItemPending, attrsJSON, p.ContactNumber, now)
	if err != nil {
		return models.WorkItem{}, false, wrapStore("insert work item", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.findByExternalRef(ctx, p.ExternalRef)
		if err != nil {
			return models.WorkItem{}, false, err
		}
		return existing, true, nil
	}

	return models.WorkItem{
		ID:            id,
		ExternalRef:   emptyToNil(p.ExternalRef),
		State:         models.ItemPending,
		FilterAttrs:   p.FilterAttrs,
		ContactNumber: p.ContactNumber,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, false, nil
}

func (s *Store) findByExternalRef(ctx context.Context, ref string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, workItemSelect+` WHERE external_ref = $1`, ref)
	return scanWorkItem(row)
}

const workItemSelect = `
	SELECT id, external_ref, state, filter_attrs, contact_number,
	       lease_holder, lease_id, lease_expires_at, created_at, updated_at
	FROM work_items`

// GetWorkItem fetches a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, workItemSelect+` WHERE id = $1`, id)
	return scanWorkItem(row)
}

func scanWorkItem(row pgx.Row) (models.WorkItem, error) {
	var item models.WorkItem
	var attrsJSON []byte
	var extRef, holder, leaseID pgtype.Text
	var expires pgtype.Timestamptz

	err := row.Scan(&item.ID, &extRef, &item.State, &attrsJSON, &item.ContactNumber,
		&holder, &leaseID, &expires, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return models.WorkItem{}, wrapStore("scan work item", err)
	}
	if err := json.Unmarshal(attrsJSON, &item.FilterAttrs); err != nil {
		return models.WorkItem{}, fmt.Errorf("unmarshal filter attrs: %w", err)
	}
	item.ExternalRef = textPtr(extRef)
	item.LeaseHolder = textPtr(holder)
	item.LeaseID = textPtr(leaseID)
	if expires.Valid {
		t := expires.Time
		item.LeaseExpiresAt = &t
	}
	return item, nil
}

// PendingCandidates returns ids of pending items matching every filter
// attribute, oldest first, id as tie-break, bounded to window.
func (s *Store) PendingCandidates(ctx context.Context, filter map[string]string, window int) ([]string, error) {
	if filter == nil {
		filter = map[string]string{}
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM work_items
		WHERE state = $1 AND filter_attrs @> $2::jsonb
		ORDER BY created_at, id
		LIMIT $3
	`, models.ItemPending, filterJSON, window)
	if err != nil {
		return nil, wrapStore("query candidates", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapStore("scan candidate", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStore("iterate candidates", err)
	}
	return ids, nil
}

// ClaimWorkItem attempts the conditional claim. The WHERE state = 'pending'
// guard is the only exclusivity primitive in the system; a false return
// means another reviewer got there first.
func (s *Store) ClaimWorkItem(ctx context.Context, id, reviewerID, leaseID string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET state = $2, lease_holder = $3, lease_id = $4, lease_expires_at = $5, updated_at = NOW()
		WHERE id = $1 AND state = $6
	`, id, models.ItemLeased, reviewerID, leaseID, expiresAt, models.ItemPending)
	if err != nil {
		return false, wrapStore("claim work item", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleasedItem reports which item and holder a release or expiry touched.
type ReleasedItem struct {
	ItemID     string
	ReviewerID string
}

// ReleaseByLease transitions a leased item out of its lease. Completed is
// permanent; Skipped returns the item to pending immediately. The lease_id
// condition makes a release after expiry-requeue fail closed with ErrNotFound.
func (s *Store) ReleaseByLease(ctx context.Context, leaseID, outcome string) (ReleasedItem, error) {
	next := models.ItemCompleted
	if outcome == models.OutcomeSkipped {
		next = models.ItemPending
	}
	// RETURNING on the UPDATE would see the post-update NULL holder, so the
	// pre-update row is captured in a locking CTE.
	row := s.pool.QueryRow(ctx, `
		WITH released AS (
			SELECT id, lease_holder FROM work_items
			WHERE lease_id = $1 AND state = $3
			FOR UPDATE
		), updated AS (
			UPDATE work_items w
			SET state = $2, lease_holder = NULL, lease_id = NULL, lease_expires_at = NULL, updated_at = NOW()
			FROM released r WHERE w.id = r.id
		)
		SELECT id, lease_holder FROM released
	`, leaseID, next, models.ItemLeased)

	var rel ReleasedItem
	var holder pgtype.Text
	err := row.Scan(&rel.ItemID, &holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReleasedItem{}, ErrNotFound
	}
	if err != nil {
		return ReleasedItem{}, wrapStore("release lease", err)
	}
	if holder.Valid {
		rel.ReviewerID = holder.String
	}
	return rel, nil
}

// RequeueExpired reclaims leases whose expiry has passed, returning the
// affected items. It shares the conditional-write discipline with
// ReleaseByLease so a racing explicit release wins exactly once.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time, limit int) ([]ReleasedItem, error) {
	rows, err := s.pool.Query(ctx, `
		WITH expired AS (
			SELECT id, lease_holder FROM work_items
			WHERE state = $1 AND lease_expires_at <= $2
			ORDER BY lease_expires_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), updated AS (
			UPDATE work_items w
			SET state = $4, lease_holder = NULL, lease_id = NULL, lease_expires_at = NULL, updated_at = NOW()
			FROM expired e WHERE w.id = e.id
		)
		SELECT id, lease_holder FROM expired
	`, models.ItemLeased, now, limit, models.ItemPending)
	if err != nil {
		return nil, wrapStore("requeue expired", err)
	}
	defer rows.Close()

	var out []ReleasedItem
	for rows.Next() {
		var rel ReleasedItem
		var holder pgtype.Text
		if err := rows.Scan(&rel.ItemID, &holder); err != nil {
			return nil, wrapStore("scan expired", err)
		}
		if holder.Valid {
			rel.ReviewerID = holder.String
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStore("iterate expired", err)
	}
	return out, nil
}

// AppendEvent adds an assignment audit row.
func (s *Store) AppendEvent(ctx context.Context, itemID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assignment_events (work_item_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, itemID, event, detail)
	if err != nil {
		return wrapStore("append event", err)
	}
	return nil
}

func wrapStore(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
