package lease

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"review-assigner/internal/models"
	"review-assigner/internal/store"
)

// memStore is an in-memory PoolStore with the same conditional-write
// semantics as the Postgres store, guarded by one mutex so concurrent
// claims serialize the way a single-row UPDATE does.
type memStore struct {
	mu    sync.Mutex
	items map[string]*memItem

	events      []string
	queryCalls  int
	failQueries bool
	failClaims  bool
	failGets    bool
}

type memItem struct {
	id      string
	state   string
	attrs   map[string]string
	contact string
	holder  string
	leaseID string
	expires time.Time
	created time.Time
}

func newMemStore() *memStore {
	return &memStore{items: map[string]*memItem{}}
}

func (m *memStore) addPending(id string, created time.Time, attrs map[string]string, contact string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = &memItem{
		id:      id,
		state:   models.ItemPending,
		attrs:   attrs,
		contact: contact,
		created: created,
	}
}

func (m *memStore) stateOf(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].state
}

func (m *memStore) PendingCandidates(_ context.Context, filter map[string]string, window int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failQueries {
		return nil, fmt.Errorf("query candidates: %w: dial refused", store.ErrStoreUnavailable)
	}
	m.queryCalls++

	var matched []*memItem
	for _, it := range m.items {
		if it.state != models.ItemPending {
			continue
		}
		ok := true
		for k, v := range filter {
			if it.attrs[k] != v {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, it)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].created.Equal(matched[j].created) {
			return matched[i].created.Before(matched[j].created)
		}
		return matched[i].id < matched[j].id
	})
	ids := make([]string, 0, len(matched))
	for _, it := range matched {
		if len(ids) == window {
			break
		}
		ids = append(ids, it.id)
	}
	return ids, nil
}

func (m *memStore) ClaimWorkItem(_ context.Context, id, reviewerID, leaseID string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failClaims {
		return false, fmt.Errorf("claim work item: %w: dial refused", store.ErrStoreUnavailable)
	}
	it, ok := m.items[id]
	if !ok || it.state != models.ItemPending {
		return false, nil
	}
	it.state = models.ItemLeased
	it.holder = reviewerID
	it.leaseID = leaseID
	it.expires = expiresAt
	return true, nil
}

func (m *memStore) ReleaseByLease(_ context.Context, leaseID, outcome string) (store.ReleasedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.state == models.ItemLeased && it.leaseID == leaseID {
			rel := store.ReleasedItem{ItemID: it.id, ReviewerID: it.holder}
			if outcome == models.OutcomeSkipped {
				it.state = models.ItemPending
			} else {
				it.state = models.ItemCompleted
			}
			it.holder, it.leaseID = "", ""
			it.expires = time.Time{}
			return rel, nil
		}
	}
	return store.ReleasedItem{}, store.ErrNotFound
}

func (m *memStore) RequeueExpired(_ context.Context, now time.Time, limit int) ([]store.ReleasedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ReleasedItem
	for _, it := range m.items {
		if len(out) == limit {
			break
		}
		if it.state == models.ItemLeased && !it.expires.After(now) {
			out = append(out, store.ReleasedItem{ItemID: it.id, ReviewerID: it.holder})
			it.state = models.ItemPending
			it.holder, it.leaseID = "", ""
			it.expires = time.Time{}
		}
	}
	return out, nil
}

func (m *memStore) GetWorkItem(_ context.Context, id string) (models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGets {
		return models.WorkItem{}, fmt.Errorf("get work item: %w: dial refused", store.ErrStoreUnavailable)
	}
	it, ok := m.items[id]
	if !ok {
		return models.WorkItem{}, store.ErrNotFound
	}
	return models.WorkItem{
		ID:            it.id,
		State:         it.state,
		FilterAttrs:   it.attrs,
		ContactNumber: it.contact,
		CreatedAt:     it.created,
	}, nil
}

func (m *memStore) AppendEvent(_ context.Context, itemID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, itemID+":"+event)
	return nil
}

func (m *memStore) hasEvent(itemID, event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e == itemID+":"+event {
			return true
		}
	}
	return false
}

// memCache is an in-process CandidateCache for manager tests. Entries can
// be seeded directly to simulate staleness.
type memCache struct {
	mu            sync.Mutex
	snapshots     map[string][]string
	invalidations []string
}

func newMemCache() *memCache {
	return &memCache{snapshots: map[string][]string{}}
}

func key(reviewerID, fingerprint string) string {
	return reviewerID + "/" + fingerprint
}

func (c *memCache) Lookup(_ context.Context, reviewerID, fingerprint string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.snapshots[key(reviewerID, fingerprint)]
	return ids, ok
}

func (c *memCache) Store(_ context.Context, reviewerID, fingerprint string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[key(reviewerID, fingerprint)] = ids
}

func (c *memCache) Remove(_ context.Context, reviewerID, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, key(reviewerID, fingerprint))
}

func (c *memCache) Invalidate(_ context.Context, reviewerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.snapshots {
		if strings.HasPrefix(k, reviewerID+"/") {
			delete(c.snapshots, k)
		}
	}
	c.invalidations = append(c.invalidations, reviewerID)
}

func (c *memCache) invalidatedFor(reviewerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.invalidations {
		if r == reviewerID {
			return true
		}
	}
	return false
}

// memSubmitter records enqueued dispatch jobs and can simulate saturation.
type memSubmitter struct {
	mu        sync.Mutex
	enqueued  []string
	saturated bool
	nextID    int
}

func (s *memSubmitter) Enqueue(_ context.Context, workItemID string, _ map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saturated {
		return "", fmt.Errorf("dispatch queue saturated")
	}
	s.nextID++
	s.enqueued = append(s.enqueued, workItemID)
	return fmt.Sprintf("job-%d", s.nextID), nil
}
