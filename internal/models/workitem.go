package models

import (
	"time"
)

// WorkItem states persisted in Postgres.
const (
	ItemPending   = "pending"
	ItemLeased    = "leased"
	ItemCompleted = "completed"
)

// Release outcomes accepted by the lease manager.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
)

// WorkItem is one interview awaiting verification.
// lease_holder, lease_id and lease_expires_at are set together while leased
// and cleared together on release or expiry.
type WorkItem struct {
	ID             string            `json:"id"`
	ExternalRef    *string           `json:"external_ref,omitempty"`
	State          string            `json:"state"`
	FilterAttrs    map[string]string `json:"filter_attrs"`
	ContactNumber  string            `json:"contact_number,omitempty"`
	LeaseHolder    *string           `json:"lease_holder,omitempty"`
	LeaseID        *string           `json:"lease_id,omitempty"`
	LeaseExpiresAt *time.Time        `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Lease is the handle returned to a reviewer from a successful claim.
type Lease struct {
	LeaseID       string    `json:"lease_id"`
	WorkItemID    string    `json:"work_item_id"`
	ReviewerID    string    `json:"reviewer_id"`
	ExpiresAt     time.Time `json:"lease_expires_at"`
	DispatchJobID string    `json:"dispatch_job_id,omitempty"`
}

// AssignmentEvent is an audit row recorded on lease transitions.
type AssignmentEvent struct {
	WorkItemID string    `json:"work_item_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
