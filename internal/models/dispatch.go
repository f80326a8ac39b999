package models

import (
	"time"
)

// DispatchJob states.
const (
	DispatchQueued    = "queued"
	DispatchRunning   = "running"
	DispatchSucceeded = "succeeded"
	DispatchRetryable = "failed_retryable"
	DispatchTerminal  = "failed_terminal"
)

// DispatchJob is one asynchronous telephony call-out. Attempt only ever
// increases; failed_terminal is never retried.
type DispatchJob struct {
	ID             string         `json:"id"`
	WorkItemID     string         `json:"work_item_id"`
	Payload        map[string]any `json:"payload"`
	State          string         `json:"state"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	NextEligibleAt time.Time      `json:"next_eligible_at"`
	LastError      *string        `json:"last_error,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the job will see no further state changes.
func (j DispatchJob) Terminal() bool {
	return j.State == DispatchSucceeded || j.State == DispatchTerminal
}
