package models

import (
	"errors"
	"time"
)

// BroadcastStatus represents the lifecycle state of a broadcast.
type BroadcastStatus string

const (
	// BroadcastStatusScheduled indicates the broadcast is armed for a future fire time.
	BroadcastStatusScheduled BroadcastStatus = "SCHEDULED"
	// BroadcastStatusProcessing indicates recipient fan-out is in progress.
	BroadcastStatusProcessing BroadcastStatus = "PROCESSING"
	// BroadcastStatusSent indicates all per-recipient tasks were enqueued.
	BroadcastStatusSent BroadcastStatus = "SENT"
	// BroadcastStatusFailed indicates execute raised an error.
	BroadcastStatusFailed BroadcastStatus = "FAILED"
	// BroadcastStatusCancelled indicates the broadcast was cancelled before firing.
	BroadcastStatusCancelled BroadcastStatus = "CANCELLED"
)

// Error variables for broadcast lifecycle handling.
var (
	ErrBroadcastNotFound   = errors.New("broadcast not found")
	ErrNotScheduled        = errors.New("broadcast is not in scheduled status")
	ErrInvalidTransition   = errors.New("invalid broadcast status transition")
	ErrEmptyRecipients     = errors.New("broadcast recipient list cannot be empty")
	ErrMissingTemplate     = errors.New("broadcast template id is required")
	ErrScheduledTimePassed = errors.New("scheduled time must be in the future")
)

// CanTransition reports whether a broadcast may move from one status to
// another. Transitions are monotonic: SCHEDULED -> PROCESSING -> SENT, with
// SCHEDULED -> CANCELLED and any -> FAILED as the only exits.
func CanTransition(from, to BroadcastStatus) bool {
	if to == BroadcastStatusFailed {
		return from != BroadcastStatusFailed
	}
	switch from {
	case BroadcastStatusScheduled:
		return to == BroadcastStatusProcessing || to == BroadcastStatusCancelled
	case BroadcastStatusProcessing:
		return to == BroadcastStatusSent
	default:
		return false
	}
}

// Broadcast is a deferred or immediate template send to a recipient list.
type Broadcast struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	OwnerID       string          `json:"owner_id"`
	TemplateID    string          `json:"template_id"`
	Recipients    []string        `json:"recipients,omitempty"`
	TotalContacts int             `json:"total_contacts"`
	ScheduledTime *time.Time      `json:"scheduled_time,omitempty"`
	Status        BroadcastStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BroadcastRequest is the payload for scheduling a broadcast.
type BroadcastRequest struct {
	TemplateID    string     `json:"template_id"`
	Recipients    []string   `json:"recipients"`
	Parameters    []string   `json:"parameters,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	IsNow         bool       `json:"is_now"`
}

// Validate performs validation on a broadcast request.
func (r *BroadcastRequest) Validate() error {
	if r.TemplateID == "" {
		return ErrMissingTemplate
	}
	if len(r.Recipients) == 0 {
		return ErrEmptyRecipients
	}
	if !r.IsNow && r.ScheduledTime != nil && !r.ScheduledTime.After(time.Now()) {
		return ErrScheduledTimePassed
	}
	return nil
}

// MessageTemplate is the provider template document loaded when a broadcast
// executes. Components carry the provider-specific template structure.
type MessageTemplate struct {
	ID         string                   `json:"id" bson:"_id"`
	TenantID   string                   `json:"tenant_id" bson:"tenant_id"`
	Name       string                   `json:"name" bson:"name"`
	Language   string                   `json:"language" bson:"language"`
	Components []map[string]interface{} `json:"components,omitempty" bson:"components,omitempty"`
}
