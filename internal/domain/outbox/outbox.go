package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery state of an outbox message
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// OutboxMessage is a serialized event written in the same transaction as the
// business change that produced it, waiting to be published to the broker.
type OutboxMessage struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	EventType    string     `gorm:"type:varchar(100);not null" json:"event_type"`
	RoutingKey   string     `gorm:"type:varchar(255);not null" json:"routing_key"`
	Payload      string     `gorm:"type:text;not null" json:"payload"`
	Status       Status     `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	CreatedAt    time.Time  `gorm:"not null;index" json:"created_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	LastError    *string    `gorm:"type:text" json:"last_error,omitempty"`
	NextRetryAt  *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	ClaimedBy    *string    `gorm:"type:varchar(255)" json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	// RequeuedAs points at the pending copy an operator created from this row.
	RequeuedAs   *uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"requeued_as,omitempty"`
	UpdatedAt    time.Time  `gorm:"not null" json:"updated_at"`
}

// TableName returns the database table name
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// Eligible reports whether the drain loop may pick the message up at now.
func (m OutboxMessage) Eligible(now time.Time, maxRetries int) bool {
	if m.RetryCount >= maxRetries {
		return false
	}
	switch m.Status {
	case StatusPending:
	case StatusFailed:
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			return false
		}
	default:
		return false
	}
	return !m.Leased(now)
}

// Leased reports whether a drain instance holds an unexpired claim.
func (m OutboxMessage) Leased(now time.Time) bool {
	return m.ClaimedBy != nil && m.ClaimedUntil != nil && m.ClaimedUntil.After(now)
}

// Stuck reports whether the message exhausted its retries and still needs an
// operator. A requeued row is history, not stuck.
func (m OutboxMessage) Stuck(maxRetries int) bool {
	return m.Status == StatusFailed && m.RetryCount >= maxRetries && m.RequeuedAs == nil
}

// Filter narrows outbox listings for the operator API.
type Filter struct {
	Status     Status
	StuckOnly  bool
	MaxRetries int
	Limit      int
}

// Stats counts messages per status plus those stuck past the retry budget.
type Stats struct {
	Pending   int64 `json:"pending"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Stuck     int64 `json:"stuck"`
}
