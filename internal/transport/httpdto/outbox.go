package httpdto

import (
	"encoding/json"
	"time"

	"orderflow/internal/domain/outbox"
)

type OutboxMessageDTO struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	RoutingKey   string          `json:"routing_key"`
	Status       string          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	Stuck        bool            `json:"stuck"`
	LastError    *string         `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	PublishedAt  *time.Time      `json:"published_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ClaimedBy    *string         `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time      `json:"claimed_until,omitempty"`
	RequeuedAs   *string         `json:"requeued_as,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// FromOutboxMessage renders a row. The payload is only included for single
// row lookups.
func FromOutboxMessage(m outbox.OutboxMessage, maxRetries int, withPayload bool) OutboxMessageDTO {
	dto := OutboxMessageDTO{
		ID:           m.ID.String(),
		EventType:    m.EventType,
		RoutingKey:   m.RoutingKey,
		Status:       string(m.Status),
		RetryCount:   m.RetryCount,
		Stuck:        m.Stuck(maxRetries),
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		PublishedAt:  m.PublishedAt,
		NextRetryAt:  m.NextRetryAt,
		ClaimedBy:    m.ClaimedBy,
		ClaimedUntil: m.ClaimedUntil,
	}
	if m.RequeuedAs != nil {
		copyID := m.RequeuedAs.String()
		dto.RequeuedAs = &copyID
	}
	if withPayload && json.Valid([]byte(m.Payload)) {
		dto.Payload = json.RawMessage(m.Payload)
	}
	return dto
}

type ListOutboxResponse struct {
	Messages []OutboxMessageDTO `json:"messages"`
	Count    int                `json:"count"`
}

type OutboxStatsDTO struct {
	Pending    int64 `json:"pending"`
	Published  int64 `json:"published"`
	Failed     int64 `json:"failed"`
	Stuck      int64 `json:"stuck"`
	MaxRetries int   `json:"max_retries"`
}

func FromOutboxStats(s outbox.Stats, maxRetries int) OutboxStatsDTO {
	return OutboxStatsDTO{
		Pending:    s.Pending,
		Published:  s.Published,
		Failed:     s.Failed,
		Stuck:      s.Stuck,
		MaxRetries: maxRetries,
	}
}

type RequeueResponse struct {
	StuckID  string           `json:"stuck_id"`
	Requeued OutboxMessageDTO `json:"requeued"`
}
