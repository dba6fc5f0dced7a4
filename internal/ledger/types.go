package ledger

import (
	"encoding/json"
	"time"
)

// Status is the delivery state of a dispatch record.
//
// pending → sent                  success on any attempt
// pending → retry → … → sent      transient failures, then success
// pending → retry → … → exhausted attempt budget spent, terminal
//
// sent and exhausted are terminal; no transition leaves either, except the
// explicit operator resend which re-arms an exhausted record with a fresh
// attempt budget.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusRetry     Status = "retry"
	StatusExhausted Status = "exhausted"
)

// Record is one delivery attempt-sequence of a single event to a single
// partner. The destination URL and signature are frozen at creation time so
// later partner changes never retroactively alter in-flight history.
type Record struct {
	ID             string          `json:"id"`
	PartnerID      string          `json:"partner_id"`
	EventType      string          `json:"event_type"`
	TransactionID  *string         `json:"transaction_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	DestinationURL string          `json:"destination_url"`
	Signature      string          `json:"signature"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	HTTPStatusCode *int            `json:"http_status_code,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CreateParams carries the fields for a new pending record.
type CreateParams struct {
	PartnerID      string
	EventType      string
	TransactionID  *string
	Payload        json.RawMessage
	DestinationURL string
	Signature      string
	MaxAttempts    int
}
