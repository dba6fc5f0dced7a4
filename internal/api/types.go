package api

import (
	"encoding/json"
	"time"

	"github.com/fathomlabs/hookrelay/internal/ledger"
	"github.com/fathomlabs/hookrelay/internal/partner"
)

// ReceiveRequest is the JSON body for the inbound webhook endpoints.
// On the header-based endpoint the partner id and signature come from the
// X-Partner-Id and X-Webhook-Signature headers and override any body fields.
type ReceiveRequest struct {
	PartnerID     string         `json:"partner_id,omitempty"`
	Signature     string         `json:"signature,omitempty"`
	EventType     string         `json:"event_type"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// ReceiveResponse acknowledges an accepted inbound webhook.
type ReceiveResponse struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
	EventID    string    `json:"event_id"`
}

// DispatchEventRequest is the JSON body for POST /admin/events.
type DispatchEventRequest struct {
	Type          string          `json:"type"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// DispatchEventResponse acknowledges an accepted business event.
type DispatchEventResponse struct {
	Accepted bool   `json:"accepted"`
	Type     string `json:"type"`
}

// RegisterPartnerRequest is the JSON body for POST /admin/partners.
type RegisterPartnerRequest struct {
	Name             string   `json:"name"`
	DestinationURL   string   `json:"destination_url"`
	SubscribedEvents []string `json:"subscribed_events"`
}

// RegisterPartnerResponse is the only place the shared secret ever appears.
type RegisterPartnerResponse struct {
	Partner      *partner.Partner `json:"partner"`
	SharedSecret string           `json:"shared_secret"`
}

// PartnerListResponse is returned by GET /admin/partners.
type PartnerListResponse struct {
	Partners []*partner.Partner `json:"partners"`
}

// DispatchListResponse is returned by the dispatch history and dead-letter
// endpoints.
type DispatchListResponse struct {
	Dispatches []*ledger.Record `json:"dispatches"`
}

// ResendResponse is returned by POST /admin/dispatches/{id}/resend.
type ResendResponse struct {
	Dispatch *ledger.Record `json:"dispatch"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Dispatches    map[string]int `json:"dispatches"`
}
