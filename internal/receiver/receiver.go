// Package receiver authenticates and routes inbound webhooks sent to us by
// partners (the reverse channel of the dispatcher).
//
// Verification order is fixed and each failure is terminal: request shape,
// then partner secret resolution, then HMAC verification, then envelope
// shape. The receiver authenticates events but does not deduplicate them;
// two identical signed webhooks are both accepted, and handlers are expected
// to be idempotent.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/hookrelay/internal/apperrors"
	"github.com/fathomlabs/hookrelay/internal/log"
	"github.com/fathomlabs/hookrelay/internal/signer"
)

// SecretSource resolves the shared secret of an active partner. Inactive and
// unknown partners look identical to the receiver. *partner.Directory
// satisfies this.
type SecretSource interface {
	ActiveSecret(ctx context.Context, partnerID string) (string, error)
}

// EventStore persists accepted inbound events for audit. May be nil.
type EventStore interface {
	Record(ctx context.Context, event InboundEvent, handled bool) error
}

// Handler processes a verified inbound event. Handlers must be idempotent:
// the receiver does not deduplicate by event content.
type Handler func(ctx context.Context, event InboundEvent) error

// Request is a decoded inbound webhook call, before verification.
type Request struct {
	PartnerID     string
	Signature     string
	EventType     string
	TransactionID string
	Payload       map[string]any
}

// InboundEvent is a verified inbound webhook handed to a handler.
type InboundEvent struct {
	ID            string         `json:"id"`
	PartnerID     string         `json:"partner_id"`
	Type          string         `json:"type"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// Ack acknowledges a processed inbound webhook.
type Ack struct {
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// MetricsRecorder is an optional interface for inbound metrics.
type MetricsRecorder interface {
	RecordInbound(outcome string)
}

// Receiver verifies inbound webhooks and routes them to per-event-type
// handlers.
type Receiver struct {
	secrets SecretSource
	store   EventStore
	metrics MetricsRecorder
	logger  *slog.Logger

	// replayWindow bounds the age of timestamped payloads. Payloads
	// without a timestamp field use plain signature verification; the
	// channel then relies on TLS and partner-side duplicate detection.
	replayWindow time.Duration

	handlers map[string]Handler
	fallback Handler
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithEventStore sets the audit store for accepted events.
func WithEventStore(store EventStore) Option {
	return func(r *Receiver) { r.store = store }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Receiver) { r.metrics = m }
}

// WithReplayWindow overrides the max age for timestamped payloads.
func WithReplayWindow(d time.Duration) Option {
	return func(r *Receiver) { r.replayWindow = d }
}

// New creates a Receiver. Handlers are registered afterwards; the registry
// is expected to be fully populated before serving starts and is not
// guarded for concurrent mutation.
func New(secrets SecretSource, opts ...Option) *Receiver {
	r := &Receiver{
		secrets:      secrets,
		logger:       log.WithComponent("receiver"),
		replayWindow: signer.DefaultMaxAge,
		handlers:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register sets the handler for an event type.
func (r *Receiver) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// RegisterFallback sets the handler for event types with no registered
// handler. Without one, unrecognized types are logged and stored, never
// rejected — partners add event types faster than we add handlers.
func (r *Receiver) RegisterFallback(h Handler) {
	r.fallback = h
}

// Receive verifies and processes one inbound webhook. The error is one of
// the apperrors taxonomy; delivery handlers' own failures surface as
// internal errors.
func (r *Receiver) Receive(ctx context.Context, req Request) (Ack, error) {
	if req.PartnerID == "" || req.Signature == "" {
		r.reject("missing_credentials")
		return Ack{}, apperrors.Validation("partner_id", "partner id and signature are required")
	}

	secret, err := r.secrets.ActiveSecret(ctx, req.PartnerID)
	if err != nil {
		// Unknown and inactive partners produce the same response; the
		// partner id is logged for audit, the secret never is.
		r.logger.Warn("inbound webhook from unknown or inactive partner", "partner_id", req.PartnerID)
		r.reject("unknown_partner")
		return Ack{}, apperrors.Unauthorized("unknown partner or invalid signature")
	}

	if !r.verify(req.Payload, req.Signature, secret) {
		r.logger.Warn("inbound webhook signature verification failed", "partner_id", req.PartnerID)
		r.reject("bad_signature")
		return Ack{}, apperrors.Unauthorized("unknown partner or invalid signature")
	}

	if req.EventType == "" {
		r.reject("missing_event_type")
		return Ack{}, apperrors.Validation("event_type", "event type is required")
	}
	if req.Payload == nil {
		r.reject("missing_payload")
		return Ack{}, apperrors.Validation("payload", "payload must be a JSON object")
	}

	event := InboundEvent{
		ID:            uuid.NewString(),
		PartnerID:     req.PartnerID,
		Type:          req.EventType,
		TransactionID: req.TransactionID,
		Payload:       req.Payload,
		ReceivedAt:    time.Now().UTC(),
	}

	handler, known := r.handlers[event.Type]
	if !known {
		handler = r.fallback
	}

	if handler == nil {
		r.logger.Warn("no handler for inbound event type, storing",
			"partner_id", req.PartnerID, "event_type", event.Type, "event_id", event.ID)
		r.persist(ctx, event, false)
		if r.metrics != nil {
			r.metrics.RecordInbound("unhandled")
		}
		return Ack{EventID: event.ID, ProcessedAt: event.ReceivedAt}, nil
	}

	if err := handler(ctx, event); err != nil {
		r.reject("handler_error")
		return Ack{}, apperrors.Internal(fmt.Sprintf("handle %s event", event.Type), err)
	}

	r.persist(ctx, event, true)
	if r.metrics != nil {
		r.metrics.RecordInbound("accepted")
	}
	r.logger.Info("inbound webhook processed",
		"partner_id", req.PartnerID, "event_type", event.Type, "event_id", event.ID)
	return Ack{EventID: event.ID, ProcessedAt: event.ReceivedAt}, nil
}

// verify picks the verification mode: payloads carrying a timestamp field
// get the replay-protected check, everything else the plain one.
func (r *Receiver) verify(payload map[string]any, signature, secret string) bool {
	if payload == nil {
		return false
	}
	if _, stamped := payload["timestamp"]; stamped {
		return signer.VerifyWithTimestamp(payload, signature, secret, r.replayWindow)
	}
	return signer.Verify(payload, signature, secret)
}

func (r *Receiver) persist(ctx context.Context, event InboundEvent, handled bool) {
	if r.store == nil {
		return
	}
	if err := r.store.Record(ctx, event, handled); err != nil {
		// Audit storage is best-effort; the event was already handled.
		r.logger.Error("store inbound event failed", "event_id", event.ID, "error", err)
	}
}

func (r *Receiver) reject(reason string) {
	if r.metrics != nil {
		r.metrics.RecordInbound("rejected_" + reason)
	}
}
