// Package dispatch fans payment-domain events out to subscribed partners as
// signed HTTP deliveries, with bounded retries recorded in the dispatch
// ledger.
//
// Delivery failure is never an error value here: it is absorbed into ledger
// state (retry or exhausted) so that the business-event producer is not
// coupled to partner reachability. At-least-once is the guarantee; a lost
// claim race may cause a duplicate external delivery but never a corrupted
// attempt count.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fathomlabs/hookrelay/internal/apperrors"
	"github.com/fathomlabs/hookrelay/internal/ledger"
	"github.com/fathomlabs/hookrelay/internal/log"
	"github.com/fathomlabs/hookrelay/internal/partner"
	"github.com/fathomlabs/hookrelay/internal/signer"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultHTTPTimeout = 10 * time.Second
	DefaultWorkers     = 8
	DefaultStaleLease  = 1 * time.Minute
	DefaultSweepBatch  = 100
)

// Outbound delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventType = "X-Event-Type"
	HeaderAttempt   = "X-Attempt"
)

// Config holds dispatcher tuning. Zero values use defaults.
type Config struct {
	MaxAttempts int           // attempt budget per dispatch record
	BaseDelay   time.Duration // first retry delay
	MaxDelay    time.Duration // backoff cap
	HTTPTimeout time.Duration // per-attempt delivery timeout
	Workers     int           // max in-flight deliveries
	StaleLease  time.Duration // age before an unattempted pending record is swept
	SweepBatch  int           // max records per sweep
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.StaleLease <= 0 {
		c.StaleLease = DefaultStaleLease
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = DefaultSweepBatch
	}
	return c
}

// Event is a fully-formed business event handed to the dispatcher by the
// payment state machine.
type Event struct {
	Type          string          `json:"type"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	RecordDelivery(outcome string, duration time.Duration)
	RecordSweepBatch(size int)
}

// Dispatcher owns outbound webhook delivery. It holds no delivery state of
// its own beyond the in-flight semaphore; everything durable lives in the
// ledger.
type Dispatcher struct {
	directory *partner.Directory
	ledger    *ledger.Ledger
	client    *http.Client
	cfg       Config
	logger    *slog.Logger
	metrics   MetricsRecorder

	// inflight caps concurrent deliveries across fan-out and sweep so one
	// slow partner cannot stall the rest, without unbounded goroutines.
	inflight chan struct{}
	wg       sync.WaitGroup
}

// New creates a Dispatcher. metrics may be nil.
func New(directory *partner.Directory, l *ledger.Ledger, cfg Config, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		directory: directory,
		ledger:    l,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:       cfg,
		logger:    log.WithComponent("dispatch"),
		metrics:   metrics,
		inflight:  make(chan struct{}, cfg.Workers),
	}
}

// DispatchEvent fans one event out to every active subscribed partner: one
// ledger record per partner, then an immediate asynchronous delivery attempt
// per record. Record creation is synchronous and failure-isolated per
// partner; a signing or insert failure for one partner never blocks the
// others. No subscribers is a silent no-op.
//
// The call returns once all records exist; delivery outcomes land in the
// ledger. Callers that need to observe outcomes (tests, shutdown) use Wait.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event Event) error {
	if event.Type == "" {
		return apperrors.Validation("type", "event type is required")
	}

	subscribed, err := d.directory.ListSubscribed(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("lookup subscribers: %w", err)
	}
	if len(subscribed) == 0 {
		d.logger.Debug("no subscribers", "event_type", event.Type)
		return nil
	}

	for _, p := range subscribed {
		rec, err := d.createRecord(ctx, event, p)
		if err != nil {
			// Catch-and-log per partner, not a batch transaction.
			log.WithPartner(p.ID).Error("create dispatch record failed",
				"event_type", event.Type, "error", err)
			continue
		}

		d.wg.Add(1)
		go func(rec *ledger.Record) {
			defer d.wg.Done()
			d.inflight <- struct{}{}
			defer func() { <-d.inflight }()

			claimed, ok, err := d.ledger.ClaimInitial(context.WithoutCancel(ctx), rec.ID)
			if err != nil {
				log.WithDispatch(rec.ID).Error("claim initial attempt failed", "error", err)
				return
			}
			if !ok {
				return
			}
			d.deliver(context.WithoutCancel(ctx), claimed)
		}(rec)
	}
	return nil
}

func (d *Dispatcher) createRecord(ctx context.Context, event Event, p *partner.Partner) (*ledger.Record, error) {
	// The signature is computed with the partner's current secret at
	// creation time and frozen on the record.
	sig, err := signer.Sign(event.Payload, p.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return d.ledger.Create(ctx, ledger.CreateParams{
		PartnerID:      p.ID,
		EventType:      event.Type,
		TransactionID:  event.TransactionID,
		Payload:        event.Payload,
		DestinationURL: p.DestinationURL,
		Signature:      sig,
		MaxAttempts:    d.cfg.MaxAttempts,
	})
}

// RetryDueDispatches is the idempotent retry sweep. It claims and re-sends
// every due record (retry whose time has passed, or pending past the stale
// lease). Safe to call concurrently from multiple processes: the ledger's
// conditional claims make overlapping sweeps skip each other's records. An
// individual record's failure is logged and never aborts the sweep.
func (d *Dispatcher) RetryDueDispatches(ctx context.Context) error {
	now := time.Now()
	due, err := d.ledger.Due(ctx, now, d.cfg.StaleLease, d.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("query due dispatches: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	if d.metrics != nil {
		d.metrics.RecordSweepBatch(len(due))
	}
	d.logger.Info("retry sweep", "due", len(due))

	var wg sync.WaitGroup
	for _, rec := range due {
		claimed, ok, err := d.ledger.ClaimDue(ctx, rec.ID, now, d.cfg.StaleLease)
		if err != nil {
			log.WithDispatch(rec.ID).Error("claim due dispatch failed", "error", err)
			continue
		}
		if !ok {
			// Another sweep got there first.
			continue
		}

		wg.Add(1)
		go func(rec *ledger.Record) {
			defer wg.Done()
			d.inflight <- struct{}{}
			defer func() { <-d.inflight }()
			d.deliver(ctx, rec)
		}(claimed)
	}
	wg.Wait()
	return nil
}

// GetDispatchHistory returns a partner's dispatch records, newest first.
func (d *Dispatcher) GetDispatchHistory(ctx context.Context, partnerID string, limit int) ([]*ledger.Record, error) {
	return d.ledger.History(ctx, partnerID, limit)
}

// Wait blocks until all in-flight fan-out deliveries have completed. Used
// at shutdown and by tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver performs one HTTP delivery attempt for a claimed record and
// records the outcome. It never returns an error; all failure is encoded in
// the record's final state.
func (d *Dispatcher) deliver(ctx context.Context, rec *ledger.Record) {
	logger := log.WithDispatch(rec.ID).With("partner_id", rec.PartnerID, "attempt", rec.AttemptCount)

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.HTTPTimeout)
	defer cancel()

	start := time.Now()
	statusCode, err := d.post(attemptCtx, rec)
	duration := time.Since(start)

	if err == nil && statusCode >= 200 && statusCode < 300 {
		if err := d.ledger.MarkSent(ctx, rec.ID, statusCode); err != nil {
			logger.Error("mark sent failed", "error", err)
			return
		}
		if d.metrics != nil {
			d.metrics.RecordDelivery("sent", duration)
		}
		logger.Info("dispatch delivered", "http_status", statusCode, "duration_ms", duration.Milliseconds())
		return
	}

	errMsg := fmt.Sprintf("unexpected status %d", statusCode)
	if err != nil {
		errMsg = err.Error()
	}

	if rec.AttemptCount < rec.MaxAttempts {
		retryAt := time.Now().Add(Backoff(rec.AttemptCount, d.cfg.BaseDelay, d.cfg.MaxDelay))
		if err := d.ledger.MarkRetry(ctx, rec.ID, statusCode, errMsg, retryAt); err != nil {
			logger.Error("mark retry failed", "error", err)
			return
		}
		if d.metrics != nil {
			d.metrics.RecordDelivery("retry", duration)
		}
		logger.Warn("dispatch failed, retry scheduled",
			"http_status", statusCode, "error", errMsg, "next_retry_at", retryAt)
		return
	}

	if err := d.ledger.MarkExhausted(ctx, rec.ID, statusCode, errMsg); err != nil {
		logger.Error("mark exhausted failed", "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.RecordDelivery("exhausted", duration)
	}
	logger.Error("dispatch exhausted", "http_status", statusCode, "error", errMsg)
}

// post performs the HTTP POST for one attempt. Returns the response status
// code, or 0 with an error when no response was observed.
func (d *Dispatcher) post(ctx context.Context, rec *ledger.Record) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.DestinationURL, bytes.NewReader(rec.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, rec.Signature)
	req.Header.Set(HeaderEventType, rec.EventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(rec.AttemptCount))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
