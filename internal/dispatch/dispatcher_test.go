package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fathomlabs/hookrelay/internal/ledger"
	"github.com/fathomlabs/hookrelay/internal/partner"
	"github.com/fathomlabs/hookrelay/internal/signer"
	"github.com/fathomlabs/hookrelay/internal/storage"
)

type testEnv struct {
	directory  *partner.Directory
	ledger     *ledger.Ledger
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hookrelay.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dir := partner.NewDirectory(db)
	led := ledger.New(db)
	return &testEnv{
		directory:  dir,
		ledger:     led,
		dispatcher: New(dir, led, cfg, nil),
	}
}

// sweepUntilSettled drives the retry sweep until no record is left in a
// non-terminal state or the deadline passes.
func (e *testEnv) sweepUntilSettled(t *testing.T, deadline time.Duration) {
	t.Helper()
	ctx := context.Background()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if err := e.dispatcher.RetryDueDispatches(ctx); err != nil {
			t.Fatalf("RetryDueDispatches: %v", err)
		}
		counts, err := e.ledger.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus: %v", err)
		}
		if counts[ledger.StatusPending] == 0 && counts[ledger.StatusRetry] == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("records did not settle before deadline")
}

func TestDispatchEventFanOutCompleteness(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{BaseDelay: time.Millisecond})
	ctx := context.Background()

	var subscribed []*partner.Partner
	for range 3 {
		p, err := env.directory.Register(ctx, "sub", server.URL+"/"+randomSuffix(t), []string{"payment.confirmed"})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		subscribed = append(subscribed, p)
	}
	for range 2 {
		if _, err := env.directory.Register(ctx, "other", server.URL+"/"+randomSuffix(t), []string{"payment.refunded"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	err := env.dispatcher.DispatchEvent(ctx, Event{
		Type:    "payment.confirmed",
		Payload: json.RawMessage(`{"order_id":"A1"}`),
	})
	if err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	env.dispatcher.Wait()

	for _, p := range subscribed {
		history, err := env.ledger.History(ctx, p.ID, 10)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(history) != 1 {
			t.Fatalf("partner %s has %d records, want 1", p.ID, len(history))
		}
		if history[0].Status != ledger.StatusSent {
			t.Errorf("partner %s record status = %s, want sent", p.ID, history[0].Status)
		}
	}

	counts, err := env.ledger.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[ledger.StatusSent] != 3 {
		t.Errorf("total records = %v, want exactly 3 sent", counts)
	}
}

func TestDispatchEventNoSubscribersIsNoOp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	err := env.dispatcher.DispatchEvent(context.Background(), Event{
		Type:    "payment.confirmed",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}

	counts, err := env.ledger.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("records created for event without subscribers: %v", counts)
	}
}

func TestDeliveryHeadersAndSignature(t *testing.T) {
	t.Parallel()

	type capture struct {
		signature string
		eventType string
		attempt   string
		body      []byte
	}
	got := make(chan capture, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- capture{
			signature: r.Header.Get(HeaderSignature),
			eventType: r.Header.Get(HeaderEventType),
			attempt:   r.Header.Get(HeaderAttempt),
			body:      body,
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	p, err := env.directory.Register(ctx, "acme", server.URL, []string{"payment.confirmed"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	payload := json.RawMessage(`{"order_id":"A1"}`)
	if err := env.dispatcher.DispatchEvent(ctx, Event{Type: "payment.confirmed", Payload: payload}); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	env.dispatcher.Wait()

	select {
	case c := <-got:
		if c.eventType != "payment.confirmed" {
			t.Errorf("X-Event-Type = %q", c.eventType)
		}
		if c.attempt != "1" {
			t.Errorf("X-Attempt = %q, want 1", c.attempt)
		}
		if !signer.Verify(c.body, c.signature, p.SharedSecret) {
			t.Error("delivered signature does not verify against partner secret")
		}
	default:
		t.Fatal("no delivery observed")
	}
}

func TestRetryBoundAlwaysFailing(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	ctx := context.Background()
	p, err := env.directory.Register(ctx, "down", server.URL, []string{"payment.confirmed"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := env.dispatcher.DispatchEvent(ctx, Event{Type: "payment.confirmed", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	env.dispatcher.Wait()
	env.sweepUntilSettled(t, 5*time.Second)

	if n := hits.Load(); n != 3 {
		t.Errorf("delivery attempts = %d, want exactly 3", n)
	}

	history, err := env.ledger.History(ctx, p.ID, 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("History: %v (%d records)", err, len(history))
	}
	rec := history[0]
	if rec.Status != ledger.StatusExhausted || rec.AttemptCount != 3 {
		t.Errorf("record = %s/%d, want exhausted/3", rec.Status, rec.AttemptCount)
	}
	if rec.HTTPStatusCode == nil || *rec.HTTPStatusCode != http.StatusServiceUnavailable {
		t.Errorf("http status = %v, want 503", rec.HTTPStatusCode)
	}
	if rec.LastError == nil {
		t.Error("last error not recorded")
	}
}

func TestRetryFailOnceThenSucceed(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	env := newTestEnv(t, Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	ctx := context.Background()
	p, err := env.directory.Register(ctx, "flaky", server.URL, []string{"payment.confirmed"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := env.dispatcher.DispatchEvent(ctx, Event{Type: "payment.confirmed", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	env.dispatcher.Wait()
	env.sweepUntilSettled(t, 5*time.Second)

	history, err := env.ledger.History(ctx, p.ID, 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("History: %v (%d records)", err, len(history))
	}
	rec := history[0]
	if rec.Status != ledger.StatusSent || rec.AttemptCount != 2 {
		t.Errorf("record = %s/%d, want sent/2", rec.Status, rec.AttemptCount)
	}
}

func TestSweepIgnoresFutureRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	// Long base delay: after the first failure the retry is far in the
	// future, so back-to-back sweeps must not send again.
	env := newTestEnv(t, Config{MaxAttempts: 3, BaseDelay: time.Hour})
	ctx := context.Background()
	if _, err := env.directory.Register(ctx, "down", server.URL, []string{"payment.confirmed"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := env.dispatcher.DispatchEvent(ctx, Event{Type: "payment.confirmed", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	env.dispatcher.Wait()

	if err := env.dispatcher.RetryDueDispatches(ctx); err != nil {
		t.Fatalf("RetryDueDispatches 1: %v", err)
	}
	if err := env.dispatcher.RetryDueDispatches(ctx); err != nil {
		t.Fatalf("RetryDueDispatches 2: %v", err)
	}

	if n := hits.Load(); n != 1 {
		t.Errorf("delivery attempts = %d, want 1 (sweeps must not re-send unripe records)", n)
	}
}

func TestDispatchEventInvalidType(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	if err := env.dispatcher.DispatchEvent(context.Background(), Event{}); err == nil {
		t.Fatal("DispatchEvent with empty type should fail")
	}
}

func TestBackoffMonotonicCapped(t *testing.T) {
	t.Parallel()

	base := time.Second
	max := 30 * time.Second

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(attempt, base, max)
		if d < prev {
			t.Errorf("backoff(%d) = %v < backoff(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > max {
			t.Errorf("backoff(%d) = %v exceeds cap %v", attempt, d, max)
		}
		prev = d
	}

	if got := Backoff(1, base, max); got != time.Second {
		t.Errorf("backoff(1) = %v, want 1s", got)
	}
	if got := Backoff(2, base, max); got != 2*time.Second {
		t.Errorf("backoff(2) = %v, want 2s", got)
	}
	if got := Backoff(10, base, max); got != max {
		t.Errorf("backoff(10) = %v, want cap %v", got, max)
	}
}

func randomSuffix(t *testing.T) string {
	t.Helper()
	s, err := signer.GenerateSecret(4)
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	return s
}
