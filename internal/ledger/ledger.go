// Package ledger is the durable record of webhook delivery attempts. It is
// the only place dispatch state lives; the dispatcher never holds delivery
// state in memory.
//
// Every state transition is a single conditional UPDATE keyed by the current
// status (and, for claims, the attempt budget), so concurrent dispatchers and
// sweep invocations cannot double-claim a record or push attempt_count past
// max_attempts. A lost claim race means the loser simply skips the record.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/hookrelay/internal/apperrors"
)

const recordColumns = `id, partner_id, event_type, transaction_id, payload, destination_url, signature,
  status, attempt_count, max_attempts, http_status_code, last_error, next_retry_at, created_at, updated_at`

// Ledger is the SQLite-backed dispatch record store.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger backed by db.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Create inserts a new pending record with zero attempts.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (*Record, error) {
	if params.PartnerID == "" {
		return nil, fmt.Errorf("partner id is empty")
	}
	if params.EventType == "" {
		return nil, fmt.Errorf("event type is empty")
	}
	if params.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:             uuid.NewString(),
		PartnerID:      params.PartnerID,
		EventType:      params.EventType,
		TransactionID:  params.TransactionID,
		Payload:        params.Payload,
		DestinationURL: params.DestinationURL,
		Signature:      params.Signature,
		Status:         StatusPending,
		AttemptCount:   0,
		MaxAttempts:    params.MaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var payload any
	if len(params.Payload) > 0 {
		payload = string(params.Payload)
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO dispatch_records(
  id, partner_id, event_type, transaction_id, payload, destination_url, signature,
  status, attempt_count, max_attempts, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?);
`, rec.ID, rec.PartnerID, rec.EventType, rec.TransactionID, payload, rec.DestinationURL, rec.Signature,
		StatusPending, rec.MaxAttempts, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert dispatch record: %w", err)
	}
	return rec, nil
}

// ClaimInitial atomically claims a freshly created record for its first
// delivery attempt, incrementing attempt_count to 1. Returns (nil, false)
// when the record was already claimed by someone else.
func (l *Ledger) ClaimInitial(ctx context.Context, id string) (*Record, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := l.db.QueryRowContext(ctx, `
UPDATE dispatch_records
SET attempt_count = attempt_count + 1, updated_at = ?
WHERE id = ? AND status = ? AND attempt_count = 0
RETURNING `+recordColumns+`;
`, now, id, StatusPending)
	return scanClaim(row)
}

// ClaimDue atomically claims a record the retry sweep considers due:
// a retry record whose next_retry_at is unset or has passed, or a pending
// record that has sat unattempted past the stale lease (crash recovery for
// records created but never sent). The claim resets the record to pending
// with one more attempt consumed, so a concurrent sweep sees nothing to
// claim.
func (l *Ledger) ClaimDue(ctx context.Context, id string, now time.Time, staleLease time.Duration) (*Record, bool, error) {
	nowS := now.UTC().Format(time.RFC3339Nano)
	staleCutoff := now.UTC().Add(-staleLease).Format(time.RFC3339Nano)
	row := l.db.QueryRowContext(ctx, `
UPDATE dispatch_records
SET attempt_count = attempt_count + 1, status = ?, next_retry_at = NULL, updated_at = ?
WHERE id = ?
  AND attempt_count < max_attempts
  AND (
    (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
    OR (status = ? AND updated_at <= ?)
  )
RETURNING `+recordColumns+`;
`, StatusPending, nowS, id, StatusRetry, nowS, StatusPending, staleCutoff)
	return scanClaim(row)
}

// MarkSent finalizes a claimed record after a 2xx response. Terminal.
func (l *Ledger) MarkSent(ctx context.Context, id string, httpStatus int) error {
	return l.finish(ctx, id, StatusSent, &httpStatus, nil, nil)
}

// MarkRetry schedules a claimed record for another attempt at nextRetryAt.
func (l *Ledger) MarkRetry(ctx context.Context, id string, httpStatus int, lastError string, nextRetryAt time.Time) error {
	return l.finish(ctx, id, StatusRetry, &httpStatus, &lastError, &nextRetryAt)
}

// MarkExhausted finalizes a claimed record whose attempt budget is spent.
// Terminal; only the operator resend path leaves this state.
func (l *Ledger) MarkExhausted(ctx context.Context, id string, httpStatus int, lastError string) error {
	return l.finish(ctx, id, StatusExhausted, &httpStatus, &lastError, nil)
}

func (l *Ledger) finish(ctx context.Context, id string, status Status, httpStatus *int, lastError *string, nextRetryAt *time.Time) error {
	var retryS any
	if nextRetryAt != nil {
		retryS = nextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE dispatch_records
SET status = ?, http_status_code = ?, last_error = ?, next_retry_at = ?, updated_at = ?
WHERE id = ? AND status = ?;
`, status, httpStatus, lastError, retryS, time.Now().UTC().Format(time.RFC3339Nano), id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark dispatch %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark dispatch %s: %w", status, err)
	}
	if n == 0 {
		return apperrors.Conflict("dispatch", fmt.Sprintf("dispatch %s is not in a claimable state", id))
	}
	return nil
}

// Due returns records the retry sweep should attempt, oldest first: retry
// records whose next_retry_at has passed (or was lost), plus pending records
// older than the stale lease.
func (l *Ledger) Due(ctx context.Context, now time.Time, staleLease time.Duration, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	nowS := now.UTC().Format(time.RFC3339Nano)
	staleCutoff := now.UTC().Add(-staleLease).Format(time.RFC3339Nano)
	rows, err := l.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM dispatch_records
WHERE attempt_count < max_attempts
  AND (
    (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
    OR (status = ? AND updated_at <= ?)
  )
ORDER BY created_at ASC
LIMIT ?;
`, StatusRetry, nowS, StatusPending, staleCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query due dispatches: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Get returns a single record by id.
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT `+recordColumns+` FROM dispatch_records WHERE id = ?;
`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("dispatch", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch record: %w", err)
	}
	return rec, nil
}

// History returns a partner's records, newest first.
func (l *Ledger) History(ctx context.Context, partnerID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM dispatch_records
WHERE partner_id = ?
ORDER BY created_at DESC
LIMIT ?;
`, partnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch history: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Recent returns the newest records across all partners, for the monitor.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM dispatch_records
ORDER BY created_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent dispatches: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListExhausted returns exhausted records, newest first, for operator
// tooling.
func (l *Ledger) ListExhausted(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM dispatch_records
WHERE status = ?
ORDER BY created_at DESC
LIMIT ?;
`, StatusExhausted, limit)
	if err != nil {
		return nil, fmt.Errorf("query exhausted dispatches: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// CountByStatus returns record counts per status, for the monitor and
// metrics.
func (l *Ledger) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM dispatch_records GROUP BY status;
`)
	if err != nil {
		return nil, fmt.Errorf("count dispatches: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

// Rearm moves an exhausted record back to retry with extraAttempts more
// budget. This is the manual operator intervention path; nothing automatic
// leaves the exhausted state.
func (l *Ledger) Rearm(ctx context.Context, id string, extraAttempts int) (*Record, error) {
	if extraAttempts <= 0 {
		return nil, fmt.Errorf("extra attempts must be positive")
	}
	row := l.db.QueryRowContext(ctx, `
UPDATE dispatch_records
SET status = ?, max_attempts = max_attempts + ?, next_retry_at = NULL, updated_at = ?
WHERE id = ? AND status = ?
RETURNING `+recordColumns+`;
`, StatusRetry, extraAttempts, time.Now().UTC().Format(time.RFC3339Nano), id, StatusExhausted)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either unknown or not exhausted; disambiguate for the caller.
		if _, getErr := l.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.Conflict("dispatch", fmt.Sprintf("dispatch %s is not exhausted", id))
	}
	if err != nil {
		return nil, fmt.Errorf("rearm dispatch: %w", err)
	}
	return rec, nil
}

func scanClaim(row *sql.Row) (*Record, bool, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim dispatch: %w", err)
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec        Record
		txID       sql.NullString
		payload    sql.NullString
		statusS    string
		httpStatus sql.NullInt64
		lastError  sql.NullString
		retryAtS   sql.NullString
		createdAtS string
		updatedAtS string
	)
	err := s.Scan(
		&rec.ID, &rec.PartnerID, &rec.EventType, &txID, &payload, &rec.DestinationURL, &rec.Signature,
		&statusS, &rec.AttemptCount, &rec.MaxAttempts, &httpStatus, &lastError, &retryAtS, &createdAtS, &updatedAtS,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(statusS)
	if txID.Valid {
		rec.TransactionID = &txID.String
	}
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	if httpStatus.Valid {
		code := int(httpStatus.Int64)
		rec.HTTPStatusCode = &code
	}
	if lastError.Valid {
		rec.LastError = &lastError.String
	}
	if retryAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, retryAtS.String); err == nil {
			rec.NextRetryAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
