package receiver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteEventStore persists accepted inbound events to the inbound_events
// table as an audit trail. Unhandled events (handled = 0) are the ones a
// later handler rollout may want to replay.
type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore creates an event store backed by db.
func NewSQLiteEventStore(db *sql.DB) *SQLiteEventStore {
	return &SQLiteEventStore{db: db}
}

// Record inserts one accepted inbound event.
func (s *SQLiteEventStore) Record(ctx context.Context, event InboundEvent, handled bool) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal inbound payload: %w", err)
	}

	var txID any
	if event.TransactionID != "" {
		txID = event.TransactionID
	}

	handledInt := 0
	if handled {
		handledInt = 1
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO inbound_events(id, partner_id, event_type, transaction_id, payload, handled, received_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, event.ID, event.PartnerID, event.Type, txID, string(payload), handledInt,
		event.ReceivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert inbound event: %w", err)
	}
	return nil
}
