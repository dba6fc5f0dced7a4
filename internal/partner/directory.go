// Package partner holds the partner directory: registration, lookup and
// deactivation of webhook delivery targets.
package partner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/hookrelay/internal/apperrors"
	"github.com/fathomlabs/hookrelay/internal/log"
	"github.com/fathomlabs/hookrelay/internal/signer"
)

// Directory is the SQLite-backed partner registry. Read-heavy; writes happen
// only on registration, update and deactivation.
type Directory struct {
	db     *sql.DB
	logger *slog.Logger

	// uniqueDestination rejects registration when an active partner already
	// uses the destination URL. Deactivated partners do not block reuse.
	uniqueDestination bool
}

// Option configures a Directory.
type Option func(*Directory)

// WithUniqueDestination toggles the duplicate destination URL policy.
func WithUniqueDestination(unique bool) Option {
	return func(d *Directory) { d.uniqueDestination = unique }
}

// NewDirectory creates a Directory backed by db.
func NewDirectory(db *sql.DB, opts ...Option) *Directory {
	d := &Directory{
		db:                db,
		logger:            log.WithComponent("partner"),
		uniqueDestination: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register creates a new active partner with a freshly generated shared
// secret. The returned Partner carries the secret; this is the only moment
// it is handed out.
func (d *Directory) Register(ctx context.Context, name, destinationURL string, subscribedEvents []string) (*Partner, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.Validation("name", "partner name is required")
	}
	if err := validateDestinationURL(destinationURL); err != nil {
		return nil, err
	}
	if subscribedEvents == nil {
		subscribedEvents = []string{}
	}

	if d.uniqueDestination {
		var existing string
		err := d.db.QueryRowContext(ctx,
			`SELECT id FROM partners WHERE destination_url = ? AND active = 1 LIMIT 1;`,
			destinationURL,
		).Scan(&existing)
		if err == nil {
			return nil, apperrors.Conflict("partner", fmt.Sprintf("destination URL already registered to partner %s", existing))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check destination uniqueness: %w", err)
		}
	}

	secret, err := signer.GenerateSecret(signer.DefaultSecretLength)
	if err != nil {
		return nil, fmt.Errorf("register partner: %w", err)
	}

	events, err := json.Marshal(subscribedEvents)
	if err != nil {
		return nil, fmt.Errorf("marshal subscribed events: %w", err)
	}

	now := time.Now().UTC()
	p := &Partner{
		ID:               uuid.NewString(),
		Name:             name,
		DestinationURL:   destinationURL,
		SharedSecret:     secret,
		SubscribedEvents: subscribedEvents,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err = d.db.ExecContext(ctx, `
INSERT INTO partners(id, name, destination_url, shared_secret, subscribed_events, active, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, 1, ?, ?);
`, p.ID, p.Name, p.DestinationURL, p.SharedSecret, string(events),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert partner: %w", err)
	}

	d.logger.Info("partner registered", "partner_id", p.ID, "name", p.Name, "events", len(subscribedEvents))
	return p, nil
}

// GetByID returns the partner with the given id, active or not.
func (d *Directory) GetByID(ctx context.Context, id string) (*Partner, error) {
	row := d.db.QueryRowContext(ctx, `
SELECT id, name, destination_url, shared_secret, subscribed_events, active, created_at, updated_at
FROM partners WHERE id = ?;
`, id)
	p, err := scanPartner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("partner", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get partner: %w", err)
	}
	return p, nil
}

// ListActive returns all active partners, oldest first.
func (d *Directory) ListActive(ctx context.Context) ([]*Partner, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT id, name, destination_url, shared_secret, subscribed_events, active, created_at, updated_at
FROM partners WHERE active = 1 ORDER BY created_at ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list active partners: %w", err)
	}
	defer rows.Close()

	var partners []*Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		partners = append(partners, p)
	}
	return partners, rows.Err()
}

// ListSubscribed returns all active partners subscribed to eventType. At the
// directory's scale this is a plain filter over ListActive, no index needed.
func (d *Directory) ListSubscribed(ctx context.Context, eventType string) ([]*Partner, error) {
	active, err := d.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var subscribed []*Partner
	for _, p := range active {
		if p.SubscribedTo(eventType) {
			subscribed = append(subscribed, p)
		}
	}
	return subscribed, nil
}

// ActiveSecret returns the shared secret for an active partner, or NotFound
// when the partner is unknown or deactivated. Inactive partners are
// indistinguishable from unknown ones on purpose.
func (d *Directory) ActiveSecret(ctx context.Context, id string) (string, error) {
	var secret string
	err := d.db.QueryRowContext(ctx,
		`SELECT shared_secret FROM partners WHERE id = ? AND active = 1;`, id,
	).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("partner", id)
	}
	if err != nil {
		return "", fmt.Errorf("get partner secret: %w", err)
	}
	return secret, nil
}

// Update applies partial updates to a partner. The shared secret and active
// flag are not touchable through this path.
func (d *Directory) Update(ctx context.Context, id string, params UpdateParams) (*Partner, error) {
	p, err := d.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name == "" {
			return nil, apperrors.Validation("name", "partner name is required")
		}
		p.Name = name
	}
	if params.DestinationURL != nil {
		if err := validateDestinationURL(*params.DestinationURL); err != nil {
			return nil, err
		}
		p.DestinationURL = *params.DestinationURL
	}
	if params.SubscribedEvents != nil {
		p.SubscribedEvents = params.SubscribedEvents
	}

	events, err := json.Marshal(p.SubscribedEvents)
	if err != nil {
		return nil, fmt.Errorf("marshal subscribed events: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()

	_, err = d.db.ExecContext(ctx, `
UPDATE partners SET name = ?, destination_url = ?, subscribed_events = ?, updated_at = ?
WHERE id = ?;
`, p.Name, p.DestinationURL, string(events), p.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("update partner: %w", err)
	}
	return p, nil
}

// Deactivate marks a partner inactive. Rows are never deleted so the
// dispatch ledger keeps a resolvable partner reference.
func (d *Directory) Deactivate(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `
UPDATE partners SET active = 0, updated_at = ? WHERE id = ?;
`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("deactivate partner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate partner: %w", err)
	}
	if n == 0 {
		return apperrors.NotFound("partner", id)
	}
	d.logger.Info("partner deactivated", "partner_id", id)
	return nil
}

func validateDestinationURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return apperrors.Validation("destination_url", "destination URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.Validation("destination_url", "destination URL must be a valid http(s) URL")
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanPartner.
type scanner interface {
	Scan(dest ...any) error
}

func scanPartner(s scanner) (*Partner, error) {
	var (
		p          Partner
		eventsJSON string
		active     int
		createdAtS string
		updatedAtS string
	)
	if err := s.Scan(&p.ID, &p.Name, &p.DestinationURL, &p.SharedSecret, &eventsJSON, &active, &createdAtS, &updatedAtS); err != nil {
		return nil, err
	}
	p.Active = active != 0
	if err := json.Unmarshal([]byte(eventsJSON), &p.SubscribedEvents); err != nil {
		return nil, fmt.Errorf("decode subscribed events: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}
