package partner

import (
	"time"
)

// Partner is a third-party system registered to receive signed webhook
// notifications for specific event types.
//
// SharedSecret is generated server-side at registration and is immutable for
// the life of the partner. It is returned to the caller exactly once, in the
// registration response, and never transmitted again.
type Partner struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	DestinationURL   string    `json:"destination_url"`
	SharedSecret     string    `json:"-"`
	SubscribedEvents []string  `json:"subscribed_events"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SubscribedTo reports whether the partner is subscribed to eventType.
func (p *Partner) SubscribedTo(eventType string) bool {
	for _, e := range p.SubscribedEvents {
		if e == eventType {
			return true
		}
	}
	return false
}

// UpdateParams carries optional partial updates for a partner. Nil fields
// are left unchanged. The shared secret is deliberately not updatable.
type UpdateParams struct {
	Name             *string  `json:"name,omitempty"`
	DestinationURL   *string  `json:"destination_url,omitempty"`
	SubscribedEvents []string `json:"subscribed_events,omitempty"`
}
