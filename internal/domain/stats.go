package domain

import (
	"fmt"
	"time"
)

// EventType enumerates the delivery and engagement events kept in the
// stats ledger.
type EventType string

const (
	EventSent       EventType = "sent"
	EventDelivered  EventType = "delivered"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
)

// AllEventTypes lists every ledger event type in reporting order.
var AllEventTypes = []EventType{
	EventSent, EventDelivered, EventOpened, EventClicked, EventBounced, EventComplained,
}

// ParseEventType converts a string into an EventType.
func ParseEventType(s string) (EventType, error) {
	for _, t := range AllEventTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// StatsEvent is an append-only delivery/engagement record. It is never
// updated and carries no uniqueness guarantee; duplicate provider
// deliveries may produce duplicate rows.
type StatsEvent struct {
	ID                int64     `json:"id" db:"id"`
	NewsletterID      int64     `json:"newsletter_id" db:"newsletter_id"`
	RecipientEmail    string    `json:"recipient_email" db:"recipient_email"`
	EventType         EventType `json:"event_type" db:"event_type"`
	UserID            *int64    `json:"user_id,omitempty" db:"user_id"`
	LinkURL           *string   `json:"link_url,omitempty" db:"link_url"`
	// LinkText is kept for rows written by other producers. None of the
	// SES, SendGrid or Mailgun click payloads carry anchor text, so
	// webhook click events leave it nil.
	LinkText          *string   `json:"link_text,omitempty" db:"link_text"`
	ProviderMessageID string    `json:"provider_message_id,omitempty" db:"provider_message_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
