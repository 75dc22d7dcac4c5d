package domain

import (
	"errors"
	"time"
)

// ErrNewsletterNotFound is returned by newsletter lookups for unknown ids.
var ErrNewsletterNotFound = errors.New("newsletter not found")

// Newsletter is the content and metadata of a single newsletter send.
// It owns zero or many queue jobs; deleting a newsletter does not cascade
// to its jobs.
type Newsletter struct {
	ID             int64      `json:"id" db:"id"`
	Subject        string     `json:"subject" db:"subject"`
	FromName       string     `json:"from_name" db:"from_name"`
	FromEmail      string     `json:"from_email" db:"from_email"`
	ReplyTo        string     `json:"reply_to" db:"reply_to"`
	HTMLBody       string     `json:"html_body" db:"html_body"`
	UnsubscribeURL string     `json:"unsubscribe_url" db:"unsubscribe_url"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
