package domain

import (
	"fmt"
	"time"
)

// JobStatus enumerates the lifecycle states of a queue job.
//
//	pending -> processing -> sent
//	                      -> pending (retry)
//	                      -> failed
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
)

// ParseJobStatus converts a user-supplied status string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobPending, JobProcessing, JobSent, JobFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further automatic transition can happen.
// Failed is terminal only once the retry budget is spent; the caller
// checks attempts for that case.
func (s JobStatus) IsTerminal() bool {
	return s == JobSent || s == JobFailed
}

// QueueJob is one recipient-specific unit of outbound work for a newsletter.
type QueueJob struct {
	ID                string     `json:"id" db:"id"`
	NewsletterID      int64      `json:"newsletter_id" db:"newsletter_id"`
	RecipientEmail    string     `json:"recipient_email" db:"recipient_email"`
	RecipientUserID   *int64     `json:"recipient_user_id,omitempty" db:"recipient_user_id"`
	Status            JobStatus  `json:"status" db:"status"`
	ScheduledAt       time.Time  `json:"scheduled_at" db:"scheduled_at"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	ClaimToken        string     `json:"-" db:"claim_token"`
	SentAt            *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	Attempts          int        `json:"attempts" db:"attempts"`
	LastError         *string    `json:"last_error,omitempty" db:"last_error"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty" db:"provider_message_id"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// Recipient is a resolved newsletter recipient handed to Enqueue.
type Recipient struct {
	Email  string `json:"email"`
	UserID *int64 `json:"user_id,omitempty"`
}
