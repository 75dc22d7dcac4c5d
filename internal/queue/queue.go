// Package queue defines the durable per-recipient send-job store.
//
// The Store is the only component that mutates QueueJob rows. Every
// transition is a single conditional update so that concurrent dispatch
// cycles, admin actions and crash recovery can never double-own a job:
//
//	Enqueue     -> pending
//	ClaimBatch  pending|stale processing -> processing
//	Complete    processing -> sent
//	Fail        processing -> pending (attempts < MaxAttempts) | failed
//	Release     processing -> pending, attempts unchanged
//	Retry       any but processing -> pending, attempts = 0
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-queue/internal/domain"
)

const (
	// MaxAttempts is the number of failed sends after which a job is
	// terminally failed.
	MaxAttempts = 3

	// MaxErrorLength caps lastError, in runes.
	MaxErrorLength = 1000

	// DefaultStaleAfter is how long a claim may stay in processing before
	// another cycle may take it over.
	DefaultStaleAfter = 10 * time.Minute
)

var (
	// ErrDuplicateEnqueue means a non-failed job already exists for one of
	// the newsletter+recipient pairs. Nothing was inserted.
	ErrDuplicateEnqueue = errors.New("queue: recipient already has an active job for this newsletter")

	// ErrNotFound means no job matched.
	ErrNotFound = errors.New("queue: job not found")

	// ErrNotClaimed means a Complete, Fail or Release targeted a job that
	// is no longer held under the caller's claim: it was deleted, retried
	// or reclaimed by another cycle after going stale.
	ErrNotClaimed = errors.New("queue: job is not in processing")

	// ErrInvalidJobID means an id is not a well-formed job id.
	ErrInvalidJobID = errors.New("queue: invalid job id")

	// ErrInvalidStatus rejects bulk operations on statuses they may not touch.
	ErrInvalidStatus = errors.New("queue: operation not allowed for status")
)

// ClaimOptions bounds a ClaimBatch call.
type ClaimOptions struct {
	Limit      int
	StaleAfter time.Duration
}

// Filter selects jobs for admin listing.
type Filter struct {
	NewsletterID int64
	Status       domain.JobStatus
	Limit        int
	Offset       int
}

// Store is the Queue Store contract.
type Store interface {
	// Enqueue creates one pending job per recipient, all or nothing.
	Enqueue(ctx context.Context, newsletterID int64, recipients []domain.Recipient, scheduledAt time.Time) ([]string, error)

	// ClaimBatch atomically flips up to opts.Limit due jobs to processing,
	// oldest scheduledAt first, ties broken by id. Concurrent calls
	// return disjoint sets.
	ClaimBatch(ctx context.Context, opts ClaimOptions) ([]domain.QueueJob, error)

	// Complete marks a claimed job sent and stamps sentAt. job must be
	// the value ClaimBatch returned; a claim since taken over by another
	// cycle yields ErrNotClaimed.
	Complete(ctx context.Context, job domain.QueueJob, providerMessageID string) error

	// Fail records a send failure under job's claim. Permanent failures
	// go straight to failed; others return to pending until MaxAttempts
	// is reached. The resulting status is returned.
	Fail(ctx context.Context, job domain.QueueJob, cause error, permanent bool) (domain.JobStatus, error)

	// Release hands a claimed job back to pending without touching
	// attempts, for work abandoned through no fault of the job.
	Release(ctx context.Context, job domain.QueueJob) error

	Retry(ctx context.Context, jobIDs []string) (int64, error)
	Delete(ctx context.Context, jobIDs []string) (int64, error)
	ClearByStatus(ctx context.Context, status domain.JobStatus) (int64, error)

	// CountSentSince counts sent jobs with sentAt in (now-window, now].
	CountSentSince(ctx context.Context, window time.Duration) (int, error)

	Get(ctx context.Context, jobID string) (*domain.QueueJob, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.QueueJob, error)
	LatestForRecipient(ctx context.Context, email string) (*domain.QueueJob, error)
	List(ctx context.Context, f Filter) ([]domain.QueueJob, error)
	CountByStatus(ctx context.Context, newsletterID int64) (map[domain.JobStatus]int, error)
}

// NormalizeEmail lowercases and trims an address for pair comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DedupeRecipients drops empty addresses and collapses repeats
// case-insensitively, keeping the first occurrence.
func DedupeRecipients(recipients []domain.Recipient) []domain.Recipient {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]domain.Recipient, 0, len(recipients))
	for _, r := range recipients {
		key := NormalizeEmail(r.Email)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		r.Email = strings.TrimSpace(r.Email)
		out = append(out, r)
	}
	return out
}

// TruncateError renders cause for lastError, capped at MaxErrorLength runes.
func TruncateError(cause error) string {
	if cause == nil {
		return ""
	}
	msg := cause.Error()
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}

// NewClaimToken returns a token identifying one ClaimBatch call.
func NewClaimToken() string {
	return uuid.NewString()
}

// NewJobID returns a time-ordered job id.
func NewJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ValidateJobIDs checks every id is a UUID.
func ValidateJobIDs(ids []string) error {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return ErrInvalidJobID
		}
	}
	return nil
}

// NextStatus is the Fail transition for a job that has already failed
// attempts times before this failure.
func NextStatus(attempts int, permanent bool) domain.JobStatus {
	if permanent || attempts+1 >= MaxAttempts {
		return domain.JobFailed
	}
	return domain.JobPending
}
