package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/queue"
	"github.com/ignite/newsletter-queue/internal/stats"
)

// JobLookup is the read side of the queue store used for attribution.
type JobLookup interface {
	Get(ctx context.Context, jobID string) (*domain.QueueJob, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.QueueJob, error)
	LatestForRecipient(ctx context.Context, email string) (*domain.QueueJob, error)
}

// Archiver keeps raw webhook bodies.
type Archiver interface {
	Archive(ctx context.Context, kind domain.ProviderKind, body []byte, at time.Time) error
}

// SubscriptionConfirmer visits an SNS SubscribeURL.
type SubscriptionConfirmer interface {
	Get(ctx context.Context, url string) (int, []byte, error)
}

// Result counts what happened to one payload's events.
type Result struct {
	Received     int  `json:"received"`
	Recorded     int  `json:"recorded"`
	Duplicates   int  `json:"duplicates"`
	Unattributed int  `json:"unattributed"`
	Ignored      int  `json:"ignored"`
	Confirmed    bool `json:"confirmed,omitempty"`
}

// Reconciler attributes provider events to newsletters and appends them to
// the ledger.
type Reconciler struct {
	jobs      JobLookup
	ledger    stats.Ledger
	verifiers map[domain.ProviderKind]Verifier
	dedup     Deduper
	archive   Archiver
	confirmer SubscriptionConfirmer

	// Now stamps events whose payload carried no timestamp.
	Now func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDeduper enables duplicate suppression.
func WithDeduper(d Deduper) Option { return func(r *Reconciler) { r.dedup = d } }

// WithArchiver stores raw webhook bodies.
func WithArchiver(a Archiver) Option { return func(r *Reconciler) { r.archive = a } }

// WithSubscriptionConfirmer enables SNS subscription confirmation.
func WithSubscriptionConfirmer(c SubscriptionConfirmer) Option {
	return func(r *Reconciler) { r.confirmer = c }
}

// New creates a Reconciler.
func New(jobs JobLookup, ledger stats.Ledger, verifiers map[domain.ProviderKind]Verifier, opts ...Option) *Reconciler {
	r := &Reconciler{jobs: jobs, ledger: ledger, verifiers: verifiers, Now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AcceptsWebhooks reports whether kind has a webhook endpoint.
func (r *Reconciler) AcceptsWebhooks(kind domain.ProviderKind) bool {
	_, ok := r.verifiers[kind]
	return ok
}

// HandleWebhook verifies, parses and records one webhook request.
// Signature failures wrap ErrInvalidSignature, unreadable bodies wrap
// ErrParse.
func (r *Reconciler) HandleWebhook(ctx context.Context, kind domain.ProviderKind, p SignedPayload) (Result, error) {
	v, ok := r.verifiers[kind]
	if !ok {
		return Result{}, fmt.Errorf("provider %q has no webhook endpoint", kind)
	}
	if err := v.Verify(p); err != nil {
		return Result{}, err
	}

	if r.archive != nil {
		if err := r.archive.Archive(ctx, kind, p.Body, r.Now().UTC()); err != nil {
			logger.Warn("webhook archive failed", "provider", string(kind), "error", err)
		}
	}

	parsed, err := Parse(kind, p.Body)
	if err != nil {
		return Result{}, err
	}
	if parsed.SubscribeURL != "" {
		return Result{Confirmed: r.confirm(ctx, parsed.SubscribeURL)}, nil
	}

	res, err := r.Record(ctx, parsed.Events)
	res.Ignored += parsed.Ignored
	return res, err
}

// Record attributes and stores already-authenticated events. Used by the
// webhook path, the SQS consumer and the bounce poller.
func (r *Reconciler) Record(ctx context.Context, events []ProviderEvent) (Result, error) {
	res := Result{Received: len(events)}
	batch := make([]domain.StatsEvent, 0, len(events))
	var marked []string

	for _, ev := range events {
		se, ok := r.attribute(ctx, ev)
		if !ok {
			res.Unattributed++
			logger.Info("dropping unattributable event",
				"provider", string(ev.Provider), "event", ev.RawType,
				"recipient", ev.RecipientEmail, "provider_message_id", ev.ProviderMessageID)
			continue
		}
		if r.dedup != nil {
			key := DedupKey(se)
			first, err := r.dedup.First(ctx, key)
			switch {
			case err != nil:
				// Counting twice beats losing the event.
				logger.Warn("event dedup unavailable", "error", err)
			case !first:
				res.Duplicates++
				continue
			default:
				marked = append(marked, key)
			}
		}
		batch = append(batch, se)
	}

	if len(batch) == 0 {
		return res, nil
	}
	if err := r.ledger.Record(ctx, batch...); err != nil {
		if len(marked) > 0 {
			if ferr := r.dedup.Forget(context.WithoutCancel(ctx), marked...); ferr != nil {
				logger.Error("unmark unrecorded events failed; redeliveries will be dropped",
					"events", len(marked), "error", ferr)
			}
		}
		return res, fmt.Errorf("record events: %w", err)
	}
	res.Recorded = len(batch)
	return res, nil
}

// attribute resolves the newsletter an event belongs to: payload metadata
// first, then the job id, the provider message id, and finally the most
// recent job for the recipient.
func (r *Reconciler) attribute(ctx context.Context, ev ProviderEvent) (domain.StatsEvent, bool) {
	se := domain.StatsEvent{
		RecipientEmail:    strings.TrimSpace(ev.RecipientEmail),
		EventType:         ev.Type,
		ProviderMessageID: ev.ProviderMessageID,
		CreatedAt:         ev.OccurredAt,
	}
	if se.CreatedAt.IsZero() {
		se.CreatedAt = r.Now().UTC()
	}
	if ev.LinkURL != "" {
		link := ev.LinkURL
		se.LinkURL = &link
	}
	if se.RecipientEmail == "" {
		return se, false
	}

	job := r.lookup(ctx, ev)
	switch {
	case ev.NewsletterID > 0:
		se.NewsletterID = ev.NewsletterID
	case job != nil:
		se.NewsletterID = job.NewsletterID
	default:
		return se, false
	}
	if job != nil && job.NewsletterID == se.NewsletterID {
		se.UserID = job.RecipientUserID
		if se.ProviderMessageID == "" && job.ProviderMessageID != nil {
			se.ProviderMessageID = *job.ProviderMessageID
		}
	}
	return se, true
}

func (r *Reconciler) lookup(ctx context.Context, ev ProviderEvent) *domain.QueueJob {
	try := func(job *domain.QueueJob, err error) *domain.QueueJob {
		if err != nil && !errors.Is(err, queue.ErrNotFound) && !errors.Is(err, queue.ErrInvalidJobID) {
			logger.Warn("attribution lookup failed", "error", err)
		}
		if err != nil {
			return nil
		}
		return job
	}

	if ev.JobID != "" {
		if job := try(r.jobs.Get(ctx, ev.JobID)); job != nil {
			return job
		}
	}
	if ev.ProviderMessageID != "" {
		if job := try(r.jobs.FindByProviderMessageID(ctx, ev.ProviderMessageID)); job != nil {
			return job
		}
	}
	if ev.NewsletterID > 0 {
		// Metadata already names the newsletter; a recipient lookup could
		// only attach a user id from an unrelated send.
		return nil
	}
	return try(r.jobs.LatestForRecipient(ctx, ev.RecipientEmail))
}

func (r *Reconciler) confirm(ctx context.Context, subscribeURL string) bool {
	u, err := url.Parse(subscribeURL)
	if err != nil || u.Scheme != "https" || !strings.HasSuffix(u.Hostname(), ".amazonaws.com") {
		logger.Warn("refusing SNS subscribe url", "url", subscribeURL)
		return false
	}
	if r.confirmer == nil {
		logger.Warn("SNS subscription confirmation received but confirmation is disabled")
		return false
	}
	status, _, err := r.confirmer.Get(ctx, subscribeURL)
	if err != nil || status != 200 {
		logger.Error("SNS subscription confirmation failed", "status", status, "error", err)
		return false
	}
	logger.Info("SNS subscription confirmed", "host", u.Hostname())
	return true
}
