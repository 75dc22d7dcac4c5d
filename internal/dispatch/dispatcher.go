// Package dispatch drains the queue: one rate-limited cycle claims a batch
// of due jobs and sends each through the active provider.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/provider"
	"github.com/ignite/newsletter-queue/internal/queue"
	"github.com/ignite/newsletter-queue/internal/ratelimit"
	"github.com/ignite/newsletter-queue/internal/render"
	"github.com/ignite/newsletter-queue/internal/stats"
)

// NewsletterLookup loads newsletter content for rendering. Unknown ids
// return domain.ErrNewsletterNotFound.
type NewsletterLookup interface {
	Get(ctx context.Context, id int64) (*domain.Newsletter, error)
}

// Config sizes a cycle.
type Config struct {
	BatchSize   int
	RatePerHour int
	StaleAfter  time.Duration
}

// Result summarises one cycle.
type Result struct {
	Claimed     int  `json:"claimed"`
	Sent        int  `json:"sent"`
	Failed      int  `json:"failed"`
	Retried     int  `json:"retried"`
	Released    int  `json:"released"`
	RateLimited bool `json:"rate_limited"`
	Skipped     bool `json:"skipped"`
}

// Dispatcher runs dispatch cycles.
type Dispatcher struct {
	store       queue.Store
	providers   provider.Source
	newsletters NewsletterLookup
	ledger      stats.Ledger
	composer    *render.Composer
	limiter     *ratelimit.Limiter
	cfg         Config

	// Now stamps ledger events. Defaults to time.Now.
	Now func() time.Time
}

// New creates a Dispatcher.
func New(store queue.Store, providers provider.Source, newsletters NewsletterLookup, ledger stats.Ledger, cfg Config) *Dispatcher {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = queue.DefaultStaleAfter
	}
	return &Dispatcher{
		store:       store,
		providers:   providers,
		newsletters: newsletters,
		ledger:      ledger,
		composer:    render.NewComposer(),
		limiter:     ratelimit.New(store, cfg.RatePerHour),
		cfg:         cfg,
		Now:         time.Now,
	}
}

// RunCycle executes one cycle. Errors returned here are cycle-level: an
// unusable provider or an unreachable store. Per-job failures are recorded
// on the job and counted in the Result.
//
// Once a batch is claimed it is sent to completion even if ctx is
// cancelled; abandoned claims would otherwise sit until the stale
// threshold. The exception is a send rejected for the provider's
// credentials: the rest of the batch is released untouched and the cycle
// returns an error wrapping provider.ErrConfiguration.
func (d *Dispatcher) RunCycle(ctx context.Context) (Result, error) {
	var res Result

	p, err := d.providers.Active(ctx)
	if err != nil {
		return res, fmt.Errorf("resolve provider: %w", err)
	}

	allowance, err := d.limiter.Allowance(ctx, d.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.RateLimited = allowance.Limited
	if allowance.Batch == 0 {
		logger.Info("dispatch cycle rate limited",
			"sent_in_window", allowance.SentInWindow, "rate_per_hour", d.cfg.RatePerHour)
		return res, nil
	}

	jobs, err := d.store.ClaimBatch(ctx, queue.ClaimOptions{Limit: allowance.Batch, StaleAfter: d.cfg.StaleAfter})
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	res.Claimed = len(jobs)
	if len(jobs) == 0 {
		return res, nil
	}

	work := context.WithoutCancel(ctx)
	newsletters := make(map[int64]*domain.Newsletter)
	for i, job := range jobs {
		if err := d.process(work, p, newsletters, job, &res); err != nil {
			d.release(work, jobs[i:], &res)
			if inv, ok := d.providers.(provider.Invalidator); ok {
				inv.Invalidate()
			}
			logger.Error("provider rejected credentials, cycle aborted",
				"provider", string(p.Kind()), "sent", res.Sent, "released", res.Released, "error", err)
			return res, fmt.Errorf("%w: %v", provider.ErrConfiguration, err)
		}
	}

	logger.Info("dispatch cycle complete",
		"provider", string(p.Kind()), "claimed", res.Claimed, "sent", res.Sent,
		"retried", res.Retried, "failed", res.Failed, "rate_limited", res.RateLimited)
	return res, nil
}

// process sends one job. It returns an error only for an auth failure,
// which leaves the job claimed for the caller to release.
func (d *Dispatcher) process(ctx context.Context, p provider.Provider, cache map[int64]*domain.Newsletter, job domain.QueueJob, res *Result) error {
	n, err := d.newsletter(ctx, cache, job.NewsletterID)
	if err != nil {
		d.fail(ctx, job, err, errors.Is(err, domain.ErrNewsletterNotFound), res)
		return nil
	}

	msg, err := d.composer.Compose(n, job)
	if err != nil {
		d.fail(ctx, job, err, true, res)
		return nil
	}

	messageID, err := p.Send(ctx, msg)
	if provider.IsAuthFailure(err) {
		return err
	}
	if err != nil {
		d.fail(ctx, job, err, provider.IsPermanent(err), res)
		return nil
	}

	if err := d.store.Complete(ctx, job, messageID); err != nil {
		// The message is out; the job was deleted or reclaimed meanwhile.
		logger.Warn("complete after send failed",
			"job_id", job.ID, "provider_message_id", messageID, "error", err)
	}
	res.Sent++

	event := domain.StatsEvent{
		NewsletterID:      job.NewsletterID,
		RecipientEmail:    job.RecipientEmail,
		EventType:         domain.EventSent,
		UserID:            job.RecipientUserID,
		ProviderMessageID: messageID,
		CreatedAt:         d.Now().UTC(),
	}
	if err := d.ledger.Record(ctx, event); err != nil {
		logger.Error("record sent event failed", "job_id", job.ID, "error", err)
	}
	return nil
}

func (d *Dispatcher) release(ctx context.Context, jobs []domain.QueueJob, res *Result) {
	for _, job := range jobs {
		if err := d.store.Release(ctx, job); err != nil {
			logger.Warn("release claim failed", "job_id", job.ID, "error", err)
			continue
		}
		res.Released++
	}
}

func (d *Dispatcher) newsletter(ctx context.Context, cache map[int64]*domain.Newsletter, id int64) (*domain.Newsletter, error) {
	if n, ok := cache[id]; ok {
		return n, nil
	}
	n, err := d.newsletters.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load newsletter %d: %w", id, err)
	}
	cache[id] = n
	return n, nil
}

func (d *Dispatcher) fail(ctx context.Context, job domain.QueueJob, cause error, permanent bool, res *Result) {
	status, err := d.store.Fail(ctx, job, cause, permanent)
	if err != nil {
		logger.Warn("record send failure failed", "job_id", job.ID, "cause", cause.Error(), "error", err)
		return
	}
	switch status {
	case domain.JobFailed:
		res.Failed++
		logger.Warn("job failed", "job_id", job.ID, "recipient", job.RecipientEmail,
			"attempts", job.Attempts+1, "permanent", permanent, "error", cause)
	default:
		res.Retried++
		logger.Info("job will retry", "job_id", job.ID, "attempts", job.Attempts+1, "error", cause)
	}
}
