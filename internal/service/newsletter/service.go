package newsletter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/queue"
	"github.com/ignite/newsletter-queue/internal/stats"
)

// Service coordinates newsletters, the queue store and the ledger.
type Service struct {
	repo   Repository
	queue  queue.Store
	ledger stats.Ledger
	now    func() time.Time
}

// NewService creates a newsletter service.
func NewService(repo Repository, store queue.Store, ledger stats.Ledger) *Service {
	return &Service{repo: repo, queue: store, ledger: ledger, now: time.Now}
}

// Get returns a single newsletter.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Newsletter, error) {
	return s.repo.Get(ctx, id)
}

// EnqueueResult reports an enqueue-send.
type EnqueueResult struct {
	NewsletterID int64     `json:"newsletter_id"`
	Enqueued     int       `json:"enqueued"`
	JobIDs       []string  `json:"job_ids"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// EnqueueSend creates one pending job per recipient. With no explicit
// recipients the newsletter's audience is used. Jobs inherit the
// newsletter's schedule, or become due immediately. Re-triggering a send
// fails with queue.ErrDuplicateEnqueue and changes nothing.
func (s *Service) EnqueueSend(ctx context.Context, id int64, recipients []domain.Recipient) (*EnqueueResult, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(recipients) == 0 {
		recipients, err = s.repo.Audience(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load audience: %w", err)
		}
	}
	recipients = queue.DedupeRecipients(recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	scheduledAt := s.now().UTC()
	if n.ScheduledAt != nil && n.ScheduledAt.After(scheduledAt) {
		scheduledAt = n.ScheduledAt.UTC()
	}

	ids, err := s.queue.Enqueue(ctx, id, recipients, scheduledAt)
	if err != nil {
		return nil, err
	}

	log.Printf("[newsletter.Service] Newsletter %d: enqueued %d recipients (scheduled %s)",
		id, len(ids), scheduledAt.Format(time.RFC3339))
	return &EnqueueResult{NewsletterID: id, Enqueued: len(ids), JobIDs: ids, ScheduledAt: scheduledAt}, nil
}

// Summary sets queue state beside ledger counts for one newsletter.
type Summary struct {
	NewsletterID int64                            `json:"newsletter_id"`
	Queue        map[domain.JobStatus]int         `json:"queue"`
	QueueTotal   int                              `json:"queue_total"`
	Events       map[domain.EventType]stats.Count `json:"events"`
	Divergences  []string                         `json:"divergences"`
}

// Summary builds the diagnostics view. Queue status and the ledger are
// independent records; Divergences lists the gaps between them with the
// reason each one is expected.
func (s *Service) Summary(ctx context.Context, id int64) (*Summary, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	byStatus, err := s.queue.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	events, err := s.ledger.Counts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	sum := &Summary{
		NewsletterID: id,
		Queue:        make(map[domain.JobStatus]int, 4),
		Events:       make(map[domain.EventType]stats.Count, len(domain.AllEventTypes)),
		Divergences:  []string{},
	}
	for _, st := range []domain.JobStatus{domain.JobPending, domain.JobProcessing, domain.JobSent, domain.JobFailed} {
		sum.Queue[st] = byStatus[st]
		sum.QueueTotal += byStatus[st]
	}
	for _, et := range domain.AllEventTypes {
		sum.Events[et] = events[et]
	}
	sum.Divergences = Divergences(sum.Queue, sum.Events)
	return sum, nil
}

// Divergences explains the expected mismatches between queue state and
// ledger counts.
func Divergences(q map[domain.JobStatus]int, ev map[domain.EventType]stats.Count) []string {
	out := []string{}
	sentJobs := q[domain.JobSent]

	if n := ev[domain.EventSent].Total; n > sentJobs {
		out = append(out, fmt.Sprintf(
			"ledger has %d sent events for %d sent jobs: jobs were deleted or retried after sending", n, sentJobs))
	}
	if n := ev[domain.EventDelivered].Unique; n > sentJobs {
		out = append(out, fmt.Sprintf(
			"%d recipients delivered but only %d jobs are sent: deliveries for deleted or retried jobs stay in the ledger", n, sentJobs))
	}
	if n := ev[domain.EventBounced].Unique; n > 0 {
		out = append(out, fmt.Sprintf(
			"%d recipients bounced: bounces are recorded in the ledger and never change job status", n))
	}
	if n := ev[domain.EventComplained].Unique; n > 0 {
		out = append(out, fmt.Sprintf("%d recipients complained", n))
	}
	if opened, delivered := ev[domain.EventOpened].Unique, ev[domain.EventDelivered].Unique; opened > delivered {
		out = append(out, fmt.Sprintf(
			"%d unique opens exceed %d unique deliveries: the provider does not report every delivery", opened, delivered))
	}
	if n := q[domain.JobFailed]; n > 0 {
		out = append(out, fmt.Sprintf(
			"%d jobs failed after %d attempts or a permanent provider error", n, queue.MaxAttempts))
	}
	if n := q[domain.JobProcessing]; n > 0 {
		out = append(out, fmt.Sprintf(
			"%d jobs are claimed by a running cycle, or by a crashed one and will be reclaimed", n))
	}
	return out
}
