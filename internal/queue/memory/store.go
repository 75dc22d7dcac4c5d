// Package memory is an in-process queue.Store. It backs the dispatcher
// scenario tests and single-binary local runs; the clock is injectable so
// rate-window behavior can be exercised without sleeping.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/queue"
)

// Store implements queue.Store with a mutex-guarded map. A single lock
// serialises every transition, which gives the same atomicity as the
// conditional updates of the postgres store.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*domain.QueueJob

	// Now is the store clock. Defaults to time.Now.
	Now func() time.Time
}

var _ queue.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*domain.QueueJob), Now: time.Now}
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

func (s *Store) Enqueue(ctx context.Context, newsletterID int64, recipients []domain.Recipient, scheduledAt time.Time) ([]string, error) {
	recipients = queue.DedupeRecipients(recipients)
	if len(recipients) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[string]struct{})
	for _, j := range s.jobs {
		if j.NewsletterID == newsletterID && j.Status != domain.JobFailed {
			active[queue.NormalizeEmail(j.RecipientEmail)] = struct{}{}
		}
	}
	for _, r := range recipients {
		if _, dup := active[queue.NormalizeEmail(r.Email)]; dup {
			return nil, queue.ErrDuplicateEnqueue
		}
	}

	now := s.now()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		id, err := queue.NewJobID()
		if err != nil {
			return nil, err
		}
		s.jobs[id] = &domain.QueueJob{
			ID:              id,
			NewsletterID:    newsletterID,
			RecipientEmail:  r.Email,
			RecipientUserID: r.UserID,
			Status:          domain.JobPending,
			ScheduledAt:     scheduledAt.UTC(),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) ClaimBatch(ctx context.Context, opts queue.ClaimOptions) ([]domain.QueueJob, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = queue.DefaultStaleAfter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*domain.QueueJob
	for _, j := range s.jobs {
		if j.ScheduledAt.After(now) {
			continue
		}
		switch {
		case j.Status == domain.JobPending:
		case j.Status == domain.JobProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(now.Add(-stale)):
		default:
			continue
		}
		candidates = append(candidates, j)
	}
	sortJobs(candidates)
	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	token := queue.NewClaimToken()
	claimed := make([]domain.QueueJob, 0, len(candidates))
	for _, j := range candidates {
		at := now
		j.Status = domain.JobProcessing
		j.ClaimedAt = &at
		j.ClaimToken = token
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

// held returns the stored job if it is still processing under claim's
// token. Callers hold s.mu.
func (s *Store) held(claim domain.QueueJob) (*domain.QueueJob, error) {
	j, ok := s.jobs[claim.ID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if j.Status != domain.JobProcessing || j.ClaimToken != claim.ClaimToken {
		return nil, queue.ErrNotClaimed
	}
	return j, nil
}

func release(j *domain.QueueJob, now time.Time) {
	j.ClaimedAt = nil
	j.ClaimToken = ""
	j.UpdatedAt = now
}

func (s *Store) Complete(ctx context.Context, job domain.QueueJob, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(job)
	if err != nil {
		return err
	}
	now := s.now()
	j.Status = domain.JobSent
	j.SentAt = &now
	release(j, now)
	if providerMessageID != "" {
		pm := providerMessageID
		j.ProviderMessageID = &pm
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, job domain.QueueJob, cause error, permanent bool) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(job)
	if err != nil {
		return "", err
	}
	j.Status = queue.NextStatus(j.Attempts, permanent)
	j.Attempts++
	msg := queue.TruncateError(cause)
	j.LastError = &msg
	release(j, s.now())
	return j.Status, nil
}

func (s *Store) Release(ctx context.Context, job domain.QueueJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(job)
	if err != nil {
		return err
	}
	j.Status = domain.JobPending
	release(j, s.now())
	return nil
}

func (s *Store) Retry(ctx context.Context, jobIDs []string) (int64, error) {
	if err := queue.ValidateJobIDs(jobIDs); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for _, id := range jobIDs {
		j, ok := s.jobs[id]
		if !ok || j.Status == domain.JobProcessing || j.Status == domain.JobPending && j.Attempts == 0 {
			continue
		}
		if j.Status == domain.JobFailed && s.hasActiveSibling(j) {
			continue
		}
		j.Status = domain.JobPending
		j.Attempts = 0
		j.LastError = nil
		j.SentAt = nil
		release(j, now)
		n++
	}
	return n, nil
}

func (s *Store) hasActiveSibling(job *domain.QueueJob) bool {
	email := queue.NormalizeEmail(job.RecipientEmail)
	for _, o := range s.jobs {
		if o.ID != job.ID && o.NewsletterID == job.NewsletterID &&
			o.Status != domain.JobFailed && queue.NormalizeEmail(o.RecipientEmail) == email {
			return true
		}
	}
	return false
}

func (s *Store) Delete(ctx context.Context, jobIDs []string) (int64, error) {
	if err := queue.ValidateJobIDs(jobIDs); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range jobIDs {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ClearByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	if status == domain.JobProcessing {
		return 0, queue.ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status == status {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountSentSince(ctx context.Context, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	from := now.Add(-window)
	n := 0
	for _, j := range s.jobs {
		if j.Status != domain.JobSent || j.SentAt == nil {
			continue
		}
		if j.SentAt.After(from) && !j.SentAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, queue.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.ProviderMessageID != nil && *j.ProviderMessageID == providerMessageID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, queue.ErrNotFound
}

func (s *Store) LatestForRecipient(ctx context.Context, email string) (*domain.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = queue.NormalizeEmail(email)
	var latest *domain.QueueJob
	for _, j := range s.jobs {
		if queue.NormalizeEmail(j.RecipientEmail) != email {
			continue
		}
		if latest == nil || activity(j).After(activity(latest)) ||
			activity(j).Equal(activity(latest)) && j.ID > latest.ID {
			latest = j
		}
	}
	if latest == nil {
		return nil, queue.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func activity(j *domain.QueueJob) time.Time {
	if j.SentAt != nil {
		return *j.SentAt
	}
	return j.CreatedAt
}

func (s *Store) List(ctx context.Context, f queue.Filter) ([]domain.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.QueueJob
	for _, j := range s.jobs {
		if f.NewsletterID != 0 && j.NewsletterID != f.NewsletterID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		matched = append(matched, j)
	}
	sortJobs(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []domain.QueueJob{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]domain.QueueJob, len(matched))
	for i, j := range matched {
		out[i] = *j
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context, newsletterID int64) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.JobStatus]int)
	for _, j := range s.jobs {
		if j.NewsletterID == newsletterID {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func sortJobs(jobs []*domain.QueueJob) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].ScheduledAt.Equal(jobs[b].ScheduledAt) {
			return jobs[a].ScheduledAt.Before(jobs[b].ScheduledAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}
