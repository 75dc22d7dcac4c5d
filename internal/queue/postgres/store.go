// Package postgres implements queue.Store on PostgreSQL via lib/pq.
//
// Claiming uses UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP LOCKED),
// so concurrent dispatch cycles skip each other's rows instead of waiting.
// Enqueue relies on the partial unique index
// queue_jobs_active_recipient (newsletter_id, lower(recipient_email))
// WHERE status <> 'failed'.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/queue"
)

const jobColumns = `id, newsletter_id, recipient_email, recipient_user_id, status, scheduled_at,
	claimed_at, claim_token, sent_at, attempts, last_error, provider_message_id, created_at, updated_at`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is the Postgres-backed queue.Store.
type Store struct {
	db *sql.DB
}

var _ queue.Store = (*Store)(nil)

// New creates a Store on an open pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Enqueue(ctx context.Context, newsletterID int64, recipients []domain.Recipient, scheduledAt time.Time) ([]string, error) {
	recipients = queue.DedupeRecipients(recipients)
	if len(recipients) == 0 {
		return nil, nil
	}

	ids := make([]string, len(recipients))
	emails := make([]string, len(recipients))
	userIDs := make([]sql.NullInt64, len(recipients))
	for i, r := range recipients {
		id, err := queue.NewJobID()
		if err != nil {
			return nil, err
		}
		ids[i] = id
		emails[i] = r.Email
		if r.UserID != nil {
			userIDs[i] = sql.NullInt64{Int64: *r.UserID, Valid: true}
		}
	}

	var sched sql.NullTime
	if !scheduledAt.IsZero() {
		sched = sql.NullTime{Time: scheduledAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, newsletter_id, recipient_email, recipient_user_id, status, scheduled_at)
		SELECT u.id, $1, u.email, u.user_id, 'pending', COALESCE($5, NOW())
		FROM unnest($2::uuid[], $3::text[], $4::bigint[]) AS u(id, email, user_id)
	`, newsletterID, pq.Array(ids), pq.Array(emails), pq.Array(userIDs), sched)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, queue.ErrDuplicateEnqueue
		}
		return nil, fmt.Errorf("enqueue newsletter %d: %w", newsletterID, err)
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

	rows, err := s.db.QueryContext(ctx, `
		UPDATE queue_jobs
		SET status = 'processing', claimed_at = NOW(), claim_token = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE scheduled_at <= NOW()
			  AND (status = 'pending'
			       OR (status = 'processing' AND claimed_at < NOW() - make_interval(secs => $2)))
			ORDER BY scheduled_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, opts.Limit, stale.Seconds(), queue.NewClaimToken())
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].ScheduledAt.Equal(jobs[b].ScheduledAt) {
			return jobs[a].ScheduledAt.Before(jobs[b].ScheduledAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs, nil
}

// Complete, Fail and Release match on the claim token as well as the
// status, so a cycle whose claim went stale and was taken over cannot
// overwrite the new owner's outcome.

func (s *Store) Complete(ctx context.Context, job domain.QueueJob, providerMessageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'sent', sent_at = NOW(), claimed_at = NULL, claim_token = NULL,
		    provider_message_id = COALESCE(NULLIF($2, ''), provider_message_id),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND claim_token = NULLIF($3, '')::uuid
	`, job.ID, providerMessageID, job.ClaimToken)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return s.checkClaimed(ctx, res, job.ID)
}

func (s *Store) Fail(ctx context.Context, job domain.QueueJob, cause error, permanent bool) (domain.JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET attempts = attempts + 1,
		    status = CASE WHEN $3 OR attempts + 1 >= $4 THEN 'failed' ELSE 'pending' END,
		    last_error = $2, claimed_at = NULL, claim_token = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND claim_token = NULLIF($5, '')::uuid
		RETURNING status
	`, job.ID, queue.TruncateError(cause), permanent, queue.MaxAttempts, job.ClaimToken).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", s.missingOrUnclaimed(ctx, job.ID)
	}
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return domain.JobStatus(status), nil
}

func (s *Store) Release(ctx context.Context, job domain.QueueJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', claimed_at = NULL, claim_token = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND claim_token = NULLIF($2, '')::uuid
	`, job.ID, job.ClaimToken)
	if err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	return s.checkClaimed(ctx, res, job.ID)
}

func (s *Store) checkClaimed(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrUnclaimed(ctx, jobID)
	}
	return nil
}

func (s *Store) missingOrUnclaimed(ctx context.Context, jobID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM queue_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup job %s: %w", jobID, err)
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrNotClaimed
}

// Retry resets jobs to pending. Claimed jobs are left alone, as are
// failed jobs whose recipient has since been re-enqueued.
func (s *Store) Retry(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	if err := queue.ValidateJobIDs(jobIDs); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs q
		SET status = 'pending', attempts = 0, last_error = NULL, sent_at = NULL,
		    claimed_at = NULL, claim_token = NULL, updated_at = NOW()
		WHERE q.id = ANY($1::uuid[])
		  AND q.status <> 'processing'
		  AND NOT (q.status = 'pending' AND q.attempts = 0)
		  AND NOT (q.status = 'failed' AND EXISTS (
		      SELECT 1 FROM queue_jobs o
		      WHERE o.newsletter_id = q.newsletter_id
		        AND lower(o.recipient_email) = lower(q.recipient_email)
		        AND o.status <> 'failed' AND o.id <> q.id))
	`, pq.Array(jobIDs))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, queue.ErrDuplicateEnqueue
		}
		return 0, fmt.Errorf("retry jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Delete(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	if err := queue.ValidateJobIDs(jobIDs); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ANY($1::uuid[])`, pq.Array(jobIDs))
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ClearByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	if status == domain.JobProcessing {
		return 0, queue.ErrInvalidStatus
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE status = $1`, string(status))
	if err != nil {
		return 0, fmt.Errorf("clear %s jobs: %w", status, err)
	}
	return res.RowsAffected()
}

func (s *Store) CountSentSince(ctx context.Context, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_jobs
		WHERE status = 'sent'
		  AND sent_at > NOW() - make_interval(secs => $1)
		  AND sent_at <= NOW()
	`, window.Seconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.QueueJob, error) {
	if err := queue.ValidateJobIDs([]string{jobID}); err != nil {
		return nil, queue.ErrNotFound
	}
	return s.one(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, jobID)
}

func (s *Store) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.QueueJob, error) {
	return s.one(ctx, `SELECT `+jobColumns+` FROM queue_jobs
		WHERE provider_message_id = $1
		ORDER BY updated_at DESC LIMIT 1`, providerMessageID)
}

func (s *Store) LatestForRecipient(ctx context.Context, email string) (*domain.QueueJob, error) {
	return s.one(ctx, `SELECT `+jobColumns+` FROM queue_jobs
		WHERE lower(recipient_email) = $1
		ORDER BY COALESCE(sent_at, created_at) DESC, id DESC LIMIT 1`, queue.NormalizeEmail(email))
}

func (s *Store) one(ctx context.Context, query string, args ...any) (*domain.QueueJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, queue.ErrNotFound
	}
	return &jobs[0], nil
}

func (s *Store) List(ctx context.Context, f queue.Filter) ([]domain.QueueJob, error) {
	var (
		where []string
		args  []any
	)
	if f.NewsletterID != 0 {
		args = append(args, f.NewsletterID)
		where = append(where, fmt.Sprintf("newsletter_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM queue_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_at ASC, id ASC"

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) CountByStatus(ctx context.Context, newsletterID int64) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_jobs WHERE newsletter_id = $1 GROUP BY status
	`, newsletterID)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanJobs(rows *sql.Rows) ([]domain.QueueJob, error) {
	defer rows.Close()

	var jobs []domain.QueueJob
	for rows.Next() {
		var (
			j          domain.QueueJob
			status     string
			userID     sql.NullInt64
			claimedAt  sql.NullTime
			claimToken sql.NullString
			sentAt     sql.NullTime
			lastError  sql.NullString
			providerID sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.NewsletterID, &j.RecipientEmail, &userID, &status, &j.ScheduledAt,
			&claimedAt, &claimToken, &sentAt, &j.Attempts, &lastError, &providerID, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Status = domain.JobStatus(status)
		if userID.Valid {
			v := userID.Int64
			j.RecipientUserID = &v
		}
		if claimedAt.Valid {
			v := claimedAt.Time
			j.ClaimedAt = &v
		}
		j.ClaimToken = claimToken.String
		if sentAt.Valid {
			v := sentAt.Time
			j.SentAt = &v
		}
		if lastError.Valid {
			v := lastError.String
			j.LastError = &v
		}
		if providerID.Valid {
			v := providerID.String
			j.ProviderMessageID = &v
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
