package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// NewsletterRepo implements newsletter.Repository against PostgreSQL.
type NewsletterRepo struct{ db *sql.DB }

// NewNewsletterRepo creates a Postgres-backed newsletter repository.
func NewNewsletterRepo(db *sql.DB) *NewsletterRepo { return &NewsletterRepo{db: db} }

var _ newsletter.Repository = (*NewsletterRepo)(nil)

func (r *NewsletterRepo) Get(ctx context.Context, id int64) (*domain.Newsletter, error) {
	n := &domain.Newsletter{}
	var scheduledAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, subject, from_name, from_email, COALESCE(reply_to,''), html_body,
		       COALESCE(unsubscribe_url,''), scheduled_at, created_at
		FROM newsletters
		WHERE id = $1
	`, id).Scan(
		&n.ID, &n.Subject, &n.FromName, &n.FromEmail, &n.ReplyTo, &n.HTMLBody,
		&n.UnsubscribeURL, &scheduledAt, &n.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newsletter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get newsletter: %w", err)
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time.UTC()
		n.ScheduledAt = &t
	}
	return n, nil
}

// Audience returns active subscribers of the newsletter's list, or of
// every list when the newsletter names none.
func (r *NewsletterRepo) Audience(ctx context.Context, id int64) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.email, s.user_id
		FROM newsletter_subscribers s
		JOIN newsletters n ON n.id = $1
		WHERE s.unsubscribed_at IS NULL
		  AND (n.list_id IS NULL OR s.list_id = n.list_id)
		ORDER BY s.id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list audience: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var (
			rcpt   domain.Recipient
			userID sql.NullInt64
		)
		if err := rows.Scan(&rcpt.Email, &userID); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		if userID.Valid {
			v := userID.Int64
			rcpt.UserID = &v
		}
		out = append(out, rcpt)
	}
	return out, rows.Err()
}
