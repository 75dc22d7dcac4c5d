package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// PostgresLedger stores events in the stats_events table.
type PostgresLedger struct {
	db *sql.DB
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a ledger on an open pool.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const insertEvent = `
	INSERT INTO stats_events
		(newsletter_id, recipient_email, event_type, user_id, link_url, link_text, provider_message_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), COALESCE($8, NOW()))`

// Record inserts events. Several events are written in one transaction.
func (l *PostgresLedger) Record(ctx context.Context, events ...domain.StatsEvent) error {
	switch len(events) {
	case 0:
		return nil
	case 1:
		if _, err := l.db.ExecContext(ctx, insertEvent, eventArgs(events[0])...); err != nil {
			return fmt.Errorf("record %s event: %w", events[0].EventType, err)
		}
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return fmt.Errorf("prepare stats insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, eventArgs(e)...); err != nil {
			return fmt.Errorf("record %s event: %w", e.EventType, err)
		}
	}
	return tx.Commit()
}

func eventArgs(e domain.StatsEvent) []any {
	var created sql.NullTime
	if !e.CreatedAt.IsZero() {
		created = sql.NullTime{Time: e.CreatedAt.UTC(), Valid: true}
	}
	return []any{
		e.NewsletterID, e.RecipientEmail, string(e.EventType),
		nullInt(e.UserID), nullString(e.LinkURL), nullString(e.LinkText),
		e.ProviderMessageID, created,
	}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// Counts returns total and distinct-recipient counts per event type.
func (l *PostgresLedger) Counts(ctx context.Context, newsletterID int64) (map[domain.EventType]Count, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*), COUNT(DISTINCT lower(recipient_email))
		FROM stats_events
		WHERE newsletter_id = $1
		GROUP BY event_type
	`, newsletterID)
	if err != nil {
		return nil, fmt.Errorf("count stats events: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EventType]Count)
	for rows.Next() {
		var (
			eventType string
			c         Count
		)
		if err := rows.Scan(&eventType, &c.Total, &c.Unique); err != nil {
			return nil, err
		}
		counts[domain.EventType(eventType)] = c
	}
	return counts, rows.Err()
}
