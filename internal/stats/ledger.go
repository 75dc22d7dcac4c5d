// Package stats is the append-only ledger of delivery and engagement
// events. Rows are never updated or deleted, and duplicates are allowed:
// callers that need exactly-once counting dedupe before recording.
package stats

import (
	"context"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// Ledger records and aggregates StatsEvents.
type Ledger interface {
	Record(ctx context.Context, events ...domain.StatsEvent) error
	Counts(ctx context.Context, newsletterID int64) (map[domain.EventType]Count, error)
}

// Count aggregates one event type for a newsletter.
type Count struct {
	Total  int `json:"total"`
	Unique int `json:"unique"`
}
