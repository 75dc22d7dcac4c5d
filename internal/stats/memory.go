package stats

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// MemoryLedger keeps events in process memory.
type MemoryLedger struct {
	mu     sync.Mutex
	events []domain.StatsEvent
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Record(ctx context.Context, events ...domain.StatsEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		e.ID = int64(len(l.events) + 1)
		l.events = append(l.events, e)
	}
	return nil
}

func (l *MemoryLedger) Counts(ctx context.Context, newsletterID int64) (map[domain.EventType]Count, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[domain.EventType]Count)
	seen := make(map[domain.EventType]map[string]struct{})
	for _, e := range l.events {
		if e.NewsletterID != newsletterID {
			continue
		}
		c := counts[e.EventType]
		c.Total++
		if seen[e.EventType] == nil {
			seen[e.EventType] = make(map[string]struct{})
		}
		key := strings.ToLower(e.RecipientEmail)
		if _, ok := seen[e.EventType][key]; !ok {
			seen[e.EventType][key] = struct{}{}
			c.Unique++
		}
		counts[e.EventType] = c
	}
	return counts, nil
}

// Events returns a copy of every recorded event.
func (l *MemoryLedger) Events() []domain.StatsEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.StatsEvent, len(l.events))
	copy(out, l.events)
	return out
}
