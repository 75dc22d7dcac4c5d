package newsletter

import (
	"context"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// Repository is the data access contract for newsletters and their
// audience. Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a newsletter. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id int64) (*domain.Newsletter, error)

	// Audience returns the recipients currently subscribed to the
	// newsletter's list.
	Audience(ctx context.Context, id int64) ([]domain.Recipient, error)
}
