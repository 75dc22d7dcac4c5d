package newsletter

import (
	"errors"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// Sentinel errors for the newsletter service layer.
var (
	ErrNotFound     = domain.ErrNewsletterNotFound
	ErrNoRecipients = errors.New("newsletter has no recipients")
)
