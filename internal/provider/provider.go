// Package provider is the uniform transport layer over the five sending
// backends. Every backend maps its own authentication and error taxonomy
// onto the same two buckets: transient (retry-eligible) and permanent.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/httpretry"
)

// Provider sends one fully rendered message.
type Provider interface {
	Kind() domain.ProviderKind

	// Send returns the provider's message id. Errors are *SendError or
	// wrap ErrConfiguration.
	Send(ctx context.Context, msg *domain.OutboundMessage) (string, error)

	// Validate checks credentials against the backend without sending.
	Validate(ctx context.Context) error
}

// Source hands the dispatcher the active provider at the start of each
// cycle. Any error aborts the cycle before a job is claimed.
type Source interface {
	Active(ctx context.Context) (Provider, error)
}

// Invalidator is implemented by Sources that cache validation.
type Invalidator interface {
	Invalidate()
}

// Fixed is a Source that always returns p.
type Fixed struct{ P Provider }

// Active implements Source.
func (f Fixed) Active(context.Context) (Provider, error) {
	if f.P == nil {
		return nil, fmt.Errorf("%w: no provider", ErrConfiguration)
	}
	return f.P, nil
}

// Option customises backend construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
	probe      httpretry.HTTPDoer
	ses        SESAPI
}

// WithHTTPClient sets the client used by the HTTP backends.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithProbeClient sets the client used by Validate.
func WithProbeClient(c httpretry.HTTPDoer) Option {
	return func(o *options) { o.probe = c }
}

// WithSESAPI injects the SES client.
func WithSESAPI(api SESAPI) Option {
	return func(o *options) { o.ses = api }
}

// New builds the backend named by cfg.Active.
func New(ctx context.Context, cfg config.ProviderConfig, opts ...Option) (Provider, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	kind, err := domain.ParseProviderKind(cfg.Active)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	switch kind {
	case domain.ProviderSES:
		return NewSES(ctx, cfg.SES, o)
	case domain.ProviderSendGrid:
		return NewSendGrid(cfg.SendGrid, o)
	case domain.ProviderMailgun:
		return NewMailgun(cfg.Mailgun, o)
	case domain.ProviderSMTP:
		return NewSMTP(cfg.SMTP)
	case domain.ProviderGraph:
		return NewGraph(cfg.Graph, o)
	}
	return nil, fmt.Errorf("%w: unsupported provider %q", ErrConfiguration, kind)
}

// DefaultValidateEvery is how long ConfigSource trusts a successful
// Validate before probing the backend again.
const DefaultValidateEvery = 5 * time.Minute

// ConfigSource builds the configured provider on first use and checks its
// credentials with Validate before handing it out, so a revoked or
// mistyped key aborts the cycle before anything is claimed. Construction
// and validation failures are not cached; fixing credentials heals the
// next cycle.
type ConfigSource struct {
	cfg  config.ProviderConfig
	opts []Option

	// ValidateEvery bounds how long a successful Validate is trusted.
	ValidateEvery time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	mu          sync.Mutex
	p           Provider
	validatedAt time.Time
}

// NewConfigSource returns a Source backed by cfg.
func NewConfigSource(cfg config.ProviderConfig, opts ...Option) *ConfigSource {
	return &ConfigSource{cfg: cfg, opts: opts, ValidateEvery: DefaultValidateEvery, Now: time.Now}
}

// Active implements Source.
func (s *ConfigSource) Active(ctx context.Context) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.p == nil {
		p, err := New(ctx, s.cfg, s.opts...)
		if err != nil {
			return nil, err
		}
		s.p = p
	}

	now := s.Now()
	if !s.validatedAt.IsZero() && now.Sub(s.validatedAt) < s.ValidateEvery {
		return s.p, nil
	}
	if err := s.p.Validate(ctx); err != nil {
		if errors.Is(err, ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("validate %s provider: %w", s.p.Kind(), err)
	}
	s.validatedAt = now
	return s.p, nil
}

// Invalidate makes the next Active call validate again. The dispatcher
// calls it when a send is rejected for its credentials.
func (s *ConfigSource) Invalidate() {
	s.mu.Lock()
	s.validatedAt = time.Time{}
	s.mu.Unlock()
}
