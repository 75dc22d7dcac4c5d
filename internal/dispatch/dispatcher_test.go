package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/httpretry"
	"github.com/ignite/newsletter-queue/internal/provider"
	"github.com/ignite/newsletter-queue/internal/queue"
	"github.com/ignite/newsletter-queue/internal/queue/memory"
	"github.com/ignite/newsletter-queue/internal/stats"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	mu    sync.Mutex
	sent  []*domain.OutboundMessage
	errs  []error // consumed one per Send; nil entries succeed
	calls int
}

func (p *fakeProvider) Kind() domain.ProviderKind { return domain.ProviderSMTP }

func (p *fakeProvider) Send(_ context.Context, msg *domain.OutboundMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return "", err
		}
	}
	p.sent = append(p.sent, msg)
	return fmt.Sprintf("msg-%d", p.calls), nil
}

func (p *fakeProvider) Validate(context.Context) error { return nil }

type newsletterMap map[int64]*domain.Newsletter

func (m newsletterMap) Get(_ context.Context, id int64) (*domain.Newsletter, error) {
	if n, ok := m[id]; ok {
		return n, nil
	}
	return nil, domain.ErrNewsletterNotFound
}

func testNewsletters() newsletterMap {
	return newsletterMap{
		7: {ID: 7, Subject: "March news", FromName: "PTA", FromEmail: "news@pta.example.org", HTMLBody: "<p>Hello {{ recipient.email }}</p>"},
	}
}

type harness struct {
	clock    *clock
	store    *memory.Store
	ledger   *stats.MemoryLedger
	provider *fakeProvider
	d        *Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	store.Now = c.Now
	ledger := stats.NewMemoryLedger()
	p := &fakeProvider{}
	d := New(store, provider.Fixed{P: p}, testNewsletters(), ledger, cfg)
	d.Now = c.Now
	return &harness{clock: c, store: store, ledger: ledger, provider: p, d: d}
}

func (h *harness) enqueue(t *testing.T, newsletterID int64, n int) []string {
	t.Helper()
	recipients := make([]domain.Recipient, n)
	for i := range recipients {
		recipients[i] = domain.Recipient{Email: fmt.Sprintf("parent%03d@example.com", i)}
	}
	ids, err := h.store.Enqueue(context.Background(), newsletterID, recipients, time.Time{})
	require.NoError(t, err)
	return ids
}

func TestRunCycle_HourlyRateScenario(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 100, RatePerHour: 150})
	h.enqueue(t, 7, 250)
	ctx := context.Background()

	res, err := h.d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 100, Sent: 100}, res)

	h.clock.Advance(time.Minute)
	res, err = h.d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 50, Sent: 50, RateLimited: true}, res)

	h.clock.Advance(time.Minute)
	res, err = h.d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{RateLimited: true}, res)

	h.clock.Advance(time.Hour)
	res, err = h.d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 100, Sent: 100}, res)

	counts, err := h.store.CountByStatus(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 250, counts[domain.JobSent])
	assert.Len(t, h.provider.sent, 250)
}

func TestRunCycle_FailFailSucceed(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	ids := h.enqueue(t, 7, 1)
	h.provider.errs = []error{
		&provider.SendError{Class: provider.Transient, Provider: domain.ProviderSMTP, Err: errors.New("421 try later")},
		&provider.SendError{Class: provider.Transient, Provider: domain.ProviderSMTP, Err: errors.New("421 try later")},
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := h.d.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, Result{Claimed: 1, Retried: 1}, res)
	}
	res, err := h.d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Sent: 1}, res)

	job, err := h.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobSent, job.Status)
	assert.Equal(t, 2, job.Attempts)
	require.NotNil(t, job.ProviderMessageID)
	assert.Equal(t, "msg-3", *job.ProviderMessageID)
}

func TestRunCycle_ThreeTransientFailuresIsTerminal(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	ids := h.enqueue(t, 7, 1)
	outage := errors.New("connection reset")
	h.provider.errs = []error{outage, outage, outage, nil}
	ctx := context.Background()

	var last Result
	for i := 0; i < 4; i++ {
		var err error
		last, err = h.d.RunCycle(ctx)
		require.NoError(t, err)
		if i == 2 {
			assert.Equal(t, 1, last.Failed)
		}
	}
	assert.Equal(t, Result{}, last)

	job, err := h.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, queue.MaxAttempts, job.Attempts)
	assert.Equal(t, 3, h.provider.calls)
}

func TestRunCycle_PermanentFailure(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	ids := h.enqueue(t, 7, 2)
	h.provider.errs = []error{
		&provider.SendError{Class: provider.Permanent, Provider: domain.ProviderSMTP, Code: "550", Err: errors.New("mailbox unavailable")},
	}

	res, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 2, Sent: 1, Failed: 1}, res)

	job, err := h.store.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "mailbox unavailable")
}

func TestRunCycle_ConfigurationErrorClaimsNothing(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	h.enqueue(t, 7, 3)
	d := New(h.store, provider.Fixed{}, newsletterMap{}, h.ledger, Config{BatchSize: 10, RatePerHour: 100})

	_, err := d.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrConfiguration)

	counts, err := h.store.CountByStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, map[domain.JobStatus]int{domain.JobPending: 3}, counts)
}

// sendGridAPI fakes the scopes probe and mail send endpoints, each
// answering with a status the test can flip.
type sendGridAPI struct {
	scopes int32
	send   int32
	sends  int32
}

func newSendGridSource(t *testing.T, api *sendGridAPI) *provider.ConfigSource {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/scopes", func(w http.ResponseWriter, r *http.Request) {
		status := int(atomic.LoadInt32(&api.scopes))
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"scopes":["mail.send"]}`))
		}
	})
	mux.HandleFunc("/v3/mail/send", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&api.sends, 1)
		w.Header().Set("X-Message-Id", fmt.Sprintf("sg-%d", atomic.LoadInt32(&api.sends)))
		w.WriteHeader(int(atomic.LoadInt32(&api.send)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	probe := httpretry.NewRetryClient(srv.Client(), 1, httpretry.WithBackoff(time.Millisecond, time.Millisecond))
	return provider.NewConfigSource(config.ProviderConfig{
		Active:   "sendgrid",
		SendGrid: config.SendGridConfig{APIKey: "SG.revoked", BaseURL: srv.URL},
	}, provider.WithHTTPClient(srv.Client()), provider.WithProbeClient(probe))
}

func TestRunCycle_RejectedKeyClaimsNothing(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	h.enqueue(t, 7, 3)
	api := &sendGridAPI{scopes: http.StatusUnauthorized, send: http.StatusUnauthorized}
	d := New(h.store, newSendGridSource(t, api), testNewsletters(), h.ledger, Config{BatchSize: 10, RatePerHour: 100})

	for i := 0; i < 3; i++ {
		res, err := d.RunCycle(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, provider.ErrConfiguration)
		assert.Zero(t, res.Claimed)
	}
	assert.Zero(t, atomic.LoadInt32(&api.sends))

	jobs, err := h.store.List(context.Background(), queue.Filter{NewsletterID: 7})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, domain.JobPending, j.Status)
		assert.Zero(t, j.Attempts)
	}
}

func TestRunCycle_KeyRevokedMidCycleReleasesBatch(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	h.enqueue(t, 7, 3)
	api := &sendGridAPI{scopes: http.StatusOK, send: http.StatusAccepted}
	d := New(h.store, newSendGridSource(t, api), testNewsletters(), h.ledger, Config{BatchSize: 10, RatePerHour: 100})
	d.Now = h.clock.Now
	ctx := context.Background()

	res, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)

	more, err := h.store.Enqueue(ctx, 7, []domain.Recipient{{Email: "late1@example.com"}, {Email: "late2@example.com"}}, time.Time{})
	require.NoError(t, err)

	atomic.StoreInt32(&api.send, http.StatusUnauthorized)
	atomic.StoreInt32(&api.scopes, http.StatusUnauthorized)
	res, err = d.RunCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrConfiguration)
	assert.Equal(t, Result{Claimed: 2, Released: 2}, res)

	for _, id := range more {
		job, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobPending, job.Status)
		assert.Zero(t, job.Attempts)
	}

	// The next cycle re-validates and stops before claiming.
	sends := atomic.LoadInt32(&api.sends)
	res, err = d.RunCycle(ctx)
	assert.ErrorIs(t, err, provider.ErrConfiguration)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, sends, atomic.LoadInt32(&api.sends))
}

func TestRunCycle_MissingNewsletterFailsJob(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	ids := h.enqueue(t, 99, 1)

	res, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 1, Failed: 1}, res)

	job, err := h.store.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Zero(t, h.provider.calls)
}

func TestRunCycle_RecordsSentEvents(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	h.enqueue(t, 7, 2)

	_, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)

	events := h.ledger.Events()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, domain.EventSent, ev.EventType)
		assert.Equal(t, int64(7), ev.NewsletterID)
		assert.NotEmpty(t, ev.ProviderMessageID)
		assert.Equal(t, h.clock.Now(), ev.CreatedAt)
	}

	msg := h.provider.sent[0]
	assert.Equal(t, "7", msg.Headers[domain.HeaderNewsletterID])
	assert.NotEmpty(t, msg.Headers[domain.HeaderJobID])
	assert.Contains(t, msg.HTMLBody, "@example.com")
}

func TestRunCycle_ScheduledJobsWait(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, RatePerHour: 100})
	_, err := h.store.Enqueue(context.Background(), 7,
		[]domain.Recipient{{Email: "later@example.com"}}, h.clock.Now().Add(30*time.Minute))
	require.NoError(t, err)

	res, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	h.clock.Advance(31 * time.Minute)
	res, err = h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}
