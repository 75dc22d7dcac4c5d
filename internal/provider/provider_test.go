package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
)

func testMessage() *domain.OutboundMessage {
	return &domain.OutboundMessage{
		JobID:        "0190a000-0000-7000-8000-000000000001",
		NewsletterID: 314,
		FromName:     "Lincoln PTA",
		FromEmail:    "news@pta.example.org",
		ReplyTo:      "office@pta.example.org",
		To:           "parent@example.com",
		Subject:      "Spring fundraiser",
		HTMLBody:     "<p>Hello there</p>",
		Headers: map[string]string{
			domain.HeaderNewsletterID: "314",
			domain.HeaderJobID:        "0190a000-0000-7000-8000-000000000001",
			"List-Unsubscribe":        "<https://pta.example.org/unsubscribe?u=1>",
		},
	}
}

func TestClassification(t *testing.T) {
	perm := permanent(domain.ProviderSendGrid, "http_400", errors.New("bad"))
	trans := transient(domain.ProviderSendGrid, "http_503", errors.New("down"))

	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", perm)))
	assert.False(t, IsTransient(perm))
	assert.True(t, IsTransient(trans))
	assert.True(t, IsTransient(errors.New("unclassified")), "unclassified errors are transient")
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(fmt.Errorf("%w: missing key", ErrConfiguration)))
	assert.Contains(t, perm.Error(), "sendgrid permanent error (http_400)")
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Class{
		http.StatusBadRequest:            Permanent,
		http.StatusUnprocessableEntity:   Permanent,
		http.StatusRequestEntityTooLarge: Permanent,
		http.StatusUnauthorized:          Transient,
		http.StatusForbidden:             Transient,
		http.StatusTooManyRequests:       Transient,
		http.StatusInternalServerError:   Transient,
		http.StatusServiceUnavailable:    Transient,
	}
	for status, want := range cases {
		got := classifyStatus(domain.ProviderMailgun, status, []byte("body"))
		assert.Equal(t, want, got.Class, "status %d", status)
		auth := status == http.StatusUnauthorized || status == http.StatusForbidden
		assert.Equal(t, auth, IsAuthFailure(got), "status %d", status)
	}
}

func TestClassifySMTP_AuthRejection(t *testing.T) {
	err := classifySMTP(&textproto.Error{Code: 535, Msg: "5.7.8 Authentication credentials invalid"})
	assert.True(t, IsAuthFailure(err))
	assert.False(t, IsPermanent(err))

	err = classifySMTP(&textproto.Error{Code: 550, Msg: "5.1.1 no such user"})
	assert.False(t, IsAuthFailure(err))
	assert.True(t, IsPermanent(err))
}

func TestComposeMIME(t *testing.T) {
	msg := testMessage()
	raw, id, err := composeMIME(msg, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@pta.example.org"))

	r, err := mail.CreateReader(strings.NewReader(string(raw)))
	require.NoError(t, err)

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Spring fundraiser", subject)

	from, err := r.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "Lincoln PTA", from[0].Name)
	assert.Equal(t, "news@pta.example.org", from[0].Address)

	gotID, err := r.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "314", r.Header.Get(domain.HeaderNewsletterID))
	assert.Equal(t, msg.JobID, r.Header.Get(domain.HeaderJobID))

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "<p>Hello there</p>", string(body))
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(context.Background(), config.ProviderConfig{Active: "sparkpost"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func scopesServer(t *testing.T, status *int32, probes *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(probes, 1)
		code := int(atomic.LoadInt32(status))
		w.WriteHeader(code)
		if code == http.StatusOK {
			w.Write([]byte(`{"scopes":["mail.send"]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConfigSource_DoesNotCacheFailures(t *testing.T) {
	status, probes := int32(http.StatusOK), int32(0)
	srv := scopesServer(t, &status, &probes)

	cfg := config.ProviderConfig{Active: "sendgrid", SendGrid: config.SendGridConfig{BaseURL: srv.URL}}
	src := NewConfigSource(cfg, fastProbe(srv))

	_, err := src.Active(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)

	src.cfg.SendGrid.APIKey = "SG.key"
	p, err := src.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderSendGrid, p.Kind())

	again, _ := src.Active(context.Background())
	assert.Same(t, p, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&probes), "validation is cached")
}

func TestConfigSource_RejectedKeyFailsValidation(t *testing.T) {
	status, probes := int32(http.StatusUnauthorized), int32(0)
	srv := scopesServer(t, &status, &probes)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	src := NewConfigSource(config.ProviderConfig{
		Active:   "sendgrid",
		SendGrid: config.SendGridConfig{APIKey: "SG.revoked", BaseURL: srv.URL},
	}, fastProbe(srv))
	src.Now = func() time.Time { return now }

	_, err := src.Active(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = src.Active(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration, "failed validation is not cached")

	atomic.StoreInt32(&status, http.StatusOK)
	_, err = src.Active(context.Background())
	require.NoError(t, err)
	probed := atomic.LoadInt32(&probes)

	// A key revoked after validation is caught once the cache expires or
	// the dispatcher invalidates it.
	atomic.StoreInt32(&status, http.StatusUnauthorized)
	_, err = src.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, probed, atomic.LoadInt32(&probes))

	src.Invalidate()
	_, err = src.Active(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)

	atomic.StoreInt32(&status, http.StatusOK)
	_, err = src.Active(context.Background())
	require.NoError(t, err)
	atomic.StoreInt32(&status, http.StatusUnauthorized)
	now = now.Add(DefaultValidateEvery)
	_, err = src.Active(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestConfigSource_UnreachableBackend(t *testing.T) {
	status, probes := int32(http.StatusBadGateway), int32(0)
	srv := scopesServer(t, &status, &probes)

	src := NewConfigSource(config.ProviderConfig{
		Active:   "sendgrid",
		SendGrid: config.SendGridConfig{APIKey: "SG.key", BaseURL: srv.URL},
	}, fastProbe(srv))

	_, err := src.Active(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "validate sendgrid provider")
}

func TestFixed(t *testing.T) {
	_, err := Fixed{}.Active(context.Background())
	assert.ErrorIs(t, err, ErrConfiguration)
}
