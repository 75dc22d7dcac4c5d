package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/pkg/httpretry"
)

func fastProbe(srv *httptest.Server) Option {
	return WithProbeClient(httpretry.NewRetryClient(srv.Client(), 1, httpretry.WithBackoff(time.Millisecond, time.Millisecond)))
}

func TestSendGrid_Send(t *testing.T) {
	var got sgMail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer SG.key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("X-Message-Id", "sg-abc123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p, err := New(context.Background(), config.ProviderConfig{
		Active:   "sendgrid",
		SendGrid: config.SendGridConfig{APIKey: "SG.key", BaseURL: srv.URL},
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	id, err := p.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "sg-abc123", id)

	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "parent@example.com", got.Personalizations[0].To[0].Email)
	assert.Equal(t, "314", got.Personalizations[0].CustomArgs["newsletter_id"])
	assert.Equal(t, testMessage().JobID, got.Personalizations[0].CustomArgs["job_id"])
	assert.Equal(t, "<https://pta.example.org/unsubscribe?u=1>", got.Headers["List-Unsubscribe"])
	assert.Equal(t, "office@pta.example.org", got.ReplyTo.Email)
}

func TestSendGrid_ErrorClasses(t *testing.T) {
	status := int32(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		w.Write([]byte(`{"errors":[{"message":"invalid email"}]}`))
	}))
	defer srv.Close()

	s, err := NewSendGrid(config.SendGridConfig{APIKey: "k", BaseURL: srv.URL}, &options{httpClient: srv.Client()})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testMessage())
	assert.True(t, IsPermanent(err))

	atomic.StoreInt32(&status, http.StatusTooManyRequests)
	_, err = s.Send(context.Background(), testMessage())
	assert.True(t, IsTransient(err))

	atomic.StoreInt32(&status, http.StatusUnauthorized)
	_, err = s.Send(context.Background(), testMessage())
	assert.True(t, IsTransient(err), "auth failures never burn a job as permanent")
	assert.True(t, IsAuthFailure(err))
}

func TestSendGrid_Validate(t *testing.T) {
	scopes := `{"scopes":["mail.send","stats.read"]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(scopes))
	}))
	defer srv.Close()

	ctx := context.Background()
	good, err := New(ctx, config.ProviderConfig{Active: "sendgrid", SendGrid: config.SendGridConfig{APIKey: "good", BaseURL: srv.URL}}, fastProbe(srv))
	require.NoError(t, err)
	assert.NoError(t, good.Validate(ctx))

	bad, err := New(ctx, config.ProviderConfig{Active: "sendgrid", SendGrid: config.SendGridConfig{APIKey: "bad", BaseURL: srv.URL}}, fastProbe(srv))
	require.NoError(t, err)
	assert.ErrorIs(t, bad.Validate(ctx), ErrConfiguration)

	scopes = `{"scopes":["stats.read"]}`
	assert.ErrorIs(t, good.Validate(ctx), ErrConfiguration)
}

func TestMailgun_Send(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mg.example.org/messages", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "key-1", pass)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Write([]byte(`{"id":"<20260302.1@mg.example.org>","message":"Queued. Thank you."}`))
	}))
	defer srv.Close()

	p, err := New(context.Background(), config.ProviderConfig{
		Active:  "mailgun",
		Mailgun: config.MailgunConfig{APIKey: "key-1", Domain: "mg.example.org", BaseURL: srv.URL},
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	id, err := p.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "20260302.1@mg.example.org", id)
	assert.Equal(t, "Lincoln PTA <news@pta.example.org>", form.Get("from"))
	assert.Equal(t, "314", form.Get("v:newsletter_id"))
	assert.Equal(t, "314", form.Get("h:X-Newsletter-ID"))
	assert.Equal(t, "office@pta.example.org", form.Get("h:Reply-To"))
}

func TestMailgun_Validate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing.example.org") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"domain":{"name":"mg.example.org","state":"active"}}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	ok, err := NewMailgun(config.MailgunConfig{APIKey: "k", Domain: "mg.example.org", BaseURL: srv.URL}, &options{httpClient: srv.Client()})
	require.NoError(t, err)
	assert.NoError(t, ok.Validate(ctx))

	missing, err := NewMailgun(config.MailgunConfig{APIKey: "k", Domain: "missing.example.org", BaseURL: srv.URL}, &options{httpClient: srv.Client()})
	require.NoError(t, err)
	assert.ErrorIs(t, missing.Validate(ctx), ErrConfiguration)

	_, err = NewMailgun(config.MailgunConfig{APIKey: "k"}, &options{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func newGraphServer(t *testing.T, sendStatus int, sendBody string) (*httptest.Server, *graphMessage) {
	t.Helper()
	var got graphMessage
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1.0/users/news@pta.example.org/sendMail", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var payload struct {
			Message graphMessage `json:"message"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		got = payload.Message
		w.Header().Set("request-id", "graph-req-1")
		w.WriteHeader(sendStatus)
		w.Write([]byte(sendBody))
	})
	mux.HandleFunc("/v1.0/users/news@pta.example.org", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"u1","mail":"news@pta.example.org"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &got
}

func graphConfig(srv *httptest.Server) config.ProviderConfig {
	return config.ProviderConfig{
		Active: "graph",
		Graph: config.GraphConfig{
			TenantID:     "contoso",
			ClientID:     "app",
			ClientSecret: "secret",
			Mailbox:      "news@pta.example.org",
			BaseURL:      srv.URL,
			TokenURL:     srv.URL + "/token",
		},
	}
}

func TestGraph_Send(t *testing.T) {
	srv, got := newGraphServer(t, http.StatusAccepted, "")

	p, err := New(context.Background(), graphConfig(srv), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	id, err := p.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "graph-req-1", id)
	assert.Equal(t, "HTML", got.Body.ContentType)
	assert.Equal(t, "parent@example.com", got.ToRecipients[0].EmailAddress.Address)
	assert.Nil(t, got.From, "sending as the mailbox itself")

	names := map[string]string{}
	for _, h := range got.Headers {
		names[h.Name] = h.Value
	}
	assert.Equal(t, "314", names["X-Newsletter-ID"])
	assert.NotContains(t, names, "List-Unsubscribe")
}

func TestGraph_InvalidRecipientIsPermanent(t *testing.T) {
	srv, _ := newGraphServer(t, http.StatusBadRequest,
		`{"error":{"code":"ErrorInvalidRecipients","message":"At least one recipient is not valid."}}`)

	p, err := New(context.Background(), graphConfig(srv), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = p.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestGraph_ThrottleIsTransient(t *testing.T) {
	srv, _ := newGraphServer(t, http.StatusTooManyRequests,
		`{"error":{"code":"ApplicationThrottled","message":"slow down"}}`)

	p, err := New(context.Background(), graphConfig(srv), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = p.Send(context.Background(), testMessage())
	assert.True(t, IsTransient(err))
}

func TestGraph_Validate(t *testing.T) {
	srv, _ := newGraphServer(t, http.StatusAccepted, "")
	p, err := New(context.Background(), graphConfig(srv), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.NoError(t, p.Validate(context.Background()))

	cfg := graphConfig(srv)
	cfg.Graph.TokenURL = srv.URL + "/missing-token"
	broken, err := New(context.Background(), cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.ErrorIs(t, broken.Validate(context.Background()), ErrConfiguration)
}
