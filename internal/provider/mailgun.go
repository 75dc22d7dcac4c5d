package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/httpretry"
)

// MailgunSender sends through the Mailgun Messages API.
type MailgunSender struct {
	apiKey  string
	domain  string
	baseURL string
	client  *http.Client
	probe   httpretry.HTTPDoer
}

// NewMailgun creates a Mailgun sender for one sending domain.
func NewMailgun(cfg config.MailgunConfig, o *options) (*MailgunSender, error) {
	if cfg.APIKey == "" || cfg.Domain == "" {
		return nil, fmt.Errorf("%w: mailgun api key and domain are required", ErrConfiguration)
	}
	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout()}
	}
	probe := o.probe
	if probe == nil {
		probe = httpretry.NewRetryClient(client, 2)
	}
	return &MailgunSender{
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		probe:   probe,
	}, nil
}

// Kind implements Provider.
func (s *MailgunSender) Kind() domain.ProviderKind { return domain.ProviderMailgun }

// Send implements Provider.
func (s *MailgunSender) Send(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	form := url.Values{}
	form.Add("from", msg.From())
	form.Add("to", msg.To)
	form.Add("subject", msg.Subject)
	form.Add("html", msg.HTMLBody)
	if msg.ReplyTo != "" {
		form.Add("h:Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		form.Add("h:"+k, v)
	}
	form.Add("v:newsletter_id", strconv.FormatInt(msg.NewsletterID, 10))
	form.Add("v:job_id", msg.JobID)
	form.Add("o:tracking", "yes")

	endpoint := fmt.Sprintf("%s/v3/%s/messages", s.baseURL, url.PathEscape(s.domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", permanent(domain.ProviderMailgun, "request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", transient(domain.ProviderMailgun, "network", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return "", classifyStatus(domain.ProviderMailgun, resp.StatusCode, body)
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		// Accepted, but the id is unreadable. Attribution falls back to
		// the recipient lookup.
		return "", nil
	}
	return strings.Trim(result.ID, "<>"), nil
}

// Validate fetches the sending domain with the configured key.
func (s *MailgunSender) Validate(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v3/domains/%s", s.baseURL, url.PathEscape(s.domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.probe.Do(req)
	if err != nil {
		return fmt.Errorf("mailgun domain probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: mailgun rejected api key (HTTP %d)", ErrConfiguration, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w: mailgun domain %q not found", ErrConfiguration, s.domain)
	}
	return fmt.Errorf("mailgun domain probe: HTTP %d", resp.StatusCode)
}
