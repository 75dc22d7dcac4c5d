package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/httpretry"
)

// SendGridSender sends through the SendGrid v3 Mail Send API.
type SendGridSender struct {
	apiKey  string
	baseURL string
	client  *http.Client
	probe   httpretry.HTTPDoer
}

// NewSendGrid creates a SendGrid sender.
func NewSendGrid(cfg config.SendGridConfig, o *options) (*SendGridSender, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: sendgrid api key not configured", ErrConfiguration)
	}
	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout()}
	}
	probe := o.probe
	if probe == nil {
		probe = httpretry.NewRetryClient(client, 2)
	}
	return &SendGridSender{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		probe:   probe,
	}, nil
}

// Kind implements Provider.
func (s *SendGridSender) Kind() domain.ProviderKind { return domain.ProviderSendGrid }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To         []sgAddress       `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Headers          map[string]string   `json:"headers,omitempty"`
	TrackingSettings map[string]any      `json:"tracking_settings,omitempty"`
}

// Send implements Provider.
func (s *SendGridSender) Send(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	payload := sgMail{
		Personalizations: []sgPersonalization{{
			To: []sgAddress{{Email: msg.To}},
			CustomArgs: map[string]string{
				"newsletter_id": strconv.FormatInt(msg.NewsletterID, 10),
				"job_id":        msg.JobID,
			},
		}},
		From:    sgAddress{Email: msg.FromEmail, Name: msg.FromName},
		Subject: msg.Subject,
		Content: []sgContent{{Type: "text/html", Value: msg.HTMLBody}},
		Headers: msg.Headers,
		TrackingSettings: map[string]any{
			"click_tracking": map[string]bool{"enable": true},
			"open_tracking":  map[string]bool{"enable": true},
		},
	}
	if msg.ReplyTo != "" {
		payload.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", permanent(domain.ProviderSendGrid, "marshal", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(data))
	if err != nil {
		return "", permanent(domain.ProviderSendGrid, "request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", transient(domain.ProviderSendGrid, "network", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return "", classifyStatus(domain.ProviderSendGrid, resp.StatusCode, body)
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}
	return messageID, nil
}

// Validate checks the key is live and carries the mail.send scope.
func (s *SendGridSender) Validate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v3/scopes", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.probe.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid scopes probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: sendgrid rejected api key (HTTP %d)", ErrConfiguration, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendgrid scopes probe: HTTP %d", resp.StatusCode)
	}

	var scopes struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&scopes); err != nil {
		return fmt.Errorf("sendgrid scopes probe: %w", err)
	}
	for _, sc := range scopes.Scopes {
		if sc == "mail.send" {
			return nil
		}
	}
	return fmt.Errorf("%w: sendgrid api key lacks mail.send scope", ErrConfiguration)
}
