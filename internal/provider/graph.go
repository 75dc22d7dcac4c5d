package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
)

// GraphSender sends from a hosted Microsoft 365 mailbox through the Graph
// sendMail API, authenticating as an app registration.
type GraphSender struct {
	mailbox string
	baseURL string
	oauth   *clientcredentials.Config
	base    *http.Client
	client  *http.Client
}

// NewGraph creates a Graph sender.
func NewGraph(cfg config.GraphConfig, o *options) (*GraphSender, error) {
	if (cfg.TenantID == "" && cfg.TokenURL == "") || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Mailbox == "" {
		return nil, fmt.Errorf("%w: graph tenant, client credentials and mailbox are required", ErrConfiguration)
	}
	base := o.httpClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout()}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.Token(),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return &GraphSender{
		mailbox: cfg.Mailbox,
		baseURL: baseURL,
		oauth:   cc,
		base:    base,
		client:  cc.Client(ctx),
	}, nil
}

// Kind implements Provider.
func (s *GraphSender) Kind() domain.ProviderKind { return domain.ProviderGraph }

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
}

func newGraphAddress(addr, name string) graphAddress {
	var a graphAddress
	a.EmailAddress.Address = addr
	a.EmailAddress.Name = name
	return a
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphMessage struct {
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From         *graphAddress  `json:"from,omitempty"`
	ToRecipients []graphAddress `json:"toRecipients"`
	ReplyTo      []graphAddress `json:"replyTo,omitempty"`
	Headers      []graphHeader  `json:"internetMessageHeaders,omitempty"`
}

// Send implements Provider. Graph does not return a message id; the
// request-id header is used when present.
func (s *GraphSender) Send(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	var m graphMessage
	m.Subject = msg.Subject
	m.Body.ContentType = "HTML"
	m.Body.Content = msg.HTMLBody
	m.ToRecipients = []graphAddress{newGraphAddress(msg.To, "")}
	if msg.FromEmail != "" && !strings.EqualFold(msg.FromEmail, s.mailbox) {
		from := newGraphAddress(msg.FromEmail, msg.FromName)
		m.From = &from
	}
	if msg.ReplyTo != "" {
		m.ReplyTo = []graphAddress{newGraphAddress(msg.ReplyTo, "")}
	}
	for k, v := range msg.Headers {
		// Graph only accepts custom X- headers.
		if strings.HasPrefix(strings.ToLower(k), "x-") {
			m.Headers = append(m.Headers, graphHeader{Name: k, Value: v})
		}
	}

	data, err := json.Marshal(map[string]any{"message": m, "saveToSentItems": false})
	if err != nil {
		return "", permanent(domain.ProviderGraph, "marshal", err)
	}
	endpoint := fmt.Sprintf("%s/v1.0/users/%s/sendMail", s.baseURL, url.PathEscape(s.mailbox))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", permanent(domain.ProviderGraph, "request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return "", authFailure(domain.ProviderGraph, "token", err)
		}
		return "", transient(domain.ProviderGraph, "network", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return "", classifyGraph(resp.StatusCode, body)
	}
	if id := resp.Header.Get("request-id"); id != "" {
		return id, nil
	}
	return uuid.New().String(), nil
}

// Validate obtains a token and reads the sending mailbox.
func (s *GraphSender) Validate(ctx context.Context) error {
	tctx := context.WithValue(ctx, oauth2.HTTPClient, s.base)
	if _, err := s.oauth.Token(tctx); err != nil {
		return fmt.Errorf("%w: graph token: %v", ErrConfiguration, err)
	}

	endpoint := fmt.Sprintf("%s/v1.0/users/%s?$select=id,mail", s.baseURL, url.PathEscape(s.mailbox))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph mailbox probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: graph mailbox %s not accessible (HTTP %d)", ErrConfiguration, s.mailbox, resp.StatusCode)
	}
	return fmt.Errorf("graph mailbox probe: HTTP %d", resp.StatusCode)
}

func classifyGraph(status int, body []byte) error {
	var ge struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &ge)
	switch ge.Error.Code {
	case "ErrorInvalidRecipients", "ErrorMessageSizeExceeded", "ErrorInvalidRecipientsAddress":
		return permanent(domain.ProviderGraph, ge.Error.Code, fmt.Errorf("HTTP %d: %s", status, ge.Error.Message))
	}
	se := classifyStatus(domain.ProviderGraph, status, body)
	if ge.Error.Code != "" {
		se.Code = ge.Error.Code
	}
	return se
}
