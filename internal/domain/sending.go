package domain

import "fmt"

// ProviderKind identifies the transport backend used for sending.
// Exactly one kind is active at a time.
type ProviderKind string

const (
	ProviderSES      ProviderKind = "ses"
	ProviderSendGrid ProviderKind = "sendgrid"
	ProviderMailgun  ProviderKind = "mailgun"
	ProviderSMTP     ProviderKind = "smtp"
	ProviderGraph    ProviderKind = "graph"
)

// ParseProviderKind converts a configuration string into a ProviderKind.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch ProviderKind(s) {
	case ProviderSES, ProviderSendGrid, ProviderMailgun, ProviderSMTP, ProviderGraph:
		return ProviderKind(s), nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// Header names stamped on every outbound message so that asynchronous
// events can be attributed back to a newsletter and job.
const (
	HeaderNewsletterID = "X-Newsletter-ID"
	HeaderJobID        = "X-Queue-Job-ID"
)

// OutboundMessage is the fully-resolved message handed to a provider.
// By the time a message reaches this struct all per-recipient rendering
// and header generation is complete.
type OutboundMessage struct {
	JobID        string            `json:"job_id"`
	NewsletterID int64             `json:"newsletter_id"`
	FromName     string            `json:"from_name"`
	FromEmail    string            `json:"from_email"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	To           string            `json:"to"`
	Subject      string            `json:"subject"`
	HTMLBody     string            `json:"html_body"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// From returns the RFC 5322 display form of the sender.
func (m *OutboundMessage) From() string {
	if m.FromName == "" {
		return m.FromEmail
	}
	return fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail)
}
