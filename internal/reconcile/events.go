// Package reconcile turns asynchronous provider feedback (webhooks, SES
// notifications over SQS, bounce mail in an IMAP mailbox) into ledger
// events. It never changes queue job state: a job marked sent that later
// bounces stays sent, and the ledger explains the difference.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
)

var (
	// ErrInvalidSignature rejects unauthenticated webhook requests.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrParse marks a payload or bounce message that could not be read.
	ErrParse = errors.New("unparseable event payload")
)

// ProviderEvent is one normalized feedback event before attribution.
type ProviderEvent struct {
	Provider          domain.ProviderKind
	Type              domain.EventType
	RawType           string
	RecipientEmail    string
	ProviderMessageID string
	NewsletterID      int64 // 0 when the payload carried no metadata
	JobID             string
	LinkURL           string
	OccurredAt        time.Time
}

// Parsed is the outcome of parsing one payload. Ignored counts provider
// events with no ledger equivalent (deferrals, soft bounces, unknown
// types).
type Parsed struct {
	Events       []ProviderEvent
	Ignored      int
	SubscribeURL string
}

// Parse decodes a webhook body for the given provider.
func Parse(kind domain.ProviderKind, body []byte) (Parsed, error) {
	switch kind {
	case domain.ProviderSendGrid:
		return parseSendGrid(body)
	case domain.ProviderMailgun:
		return parseMailgun(body)
	case domain.ProviderSES:
		return parseSNS(body)
	}
	return Parsed{}, fmt.Errorf("no webhook parser for provider %q", kind)
}

var sendGridTypes = map[string]domain.EventType{
	"delivered":  domain.EventDelivered,
	"open":       domain.EventOpened,
	"click":      domain.EventClicked,
	"bounce":     domain.EventBounced,
	"dropped":    domain.EventBounced,
	"spamreport": domain.EventComplained,
}

type sendGridEvent struct {
	Event        string          `json:"event"`
	Email        string          `json:"email"`
	SGMessageID  string          `json:"sg_message_id"`
	Timestamp    int64           `json:"timestamp"`
	URL          string          `json:"url"`
	Type         string          `json:"type"`
	NewsletterID json.RawMessage `json:"newsletter_id"`
	JobID        string          `json:"job_id"`
}

func parseSendGrid(body []byte) (Parsed, error) {
	var raw []sendGridEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Parsed{}, fmt.Errorf("%w: sendgrid: %v", ErrParse, err)
	}
	var out Parsed
	for _, e := range raw {
		typ, ok := sendGridTypes[e.Event]
		if !ok || e.Email == "" {
			out.Ignored++
			continue
		}
		out.Events = append(out.Events, ProviderEvent{
			Provider:          domain.ProviderSendGrid,
			Type:              typ,
			RawType:           e.Event,
			RecipientEmail:    e.Email,
			ProviderMessageID: sendGridMessageID(e.SGMessageID),
			NewsletterID:      flexibleID(e.NewsletterID),
			JobID:             e.JobID,
			LinkURL:           e.URL,
			OccurredAt:        unixOrZero(e.Timestamp),
		})
	}
	return out, nil
}

// sendGridMessageID strips the filter suffix SendGrid appends to the
// X-Message-Id returned at send time.
func sendGridMessageID(id string) string {
	if i := strings.IndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return id
}

type mailgunPayload struct {
	EventData struct {
		Event     string  `json:"event"`
		Severity  string  `json:"severity"`
		Recipient string  `json:"recipient"`
		Timestamp float64 `json:"timestamp"`
		URL       string  `json:"url"`
		Message   struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
		UserVariables struct {
			NewsletterID json.RawMessage `json:"newsletter_id"`
			JobID        string          `json:"job_id"`
		} `json:"user-variables"`
	} `json:"event-data"`
}

func parseMailgun(body []byte) (Parsed, error) {
	var p mailgunPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Parsed{}, fmt.Errorf("%w: mailgun: %v", ErrParse, err)
	}
	e := p.EventData
	var typ domain.EventType
	switch e.Event {
	case "delivered":
		typ = domain.EventDelivered
	case "opened":
		typ = domain.EventOpened
	case "clicked":
		typ = domain.EventClicked
	case "complained":
		typ = domain.EventComplained
	case "failed":
		if e.Severity == "permanent" {
			typ = domain.EventBounced
		}
	}
	if typ == "" || e.Recipient == "" {
		return Parsed{Ignored: 1}, nil
	}
	return Parsed{Events: []ProviderEvent{{
		Provider:          domain.ProviderMailgun,
		Type:              typ,
		RawType:           e.Event,
		RecipientEmail:    e.Recipient,
		ProviderMessageID: strings.Trim(e.Message.Headers.MessageID, "<>"),
		NewsletterID:      flexibleID(e.UserVariables.NewsletterID),
		JobID:             e.UserVariables.JobID,
		LinkURL:           e.URL,
		OccurredAt:        unixOrZero(int64(e.Timestamp)),
	}}}, nil
}

type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID   string              `json:"messageId"`
		Timestamp   time.Time           `json:"timestamp"`
		Destination []string            `json:"destination"`
		Tags        map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string         `json:"bounceType"`
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
		Timestamp         time.Time      `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients []sesRecipient `json:"complainedRecipients"`
		Timestamp            time.Time      `json:"timestamp"`
	} `json:"complaint"`
	Delivery *struct {
		Recipients []string  `json:"recipients"`
		Timestamp  time.Time `json:"timestamp"`
	} `json:"delivery"`
	Open *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"open"`
	Click *struct {
		Link      string    `json:"link"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"click"`
}

// parseSNS accepts an SNS envelope, or a bare SES event when the
// subscription uses raw message delivery.
func parseSNS(body []byte) (Parsed, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Parsed{}, fmt.Errorf("%w: sns: %v", ErrParse, err)
	}
	switch env.Type {
	case "SubscriptionConfirmation":
		return Parsed{SubscribeURL: env.SubscribeURL}, nil
	case "UnsubscribeConfirmation":
		return Parsed{Ignored: 1}, nil
	case "Notification":
		return parseSES([]byte(env.Message))
	}
	return parseSES(body)
}

func parseSES(body []byte) (Parsed, error) {
	var e sesEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return Parsed{}, fmt.Errorf("%w: ses: %v", ErrParse, err)
	}
	raw := e.EventType
	if raw == "" {
		raw = e.NotificationType
	}

	base := ProviderEvent{
		Provider:          domain.ProviderSES,
		RawType:           raw,
		ProviderMessageID: e.Mail.MessageID,
		NewsletterID:      tagID(e.Mail.Tags["newsletter_id"]),
		OccurredAt:        e.Mail.Timestamp,
	}
	if ids := e.Mail.Tags["job_id"]; len(ids) > 0 {
		base.JobID = ids[0]
	}

	var out Parsed
	emit := func(typ domain.EventType, recipients []string, at time.Time, link string) {
		for _, r := range recipients {
			ev := base
			ev.Type = typ
			ev.RecipientEmail = r
			ev.LinkURL = link
			if !at.IsZero() {
				ev.OccurredAt = at
			}
			out.Events = append(out.Events, ev)
		}
	}

	switch raw {
	case "Delivery":
		if e.Delivery != nil {
			emit(domain.EventDelivered, e.Delivery.Recipients, e.Delivery.Timestamp, "")
		}
	case "Open":
		if e.Open != nil {
			emit(domain.EventOpened, e.Mail.Destination, e.Open.Timestamp, "")
		}
	case "Click":
		if e.Click != nil {
			emit(domain.EventClicked, e.Mail.Destination, e.Click.Timestamp, e.Click.Link)
		}
	case "Bounce":
		if e.Bounce != nil && e.Bounce.BounceType == "Permanent" {
			emit(domain.EventBounced, addresses(e.Bounce.BouncedRecipients), e.Bounce.Timestamp, "")
		}
	case "Complaint":
		if e.Complaint != nil {
			emit(domain.EventComplained, addresses(e.Complaint.ComplainedRecipients), e.Complaint.Timestamp, "")
		}
	}
	if len(out.Events) == 0 {
		out.Ignored = 1
	}
	return out, nil
}

func addresses(rs []sesRecipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.EmailAddress != "" {
			out = append(out, r.EmailAddress)
		}
	}
	return out
}

// flexibleID accepts a JSON number or a numeric string.
func flexibleID(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func tagID(values []string) int64 {
	if len(values) == 0 {
		return 0
	}
	id, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
