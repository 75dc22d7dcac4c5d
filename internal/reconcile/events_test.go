package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/domain"
)

func TestParse_SendGrid(t *testing.T) {
	body := []byte(`[
		{"event":"delivered","email":"a@example.com","sg_message_id":"abc123.filterdrecv-1","timestamp":1767225600,"newsletter_id":"7","job_id":"j1"},
		{"event":"click","email":"a@example.com","sg_message_id":"abc123.filterdrecv-1","url":"https://pta.example.org/bake-sale","newsletter_id":7},
		{"event":"deferred","email":"a@example.com"},
		{"event":"spamreport","email":"b@example.com","sg_message_id":"def456"}
	]`)

	parsed, err := Parse(domain.ProviderSendGrid, body)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.Ignored)
	require.Len(t, parsed.Events, 3)

	d := parsed.Events[0]
	assert.Equal(t, domain.EventDelivered, d.Type)
	assert.Equal(t, "abc123", d.ProviderMessageID)
	assert.Equal(t, int64(7), d.NewsletterID)
	assert.Equal(t, "j1", d.JobID)
	assert.Equal(t, int64(1767225600), d.OccurredAt.Unix())

	assert.Equal(t, domain.EventClicked, parsed.Events[1].Type)
	assert.Equal(t, int64(7), parsed.Events[1].NewsletterID)
	assert.Equal(t, "https://pta.example.org/bake-sale", parsed.Events[1].LinkURL)

	assert.Equal(t, domain.EventComplained, parsed.Events[2].Type)
	assert.Zero(t, parsed.Events[2].NewsletterID)
}

func TestParse_SendGridMalformed(t *testing.T) {
	_, err := Parse(domain.ProviderSendGrid, []byte(`{"event":"delivered"}`))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParse_Mailgun(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType domain.EventType
	}{
		{"delivered", `{"event":"delivered","recipient":"a@example.com"}`, domain.EventDelivered},
		{"permanent failure", `{"event":"failed","severity":"permanent","recipient":"a@example.com"}`, domain.EventBounced},
		{"temporary failure", `{"event":"failed","severity":"temporary","recipient":"a@example.com"}`, ""},
		{"unsubscribed", `{"event":"unsubscribed","recipient":"a@example.com"}`, ""},
		{"complained", `{"event":"complained","recipient":"a@example.com"}`, domain.EventComplained},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse(domain.ProviderMailgun, []byte(`{"event-data":`+tt.data+`}`))
			require.NoError(t, err)
			if tt.wantType == "" {
				assert.Empty(t, parsed.Events)
				assert.Equal(t, 1, parsed.Ignored)
				return
			}
			require.Len(t, parsed.Events, 1)
			assert.Equal(t, tt.wantType, parsed.Events[0].Type)
		})
	}
}

func TestParse_MailgunMetadata(t *testing.T) {
	body := []byte(`{"event-data":{"event":"opened","recipient":"a@example.com","timestamp":1767225600.25,
		"message":{"headers":{"message-id":"<20260101.1@mg.pta.example.org>"}},
		"user-variables":{"newsletter_id":"12","job_id":"j9"}}}`)
	parsed, err := Parse(domain.ProviderMailgun, body)
	require.NoError(t, err)
	require.Len(t, parsed.Events, 1)
	ev := parsed.Events[0]
	assert.Equal(t, "20260101.1@mg.pta.example.org", ev.ProviderMessageID)
	assert.Equal(t, int64(12), ev.NewsletterID)
	assert.Equal(t, "j9", ev.JobID)
}

func snsNotification(t *testing.T, sesEvent string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"Type":      "Notification",
		"MessageId": "sns-1",
		"TopicArn":  "arn:aws:sns:us-west-2:123456789012:ses-events",
		"Message":   sesEvent,
	})
	require.NoError(t, err)
	return b
}

func TestParse_SESBounce(t *testing.T) {
	body := snsNotification(t, `{"eventType":"Bounce","mail":{"messageId":"0101-ses","timestamp":"2026-01-01T00:00:00Z",
		"destination":["a@example.com","b@example.com"],"tags":{"newsletter_id":["7"],"job_id":["j1"]}},
		"bounce":{"bounceType":"Permanent","bouncedRecipients":[{"emailAddress":"a@example.com"}],"timestamp":"2026-01-01T00:01:00Z"}}`)

	parsed, err := Parse(domain.ProviderSES, body)
	require.NoError(t, err)
	require.Len(t, parsed.Events, 1)
	ev := parsed.Events[0]
	assert.Equal(t, domain.EventBounced, ev.Type)
	assert.Equal(t, "a@example.com", ev.RecipientEmail)
	assert.Equal(t, "0101-ses", ev.ProviderMessageID)
	assert.Equal(t, int64(7), ev.NewsletterID)
	assert.Equal(t, "j1", ev.JobID)
	assert.Equal(t, "2026-01-01T00:01:00Z", ev.OccurredAt.Format("2006-01-02T15:04:05Z"))
}

func TestParse_SESTransientBounceIgnored(t *testing.T) {
	body := snsNotification(t, `{"eventType":"Bounce","mail":{"messageId":"m"},
		"bounce":{"bounceType":"Transient","bouncedRecipients":[{"emailAddress":"a@example.com"}]}}`)
	parsed, err := Parse(domain.ProviderSES, body)
	require.NoError(t, err)
	assert.Empty(t, parsed.Events)
	assert.Equal(t, 1, parsed.Ignored)
}

func TestParse_SESLegacyNotificationAndRaw(t *testing.T) {
	raw := []byte(`{"notificationType":"Delivery","mail":{"messageId":"m2"},"delivery":{"recipients":["c@example.com"]}}`)
	parsed, err := Parse(domain.ProviderSES, raw)
	require.NoError(t, err)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, domain.EventDelivered, parsed.Events[0].Type)

	click := snsNotification(t, `{"eventType":"Click","mail":{"messageId":"m3","destination":["d@example.com"]},"click":{"link":"https://x.example/y"}}`)
	parsed, err = Parse(domain.ProviderSES, click)
	require.NoError(t, err)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, "https://x.example/y", parsed.Events[0].LinkURL)
}

func TestParse_SNSSubscriptionConfirmation(t *testing.T) {
	body := []byte(`{"Type":"SubscriptionConfirmation","SubscribeURL":"https://sns.us-west-2.amazonaws.com/?Action=ConfirmSubscription&Token=x"}`)
	parsed, err := Parse(domain.ProviderSES, body)
	require.NoError(t, err)
	assert.Equal(t, "https://sns.us-west-2.amazonaws.com/?Action=ConfirmSubscription&Token=x", parsed.SubscribeURL)
}

func TestParse_UnsupportedProvider(t *testing.T) {
	_, err := Parse(domain.ProviderSMTP, []byte(`{}`))
	assert.Error(t, err)
}
