package reconcile

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
)

// SignedPayload is an inbound webhook request as seen by a Verifier.
type SignedPayload struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// Verifier authenticates a webhook payload. Failures wrap
// ErrInvalidSignature.
type Verifier interface {
	Verify(p SignedPayload) error
}

const (
	sendGridSignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	sendGridTimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// SendGridVerifier checks the signed event webhook: an ECDSA P-256
// signature over timestamp||body, with the account's verification key.
type SendGridVerifier struct {
	key    *ecdsa.PublicKey
	maxAge time.Duration
	now    func() time.Time
}

// NewSendGridVerifier parses the base64 DER public key shown in the
// SendGrid console.
func NewSendGridVerifier(publicKey string, maxAge time.Duration) (*SendGridVerifier, error) {
	der, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode sendgrid verification key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse sendgrid verification key: %w", err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sendgrid verification key is %T, want ECDSA", pub)
	}
	return &SendGridVerifier{key: key, maxAge: maxAge, now: time.Now}, nil
}

func (v *SendGridVerifier) Verify(p SignedPayload) error {
	sig := p.Header.Get(sendGridSignatureHeader)
	ts := p.Header.Get(sendGridTimestampHeader)
	if sig == "" || ts == "" {
		return fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}
	if err := checkAge(ts, v.maxAge, v.now()); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	digest := sha256.Sum256(append([]byte(ts), p.Body...))
	if !ecdsa.VerifyASN1(v.key, digest[:], raw) {
		return ErrInvalidSignature
	}
	return nil
}

// MailgunVerifier checks the signature block embedded in Mailgun's JSON
// webhooks: hex HMAC-SHA256 over timestamp||token with the signing key.
type MailgunVerifier struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewMailgunVerifier creates a verifier for the webhook signing key.
func NewMailgunVerifier(signingKey string, maxAge time.Duration) *MailgunVerifier {
	return &MailgunVerifier{key: []byte(signingKey), maxAge: maxAge, now: time.Now}
}

func (v *MailgunVerifier) Verify(p SignedPayload) error {
	var envelope struct {
		Signature struct {
			Timestamp string `json:"timestamp"`
			Token     string `json:"token"`
			Signature string `json:"signature"`
		} `json:"signature"`
	}
	if err := json.Unmarshal(p.Body, &envelope); err != nil {
		return fmt.Errorf("%w: unreadable signature block", ErrInvalidSignature)
	}
	s := envelope.Signature
	if s.Timestamp == "" || s.Token == "" || s.Signature == "" {
		return fmt.Errorf("%w: missing signature block", ErrInvalidSignature)
	}
	if err := checkAge(s.Timestamp, v.maxAge, v.now()); err != nil {
		return err
	}
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(s.Timestamp + s.Token))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(s.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// TokenVerifier authenticates SNS deliveries. SNS cannot sign with a
// shared secret, so the subscription endpoint carries ?token=<secret>.
type TokenVerifier struct {
	token []byte
}

// NewTokenVerifier creates a query-token verifier.
func NewTokenVerifier(token string) *TokenVerifier {
	return &TokenVerifier{token: []byte(token)}
}

func (v *TokenVerifier) Verify(p SignedPayload) error {
	got := []byte(p.Query.Get("token"))
	if len(got) == 0 || subtle.ConstantTimeCompare(got, v.token) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

type rejectAll struct{ reason string }

func (r rejectAll) Verify(SignedPayload) error {
	return fmt.Errorf("%w: %s", ErrInvalidSignature, r.reason)
}

// NewVerifiers builds one verifier per webhook provider. A provider with
// no secret configured rejects every request.
func NewVerifiers(cfg config.WebhookConfig) (map[domain.ProviderKind]Verifier, error) {
	maxAge := time.Duration(cfg.MaxTimestampAge) * time.Second
	out := make(map[domain.ProviderKind]Verifier, 3)

	if cfg.SendGridSecret == "" {
		out[domain.ProviderSendGrid] = rejectAll{"sendgrid verification key not configured"}
	} else {
		v, err := NewSendGridVerifier(cfg.SendGridSecret, maxAge)
		if err != nil {
			return nil, err
		}
		out[domain.ProviderSendGrid] = v
	}

	if cfg.MailgunSecret == "" {
		out[domain.ProviderMailgun] = rejectAll{"mailgun signing key not configured"}
	} else {
		out[domain.ProviderMailgun] = NewMailgunVerifier(cfg.MailgunSecret, maxAge)
	}

	if cfg.SESSecret == "" {
		out[domain.ProviderSES] = rejectAll{"ses webhook token not configured"}
	} else {
		out[domain.ProviderSES] = NewTokenVerifier(cfg.SESSecret)
	}
	return out, nil
}

func checkAge(ts string, maxAge time.Duration, now time.Time) error {
	if maxAge <= 0 {
		return nil
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	age := now.Sub(time.Unix(sec, 0))
	if age > maxAge || age < -maxAge {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	return nil
}
