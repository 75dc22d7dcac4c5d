package reconcile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/ignite/newsletter-queue/internal/domain"
)

var addrPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// ParseBounce extracts bounced recipients from a delivery status
// notification. RFC 3464 reports are read structurally; other bounce
// formats fall back to scanning the human-readable part for a failed
// address. A message with no recognizable recipient wraps ErrParse.
func ParseBounce(raw []byte) ([]ProviderEvent, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer mr.Close()

	occurred := time.Time{}
	if d, err := mr.Header.Date(); err == nil {
		occurred = d.UTC()
	}

	var (
		recipients   []string
		original     textproto.Header
		haveOriginal bool
		text         []byte
		sawDSN       bool
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if part == nil {
			break
		}

		ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		body, err := io.ReadAll(io.LimitReader(part.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}

		switch ct {
		case "message/delivery-status", "message/global-delivery-status":
			sawDSN = true
			recipients = append(recipients, failedRecipients(body)...)
		case "message/rfc822", "text/rfc822-headers", "message/rfc822-headers":
			r := bufio.NewReader(io.MultiReader(bytes.NewReader(body), strings.NewReader("\r\n\r\n")))
			if h, err := textproto.ReadHeader(r); err == nil {
				original, haveOriginal = h, true
			}
		case "text/plain", "":
			if text == nil {
				text = body
			}
		}
	}

	if !sawDSN && len(recipients) == 0 {
		recipients = scanFailedAddress(text)
	}
	if len(recipients) == 0 {
		if sawDSN {
			// A report with only delayed or delivered actions.
			return nil, nil
		}
		return nil, fmt.Errorf("%w: no bounced recipient found", ErrParse)
	}

	base := ProviderEvent{
		Type:       domain.EventBounced,
		RawType:    "dsn",
		OccurredAt: occurred,
	}
	if haveOriginal {
		base.JobID = strings.TrimSpace(original.Get(domain.HeaderJobID))
		if id, err := strconv.ParseInt(strings.TrimSpace(original.Get(domain.HeaderNewsletterID)), 10, 64); err == nil {
			base.NewsletterID = id
		}
		base.ProviderMessageID = strings.Trim(strings.TrimSpace(original.Get("Message-Id")), "<>")
	}

	events := make([]ProviderEvent, 0, len(recipients))
	seen := make(map[string]bool)
	for _, r := range recipients {
		key := strings.ToLower(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		ev := base
		ev.RecipientEmail = r
		events = append(events, ev)
	}
	return events, nil
}

// failedRecipients reads the per-recipient blocks of a delivery-status
// body and returns addresses whose action is failed with a 5.x.x status.
func failedRecipients(body []byte) []string {
	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(normalized, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block + "\n\n")))
		if err != nil {
			continue
		}
		rcpt := h.Get("Final-Recipient")
		if rcpt == "" {
			rcpt = h.Get("Original-Recipient")
		}
		if rcpt == "" {
			continue
		}
		if action := strings.ToLower(strings.TrimSpace(h.Get("Action"))); action != "" && action != "failed" {
			continue
		}
		if status := strings.TrimSpace(h.Get("Status")); status != "" && !strings.HasPrefix(status, "5") {
			continue
		}
		if i := strings.IndexByte(rcpt, ';'); i >= 0 {
			rcpt = rcpt[i+1:]
		}
		if addr := addrPattern.FindString(rcpt); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

var failurePhrases = []string{
	"delivery to the following recipient",
	"could not be delivered",
	"undeliverable",
	"user unknown",
	"mailbox unavailable",
	"does not exist",
	"address rejected",
	"failed permanently",
}

// scanFailedAddress handles non-standard bounces: the first address that
// appears on or right after a line carrying a failure phrase.
func scanFailedAddress(text []byte) []string {
	if len(text) == 0 {
		return nil
	}
	lines := strings.Split(strings.ReplaceAll(string(text), "\r\n", "\n"), "\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, phrase := range failurePhrases {
			if !strings.Contains(lower, phrase) {
				continue
			}
			for j := i; j < len(lines) && j <= i+3; j++ {
				if addr := addrPattern.FindString(lines[j]); addr != "" && !strings.Contains(strings.ToLower(addr), "mailer-daemon") {
					return []string{addr}
				}
			}
		}
	}
	return nil
}
