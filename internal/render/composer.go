// Package render turns a newsletter and a queue job into the concrete
// message handed to a provider: per-recipient Liquid rendering plus the
// tracking headers that let asynchronous events find their way back.
package render

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strconv"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// Composer renders outbound messages. Parsed templates are cached by
// content hash, so a batch of one newsletter parses its body once.
type Composer struct {
	engine *liquid.Engine
	cache  sync.Map // uint64 -> *liquid.Template
}

// NewComposer creates a Composer with the urlencode filter registered.
func NewComposer() *Composer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})
	return &Composer{engine: engine}
}

// Compose renders n for the recipient of job.
func (c *Composer) Compose(n *domain.Newsletter, job domain.QueueJob) (*domain.OutboundMessage, error) {
	bindings := Bindings(n, job)

	subject, err := c.render(n.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	body, err := c.render(n.HTMLBody, bindings)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	headers := map[string]string{
		domain.HeaderNewsletterID: strconv.FormatInt(n.ID, 10),
		domain.HeaderJobID:        job.ID,
	}
	if n.UnsubscribeURL != "" {
		unsub, err := c.render(n.UnsubscribeURL, bindings)
		if err != nil {
			return nil, fmt.Errorf("render unsubscribe url: %w", err)
		}
		headers["List-Unsubscribe"] = "<" + unsub + ">"
		if u, err := url.Parse(unsub); err == nil && u.Scheme == "https" {
			headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
		}
	}

	return &domain.OutboundMessage{
		JobID:        job.ID,
		NewsletterID: n.ID,
		FromName:     n.FromName,
		FromEmail:    n.FromEmail,
		ReplyTo:      n.ReplyTo,
		To:           job.RecipientEmail,
		Subject:      subject,
		HTMLBody:     body,
		Headers:      headers,
	}, nil
}

// Bindings are the template variables available to newsletter content.
func Bindings(n *domain.Newsletter, job domain.QueueJob) map[string]interface{} {
	var userID interface{}
	if job.RecipientUserID != nil {
		userID = *job.RecipientUserID
	}
	return map[string]interface{}{
		"recipient": map[string]interface{}{
			"email":   job.RecipientEmail,
			"user_id": userID,
		},
		"newsletter": map[string]interface{}{
			"id":      n.ID,
			"subject": n.Subject,
		},
	}
}

func (c *Composer) render(src string, bindings map[string]interface{}) (string, error) {
	h := fnv.New64a()
	h.Write([]byte(src))
	key := h.Sum64()

	var tpl *liquid.Template
	if cached, ok := c.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := c.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		c.cache.Store(key, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}
