package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
)

// SMTPSender relays through a generic SMTP server.
type SMTPSender struct {
	host       string
	port       int
	username   string
	password   string
	helo       string
	encryption string
	timeout    time.Duration

	// TLSConfig overrides the client TLS settings. Tests use it to trust
	// a local certificate.
	TLSConfig *tls.Config
}

// NewSMTP creates an SMTP sender.
func NewSMTP(cfg config.SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp host not configured", ErrConfiguration)
	}
	return &SMTPSender{
		host:       cfg.Host,
		port:       cfg.Port,
		username:   cfg.Username,
		password:   cfg.Password,
		helo:       cfg.HeloDomain,
		encryption: cfg.Encryption,
		timeout:    cfg.Timeout(),
	}, nil
}

// Kind implements Provider.
func (s *SMTPSender) Kind() domain.ProviderKind { return domain.ProviderSMTP }

// Send implements Provider. The returned id is the Message-ID header.
func (s *SMTPSender) Send(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	raw, messageID, err := composeMIME(msg, time.Now())
	if err != nil {
		return "", permanent(domain.ProviderSMTP, "mime", err)
	}

	c, err := s.dial(ctx)
	if err != nil {
		return "", classifySMTP(err)
	}
	defer c.Close()

	if err := c.Mail(msg.FromEmail); err != nil {
		return "", classifySMTP(fmt.Errorf("MAIL FROM: %w", err))
	}
	if err := c.Rcpt(msg.To); err != nil {
		return "", classifySMTP(fmt.Errorf("RCPT TO: %w", err))
	}
	w, err := c.Data()
	if err != nil {
		return "", classifySMTP(fmt.Errorf("DATA: %w", err))
	}
	if _, err := w.Write(raw); err != nil {
		return "", classifySMTP(fmt.Errorf("write: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", classifySMTP(fmt.Errorf("DATA close: %w", err))
	}
	// The message is accepted once DATA closes; a failed QUIT does not
	// change that.
	_ = c.Quit()
	return messageID, nil
}

// Validate connects, negotiates TLS and authenticates without sending.
func (s *SMTPSender) Validate(ctx context.Context) error {
	c, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	defer c.Close()
	if err := c.Noop(); err != nil {
		return fmt.Errorf("smtp noop: %w", err)
	}
	return c.Quit()
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	if s.TLSConfig != nil {
		return s.TLSConfig
	}
	return &tls.Config{ServerName: s.host}
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	dialer := &net.Dialer{Timeout: s.timeout}

	var (
		conn net.Conn
		err  error
	)
	if s.encryption == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("SMTP connect to %s: %w", addr, err)
	}
	if s.timeout > 0 {
		conn.SetDeadline(time.Now().Add(s.timeout))
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP client: %w", err)
	}
	if s.helo != "" {
		if err := c.Hello(s.helo); err != nil {
			c.Close()
			return nil, fmt.Errorf("EHLO: %w", err)
		}
	}

	if s.encryption == "starttls" {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, fmt.Errorf("%w: %s does not offer STARTTLS", ErrConfiguration, s.host)
		}
		if err := c.StartTLS(s.tlsConfig()); err != nil {
			c.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if s.username != "" {
		var auth smtp.Auth
		if s.encryption == "none" {
			auth = &plainAuth{user: s.username, pass: s.password}
		} else {
			auth = smtp.PlainAuth("", s.username, s.password, s.host)
		}
		if err := c.Auth(auth); err != nil {
			c.Close()
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}
	return c, nil
}

// plainAuth is AUTH PLAIN without net/smtp's TLS requirement, for relays
// on private networks configured with encryption "none".
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}

// classifySMTP maps reply codes: 5xx on the envelope or data is
// permanent, 4xx and connection problems are transient. Authentication
// rejections (530/534/535) are auth failures.
func classifySMTP(err error) error {
	if errors.Is(err, ErrConfiguration) {
		return transient(domain.ProviderSMTP, "config", err)
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code := strconv.Itoa(tpErr.Code)
		switch {
		case tpErr.Code == 530 || tpErr.Code == 535 || tpErr.Code == 534:
			return authFailure(domain.ProviderSMTP, code, err)
		case tpErr.Code >= 500:
			return permanent(domain.ProviderSMTP, code, err)
		default:
			return transient(domain.ProviderSMTP, code, err)
		}
	}
	return transient(domain.ProviderSMTP, "network", err)
}
