package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that cannot be used to run the queue.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Bounce    BounceConfig    `yaml:"bounce"`
	SESEvents SESEventsConfig `yaml:"ses_events"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AdminToken     string   `yaml:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds the optional Redis connection. Empty URL disables
// Redis; locks fall back to Postgres advisory locks and event dedup to
// process memory.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ProviderConfig selects the single active transport and holds the
// credentials of every backend. Only the active block is validated.
type ProviderConfig struct {
	Active   string         `yaml:"active"`
	SES      SESConfig      `yaml:"ses"`
	SendGrid SendGridConfig `yaml:"sendgrid"`
	Mailgun  MailgunConfig  `yaml:"mailgun"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Graph    GraphConfig    `yaml:"graph"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SendGridConfig holds SendGrid v3 API configuration.
type SendGridConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SendGridConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MailgunConfig holds Mailgun API configuration
type MailgunConfig struct {
	APIKey         string `yaml:"api_key"`
	Domain         string `yaml:"domain"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c MailgunConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMTPConfig holds generic SMTP relay settings.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	HeloDomain     string `yaml:"helo_domain"`
	Encryption     string `yaml:"encryption"` // "starttls", "tls" or "none"
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GraphConfig holds Microsoft Graph settings for sending through a
// hosted mailbox with an app registration (client credentials flow).
type GraphConfig struct {
	TenantID       string `yaml:"tenant_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Mailbox        string `yaml:"mailbox"`
	BaseURL        string `yaml:"base_url"`
	TokenURL       string `yaml:"token_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Token returns the OAuth2 token endpoint, derived from the tenant
// unless overridden.
func (c GraphConfig) Token() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

// DispatchConfig controls batch sizing, throttling and cadence.
type DispatchConfig struct {
	BatchSize         int `yaml:"batch_size"`
	RatePerHour       int `yaml:"rate_per_hour"`
	IntervalSeconds   int `yaml:"interval_seconds"`
	StaleAfterMinutes int `yaml:"stale_after_minutes"`
	LockTTLSeconds    int `yaml:"lock_ttl_seconds"`
}

// Interval returns the scheduler tick as a duration
func (c DispatchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StaleAfter returns how long a claim may sit in processing before it is
// reclaimable.
func (c DispatchConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// LockTTL returns the dispatch lock lifetime.
func (c DispatchConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// WebhookConfig holds the per-provider signing secrets. For SendGrid the
// secret is the base64 verification public key, for Mailgun the HTTP
// webhook signing key, for SES the token carried on the SNS endpoint URL.
type WebhookConfig struct {
	SendGridSecret  string `yaml:"sendgrid_secret"`
	MailgunSecret   string `yaml:"mailgun_secret"`
	SESSecret       string `yaml:"ses_secret"`
	DedupTTLHours   int    `yaml:"dedup_ttl_hours"`
	MaxTimestampAge int    `yaml:"max_timestamp_age_seconds"`
}

// Secret returns the configured secret for a provider kind string.
func (c WebhookConfig) Secret(kind string) string {
	switch kind {
	case "sendgrid":
		return c.SendGridSecret
	case "mailgun":
		return c.MailgunSecret
	case "ses":
		return c.SESSecret
	}
	return ""
}

// DedupTTL returns how long event dedup keys are remembered.
func (c WebhookConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLHours) * time.Hour
}

// BounceConfig holds the IMAP bounce mailbox settings.
type BounceConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	Mailbox             string `yaml:"mailbox"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MaxPerPoll          int    `yaml:"max_per_poll"`
}

// PollInterval returns the mailbox poll cadence.
func (c BounceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Addr returns host:port for the IMAP dialer.
func (c BounceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SESEventsConfig holds the SQS queue that receives SES event
// notifications through SNS.
type SESEventsConfig struct {
	Enabled            bool   `yaml:"enabled"`
	QueueURL           string `yaml:"queue_url"`
	Region             string `yaml:"region"`
	WaitTimeSeconds    int32  `yaml:"wait_time_seconds"`
	MaxMessagesPerPoll int32  `yaml:"max_messages_per_poll"`
}

// ArchiveConfig holds the optional S3 archive of raw webhook payloads.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. Defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}

	if cfg.Provider.SES.Region == "" {
		cfg.Provider.SES.Region = "us-west-2"
	}
	if cfg.Provider.SES.TimeoutSeconds == 0 {
		cfg.Provider.SES.TimeoutSeconds = 30
	}
	if cfg.Provider.SendGrid.BaseURL == "" {
		cfg.Provider.SendGrid.BaseURL = "https://api.sendgrid.com"
	}
	if cfg.Provider.SendGrid.TimeoutSeconds == 0 {
		cfg.Provider.SendGrid.TimeoutSeconds = 30
	}
	if cfg.Provider.Mailgun.BaseURL == "" {
		cfg.Provider.Mailgun.BaseURL = "https://api.mailgun.net"
	}
	if cfg.Provider.Mailgun.TimeoutSeconds == 0 {
		cfg.Provider.Mailgun.TimeoutSeconds = 30
	}
	if cfg.Provider.SMTP.Port == 0 {
		cfg.Provider.SMTP.Port = 587
	}
	if cfg.Provider.SMTP.Encryption == "" {
		cfg.Provider.SMTP.Encryption = "starttls"
	}
	if cfg.Provider.SMTP.TimeoutSeconds == 0 {
		cfg.Provider.SMTP.TimeoutSeconds = 30
	}
	if cfg.Provider.Graph.BaseURL == "" {
		cfg.Provider.Graph.BaseURL = "https://graph.microsoft.com"
	}
	if cfg.Provider.Graph.TimeoutSeconds == 0 {
		cfg.Provider.Graph.TimeoutSeconds = 30
	}

	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 100
	}
	if cfg.Dispatch.RatePerHour == 0 {
		cfg.Dispatch.RatePerHour = 500
	}
	if cfg.Dispatch.IntervalSeconds == 0 {
		cfg.Dispatch.IntervalSeconds = 60
	}
	if cfg.Dispatch.StaleAfterMinutes == 0 {
		cfg.Dispatch.StaleAfterMinutes = 10
	}
	if cfg.Dispatch.LockTTLSeconds == 0 {
		cfg.Dispatch.LockTTLSeconds = cfg.Dispatch.StaleAfterMinutes * 60
	}

	if cfg.Webhooks.DedupTTLHours == 0 {
		cfg.Webhooks.DedupTTLHours = 72
	}
	if cfg.Webhooks.MaxTimestampAge == 0 {
		cfg.Webhooks.MaxTimestampAge = 600
	}

	if cfg.Bounce.Port == 0 {
		cfg.Bounce.Port = 993
	}
	if cfg.Bounce.Mailbox == "" {
		cfg.Bounce.Mailbox = "INBOX"
	}
	if cfg.Bounce.PollIntervalSeconds == 0 {
		cfg.Bounce.PollIntervalSeconds = 300
	}
	if cfg.Bounce.MaxPerPoll == 0 {
		cfg.Bounce.MaxPerPoll = 200
	}

	if cfg.SESEvents.Region == "" {
		cfg.SESEvents.Region = cfg.Provider.SES.Region
	}
	if cfg.SESEvents.WaitTimeSeconds == 0 {
		cfg.SESEvents.WaitTimeSeconds = 20
	}
	if cfg.SESEvents.MaxMessagesPerPoll == 0 {
		cfg.SESEvents.MaxMessagesPerPoll = 10
	}

	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "webhooks/"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = cfg.Provider.SES.Region
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"DATABASE_URL", &cfg.Database.URL},
		{"REDIS_URL", &cfg.Redis.URL},
		{"ADMIN_TOKEN", &cfg.Server.AdminToken},
		{"EMAIL_PROVIDER", &cfg.Provider.Active},
		{"AWS_SES_ACCESS_KEY", &cfg.Provider.SES.AccessKey},
		{"AWS_SES_SECRET_KEY", &cfg.Provider.SES.SecretKey},
		{"AWS_SES_REGION", &cfg.Provider.SES.Region},
		{"SENDGRID_API_KEY", &cfg.Provider.SendGrid.APIKey},
		{"MAILGUN_API_KEY", &cfg.Provider.Mailgun.APIKey},
		{"MAILGUN_DOMAIN", &cfg.Provider.Mailgun.Domain},
		{"SMTP_PASSWORD", &cfg.Provider.SMTP.Password},
		{"GRAPH_CLIENT_SECRET", &cfg.Provider.Graph.ClientSecret},
		{"WEBHOOK_SECRET_SENDGRID", &cfg.Webhooks.SendGridSecret},
		{"WEBHOOK_SECRET_MAILGUN", &cfg.Webhooks.MailgunSecret},
		{"WEBHOOK_SECRET_SES", &cfg.Webhooks.SESSecret},
		{"BOUNCE_IMAP_PASSWORD", &cfg.Bounce.Password},
		{"SES_EVENTS_QUEUE_URL", &cfg.SESEvents.QueueURL},
		{"ARCHIVE_S3_BUCKET", &cfg.Archive.Bucket},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Validate reports settings that make the queue unusable. Every problem
// is listed; the result wraps ErrInvalid.
func (cfg *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Dispatch.BatchSize < 1 {
		add("dispatch.batch_size must be positive")
	}
	if cfg.Dispatch.RatePerHour < 1 {
		add("dispatch.rate_per_hour must be positive")
	}
	// Another cycle may only start once the holder's claims are stale.
	if cfg.Dispatch.LockTTL() < cfg.Dispatch.StaleAfter() {
		add("dispatch.lock_ttl_seconds must be at least stale_after_minutes")
	}

	p := cfg.Provider
	switch p.Active {
	case "ses":
		if (p.SES.AccessKey == "") != (p.SES.SecretKey == "") {
			add("provider.ses: access_key and secret_key must be set together")
		}
	case "sendgrid":
		if p.SendGrid.APIKey == "" {
			add("provider.sendgrid.api_key is required")
		}
	case "mailgun":
		if p.Mailgun.APIKey == "" || p.Mailgun.Domain == "" {
			add("provider.mailgun: api_key and domain are required")
		}
	case "smtp":
		if p.SMTP.Host == "" {
			add("provider.smtp.host is required")
		}
		switch p.SMTP.Encryption {
		case "starttls", "tls", "none":
		default:
			add("provider.smtp.encryption must be starttls, tls or none")
		}
	case "graph":
		if p.Graph.TenantID == "" || p.Graph.ClientID == "" || p.Graph.ClientSecret == "" || p.Graph.Mailbox == "" {
			add("provider.graph: tenant_id, client_id, client_secret and mailbox are required")
		}
	case "":
		add("provider.active is required")
	default:
		add("provider.active %q is not a known provider", p.Active)
	}

	if cfg.Bounce.Enabled && (cfg.Bounce.Host == "" || cfg.Bounce.Username == "") {
		add("bounce: host and username are required when enabled")
	}
	if cfg.SESEvents.Enabled && cfg.SESEvents.QueueURL == "" {
		add("ses_events.queue_url is required when enabled")
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		add("archive.bucket is required when enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
