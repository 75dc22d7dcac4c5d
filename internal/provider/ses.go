package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESSender sends raw MIME messages through AWS SES v2.
type SESSender struct {
	client    SESAPI
	configSet string
	timeout   time.Duration
}

// NewSES creates an SES sender. Static credentials are used when both keys
// are set, otherwise the default AWS credential chain.
func NewSES(ctx context.Context, cfg config.SESConfig, o *options) (*SESSender, error) {
	s := &SESSender{configSet: cfg.ConfigurationSet, timeout: cfg.Timeout(), client: o.ses}
	if s.client != nil {
		return s, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %v", ErrConfiguration, err)
	}
	s.client = sesv2.NewFromConfig(awsCfg)
	return s, nil
}

// Kind implements Provider.
func (s *SESSender) Kind() domain.ProviderKind { return domain.ProviderSES }

// Send implements Provider.
func (s *SESSender) Send(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	raw, _, err := composeMIME(msg, time.Now())
	if err != nil {
		return "", permanent(domain.ProviderSES, "mime", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
		EmailTags: []types.MessageTag{
			{Name: aws.String("newsletter_id"), Value: aws.String(strconv.FormatInt(msg.NewsletterID, 10))},
			{Name: aws.String("job_id"), Value: aws.String(msg.JobID)},
		},
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySES(err)
	}
	return aws.ToString(out.MessageId), nil
}

// Validate checks the account can send.
func (s *SESSender) Validate(ctx context.Context) error {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return fmt.Errorf("%w: ses GetAccount: %v", ErrConfiguration, err)
	}
	if !out.SendingEnabled {
		return fmt.Errorf("%w: ses sending is disabled for this account", ErrConfiguration)
	}
	if !out.ProductionAccessEnabled {
		logger.Warn("ses account is in sandbox; only verified recipients will receive mail")
	}
	return nil
}

var sesAuthCodes = map[string]bool{
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"ExpiredTokenException":       true,
}

var sesPermanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"BadRequestException":                true,
}

func classifySES(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return permanent(domain.ProviderSES, "MessageRejected", err)
	}
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return permanent(domain.ProviderSES, "MailFromDomainNotVerifiedException", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if sesPermanentCodes[code] {
			return permanent(domain.ProviderSES, code, err)
		}
		if sesAuthCodes[code] {
			return authFailure(domain.ProviderSES, code, err)
		}
		// Throttling, paused sending, suspended accounts and server faults
		// all clear up without touching the message.
		return transient(domain.ProviderSES, code, err)
	}
	return transient(domain.ProviderSES, "", err)
}
