// Package archive keeps raw webhook bodies in S3 so provider disputes can
// be checked against exactly what was received.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/domain"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archiver writes one object per webhook request.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// New creates an archiver from the default AWS credential chain.
func New(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient creates an archiver over an existing client.
func NewWithClient(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a body received at.
// Layout: <prefix><provider>/YYYY/MM/DD/<unix-nanos>-<uuid>.json
func (a *S3Archiver) Key(kind domain.ProviderKind, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%d-%s.json", at.UnixNano(), uuid.NewString())
	return a.prefix + path.Join(string(kind), at.Format("2006/01/02"), name)
}

// Archive stores body.
func (a *S3Archiver) Archive(ctx context.Context, kind domain.ProviderKind, body []byte, at time.Time) error {
	key := a.Key(kind, at)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType(body)),
		Metadata: map[string]string{
			"provider":    string(kind),
			"received-at": at.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// Get reads an archived body back.
func (a *S3Archiver) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func contentType(body []byte) string {
	trimmed := strings.TrimSpace(string(body[:min(len(body), 16)]))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return "application/octet-stream"
}
