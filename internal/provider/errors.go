package provider

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// ErrConfiguration marks missing or unusable provider credentials.
var ErrConfiguration = errors.New("provider configuration error")

// Class buckets send failures by retry eligibility.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// SendError is the normalized failure returned by every backend.
//
// Auth marks a rejection of the credentials rather than of the message.
// It is transient for the job, but the dispatcher stops the cycle on it
// instead of burning the retry budget of every claimed job.
type SendError struct {
	Class    Class
	Provider domain.ProviderKind
	Code     string
	Auth     bool
	Err      error
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s error (%s): %v", e.Provider, e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Class == Permanent
}

// IsTransient reports whether err is retry-eligible. Unclassified errors
// count as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err) && !errors.Is(err, ErrConfiguration)
}

// IsAuthFailure reports whether the backend rejected the credentials
// mid-send.
func IsAuthFailure(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Auth
}

func transient(kind domain.ProviderKind, code string, err error) *SendError {
	return &SendError{Class: Transient, Provider: kind, Code: code, Err: err}
}

func permanent(kind domain.ProviderKind, code string, err error) *SendError {
	return &SendError{Class: Permanent, Provider: kind, Code: code, Err: err}
}

func authFailure(kind domain.ProviderKind, code string, err error) *SendError {
	return &SendError{Class: Transient, Provider: kind, Code: code, Auth: true, Err: err}
}

// classifyStatus maps an HTTP API response status to a SendError.
// Rejections of the request itself are permanent; throttling and server
// errors are transient. 401 and 403 are auth failures.
func classifyStatus(kind domain.ProviderKind, status int, body []byte) *SendError {
	err := fmt.Errorf("HTTP %d: %s", status, truncateBody(body))
	code := fmt.Sprintf("http_%d", status)
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return authFailure(kind, code, err)
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500,
		status == http.StatusNotFound:
		return transient(kind, code, err)
	case status >= 400:
		return permanent(kind, code, err)
	}
	return transient(kind, code, err)
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
