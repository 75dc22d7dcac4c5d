// Package ratelimit computes how many jobs a dispatch cycle may claim.
//
// The budget is derived from durable state rather than a counter: the
// number of jobs the queue store reports as sent in the trailing window.
// Restarts, multiple workers and manual runs therefore all see the same
// number.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Window is the accounting period for RatePerHour.
const Window = time.Hour

// SentCounter reports sends inside the trailing window.
type SentCounter interface {
	CountSentSince(ctx context.Context, window time.Duration) (int, error)
}

// Limiter caps each cycle at min(batchSize, ratePerHour - sentInWindow).
type Limiter struct {
	counter     SentCounter
	ratePerHour int
}

// New creates a Limiter.
func New(counter SentCounter, ratePerHour int) *Limiter {
	return &Limiter{counter: counter, ratePerHour: ratePerHour}
}

// Allowance is the budget for one cycle.
type Allowance struct {
	SentInWindow int  `json:"sent_in_window"`
	Remaining    int  `json:"remaining"`
	Batch        int  `json:"batch"`
	Limited      bool `json:"limited"`
}

// Allowance returns the effective batch for a cycle. Limited is set when
// the hourly budget, not the batch size, is the binding constraint.
func (l *Limiter) Allowance(ctx context.Context, batchSize int) (Allowance, error) {
	sent, err := l.counter.CountSentSince(ctx, Window)
	if err != nil {
		return Allowance{}, fmt.Errorf("count sent in trailing hour: %w", err)
	}

	remaining := l.ratePerHour - sent
	if remaining < 0 {
		remaining = 0
	}
	batch := batchSize
	if remaining < batch {
		batch = remaining
	}
	return Allowance{
		SentInWindow: sent,
		Remaining:    remaining,
		Batch:        batch,
		Limited:      remaining < batchSize,
	}, nil
}
