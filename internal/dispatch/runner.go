package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/newsletter-queue/internal/pkg/distlock"
)

// Cycler runs one dispatch cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (Result, error)
}

// Runner is the single path into a dispatch cycle, shared by the periodic
// scheduler and the manual process-now action. It holds the dispatch lock
// for the duration of the cycle; a busy lock yields a Skipped result.
type Runner struct {
	cycler Cycler
	lock   distlock.DistLock

	mu   sync.Mutex
	last LastRun
}

// LastRun is the outcome of the most recent cycle.
type LastRun struct {
	Result Result    `json:"result"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// NewRunner creates a Runner.
func NewRunner(cycler Cycler, lock distlock.DistLock) *Runner {
	return &Runner{cycler: cycler, lock: lock}
}

// Run executes one cycle under the lock.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var res Result
	ran, err := distlock.WithLock(ctx, r.lock, func(ctx context.Context) error {
		var cycleErr error
		res, cycleErr = r.cycler.RunCycle(ctx)
		return cycleErr
	})
	if !ran && err == nil {
		res.Skipped = true
	}

	last := LastRun{Result: res, At: time.Now().UTC()}
	if err != nil {
		last.Error = err.Error()
	}
	r.mu.Lock()
	r.last = last
	r.mu.Unlock()
	return res, err
}

// Last returns the most recent cycle outcome. At is zero before the
// first run.
func (r *Runner) Last() LastRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
