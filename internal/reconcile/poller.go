package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/newsletter-queue/internal/pkg/logger"
)

// PollResult summarises one mailbox poll.
type PollResult struct {
	Fetched    int `json:"fetched"`
	Recorded   int `json:"recorded"`
	Unparsable int `json:"unparsable"`
	Deferred   int `json:"deferred"`
}

// parkFor is how long an unparsable message is left out of polls. After
// that it is fetched once more and parked again if it still fails.
const parkFor = 24 * time.Hour

// BouncePoller reads the bounce mailbox on an interval and records a
// bounced event per failed recipient.
type BouncePoller struct {
	dial       MailboxDialer
	reconciler *Reconciler
	interval   time.Duration
	maxPerPoll int

	// Now defaults to time.Now.
	Now func() time.Time

	parkMu sync.Mutex
	parked map[uint32]time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewBouncePoller creates a poller.
func NewBouncePoller(dial MailboxDialer, reconciler *Reconciler, interval time.Duration, maxPerPoll int) *BouncePoller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &BouncePoller{
		dial:       dial,
		reconciler: reconciler,
		interval:   interval,
		maxPerPoll: maxPerPoll,
		Now:        time.Now,
		parked:     make(map[uint32]time.Time),
	}
}

// Poll processes one batch of unread messages. Unparsable messages stay
// unread for a human to look at and are parked so they do not crowd later
// polls; messages whose events could not be stored stay unread so the next
// poll retries them.
func (p *BouncePoller) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult

	p.parkMu.Lock()
	defer p.parkMu.Unlock()
	now := p.Now()
	skip := make(map[uint32]bool, len(p.parked))
	for uid, until := range p.parked {
		if now.Before(until) {
			skip[uid] = true
		} else {
			delete(p.parked, uid)
		}
	}

	mbox, err := p.dial(ctx)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := mbox.Close(); err != nil {
			logger.Debug("bounce mailbox close", "error", err)
		}
	}()

	msgs, err := mbox.Unseen(ctx, p.maxPerPoll, skip)
	if err != nil {
		return res, err
	}
	res.Fetched = len(msgs)

	var processed []uint32
	for _, msg := range msgs {
		events, err := ParseBounce(msg.Body)
		if errors.Is(err, ErrParse) {
			res.Unparsable++
			p.parked[msg.UID] = now.Add(parkFor)
			logger.Warn("bounce message not parsed, leaving unread", "uid", msg.UID, "error", err)
			continue
		}
		rec, err := p.reconciler.Record(ctx, events)
		if err != nil {
			res.Deferred++
			logger.Error("bounce events not recorded", "uid", msg.UID, "error", err)
			continue
		}
		res.Recorded += rec.Recorded
		processed = append(processed, msg.UID)
	}

	if err := mbox.MarkSeen(ctx, processed); err != nil {
		return res, fmt.Errorf("mark bounces seen: %w", err)
	}
	return res, nil
}

// Start polls on the configured interval until Stop.
func (p *BouncePoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	log.Printf("[BouncePoller] Starting with interval: %v", p.interval)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			res, err := p.Poll(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Printf("[BouncePoller] Poll error: %v", err)
			case res.Fetched > 0:
				log.Printf("[BouncePoller] Poll: fetched=%d recorded=%d unparsable=%d deferred=%d",
					res.Fetched, res.Recorded, res.Unparsable, res.Deferred)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the loop.
func (p *BouncePoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	log.Printf("[BouncePoller] Stopped")
}
