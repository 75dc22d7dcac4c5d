package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// Deduper remembers event keys. First reports whether key is new and
// marks it seen in the same step, so concurrent deliveries of one event
// cannot both pass. Forget unmarks keys whose events never reached the
// ledger, letting the provider's redelivery through.
type Deduper interface {
	First(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, keys ...string) error
}

// DedupKey identifies a ledger event for duplicate suppression.
func DedupKey(ev domain.StatsEvent) string {
	raw := strings.Join([]string{
		strconv.FormatInt(ev.NewsletterID, 10),
		strings.ToLower(strings.TrimSpace(ev.RecipientEmail)),
		string(ev.EventType),
		ev.ProviderMessageID,
	}, "\x00")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

// RedisDeduper stores keys with SET NX and a TTL, shared across server
// and worker processes.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a RedisDeduper.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "nlq:event:", ttl: ttl}
}

func (d *RedisDeduper) First(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
}

func (d *RedisDeduper) Forget(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = d.prefix + k
	}
	return d.client.Del(ctx, full...).Err()
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduper creates a MemoryDeduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) First(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	if len(d.seen) > 100000 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, keys ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(d.seen, k)
	}
	return nil
}
