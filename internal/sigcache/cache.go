// Package sigcache stores extended-thinking signatures keyed several ways so
// a later turn can re-attach the signature the vendor requires on tool use.
package sigcache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/store"
)

// Cache kinds. The two per-conversation Claude kinds survive restarts; the
// rest are memory-only.
const (
	KindPerToolUse   = "claude-thinking-per-tool-use"
	KindLastPerUser  = "claude-last-thinking-per-user"
	KindAssistant    = "claude-assistant-signature"
	KindOpenAITool   = "openai-tool-thought-signature"
	KindToolThinking = "claude-tool-thinking"
)

func isDurable(kind string) bool {
	return kind == KindPerToolUse || kind == KindLastPerUser
}

type entry struct {
	value   string
	savedAt time.Time
}

// boundedCache is an insertion-ordered map with a size cap. Eviction removes
// the oldest insertion; expiry is checked on read.
type boundedCache struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []string
	max     int
	ttl     time.Duration
}

func newBoundedCache(max int, ttl time.Duration) *boundedCache {
	return &boundedCache{entries: make(map[string]entry), max: max, ttl: ttl}
}

func (c *boundedCache) put(key, value string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
		for c.max > 0 && len(c.order) > c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[key] = entry{value: value, savedAt: now}
}

func (c *boundedCache) get(key string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && now.Sub(e.savedAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *boundedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Caches holds one bounded map per kind, backed by SQLite for the durable
// kinds and optionally mirrored to Redis so multiple replicas share state.
type Caches struct {
	cfg   *config.Config
	store store.Store
	rdb   *redis.Client

	kinds map[string]*boundedCache

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// New creates the signature caches. rdb may be nil.
func New(cfg *config.Config, st store.Store, rdb *redis.Client) *Caches {
	c := &Caches{
		cfg:   cfg,
		store: st,
		rdb:   rdb,
		kinds: make(map[string]*boundedCache),
	}
	for _, kind := range []string{KindPerToolUse, KindLastPerUser, KindAssistant, KindOpenAITool, KindToolThinking} {
		ttl := cfg.SignatureTTLMemory
		if isDurable(kind) {
			ttl = cfg.SignatureTTLPersist
		}
		c.kinds[kind] = newBoundedCache(cfg.SignatureCacheSize, ttl)
	}
	return c
}

func redisKey(kind, key string) string {
	return "gravity:sig:" + kind + ":" + key
}

// Put stores a signature. Signatures shorter than the vendor's minimum are
// dropped; they would be rejected on replay anyway.
func (c *Caches) Put(ctx context.Context, kind, key, signature string) {
	if len(signature) < config.MinSignatureLength || key == "" {
		return
	}
	bc, ok := c.kinds[kind]
	if !ok {
		return
	}
	now := time.Now()
	bc.put(key, signature, now)

	if isDurable(kind) {
		row := &store.SignatureRow{Kind: kind, CacheKey: key, Signature: signature, SavedAt: now.UnixMilli()}
		if err := c.store.PutSignature(ctx, row); err != nil {
			log.Warnf("[SigCache] Failed to persist %s signature: %v", kind, err)
		}
		c.maybeSweep(ctx, now)
	}
	if c.rdb != nil {
		ttl := c.cfg.SignatureTTLMemory
		if isDurable(kind) {
			ttl = c.cfg.SignatureTTLPersist
		}
		if err := c.rdb.Set(ctx, redisKey(kind, key), signature, ttl).Err(); err != nil {
			log.Debugf("[SigCache] Redis mirror write failed: %v", err)
		}
	}
}

// Get looks a signature up, falling through memory to Redis and then to
// SQLite for the durable kinds. Hits from a lower layer repopulate memory.
func (c *Caches) Get(ctx context.Context, kind, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	bc, ok := c.kinds[kind]
	if !ok {
		return "", false
	}
	now := time.Now()
	if sig, hit := bc.get(key, now); hit {
		return sig, true
	}

	if c.rdb != nil {
		if sig, err := c.rdb.Get(ctx, redisKey(kind, key)).Result(); err == nil && len(sig) >= config.MinSignatureLength {
			bc.put(key, sig, now)
			return sig, true
		}
	}

	if isDurable(kind) {
		row, err := c.store.GetSignature(ctx, kind, key)
		if err != nil {
			log.Warnf("[SigCache] Durable lookup failed: %v", err)
			return "", false
		}
		if row == nil {
			return "", false
		}
		if now.Sub(time.UnixMilli(row.SavedAt)) > c.cfg.SignatureTTLPersist {
			return "", false
		}
		bc.put(key, row.Signature, now)
		return row.Signature, true
	}
	return "", false
}

// maybeSweep purges expired durable rows at most once per five minutes.
func (c *Caches) maybeSweep(ctx context.Context, now time.Time) {
	c.sweepMu.Lock()
	if now.Sub(c.lastSweep) < 5*time.Minute {
		c.sweepMu.Unlock()
		return
	}
	c.lastSweep = now
	c.sweepMu.Unlock()

	cutoff := now.Add(-c.cfg.SignatureTTLPersist).UnixMilli()
	deleted, err := c.store.DeleteSignaturesBefore(ctx, cutoff)
	if err != nil {
		log.Warnf("[SigCache] Sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Debugf("[SigCache] Swept %d expired signatures", deleted)
	}
}

// Sizes reports per-kind entry counts for /health.
func (c *Caches) Sizes() map[string]int {
	out := make(map[string]int, len(c.kinds))
	for kind, bc := range c.kinds {
		out[kind] = bc.len()
	}
	return out
}
