package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// blacklistEntry records why and until when an instance is excluded.
// ExpiresAt zero means permanent (only cleared by an explicit admin
// call, per spec §4.6).
type blacklistEntry struct {
	Reason    string
	ExpiresAt time.Time
}

// Blacklist (C6) is an O(1) exclusion set consulted by the scheduler
// before the Load Balancer ever sees a candidate. The in-memory map is
// authoritative; an optional Redis mirror (grounded on
// llm/idempotency/manager.go's redis-client-injection shape) lets
// multiple gateway processes share blacklist state, with the
// background sweep here playing the same role as
// llm/health_monitor.go's startHealthCheckLoop ticker.
type Blacklist struct {
	logger *zap.Logger
	redis  *redis.Client

	mu      sync.RWMutex
	entries map[InstanceID]blacklistEntry

	sweepInterval time.Duration
	stop          chan struct{}
	once          sync.Once
}

// NewBlacklist builds a blacklist with the given sweep interval. redis
// may be nil, in which case the blacklist is purely in-process.
func NewBlacklist(sweepInterval time.Duration, redisClient *redis.Client, logger *zap.Logger) *Blacklist {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Blacklist{
		logger:        logger,
		redis:         redisClient,
		entries:       make(map[InstanceID]blacklistEntry),
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Add excludes id for duration (0 = permanent).
func (b *Blacklist) Add(ctx context.Context, id InstanceID, reason string, duration time.Duration) {
	entry := blacklistEntry{Reason: reason}
	if duration > 0 {
		entry.ExpiresAt = time.Now().Add(duration)
	}

	b.mu.Lock()
	b.entries[id] = entry
	b.mu.Unlock()

	if b.redis != nil {
		key := "gateway:blacklist:" + string(id)
		if duration > 0 {
			b.redis.Set(ctx, key, reason, duration)
		} else {
			b.redis.Set(ctx, key, reason, 0)
		}
	}

	b.logger.Warn("instance blacklisted",
		zap.String("instance", string(id)),
		zap.String("reason", reason),
		zap.Duration("duration", duration))
}

// Remove clears id's blacklist entry, whether time-bounded or
// permanent — the only way a permanent entry is ever cleared.
func (b *Blacklist) Remove(ctx context.Context, id InstanceID) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()

	if b.redis != nil {
		b.redis.Del(ctx, "gateway:blacklist:"+string(id))
	}
}

// IsBlacklisted reports whether id is currently excluded, lazily
// expiring a time-bounded entry on read.
func (b *Blacklist) IsBlacklisted(id InstanceID) bool {
	b.mu.RLock()
	entry, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		b.mu.Lock()
		delete(b.entries, id)
		b.mu.Unlock()
		return false
	}
	return true
}

// Filter drops blacklisted instances from candidates.
func (b *Blacklist) Filter(candidates []*PipelineInstance) []*PipelineInstance {
	out := make([]*PipelineInstance, 0, len(candidates))
	for _, c := range candidates {
		if !b.IsBlacklisted(c.ID) {
			out = append(out, c)
		}
	}
	return out
}

// List returns a snapshot of all current blacklist entries, for the
// admin surface.
func (b *Blacklist) List() map[InstanceID]blacklistEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[InstanceID]blacklistEntry, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// sweepLoop periodically evicts expired time-bounded entries, the
// same ticker-driven background-loop idiom as
// llm/health_monitor.go: startHealthCheckLoop.
func (b *Blacklist) sweepLoop() {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Blacklist) sweep() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.entries {
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			delete(b.entries, id)
		}
	}
}

// Stop ends the background sweep goroutine.
func (b *Blacklist) Stop() {
	b.once.Do(func() { close(b.stop) })
}
