// Package core provides the keyed token bucket store.
package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/fasthash/fnv1a"
	"golang.org/x/time/rate"
)

// LimiterPolicy bounds the keyed token bucket store.
type LimiterPolicy struct {
	Shards          int
	MaxEntriesShard int
	SweepInterval   time.Duration
}

// LimiterStats reports store occupancy and maintenance counters.
type LimiterStats struct {
	Entries   int
	Sweeps    int64
	Evictions int64
}

// LimiterStore holds token buckets keyed by rule, config version, and source
// address. Shard locks cover only map bookkeeping; token accounting runs
// under each limiter's own lock.
type LimiterStore struct {
	shards    []limiterShard
	keys      *KeyBuilder
	policy    LimiterPolicy
	sweeps    atomic.Int64
	evictions atomic.Int64
}

type limiterShard struct {
	mu  sync.Mutex
	m   map[string]*bucketEntry
	lru *lruKeys
}

// bucketEntry pairs a limiter with idle bookkeeping for the sweeper.
type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
	fullIdle int64
}

// NewLimiterStore constructs a sharded token bucket store.
func NewLimiterStore(policy LimiterPolicy) *LimiterStore {
	if policy.Shards <= 0 {
		policy.Shards = 16
	}
	if policy.MaxEntriesShard <= 0 {
		policy.MaxEntriesShard = 4096
	}
	if policy.SweepInterval <= 0 {
		policy.SweepInterval = 30 * time.Second
	}
	shards := make([]limiterShard, policy.Shards)
	for i := range shards {
		shards[i] = limiterShard{
			m:   make(map[string]*bucketEntry),
			lru: newLRUKeys(),
		}
	}
	return &LimiterStore{
		shards: shards,
		keys:   NewKeyBuilder(),
		policy: policy,
	}
}

// Allow charges one token for the (ruleID, source) bucket at ts and reports
// whether the event passed. Buckets start full; ts should be monotone per
// key for exact accounting. Token accounting runs on ts so replayed traffic
// stays deterministic; idle bookkeeping runs on the wall clock, the same
// clock the sweeper judges with.
func (s *LimiterStore) Allow(ruleID, version string, tps float64, burst int, source string, ts time.Time) bool {
	if s == nil || burst < 1 || tps <= 0 {
		return true
	}
	seen := time.Now().UnixNano()
	key := s.keys.Build(ruleID, version, source)
	shard := &s.shards[shardIndex(key, len(s.shards))]

	shard.mu.Lock()
	entry := shard.m[string(key)]
	if entry == nil {
		entry = &bucketEntry{
			lim:      rate.NewLimiter(rate.Limit(tps), burst),
			fullIdle: fullIdleNanos(tps, burst),
		}
		entry.lastSeen.Store(seen)
		stored := string(key)
		shard.m[stored] = entry
		shard.lru.Add(stored)
		if len(shard.m) > s.policy.MaxEntriesShard {
			if oldest, ok := shard.lru.Oldest(); ok && oldest != stored {
				delete(shard.m, oldest)
				shard.lru.Remove(oldest)
				s.evictions.Add(1)
			}
		}
	} else if element, ok := shard.lru.items[string(key)]; ok {
		shard.lru.order.MoveToFront(element)
	}
	shard.mu.Unlock()

	s.keys.Release(key)
	entry.lastSeen.Store(seen)
	return entry.lim.AllowN(ts, 1)
}

// Sweep removes entries idle long enough to be full again and reports how
// many were dropped. Recreating a swept key yields a full bucket, which is
// exactly the state it was guaranteed to be in.
func (s *LimiterStore) Sweep(now time.Time) int {
	if s == nil {
		return 0
	}
	nowNanos := now.UnixNano()
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.m {
			if nowNanos-entry.lastSeen.Load() >= entry.fullIdle {
				delete(shard.m, key)
				shard.lru.Remove(key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	s.sweeps.Add(1)
	return removed
}

// Run sweeps periodically until the context ends.
func (s *LimiterStore) Run(ctx context.Context) error {
	if s == nil {
		return errors.New("limiter store is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(s.policy.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Stats returns current occupancy and maintenance counters.
func (s *LimiterStore) Stats() LimiterStats {
	if s == nil {
		return LimiterStats{}
	}
	stats := LimiterStats{
		Sweeps:    s.sweeps.Load(),
		Evictions: s.evictions.Load(),
	}
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		stats.Entries += len(shard.m)
		shard.mu.Unlock()
	}
	return stats
}

func shardIndex(key []byte, total int) int {
	if total <= 1 {
		return 0
	}
	return int(fnv1a.HashBytes64(key) % uint64(total))
}

// fullIdleNanos is the idle span after which a bucket is refilled to burst.
func fullIdleNanos(tps float64, burst int) int64 {
	seconds := float64(burst) / tps
	return int64(seconds * float64(time.Second))
}
