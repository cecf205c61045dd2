// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

// Package window provides sliding time-window event counting keyed by
// arbitrary composite keys. Counters are in-memory and process-lifetime
// only; buckets are created lazily on first record and shrink by eviction.
package window

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// shardCount is the number of lock shards. Keys are distributed by FNV-1a
// so unrelated tenants do not contend on a single lock.
const shardCount = 32

// keySeparator joins composite key parts. Unit separator cannot appear in
// platform identifiers, so joined keys are unambiguous.
const keySeparator = "\x1f"

// Key builds a composite bucket key from its parts.
//
//	window.Key(tenantID, actorID, "channel_delete")
func Key(parts ...string) string {
	return strings.Join(parts, keySeparator)
}

type shard struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// Counter counts events per key within a sliding window. All operations on
// the same key are serialized by the key's shard lock, so an
// append-evict-compare-reset sequence is atomic relative to concurrent
// calls for that key.
type Counter struct {
	window time.Duration
	shards [shardCount]*shard
}

// New creates a Counter with the given window size.
func New(windowSize time.Duration) *Counter {
	c := &Counter{window: windowSize}
	for i := range c.shards {
		c.shards[i] = &shard{buckets: make(map[string][]time.Time)}
	}
	return c
}

// Window returns the configured window size.
func (c *Counter) Window() time.Duration {
	return c.window
}

func (c *Counter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Record appends a timestamp for key and evicts stale entries.
func (c *Counter) Record(key string, ts time.Time) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = evict(append(s.buckets[key], ts), ts, c.window)
}

// Count returns the number of retained timestamps for key after evicting
// entries stale relative to ts.
func (c *Counter) Count(key string, ts time.Time) int {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[key]
	if !ok {
		return 0
	}
	bucket = evict(bucket, ts, c.window)
	if len(bucket) == 0 {
		delete(s.buckets, key)
		return 0
	}
	s.buckets[key] = bucket
	return len(bucket)
}

// RecordAndCount appends a timestamp, evicts stale entries, and returns the
// retained count, all under the key's shard lock.
func (c *Counter) RecordAndCount(key string, ts time.Time) int {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := evict(append(s.buckets[key], ts), ts, c.window)
	s.buckets[key] = bucket
	return len(bucket)
}

// RecordAndTrigger appends a timestamp, evicts stale entries, compares the
// retained count against limit, and clears the bucket when the limit is
// met. The whole sequence holds the shard lock, so concurrent events for
// the same key cannot both observe the threshold: exactly one caller sees
// triggered=true per breach.
func (c *Counter) RecordAndTrigger(key string, ts time.Time, limit int) (count int, triggered bool) {
	if limit <= 0 {
		return 0, false
	}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := evict(append(s.buckets[key], ts), ts, c.window)
	count = len(bucket)
	if count >= limit {
		delete(s.buckets, key)
		return count, true
	}
	s.buckets[key] = bucket
	return count, false
}

// Reset clears the bucket for key.
func (c *Counter) Reset(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
}

// evict drops timestamps from the front while they are stale relative to
// now. Eviction stops at the first retained entry, so a slightly
// out-of-order insert degrades eviction precision but never loses data.
func evict(bucket []time.Time, now time.Time, windowSize time.Duration) []time.Time {
	i := 0
	for i < len(bucket) && now.Sub(bucket[i]) > windowSize {
		i++
	}
	if i == 0 {
		return bucket
	}
	// Copy the tail so the evicted prefix does not pin the backing array.
	kept := make([]time.Time, len(bucket)-i)
	copy(kept, bucket[i:])
	return kept
}
