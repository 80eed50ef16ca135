// Package cache persists parsed guide data keyed by the requested country set.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/savid/iptvguide/internal/epg"
	"github.com/savid/iptvguide/internal/kv"
	"github.com/savid/iptvguide/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	// KeyPrefix namespaces every key written by the cache.
	KeyPrefix = "@iptvguide/epg:"

	// DefaultTTL is how long a stored entry stays valid.
	DefaultTTL = 6 * time.Hour
)

// Entry is the stored form of one guide load.
type Entry struct {
	// Timestamp is the save time in Unix milliseconds.
	Timestamp int64         `json:"timestamp"`
	Data      []epg.Channel `json:"data"`
}

// SavedAt returns the save time.
func (e *Entry) SavedAt() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Cache is a best-effort persistent cache. Storage failures are logged and
// never returned from Load or Save.
type Cache struct {
	log     logrus.FieldLogger
	store   kv.Store
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMetrics records lookups on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a cache over store.
func New(log logrus.FieldLogger, store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		log:   log.WithField("component", "cache"),
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Key returns the storage key for a country set. Order, case, blanks and
// duplicates do not affect the key.
func Key(countries []string) string {
	return KeyPrefix + CountrySet(countries)
}

// CountrySet returns the canonical underscore-joined form of countries.
func CountrySet(countries []string) string {
	set := make([]string, 0, len(countries))

	for _, c := range countries {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			set = append(set, c)
		}
	}

	slices.Sort(set)

	return strings.Join(slices.Compact(set), "_")
}

// Load returns the stored entry for countries. It reports false when there
// is no entry, the entry is older than the TTL, or it cannot be read.
func (c *Cache) Load(ctx context.Context, countries []string) (*Entry, bool) {
	key := Key(countries)
	log := c.log.WithField("key", key)

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.WithError(err).Warn("Failed to read guide cache")
		c.metrics.ObserveCache(metrics.CacheError)

		return nil, false
	}

	if !ok {
		log.Debug("Guide cache miss")
		c.metrics.ObserveCache(metrics.CacheMiss)

		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.WithError(err).Warn("Discarding unreadable guide cache entry")
		c.metrics.ObserveCache(metrics.CacheError)

		return nil, false
	}

	if age := c.now().Sub(entry.SavedAt()); age > c.ttl {
		log.WithField("age", age.Round(time.Second)).Debug("Guide cache entry expired")
		c.metrics.ObserveCache(metrics.CacheMiss)

		return nil, false
	}

	log.WithField("channels", len(entry.Data)).Debug("Guide cache hit")
	c.metrics.ObserveCache(metrics.CacheHit)

	return &entry, true
}

// Save stores data for countries, replacing any previous entry.
func (c *Cache) Save(ctx context.Context, countries []string, data []epg.Channel) {
	key := Key(countries)

	raw, err := json.Marshal(Entry{Timestamp: c.now().UnixMilli(), Data: data})
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Failed to encode guide cache entry")

		return
	}

	if err := c.store.Set(ctx, key, string(raw)); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Failed to write guide cache")

		return
	}

	c.log.WithFields(logrus.Fields{
		"key":      key,
		"channels": len(data),
		"size":     len(raw),
	}).Debug("Guide cache saved")
}

// Clear removes every cache entry and leaves other keys in the store alone.
func (c *Cache) Clear(ctx context.Context) error {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list cache keys: %w", err)
	}

	owned := make([]string, 0, len(keys))

	for _, k := range keys {
		if strings.HasPrefix(k, KeyPrefix) {
			owned = append(owned, k)
		}
	}

	if len(owned) == 0 {
		return nil
	}

	if err := c.store.MultiRemove(ctx, owned); err != nil {
		return fmt.Errorf("remove cache keys: %w", err)
	}

	c.log.WithField("entries", len(owned)).Info("Guide cache cleared")

	return nil
}
