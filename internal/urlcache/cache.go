// Package urlcache keeps short-lived presigned URLs so repeated plays and uploads of the same
// resource do not go back to the server for a new signature.
package urlcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oralroom/internal/metrics"
)

const (
	DefaultTTL          = 25 * time.Minute
	DefaultRefreshAfter = 20 * time.Minute
	DefaultSweepEvery   = 5 * time.Minute
)

// Resource types used as the first key component.
const (
	TypeUpload = "upload"
	TypePrompt = "prompt"
)

// Key identifies a cached URL. Index is -1 when the resource has no index.
type Key struct {
	Type  string
	ID    string
	Index int
}

func NewKey(resourceType string, id string) Key {
	return Key{Type: resourceType, ID: id, Index: -1}
}

func NewIndexedKey(resourceType string, id string, index int) Key {
	return Key{Type: resourceType, ID: id, Index: index}
}

func (k Key) String() string {
	if k.Index < 0 {
		return fmt.Sprintf("%s:%s", k.Type, k.ID)
	}
	return fmt.Sprintf("%s:%s:%d", k.Type, k.ID, k.Index)
}

// FetchFunc obtains a fresh URL for a key.
type FetchFunc func(ctx context.Context) (string, error)

type entry struct {
	url       string
	fetchedAt time.Time
}

type Config struct {
	TTL          time.Duration
	RefreshAfter time.Duration
	SweepEvery   time.Duration
}

// Cache maps keys to URLs with an age-based validity window. Concurrent misses for the same
// key each call their fetch function; the last write wins.
type Cache struct {
	cfg Config
	now func() time.Time
	log zerolog.Logger

	mu      sync.Mutex
	entries map[Key]entry

	jobMu sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log.With().Str("component", "url-cache").Logger() }
}

func New(cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshAfter <= 0 || cfg.RefreshAfter > cfg.TTL {
		cfg.RefreshAfter = min(DefaultRefreshAfter, cfg.TTL)
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = DefaultSweepEvery
	}
	c := &Cache{
		cfg:     cfg,
		now:     time.Now,
		log:     zerolog.Nop(),
		entries: make(map[Key]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetURL returns the cached URL for key while it is younger than the TTL, otherwise fetches,
// stores and returns a new one. Fetch errors are returned and nothing is cached.
func (c *Cache) GetURL(ctx context.Context, key Key, fetch FetchFunc) (string, error) {
	if fetch == nil {
		return "", errors.New("url fetch function is required")
	}

	if url, ok := c.lookup(key); ok {
		metrics.URLCacheLookups.WithLabelValues("hit").Inc()
		return url, nil
	}
	metrics.URLCacheLookups.WithLabelValues("miss").Inc()

	url, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return "", fmt.Errorf("empty url fetched for %s", key)
	}

	c.mu.Lock()
	c.entries[key] = entry{url: url, fetchedAt: c.now()}
	c.mu.Unlock()
	return url, nil
}

func (c *Cache) lookup(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.fetchedAt) >= c.cfg.TTL {
		delete(c.entries, key)
		return "", false
	}
	return e.url, true
}

// Invalidate removes one key, e.g. after the server rejected its URL.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]entry)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes entries at or past the refresh threshold and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.cfg.RefreshAfter {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		metrics.URLCacheSwept.Add(float64(removed))
		c.log.Debug().Int("count", removed).Msg("swept presigned urls")
	}
	return removed
}

// Start runs the background sweep until Stop. Calling Start twice is a no-op.
func (c *Cache) Start() {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	if c.done != nil {
		return
	}
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.run(c.done)
	c.log.Info().Dur("interval", c.cfg.SweepEvery).Msg("url cache sweep started")
}

// Stop ends the background sweep and waits for it to exit.
func (c *Cache) Stop() {
	c.jobMu.Lock()
	done := c.done
	c.done = nil
	c.jobMu.Unlock()
	if done == nil {
		return
	}
	close(done)
	c.wg.Wait()
	c.log.Info().Msg("url cache sweep stopped")
}

func (c *Cache) run(done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
