package schema

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duckmesh/nlquery/internal/observability"
	"golang.org/x/sync/singleflight"
)

type Source interface {
	ListTables(ctx context.Context) ([]Table, error)
}

type CacheConfig struct {
	TTL            time.Duration
	RefreshTimeout time.Duration
}

type Cache struct {
	source         Source
	ttl            time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	current     atomic.Pointer[Snapshot]
	invalidated atomic.Bool
	refreshing  atomic.Bool
	group       singleflight.Group

	mu         sync.Mutex
	closed     bool
	background context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewCache(source Source, cfg CacheConfig, logger *slog.Logger) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("schema source is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("schema cache ttl must be > 0")
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	background, cancel := context.WithCancel(context.Background())
	return &Cache{
		source:         source,
		ttl:            cfg.TTL,
		refreshTimeout: cfg.RefreshTimeout,
		logger:         logger,
		now:            time.Now,
		background:     background,
		cancel:         cancel,
	}, nil
}

// Get returns the current snapshot. Only the very first call blocks on the
// source; afterwards a stale or invalidated snapshot is served while a single
// background refresh replaces it.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	snapshot := c.current.Load()
	if snapshot == nil {
		return c.Refresh(ctx)
	}
	if c.invalidated.Load() || snapshot.Stale(c.now()) {
		c.refreshInBackground()
	}
	return snapshot, nil
}

// Current returns the last good snapshot without triggering a refresh.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	result, err, _ := c.group.Do("refresh", func() (any, error) {
		start := c.now()
		tables, err := c.source.ListTables(ctx)
		if err != nil {
			observability.ObserveSchemaRefresh(err, 0)
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		snapshot := NewSnapshot(tables, c.now(), c.ttl)
		c.current.Store(snapshot)
		c.invalidated.Store(false)
		observability.ObserveSchemaRefresh(nil, snapshot.Len())
		c.logger.Debug("schema snapshot refreshed",
			slog.Int("tables", snapshot.Len()),
			slog.String("duration", c.now().Sub(start).String()),
		)
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

func (c *Cache) Invalidate() {
	c.invalidated.Store(true)
}

// Close cancels any background refresh and waits for it to return.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) refreshInBackground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(c.background, c.refreshTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx); err != nil && c.background.Err() == nil {
			c.logger.Warn("schema refresh failed; serving last good snapshot", slog.Any("error", err))
		}
	}()
}
