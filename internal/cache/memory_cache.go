// Package cache provides TTL key/value stores used to retain traces.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"go.uber.org/zap"
)

// ErrNotFound is matched by errors.Is for every miss, including expired items.
var ErrNotFound = errors.New("cache item not found")

// DefaultCleanupInterval is how often expired items are swept.
const DefaultCleanupInterval = 10 * time.Minute

func notFound(reason string) error {
	return fmt.Errorf("%w: %w", ErrNotFound, errbuilder.NotFoundErr(errbuilder.GenericErr(reason, nil)))
}

// IsNotFound reports whether err is a cache miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Option configures a cache.
type Option func(*options)

type options struct {
	logger          *zap.Logger
	cleanupInterval time.Duration
}

// WithLogger sets the cache logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCleanupInterval sets how often expired items are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), cleanupInterval: DefaultCleanupInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// InMemoryCache provides a simple thread-safe in-memory cache.
type InMemoryCache struct {
	store  map[string]cacheItem
	mutex  sync.RWMutex
	ttl    time.Duration
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type cacheItem struct {
	value      interface{}
	expiration int64
}

// NewInMemoryCache creates a new in-memory cache with a default TTL. Call
// Close to stop the background sweeper.
func NewInMemoryCache(defaultTTL time.Duration, opts ...Option) *InMemoryCache {
	o := buildOptions(opts)
	c := &InMemoryCache{
		store:  make(map[string]cacheItem),
		ttl:    defaultTTL,
		logger: o.logger,
		stop:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.cleanupLoop(o.cleanupInterval)
	return c
}

// Get retrieves an item from the cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, notFound("cache item not found")
	}

	if time.Now().UnixNano() > item.expiration {
		c.logger.Debug("cache item expired", zap.String("key", key))
		return nil, notFound("cache item expired")
	}

	return item.value, nil
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		value:      value,
		expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	c.logger.Debug("cache item set", zap.String("key", key))
	return nil
}

// Len returns the number of stored items, expired or not.
func (c *InMemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Close stops the sweeper.
func (c *InMemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemoryCache) sweep() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now().UnixNano()
	for key, item := range c.store {
		if now > item.expiration {
			delete(c.store, key)
		}
	}
}
