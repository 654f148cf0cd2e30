package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"go.uber.org/zap"
)

// FilePersistentCache is a TTL cache mirrored to a JSON file so traces
// survive a restart. Values are stored as JSON; Get returns the raw bytes.
type FilePersistentCache struct {
	store    map[string]fileItem
	mutex    sync.RWMutex
	ttl      time.Duration
	filePath string
	logger   *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type fileItem struct {
	Value      json.RawMessage `json:"value"`
	Expiration int64           `json:"expiration"`
}

// NewFilePersistentCache creates a persistent cache, loading any existing
// file at filePath. A missing file is not an error.
func NewFilePersistentCache(defaultTTL time.Duration, filePath string, opts ...Option) (*FilePersistentCache, error) {
	o := buildOptions(opts)
	c := &FilePersistentCache{
		store:    make(map[string]fileItem),
		ttl:      defaultTTL,
		filePath: filePath,
		logger:   o.logger,
		stop:     make(chan struct{}),
	}
	if err := c.loadFromFile(); err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.cleanupLoop(o.cleanupInterval)
	return c, nil
}

func (c *FilePersistentCache) loadFromFile() error {
	raw, err := os.ReadFile(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &c.store)
}

// saveLocked writes the store through a temp file. Caller holds the lock.
func (c *FilePersistentCache) saveLocked() {
	raw, err := json.Marshal(c.store)
	if err != nil {
		c.logger.Error("failed to encode persistent cache", zap.Error(err))
		return
	}
	tmp := c.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		c.logger.Error("failed to create cache directory", zap.String("path", c.filePath), zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		c.logger.Error("failed to write persistent cache", zap.String("path", tmp), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, c.filePath); err != nil {
		c.logger.Error("failed to replace persistent cache", zap.String("path", c.filePath), zap.Error(err))
	}
}

// Get retrieves an item's JSON encoding from the cache.
func (c *FilePersistentCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	item, found := c.store[key]
	c.mutex.RUnlock()
	if !found {
		return nil, notFound("persistent cache item not found")
	}
	if time.Now().UnixNano() > item.Expiration {
		c.logger.Debug("persistent cache item expired", zap.String("key", key))
		return nil, notFound("persistent cache item expired")
	}
	return []byte(item.Value), nil
}

// Set stores value's JSON encoding. A []byte value must already be JSON.
func (c *FilePersistentCache) Set(ctx context.Context, key string, value interface{}) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	var raw json.RawMessage
	switch v := value.(type) {
	case []byte:
		if !json.Valid(v) {
			return errors.New("persistent cache value is not valid JSON")
		}
		raw = append(json.RawMessage(nil), v...)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw = encoded
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.store[key] = fileItem{Value: raw, Expiration: time.Now().Add(c.ttl).UnixNano()}
	c.saveLocked()
	c.logger.Debug("persistent cache item set", zap.String("key", key))
	return nil
}

// Close stops the sweeper and flushes the file.
func (c *FilePersistentCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.saveLocked()
	return nil
}

func (c *FilePersistentCache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now().UnixNano()
			for key, item := range c.store {
				if now > item.Expiration {
					delete(c.store, key)
				}
			}
			c.saveLocked()
			c.mutex.Unlock()
		}
	}
}
