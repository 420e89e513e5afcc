package hub

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/logger"
	"github.com/samcharles93/moondream/internal/moondream"
	"github.com/samcharles93/moondream/internal/tokenizer"
)

// Loader is implemented by Provider.
type Loader interface {
	Key(dev device.Device) string
	LoadModelAndTokenizer(ctx context.Context, dev device.Device) (*moondream.Model, *tokenizer.HFTokenizer, error)
}

// Handle is a reference to a loaded model. Release must be called once
// the holder no longer touches the model.
type Handle struct {
	Model     *moondream.Model
	Tokenizer *tokenizer.HFTokenizer

	once    sync.Once
	release func()
}

func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

type cacheEntry struct {
	key    string
	model  *moondream.Model
	tok    *tokenizer.HFTokenizer
	refs   int
	cached bool
}

// Cache shares loaded models between generations, keyed by model id,
// revision and device. Concurrent Acquire calls for the same key load the
// model once. With Keep disabled a model is closed as soon as its last
// handle is released.
type Cache struct {
	loader Loader
	keep   bool
	log    logger.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	closed  bool
	group   singleflight.Group
}

var ErrCacheClosed = errors.New("model cache is closed")

func NewCache(loader Loader, keep bool, log logger.Logger) *Cache {
	if log == nil {
		log = logger.Discard()
	}
	return &Cache{
		loader:  loader,
		keep:    keep,
		log:     log,
		entries: make(map[string]*cacheEntry),
	}
}

// Acquire returns a handle to the model for dev, loading it on first use.
func (c *Cache) Acquire(ctx context.Context, dev device.Device) (*Handle, error) {
	key := c.loader.Key(dev)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrCacheClosed
		}
		if e, ok := c.entries[key]; ok {
			e.refs++
			c.mu.Unlock()
			c.log.Debug("model cache hit", "key", key)
			return c.handle(e), nil
		}
		c.mu.Unlock()

		v, err, _ := c.group.Do(key, func() (any, error) {
			c.mu.Lock()
			if e, ok := c.entries[key]; ok {
				c.mu.Unlock()
				return e, nil
			}
			c.mu.Unlock()

			model, tok, err := c.loader.LoadModelAndTokenizer(ctx, dev)
			if err != nil {
				return nil, err
			}
			e := &cacheEntry{key: key, model: model, tok: tok, cached: true}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed {
				_ = model.Close()
				return nil, ErrCacheClosed
			}
			c.entries[key] = e
			return e, nil
		})
		if err != nil {
			return nil, err
		}

		// The loaded entry may already have been released and evicted by
		// another waiter; retry the lookup in that case.
		e := v.(*cacheEntry)
		c.mu.Lock()
		if c.entries[key] == e {
			e.refs++
			c.mu.Unlock()
			return c.handle(e), nil
		}
		c.mu.Unlock()
	}
}

func (c *Cache) handle(e *cacheEntry) *Handle {
	return &Handle{
		Model:     e.model,
		Tokenizer: e.tok,
		release:   func() { c.release(e) },
	}
}

func (c *Cache) release(e *cacheEntry) {
	c.mu.Lock()
	e.refs--
	evict := e.refs == 0 && (!c.keep || !e.cached)
	if evict && c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()
	if evict {
		c.log.Debug("model released", "key", e.key)
		_ = e.model.Close()
	}
}

// Len reports the number of models currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops every cached model. Models still referenced by handles are
// closed when their last handle is released.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	var idle []*cacheEntry
	for key, e := range c.entries {
		e.cached = false
		if e.refs == 0 {
			idle = append(idle, e)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range idle {
		if err := e.model.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
