package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
)

// HeapConfig configures a HeapCache.
type HeapConfig struct {
	// TargetSize is the byte budget for derivative data; least recently used
	// entries are dropped past it. Zero means unbounded.
	TargetSize int64
	// DumpPath, when set, makes the cache persistent: Dump writes the whole
	// table there and NewHeap loads it back.
	DumpPath string
	Options
}

type heapKind uint8

const (
	heapDerivative heapKind = iota + 1
	heapInfo
)

type heapKey struct {
	kind heapKind
	key  string
}

type heapEntry struct {
	Identifier core.Identifier `json:"identifier"`
	Key        string          `json:"key"`
	Data       []byte          `json:"data,omitempty"`
	Info       *core.Info      `json:"info,omitempty"`
	Written    time.Time       `json:"written"`
}

func (e *heapEntry) size() int64 { return int64(len(e.Data)) }

// HeapCache is an in-memory DerivativeCache. Recency is tracked by an LRU
// list; the entries map is the source of truth for iteration and dumps.
type HeapCache struct {
	cfg  HeapConfig
	opts Options

	mu      sync.Mutex
	recency *lru.Cache
	entries map[heapKey]*heapEntry
	bytes   int64
}

var (
	_ DerivativeCache = (*HeapCache)(nil)
	_ Persistent      = (*HeapCache)(nil)
)

// NewHeap creates a HeapCache, loading cfg.DumpPath when it exists.
func NewHeap(cfg HeapConfig) (*HeapCache, error) {
	c := &HeapCache{
		cfg:     cfg,
		opts:    cfg.Options.withDefaults(),
		recency: lru.New(0),
		entries: make(map[heapKey]*heapEntry),
	}
	c.recency.OnEvicted = func(k lru.Key, _ interface{}) {
		hk := k.(heapKey)
		if e, ok := c.entries[hk]; ok {
			c.bytes -= e.size()
			delete(c.entries, hk)
		}
	}
	if cfg.DumpPath != "" {
		if err := c.load(cfg.DumpPath); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Len is the number of derivative and info entries held.
func (c *HeapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size is the number of derivative bytes held.
func (c *HeapCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// store must be called with mu held.
func (c *HeapCache) store(k heapKey, e *heapEntry) {
	if old, ok := c.entries[k]; ok {
		c.bytes -= old.size()
	}
	c.entries[k] = e
	c.bytes += e.size()
	c.recency.Add(k, struct{}{})
	for c.cfg.TargetSize > 0 && c.bytes > c.cfg.TargetSize && c.recency.Len() > 1 {
		c.recency.RemoveOldest()
	}
}

// remove must be called with mu held.
func (c *HeapCache) remove(k heapKey) {
	c.recency.Remove(k)
}

// lookup returns a valid entry and refreshes its recency. Invalid entries
// are dropped on the spot; there is no I/O to defer.
func (c *HeapCache) lookup(k heapKey) (*heapEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if c.opts.expired(e.Written) || (k.kind == heapDerivative && len(e.Data) == 0) {
		c.remove(k)
		return nil, false
	}
	c.recency.Get(k)
	return e, true
}

func (c *HeapCache) Derivative(ctx context.Context, list *operation.List) (io.ReadCloser, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	e, ok := c.lookup(heapKey{heapDerivative, list.Key()})
	if !ok {
		return nil, false, nil
	}
	// Data is never mutated after publish, so readers share it.
	return io.NopCloser(bytes.NewReader(e.Data)), true, nil
}

func (c *HeapCache) NewDerivativeWriter(ctx context.Context, list *operation.List) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, key := list.Identifier(), list.Key()
	return newBufferWriter(func(data []byte) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.store(heapKey{heapDerivative, key}, &heapEntry{Identifier: id, Key: key, Data: data, Written: c.opts.Now()})
		return nil
	}), nil
}

func (c *HeapCache) Info(ctx context.Context, id core.Identifier) (core.Info, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, false, err
	}
	e, ok := c.lookup(heapKey{heapInfo, id.String()})
	if !ok || e.Info == nil {
		return core.Info{}, false, nil
	}
	return *e.Info, true, nil
}

func (c *HeapCache) PutInfo(ctx context.Context, id core.Identifier, info core.Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(heapKey{heapInfo, id.String()}, &heapEntry{Identifier: id, Key: id.String(), Info: &info, Written: c.opts.Now()})
	return nil
}

func (c *HeapCache) PurgeDerivative(ctx context.Context, list *operation.List) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(heapKey{heapDerivative, list.Key()})
	return nil
}

func (c *HeapCache) PurgeIdentifier(ctx context.Context, id core.Identifier) error {
	c.removeWhere(func(_ heapKey, e *heapEntry) bool { return e.Identifier == id })
	return nil
}

func (c *HeapCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recency.Clear()
	c.entries = make(map[heapKey]*heapEntry)
	c.bytes = 0
	return nil
}

func (c *HeapCache) PurgeExpired(ctx context.Context) error {
	if c.opts.TTL <= 0 {
		return nil
	}
	c.removeWhere(func(_ heapKey, e *heapEntry) bool { return c.opts.expired(e.Written) })
	return nil
}

// CleanUp drops empty derivatives. Nothing else can go stale in memory.
func (c *HeapCache) CleanUp(ctx context.Context) error {
	c.removeWhere(func(k heapKey, e *heapEntry) bool { return k.kind == heapDerivative && len(e.Data) == 0 })
	return nil
}

func (c *HeapCache) removeWhere(match func(heapKey, *heapEntry) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doomed []heapKey
	for k, e := range c.entries {
		if match(k, e) {
			doomed = append(doomed, k)
		}
	}
	for _, k := range doomed {
		c.remove(k)
	}
}

// Close dumps the table when the cache is persistent.
func (c *HeapCache) Close() error {
	if c.cfg.DumpPath == "" {
		return nil
	}
	return c.Dump(context.Background())
}

// snapshot returns the live entries, oldest write first.
func (c *HeapCache) snapshot() []*heapEntry {
	c.mu.Lock()
	out := make([]*heapEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Written.Before(out[j].Written) })
	return out
}

// restore replaces the table with entries, skipping expired ones.
func (c *HeapCache) restore(derivatives, infos []*heapEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recency.Clear()
	c.entries = make(map[heapKey]*heapEntry)
	c.bytes = 0
	for _, e := range derivatives {
		if !c.opts.expired(e.Written) && len(e.Data) > 0 {
			c.store(heapKey{heapDerivative, e.Key}, e)
		}
	}
	for _, e := range infos {
		if !c.opts.expired(e.Written) && e.Info != nil {
			c.store(heapKey{heapInfo, e.Identifier.String()}, e)
		}
	}
}

var errNoDumpPath = errors.New("heap cache has no dump path")

// Dump writes the whole table to the configured dump path, replacing the
// previous dump.
func (c *HeapCache) Dump(ctx context.Context) error {
	if c.cfg.DumpPath == "" {
		return apperrors.CacheFailure("cache.heap.dump", errNoDumpPath)
	}
	return c.dump(ctx, c.cfg.DumpPath)
}
