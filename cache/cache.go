// Package cache holds the source and derivative caches.
//
// Every backend publishes an entry atomically on Commit, so a reader sees
// either the previous state or the complete new value. Entries that turn out
// to be unusable (zero length, unreadable, expired) are evicted in the
// background and reported as misses.
package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/operation"
)

// Writer receives one cache entry. Nothing is visible to readers until
// Commit returns nil. Abort discards whatever was written. Close after
// Commit is a no-op; Close without Commit aborts.
type Writer interface {
	io.Writer
	Commit() error
	Abort() error
	Close() error
}

// Cache is the maintenance surface shared by every cache.
type Cache interface {
	// Purge removes every entry.
	Purge(ctx context.Context) error
	// PurgeIdentifier removes every entry derived from id.
	PurgeIdentifier(ctx context.Context, id core.Identifier) error
	// PurgeExpired removes entries older than the TTL. With a zero TTL it
	// removes nothing.
	PurgeExpired(ctx context.Context) error
	// CleanUp removes debris such as orphaned temporary files.
	CleanUp(ctx context.Context) error
	Close() error
}

// SourceCache stages source images by identifier.
type SourceCache interface {
	Cache
	Source(ctx context.Context, id core.Identifier) (io.ReadCloser, bool, error)
	NewSourceWriter(ctx context.Context, id core.Identifier) (Writer, error)
}

// DerivativeCache stores encoded derivatives by operation list and source
// info by identifier.
type DerivativeCache interface {
	Cache
	Derivative(ctx context.Context, list *operation.List) (io.ReadCloser, bool, error)
	NewDerivativeWriter(ctx context.Context, list *operation.List) (Writer, error)
	PurgeDerivative(ctx context.Context, list *operation.List) error
	Info(ctx context.Context, id core.Identifier) (core.Info, bool, error)
	PutInfo(ctx context.Context, id core.Identifier, info core.Info) error
}

// Persistent is implemented by in-memory caches that can save themselves.
type Persistent interface {
	Dump(ctx context.Context) error
}

// Options are shared by all backends.
type Options struct {
	// TTL is how long an entry stays valid. Zero means forever.
	TTL    time.Duration
	Logger core.Logger
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = core.NopLogger{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// expired reports whether an entry written at written is past ttl.
func (o Options) expired(written time.Time) bool {
	return o.TTL > 0 && o.Now().Sub(written) > o.TTL
}

// Put writes data as one entry through w and commits it.
func Put(w Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Commit()
}

// ErrClosed is returned by writers used after Commit or Abort.
var ErrClosed = errors.New("cache: writer already finished")

// ── Background eviction ──────────────────────────────────────────────────────

// evictor runs best-effort deletes off the read path.
type evictor struct {
	wg     sync.WaitGroup
	logger core.Logger
}

func (e *evictor) evict(name string, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(context.Background()); err != nil {
			e.logger.Warn("cache: evicting invalid entry failed", "entry", name, "error", err)
		}
	}()
}

// wait blocks until pending evictions are done.
func (e *evictor) wait() { e.wg.Wait() }

// ── Buffered writer ──────────────────────────────────────────────────────────

// bufferWriter collects an entry in memory and hands it to publish on Commit.
// Backends without a streaming write path (heap, bolt, badger, object store)
// use it.
type bufferWriter struct {
	mu      sync.Mutex
	buf     []byte
	done    bool
	publish func([]byte) error
}

func newBufferWriter(publish func([]byte) error) *bufferWriter {
	return &bufferWriter{publish: publish}
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, ErrClosed
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *bufferWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrClosed
	}
	w.done = true
	data := w.buf
	w.buf = nil
	return w.publish(data)
}

func (w *bufferWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	w.buf = nil
	return nil
}

func (w *bufferWriter) Close() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done {
		return nil
	}
	return w.Abort()
}
