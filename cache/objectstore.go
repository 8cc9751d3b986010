package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
)

// ErrObjectNotFound must be wrapped by ObjectClient implementations when a
// key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectClient is the minimal object-store surface the cache needs. This
// allows injection of a real S3-compatible client or a test double.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// ObjectStoreConfig configures an ObjectStoreCache.
type ObjectStoreConfig struct {
	Client ObjectClient
	Bucket string
	// Prefix is prepended to every key, e.g. "derivcache/".
	Prefix string
	// BreakerFailures is the number of consecutive failures that opens the
	// breaker; 5 when zero.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open; 30s when zero.
	BreakerTimeout time.Duration
	// Concurrency bounds parallel deletes during purges; 8 when zero.
	Concurrency int
	Options
}

// ObjectStoreCache stores derivatives and infos in an object store:
//
//	<prefix>image/<id digest>/<key digest>.<ext>
//	<prefix>info/<id digest>.json
//
// Every call goes through a circuit breaker so an unavailable store fails
// fast and the caller falls back to processing.
type ObjectStoreCache struct {
	client ObjectClient
	bucket string
	prefix string
	conc   int
	opts   Options
	ev     evictor
	cb     *gobreaker.CircuitBreaker[any]
}

var _ DerivativeCache = (*ObjectStoreCache)(nil)

// NewObjectStore creates an ObjectStoreCache. cfg.Client must not be nil.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStoreCache, error) {
	if cfg.Client == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "cache.objectstore", errors.New("client must not be nil"))
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	opts := cfg.Options.withDefaults()
	threshold := cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "cache.objectstore",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrObjectNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn("cache: circuit breaker state changed", "breaker", name,
				"from", from.String(), "to", to.String())
		},
	})
	return &ObjectStoreCache{
		client: cfg.Client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		conc:   cfg.Concurrency,
		opts:   opts,
		ev:     evictor{logger: opts.Logger},
		cb:     cb,
	}, nil
}

// BreakerState reports the circuit breaker state for monitoring.
func (c *ObjectStoreCache) BreakerState() string { return c.cb.State().String() }

func (c *ObjectStoreCache) identifierPrefix(id core.Identifier) string {
	return c.prefix + derivativeDir + "/" + hashOf(id.String()) + "/"
}

func (c *ObjectStoreCache) derivativeKey(list *operation.List) string {
	return c.identifierPrefix(list.Identifier()) + hashOf(list.Key()) + "." + list.OutputFormat().Extension()
}

func (c *ObjectStoreCache) infoKey(id core.Identifier) string {
	return c.prefix + infoDir + "/" + hashOf(id.String()) + ".json"
}

func (c *ObjectStoreCache) do(fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) { return nil, fn() })
	return err
}

// get fetches key fully; object bodies are small relative to the request
// and reading them here keeps the breaker accounting in one place.
func (c *ObjectStoreCache) get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		data []byte
		meta ObjectInfo
	)
	err := c.do(func() error {
		rc, info, err := c.client.GetObject(ctx, c.bucket, key)
		if err != nil {
			return err
		}
		defer rc.Close()
		meta = info
		data, err = io.ReadAll(rc)
		return err
	})
	switch {
	case errors.Is(err, ErrObjectNotFound):
		return nil, false, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, false, apperrors.CacheFailure("cache.objectstore.get", err)
	case err != nil:
		return nil, false, apperrors.Transient("cache.objectstore.get", err)
	}
	if len(data) == 0 || c.opts.expired(meta.LastModified) {
		c.ev.evict(key, func(ctx context.Context) error { return c.delete(ctx, key) })
		return nil, false, nil
	}
	return data, true, nil
}

func (c *ObjectStoreCache) put(ctx context.Context, key string, data []byte) error {
	err := c.do(func() error {
		return c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)))
	})
	if err != nil {
		return apperrors.Transient("cache.objectstore.put", err)
	}
	return nil
}

func (c *ObjectStoreCache) delete(ctx context.Context, key string) error {
	err := c.do(func() error {
		err := c.client.DeleteObject(ctx, c.bucket, key)
		if errors.Is(err, ErrObjectNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return apperrors.Transient("cache.objectstore.delete", err)
	}
	return nil
}

func (c *ObjectStoreCache) Derivative(ctx context.Context, list *operation.List) (io.ReadCloser, bool, error) {
	data, ok, err := c.get(ctx, c.derivativeKey(list))
	if !ok {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

func (c *ObjectStoreCache) NewDerivativeWriter(ctx context.Context, list *operation.List) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := c.derivativeKey(list)
	return newBufferWriter(func(data []byte) error { return c.put(ctx, key, data) }), nil
}

func (c *ObjectStoreCache) Info(ctx context.Context, id core.Identifier) (core.Info, bool, error) {
	key := c.infoKey(id)
	data, ok, err := c.get(ctx, key)
	if !ok {
		return core.Info{}, false, err
	}
	var info core.Info
	if err := json.Unmarshal(data, &info); err != nil {
		c.opts.Logger.Warn("cache: corrupt info entry", "identifier", id, "error", err)
		c.ev.evict(key, func(ctx context.Context) error { return c.delete(ctx, key) })
		return core.Info{}, false, nil
	}
	return info, true, nil
}

func (c *ObjectStoreCache) PutInfo(ctx context.Context, id core.Identifier, info core.Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return apperrors.CacheFailure("cache.objectstore.info", err)
	}
	return c.put(ctx, c.infoKey(id), data)
}

func (c *ObjectStoreCache) PurgeDerivative(ctx context.Context, list *operation.List) error {
	return c.delete(ctx, c.derivativeKey(list))
}

func (c *ObjectStoreCache) PurgeIdentifier(ctx context.Context, id core.Identifier) error {
	return errors.Join(
		c.deleteWhere(ctx, "cache.objectstore.purge_identifier", c.identifierPrefix(id), nil),
		c.delete(ctx, c.infoKey(id)),
	)
}

func (c *ObjectStoreCache) Purge(ctx context.Context) error {
	return c.deleteWhere(ctx, "cache.objectstore.purge", c.prefix, nil)
}

func (c *ObjectStoreCache) PurgeExpired(ctx context.Context) error {
	if c.opts.TTL <= 0 {
		return nil
	}
	return c.deleteWhere(ctx, "cache.objectstore.purge_expired", c.prefix, func(o ObjectInfo) bool {
		return c.opts.expired(o.LastModified)
	})
}

// CleanUp removes empty objects left by failed uploads.
func (c *ObjectStoreCache) CleanUp(ctx context.Context) error {
	return c.deleteWhere(ctx, "cache.objectstore.cleanup", c.prefix, func(o ObjectInfo) bool {
		return o.Size == 0
	})
}

// deleteWhere lists prefix and deletes matching objects in parallel. Every
// object is attempted; failures are logged and joined.
func (c *ObjectStoreCache) deleteWhere(ctx context.Context, op, prefix string, match func(ObjectInfo) bool) error {
	var objects []ObjectInfo
	err := c.do(func() error {
		var err error
		objects, err = c.client.ListObjects(ctx, c.bucket, prefix)
		return err
	})
	if err != nil {
		return apperrors.Transient(op, err)
	}

	errs := make([]error, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.conc)
	for i, o := range objects {
		if !strings.HasPrefix(o.Key, prefix) || (match != nil && !match(o)) {
			continue
		}
		g.Go(func() error {
			if err := c.delete(gctx, o.Key); err != nil {
				c.opts.Logger.Warn("cache: delete failed", "key", o.Key, "error", err)
				errs[i] = fmt.Errorf("%s: %w", o.Key, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return apperrors.CacheFailure(op, err)
	}
	return nil
}

func (c *ObjectStoreCache) Close() error {
	c.ev.wait()
	return nil
}
