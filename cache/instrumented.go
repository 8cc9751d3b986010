package cache

import (
	"context"
	"io"

	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/operation"
)

// Access results passed to MetricsCollector.RecordCacheAccess.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

func record(m core.MetricsCollector, name string, ok bool, err error) {
	switch {
	case err != nil:
		m.RecordCacheAccess(name, ResultError)
		m.RecordError(name, "cache")
	case ok:
		m.RecordCacheAccess(name, ResultHit)
	default:
		m.RecordCacheAccess(name, ResultMiss)
	}
}

// InstrumentedDerivative counts lookups of a DerivativeCache.
type InstrumentedDerivative struct {
	DerivativeCache
	Name    string
	Metrics core.MetricsCollector
}

// InstrumentDerivative wraps c; it returns c unchanged when m is nil.
func InstrumentDerivative(c DerivativeCache, name string, m core.MetricsCollector) DerivativeCache {
	if m == nil || c == nil {
		return c
	}
	return &InstrumentedDerivative{DerivativeCache: c, Name: name, Metrics: m}
}

func (i *InstrumentedDerivative) Derivative(ctx context.Context, list *operation.List) (io.ReadCloser, bool, error) {
	rc, ok, err := i.DerivativeCache.Derivative(ctx, list)
	record(i.Metrics, i.Name+".derivative", ok, err)
	return rc, ok, err
}

func (i *InstrumentedDerivative) Info(ctx context.Context, id core.Identifier) (core.Info, bool, error) {
	info, ok, err := i.DerivativeCache.Info(ctx, id)
	record(i.Metrics, i.Name+".info", ok, err)
	return info, ok, err
}

// Dump forwards to the wrapped cache when it is persistent.
func (i *InstrumentedDerivative) Dump(ctx context.Context) error {
	if p, ok := i.DerivativeCache.(Persistent); ok {
		return p.Dump(ctx)
	}
	return nil
}

// Unwrap returns the decorated cache.
func (i *InstrumentedDerivative) Unwrap() DerivativeCache { return i.DerivativeCache }

// InstrumentedSource counts lookups of a SourceCache.
type InstrumentedSource struct {
	SourceCache
	Name    string
	Metrics core.MetricsCollector
}

// InstrumentSource wraps c; it returns c unchanged when m is nil.
func InstrumentSource(c SourceCache, name string, m core.MetricsCollector) SourceCache {
	if m == nil || c == nil {
		return c
	}
	return &InstrumentedSource{SourceCache: c, Name: name, Metrics: m}
}

func (i *InstrumentedSource) Source(ctx context.Context, id core.Identifier) (io.ReadCloser, bool, error) {
	rc, ok, err := i.SourceCache.Source(ctx, id)
	record(i.Metrics, i.Name+".source", ok, err)
	return rc, ok, err
}

// IsPersistent reports whether c (or the cache it decorates) can dump itself.
func IsPersistent(c DerivativeCache) bool {
	if i, ok := c.(*InstrumentedDerivative); ok {
		c = i.Unwrap()
	}
	h, ok := c.(*HeapCache)
	if ok {
		return h.cfg.DumpPath != ""
	}
	_, ok = c.(Persistent)
	return ok
}
