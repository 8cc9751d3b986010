package derivcache

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/core"
)

// caching reports whether any cache is enabled.
func (e *Engine) caching() bool { return e.sourceCache != nil || e.derivCache != nil }

// each runs fn on every enabled cache concurrently. All of them run even
// when one fails; the failures are joined.
func (e *Engine) each(ctx context.Context, fn func(context.Context, cache.Cache) error) error {
	var caches []cache.Cache
	if e.sourceCache != nil {
		caches = append(caches, e.sourceCache)
	}
	if e.derivCache != nil {
		caches = append(caches, e.derivCache)
	}

	errs := make([]error, len(caches))
	var g errgroup.Group
	for i, c := range caches {
		g.Go(func() error {
			errs[i] = fn(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Purge empties both caches.
func (e *Engine) Purge(ctx context.Context) error {
	return e.each(ctx, func(ctx context.Context, c cache.Cache) error { return c.Purge(ctx) })
}

// PurgeExpired removes entries past their TTL from both caches.
func (e *Engine) PurgeExpired(ctx context.Context) error {
	return e.each(ctx, func(ctx context.Context, c cache.Cache) error { return c.PurgeExpired(ctx) })
}

// CleanUp removes debris such as orphaned temporary files.
func (e *Engine) CleanUp(ctx context.Context) error {
	return e.each(ctx, func(ctx context.Context, c cache.Cache) error { return c.CleanUp(ctx) })
}

// PurgeIdentifier removes the staged source, the info and every derivative
// of id.
func (e *Engine) PurgeIdentifier(ctx context.Context, id core.Identifier) error {
	// A read already in flight must not be joined after the purge.
	e.infos.Forget(id.String())
	return e.each(ctx, func(ctx context.Context, c cache.Cache) error { return c.PurgeIdentifier(ctx, id) })
}
