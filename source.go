package derivcache

import (
	"context"
	"errors"
	"io"

	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/utils"
)

// Resolve locates the source for id. A missing source purges whatever the
// caches still hold for id. Remote sources are staged in the source cache
// when it is enabled, so later reads stay local.
func (e *Engine) Resolve(ctx context.Context, id core.Identifier) (core.Source, error) {
	src, err := e.resolver.Resolve(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		if perr := e.PurgeIdentifier(ctx, id); perr != nil {
			e.logger.Warn("engine: purging vanished source failed", "identifier", id, "error", perr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if st, ok := src.(core.Stageable); ok && st.Remote() && e.sourceCache != nil {
		return e.stage(ctx, src), nil
	}
	return src, nil
}

// stage copies src into the source cache unless it is already there. A
// staging failure is logged and the origin is used directly.
func (e *Engine) stage(ctx context.Context, src core.Source) core.Source {
	id := src.Identifier()
	staged := &stagedSource{Source: src, cache: e.sourceCache, logger: e.logger}

	rc, ok, err := e.sourceCache.Source(ctx, id)
	if err != nil {
		e.logger.Warn("engine: source cache unreadable", "identifier", id, "error", err)
		return src
	}
	if ok {
		rc.Close()
		return staged
	}

	if err := e.copyToSourceCache(ctx, src); err != nil {
		e.logger.Warn("engine: staging source failed, reading origin", "identifier", id, "error", err)
		return src
	}
	e.logger.Debug("engine: source staged", "identifier", id)
	return staged
}

func (e *Engine) copyToSourceCache(ctx context.Context, src core.Source) error {
	w, err := e.sourceCache.NewSourceWriter(ctx, src.Identifier())
	if err != nil {
		return err
	}
	rc, err := src.Open(ctx)
	if err != nil {
		_ = w.Abort()
		return apperrors.SourceRead("engine.stage", err)
	}
	defer rc.Close()

	r := &utils.LimitedReader{R: rc, Max: e.cfg.Processor.MaxImageBytes}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Commit()
}

// stagedSource reads a remote source from the source cache, going back to
// the origin if the entry has since been evicted.
type stagedSource struct {
	core.Source
	cache  cache.SourceCache
	logger core.Logger
}

func (s *stagedSource) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, ok, err := s.cache.Source(ctx, s.Identifier())
	if err != nil {
		s.logger.Warn("engine: staged source unreadable, reading origin",
			"identifier", s.Identifier(), "error", err)
	}
	if ok && err == nil {
		return rc, nil
	}
	return s.Source.Open(ctx)
}
