// Package representation serves one derivative request: from the derivative
// cache when possible, otherwise by running the processor while writing the
// result through to the cache.
package representation

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
	"github.com/Skryldev/derivcache/processor"
	"github.com/Skryldev/derivcache/utils"
)

const tracerName = "github.com/Skryldev/derivcache/representation"

// Outcomes of a Write, recorded on its span.
const (
	OutcomeDirect      = "direct"      // no cache involved
	OutcomeHit         = "hit"         // served from cache
	OutcomeWritten     = "written"     // processed and committed
	OutcomePassthrough = "passthrough" // no-op list, source bytes copied
	OutcomeUncached    = "uncached"    // processed, cache write skipped or dropped
)

// ImageRepresentation is everything needed to produce one derivative.
type ImageRepresentation struct {
	Info      core.Info
	List      *operation.List
	Source    core.Source
	Processor processor.Processor

	// Cache is nil when derivative caching is disabled.
	Cache cache.DerivativeCache
	// Bypass skips the cache for this request only.
	Bypass bool
	// InFlight coordinates concurrent misses; nil disables coordination.
	InFlight *InFlight

	Logger core.Logger
	Tracer trace.Tracer
}

func (r *ImageRepresentation) logger() core.Logger {
	if r.Logger == nil {
		return core.NopLogger{}
	}
	return r.Logger
}

// Write streams the derivative to w. A failure after bytes reached the cache
// sink aborts the entry and purges the key before the error is returned.
func (r *ImageRepresentation) Write(ctx context.Context, w io.Writer) (err error) {
	tracer := r.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "representation.write", trace.WithAttributes(
		attribute.String("derivcache.identifier", r.List.Identifier().String()),
		attribute.String("derivcache.key", r.List.Key()),
		attribute.String("derivcache.format", string(r.List.OutputFormat())),
	))
	var outcome string
	defer func() {
		span.SetAttributes(attribute.String("derivcache.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if r.Cache == nil || r.Bypass {
		outcome = OutcomeDirect
		_, err = r.render(ctx, w)
		return err
	}

	if hit, err := r.serveCached(ctx, w); hit || err != nil {
		outcome = OutcomeHit
		return err
	}

	if r.InFlight != nil {
		release, done, leader := r.InFlight.Acquire(r.List.Key())
		if !leader {
			outcome = OutcomeUncached
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if hit, err := r.serveCached(ctx, w); hit || err != nil {
				outcome = OutcomeHit
				return err
			}
			// The leader failed or its entry is already gone.
			_, err = r.render(ctx, w)
			return err
		}
		defer release()
	}

	outcome, err = r.writeThrough(ctx, w)
	return err
}

// serveCached copies a cached derivative to w. Failing to open the entry is
// logged and reported as a miss; an entry that breaks mid-copy is purged.
func (r *ImageRepresentation) serveCached(ctx context.Context, w io.Writer) (bool, error) {
	rc, ok, err := r.Cache.Derivative(ctx, r.List)
	if err != nil {
		r.logger().Warn("representation: cache read failed, processing instead",
			"key", r.List.Key(), "error", err)
		return false, nil
	}
	if !ok {
		return false, nil
	}
	defer rc.Close()
	src := &trackedReader{r: rc}
	if _, err := io.Copy(w, src); err != nil {
		if src.err != nil {
			r.logger().Warn("representation: cached entry unreadable, purging",
				"key", r.List.Key(), "error", src.err)
			if perr := r.Cache.PurgeDerivative(context.Background(), r.List); perr != nil {
				r.logger().Error("representation: purge of unreadable entry failed",
					"key", r.List.Key(), "error", perr)
			}
		}
		return true, err
	}
	return true, nil
}

// trackedReader remembers its own read failure, telling a broken cache
// entry apart from a client that went away.
type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func (r *ImageRepresentation) writeThrough(ctx context.Context, w io.Writer) (string, error) {
	cw, err := r.Cache.NewDerivativeWriter(ctx, r.List)
	if err != nil {
		r.logger().Warn("representation: cache writer unavailable, processing uncached",
			"key", r.List.Key(), "error", err)
		_, err = r.render(ctx, w)
		return OutcomeUncached, err
	}

	tee := &utils.TeeWriter{Ctx: ctx, Primary: w, Secondary: cw}
	passthrough, err := r.render(ctx, tee)
	if err != nil {
		r.rollback(cw)
		return OutcomeUncached, err
	}
	if err := tee.Err(); err != nil {
		r.logger().Warn("representation: cache write failed, entry dropped",
			"key", r.List.Key(), "error", err)
		r.rollback(cw)
		return OutcomeUncached, nil
	}
	if err := cw.Commit(); err != nil {
		r.logger().Warn("representation: cache commit failed",
			"key", r.List.Key(), "error", err)
		r.rollback(cw)
		return OutcomeUncached, nil
	}
	if passthrough {
		return OutcomePassthrough, nil
	}
	return OutcomeWritten, nil
}

// rollback aborts the pending entry and purges the key, so a partially
// written derivative can never be served.
func (r *ImageRepresentation) rollback(cw cache.Writer) {
	if err := cw.Abort(); err != nil {
		r.logger().Warn("representation: abort failed", "key", r.List.Key(), "error", err)
	}
	// The request context may be the reason we are here; purge regardless.
	if err := r.Cache.PurgeDerivative(context.Background(), r.List); err != nil {
		r.logger().Error("representation: purge after failed write failed",
			"key", r.List.Key(), "error", err)
	}
}

// render produces the derivative into w. Lists without effect copy the
// source bytes verbatim; it reports whether that happened.
func (r *ImageRepresentation) render(ctx context.Context, w io.Writer) (bool, error) {
	if !r.List.HasEffect(r.Info.Size(), r.Source.Format()) {
		return true, r.copySource(ctx, w)
	}
	if r.Processor == nil {
		return false, apperrors.New(apperrors.CategoryPipeline, "representation.write", errors.New("no processor"))
	}
	return false, r.Processor.Process(ctx, r.List, r.Info, r.Source, w)
}

func (r *ImageRepresentation) copySource(ctx context.Context, w io.Writer) error {
	rc, err := r.Source.Open(ctx)
	if err != nil {
		return apperrors.SourceRead("representation.passthrough", err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return err
	}
	return nil
}
