// Package worker runs periodic cache maintenance.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/core"
)

// DefaultInterval is used when Config.Interval is zero.
const DefaultInterval = 30 * time.Minute

// Config configures a CacheWorker. Either cache may be nil.
type Config struct {
	Source     cache.SourceCache
	Derivative cache.DerivativeCache
	Interval   time.Duration
	Logger     core.Logger
	Metrics    core.MetricsCollector
}

// CacheWorker sweeps the caches on a fixed interval. It only uses the
// caches' public purge primitives, so it is safe alongside live traffic.
type CacheWorker struct {
	cfg Config
	mu  sync.Mutex // one sweep at a time
}

var _ suture.Service = (*CacheWorker)(nil)

// New creates a CacheWorker.
func New(cfg Config) *CacheWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NopLogger{}
	}
	return &CacheWorker{cfg: cfg}
}

type task struct {
	name string
	run  func(context.Context) error
}

func (w *CacheWorker) tasks() []task {
	var out []task
	if c := w.cfg.Source; c != nil {
		out = append(out,
			task{"source.cleanup", c.CleanUp},
			task{"source.purge_expired", c.PurgeExpired},
		)
	}
	if c := w.cfg.Derivative; c != nil {
		out = append(out,
			task{"derivative.cleanup", c.CleanUp},
			task{"derivative.purge_expired", c.PurgeExpired},
		)
		if p, ok := c.(cache.Persistent); ok && cache.IsPersistent(c) {
			out = append(out, task{"derivative.dump", p.Dump})
		}
	}
	return out
}

// RunOnce performs one sweep. Every step runs even when an earlier one
// fails; the failures are logged and joined.
func (w *CacheWorker) RunOnce(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, span := otel.Tracer("github.com/Skryldev/derivcache/worker").Start(ctx, "worker.sweep")
	defer span.End()

	start := time.Now()
	var errs []error
	for _, t := range w.tasks() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		stepStart := time.Now()
		err := w.run(ctx, t)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.RecordProcessingTime("worker."+t.name, time.Since(stepStart))
		}
		if err != nil {
			w.cfg.Logger.Error("worker: sweep step failed", "step", t.name, "error", err)
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.RecordError("worker."+t.name, "cache")
			}
			span.AddEvent("step failed", trace.WithAttributes(
				attribute.String("derivcache.step", t.name),
				attribute.String("error", err.Error()),
			))
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	w.cfg.Logger.Info("worker: sweep finished", "duration_ms", time.Since(start).Milliseconds(), "failures", len(errs))
	return err
}

// run isolates a step, turning a panic into an error.
func (w *CacheWorker) run(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.run(ctx)
}

// Serve sweeps on every tick until ctx is cancelled. It implements
// suture.Service.
func (w *CacheWorker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.cfg.Logger.Info("worker: started", "interval", w.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = w.RunOnce(ctx)
		}
	}
}

// String names the service in supervisor logs.
func (w *CacheWorker) String() string { return "cache-worker" }
