// Package derivcache wires the processors, caches and delegate services into
// one Engine that serves image derivatives.
package derivcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Skryldev/derivcache/adapters/vips"
	"github.com/Skryldev/derivcache/admin"
	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/config"
	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/delegate"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/hooks"
	"github.com/Skryldev/derivcache/operation"
	"github.com/Skryldev/derivcache/processor"
	"github.com/Skryldev/derivcache/representation"
	"github.com/Skryldev/derivcache/worker"
)

const tracerName = "github.com/Skryldev/derivcache"

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Deps are the collaborators supplied in code rather than configuration.
type Deps struct {
	// Resolver locates sources. Required.
	Resolver core.Resolver
	// ObjectClient backs the objectstore cache backend.
	ObjectClient cache.ObjectClient
	// Proxy overrides the HTTP delegate built from Config.Delegate.URL.
	Proxy delegate.Proxy
	// OverlayLoader loads overlay images; files through the codecs when nil.
	OverlayLoader delegate.ImageLoader
	Logger        core.Logger
	Metrics       core.MetricsCollector
	Tracer        trace.Tracer
	// Now is the cache clock; time.Now when nil.
	Now func() time.Time
}

// Engine is the primary entry point. It is safe for concurrent use.
type Engine struct {
	cfg      config.Config
	resolver core.Resolver
	logger   core.Logger
	metrics  core.MetricsCollector
	tracer   trace.Tracer

	codecs     *core.DefaultRegistry
	vips       *vips.Backend
	pool       *core.Pool
	processors *processor.Registry

	sourceCache cache.SourceCache
	derivCache  cache.DerivativeCache
	inFlight    *representation.InFlight
	infos       singleflight.Group

	redactions *delegate.RedactionService
	overlays   *delegate.OverlayService
	worker     *worker.CacheWorker

	closeOnce sync.Once
	closeErr  error
}

var _ admin.Maintainer = (*Engine)(nil)

// New validates cfg and builds a started Engine. Close releases it.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	const op = "engine.new"
	if err := config.Validate(cfg); err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, op, err)
	}
	if deps.Resolver == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, op, errors.New("a resolver is required"))
	}

	e := &Engine{
		cfg:      cfg,
		resolver: deps.Resolver,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		inFlight: representation.NewInFlight(),
	}
	if e.logger == nil {
		e.logger = core.NopLogger{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}

	if err := e.buildProcessors(); err != nil {
		_ = e.Close()
		return nil, err
	}
	if err := e.buildCaches(deps); err != nil {
		_ = e.Close()
		return nil, err
	}
	e.buildDelegates(deps)

	e.worker = worker.New(worker.Config{
		Source:     e.sourceCache,
		Derivative: e.derivCache,
		Interval:   cfg.Cache.WorkerInterval,
		Logger:     e.logger,
		Metrics:    e.metrics,
	})

	e.logger.Info("engine started",
		"processors", e.processors.Names(),
		"fallback", cfg.Processor.Fallback,
		"source_cache", e.sourceCache != nil,
		"derivative_cache", e.derivCache != nil,
	)
	return e, nil
}

// ── Construction ──────────────────────────────────────────────────────────────

func (e *Engine) stepHooks() []core.Hook {
	out := []core.Hook{hooks.NewLoggingHook(e.logger)}
	if e.metrics != nil {
		out = append(out, hooks.NewMetricsHook(e.metrics))
	}
	return out
}

func (e *Engine) buildProcessors() error {
	pc, wc := e.cfg.Processor, e.cfg.Workers

	e.codecs = processor.NewCodecs(pc.DefaultQuality)
	e.pool = core.NewPool(wc.Count, wc.QueueSize, wc.JobTimeout)
	e.pool.Start()

	imaging := func(name string, codecs core.Registry) *processor.Imaging {
		return processor.NewImaging(processor.ImagingConfig{
			Name:       name,
			Codecs:     codecs,
			Pool:       e.pool,
			Logger:     e.logger,
			Hooks:      e.stepHooks(),
			MaxRetries: wc.MaxRetries,
			RetryDelay: wc.RetryDelay,
		})
	}

	e.processors = processor.NewRegistry()
	e.processors.Register(imaging(config.ProcessorImaging, e.codecs))
	if pc.Vips.Enabled {
		e.vips = vips.NewBackend(vips.BackendConfig{
			DefaultQuality: pc.DefaultQuality,
			MaxCacheSize:   pc.Vips.MaxCacheSize,
			MaxWorkers:     pc.Vips.Workers,
		})
		codecs := e.codecs.Clone()
		vips.RegisterBackend(codecs, e.vips)
		e.processors.Register(imaging(config.ProcessorVips, codecs))
	}

	if err := e.processors.SetFallback(pc.Fallback); err != nil {
		return err
	}
	for format, name := range pc.FormatAssignments() {
		if err := e.processors.Assign(format, name); err != nil {
			return fmt.Errorf("assign %s to %s: %w", format, name, err)
		}
	}
	return nil
}

func (e *Engine) buildCaches(deps Deps) error {
	d := cache.Deps{
		Logger:       e.logger,
		Metrics:      e.metrics,
		ObjectClient: deps.ObjectClient,
		Now:          deps.Now,
	}
	var err error
	if e.sourceCache, err = cache.NewSourceCache(e.cfg.Cache.SourceCache(), d); err != nil {
		return err
	}
	e.derivCache, err = cache.NewDerivativeCache(e.cfg.Cache.DerivativeCache(), d)
	return err
}

func (e *Engine) buildDelegates(deps Deps) {
	dc := e.cfg.Delegate
	proxy := deps.Proxy
	if proxy == nil && dc.URL != "" {
		proxy = delegate.NewHTTPProxy(dc.URL, dc.Timeout)
	}
	e.redactions = &delegate.RedactionService{Proxy: proxy, Enabled: dc.RedactionsEnabled}
	e.overlays = &delegate.OverlayService{
		Enabled:  dc.Overlay.Enabled,
		Strategy: delegate.OverlayStrategy(dc.Overlay.Strategy),
		Proxy:    proxy,
		Basic:    dc.Overlay.Basic,
		MinSize:  dc.Overlay.MinSize(),
		Loader:   deps.OverlayLoader,
		Registry: e.codecs,
	}
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config { return e.cfg }

// Worker returns the cache maintenance service. It is not running until the
// caller starts it, usually under a suture supervisor.
func (e *Engine) Worker() *worker.CacheWorker { return e.worker }

// Codecs returns the pure-Go codec registry.
func (e *Engine) Codecs() core.Registry { return e.codecs }

// Processor returns the processor serving sources of format.
func (e *Engine) Processor(format core.Format) (processor.Processor, error) {
	return e.processors.For(format)
}

// Processors lists the registered processor names.
func (e *Engine) Processors() []string { return e.processors.Names() }

// SourceCache returns the source cache, nil when disabled.
func (e *Engine) SourceCache() cache.SourceCache { return e.sourceCache }

// DerivativeCache returns the derivative cache, nil when disabled.
func (e *Engine) DerivativeCache() cache.DerivativeCache { return e.derivCache }

// AdminHandler returns the maintenance routes bound to this engine. metrics
// serves GET /metrics; promhttp.Handler() when nil.
func (e *Engine) AdminHandler(metrics http.Handler) http.Handler {
	cfg := admin.Config{
		Metrics: metrics,
		Token:   e.cfg.Admin.Token,
		Timeout: e.cfg.Admin.Timeout,
		Logger:  e.logger,
	}
	if e.caching() {
		cfg.Caches = e
	}
	return admin.NewRouter(cfg)
}

// ── Requests ──────────────────────────────────────────────────────────────────

// Request describes one derivative.
type Request struct {
	Identifier core.Identifier
	// Operations in application order; exactly one must be an
	// operation.Encode.
	Operations []operation.Operation
	Options    map[string]string

	// Client details handed to the delegate.
	Headers  map[string]string
	ClientIP string
	Cookies  map[string]string

	// BypassCache serves this request without reading or writing the
	// derivative cache.
	BypassCache bool
}

// Info returns the source info for id, from the derivative cache when
// possible. Concurrent calls for one identifier share a single read.
func (e *Engine) Info(ctx context.Context, id core.Identifier) (core.Info, error) {
	return e.info(ctx, id, func() (core.Source, error) { return e.Resolve(ctx, id) })
}

func (e *Engine) info(ctx context.Context, id core.Identifier, source func() (core.Source, error)) (core.Info, error) {
	v, err, _ := e.infos.Do(id.String(), func() (any, error) {
		if e.derivCache != nil {
			info, ok, err := e.derivCache.Info(ctx, id)
			switch {
			case err != nil:
				e.logger.Warn("engine: cached info unreadable", "identifier", id, "error", err)
			case ok:
				return info, nil
			}
		}
		src, err := source()
		if err != nil {
			return core.Info{}, err
		}
		proc, err := e.processors.For(src.Format())
		if err != nil {
			return core.Info{}, err
		}
		info, err := proc.ReadInfo(ctx, src)
		if err != nil {
			return core.Info{}, err
		}
		if e.derivCache != nil {
			if err := e.derivCache.PutInfo(ctx, id, info); err != nil {
				e.logger.Warn("engine: caching info failed", "identifier", id, "error", err)
			}
		}
		return info, nil
	})
	if err != nil {
		return core.Info{}, err
	}
	return v.(core.Info), nil
}

// NewRepresentation resolves the source, reads its info, appends delegate
// redactions and overlays, and validates the resulting list against the
// selected processor.
func (e *Engine) NewRepresentation(ctx context.Context, req Request) (*representation.ImageRepresentation, error) {
	const op = "engine.representation"
	src, err := e.Resolve(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	info, err := e.info(ctx, req.Identifier, func() (core.Source, error) { return src, nil })
	if err != nil {
		return nil, err
	}

	b := operation.NewBuilder(req.Identifier)
	if err := b.Add(req.Operations...); err != nil {
		return nil, err
	}
	for k, v := range req.Options {
		if err := b.SetOption(k, v); err != nil {
			return nil, err
		}
	}

	dreq := delegate.Request{
		Identifier: req.Identifier,
		FullSize:   info.Size(),
		Headers:    req.Headers,
		ClientIP:   req.ClientIP,
		Cookies:    req.Cookies,
	}
	redactions, err := e.redactions.Redactions(ctx, dreq)
	if err != nil {
		return nil, err
	}
	for _, r := range redactions {
		if err := b.Add(r); err != nil {
			return nil, err
		}
	}
	overlay, err := e.overlays.Overlay(ctx, dreq)
	if err != nil {
		return nil, err
	}
	if err := b.Add(overlay); err != nil {
		return nil, err
	}

	list, err := b.Build()
	if err != nil {
		return nil, err
	}
	proc, err := e.processors.ForList(src.Format(), list)
	if err != nil {
		return nil, err
	}
	if err := proc.Validate(list, info); err != nil {
		return nil, err
	}
	e.logger.Debug("engine: representation ready",
		"op", op, "key", list.Key(), "processor", proc.Name())

	return &representation.ImageRepresentation{
		Info:      info,
		List:      list,
		Source:    src,
		Processor: proc,
		Cache:     e.derivCache,
		Bypass:    req.BypassCache,
		InFlight:  e.inFlight,
		Logger:    e.logger,
		Tracer:    e.tracer,
	}, nil
}

// Validate reports whether req could be served, without producing it.
func (e *Engine) Validate(ctx context.Context, req Request) error {
	_, err := e.NewRepresentation(ctx, req)
	return err
}

// Write streams the derivative for req to w.
func (e *Engine) Write(ctx context.Context, req Request, w io.Writer) error {
	rep, err := e.NewRepresentation(ctx, req)
	if err != nil {
		return err
	}
	return rep.Write(ctx, w)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Stats returns how many pool tasks ran and how many of them failed.
func (e *Engine) Stats() (processed, failed int64) {
	return e.pool.ProcessedCount(), e.pool.ErrorCount()
}

// Close drains the pool, closes the caches (dumping a persistent heap) and
// shuts libvips down. It is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.pool != nil {
			e.pool.Stop()
		}
		if e.sourceCache != nil {
			errs = append(errs, e.sourceCache.Close())
		}
		if e.derivCache != nil {
			errs = append(errs, e.derivCache.Close())
		}
		if e.vips != nil {
			e.vips.Shutdown()
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
