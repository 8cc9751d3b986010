// Package config holds the engine configuration, its defaults and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/core"
	"github.com/Skryldev/derivcache/delegate"
)

// Processor names accepted in Fallback and Assignments.
const (
	ProcessorImaging = "imaging"
	ProcessorVips    = "vips"
)

// Config is the top-level configuration struct. Default() returns a working
// configuration; callers override only what they need.
type Config struct {
	Workers   WorkersConfig   `koanf:"workers"`
	Processor ProcessorConfig `koanf:"processor"`
	Cache     CacheConfig     `koanf:"cache"`
	Delegate  DelegateConfig  `koanf:"delegate"`
	Log       LogConfig       `koanf:"log"`
	Admin     AdminConfig     `koanf:"admin"`
}

// WorkersConfig sizes the decode pool.
type WorkersConfig struct {
	Count      int           `koanf:"count" validate:"gte=0"` // 0 = runtime.NumCPU()
	QueueSize  int           `koanf:"queue_size" validate:"gte=1"`
	JobTimeout time.Duration `koanf:"job_timeout" validate:"gte=0"`
	// Retry of transient step failures.
	MaxRetries int           `koanf:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay time.Duration `koanf:"retry_delay" validate:"gte=0"`
}

// ProcessorConfig selects processors and encoding defaults.
type ProcessorConfig struct {
	Fallback string `koanf:"fallback" validate:"required,oneof=imaging vips"`
	// Assignments routes source formats (by extension, e.g. "tif") to a
	// processor name.
	Assignments    map[string]string `koanf:"assignments" validate:"dive,oneof=imaging vips"`
	DefaultQuality int               `koanf:"default_quality" validate:"gte=1,lte=100"`
	MaxImageBytes  int64             `koanf:"max_image_bytes" validate:"gte=0"` // 0 = no limit
	Vips           VipsConfig        `koanf:"vips"`
}

// VipsConfig configures the libvips codec backend.
type VipsConfig struct {
	Enabled      bool `koanf:"enabled"`
	MaxCacheSize int  `koanf:"max_cache_size" validate:"gte=0"`
	Workers      int  `koanf:"workers" validate:"gte=0"`
}

// CacheConfig configures both caches and their maintenance.
type CacheConfig struct {
	Source     CacheSelection `koanf:"source"`
	Derivative CacheSelection `koanf:"derivative"`

	WorkerEnabled  bool          `koanf:"worker_enabled"`
	WorkerInterval time.Duration `koanf:"worker_interval" validate:"gte=0"`

	Filesystem  FilesystemConfig  `koanf:"filesystem"`
	Heap        HeapConfig        `koanf:"heap"`
	Bolt        BoltConfig        `koanf:"bolt"`
	Badger      BadgerConfig      `koanf:"badger"`
	ObjectStore ObjectStoreConfig `koanf:"objectstore"`
}

// CacheSelection enables one cache and picks its backend.
type CacheSelection struct {
	Enabled bool          `koanf:"enabled"`
	Backend string        `koanf:"backend" validate:"omitempty,oneof=filesystem heap bolt badger objectstore"`
	TTL     time.Duration `koanf:"ttl" validate:"gte=0"` // 0 = never expires
}

// FilesystemConfig configures the filesystem backend.
type FilesystemConfig struct {
	Root        string        `koanf:"root"`
	Permissions uint32        `koanf:"permissions"`
	DirDepth    int           `koanf:"dir_depth" validate:"gte=0,lte=8"`
	TempGrace   time.Duration `koanf:"temp_grace" validate:"gte=0"`
}

// HeapConfig configures the in-memory backend.
type HeapConfig struct {
	TargetSize int64  `koanf:"target_size" validate:"gte=0"`
	Persist    bool   `koanf:"persist"`
	DumpPath   string `koanf:"dump_path"`
}

// BoltConfig configures the bbolt backend.
type BoltConfig struct {
	Path string `koanf:"path"`
}

// BadgerConfig configures the badger backend.
type BadgerConfig struct {
	Dir            string  `koanf:"dir"`
	InMemory       bool    `koanf:"in_memory"`
	GCDiscardRatio float64 `koanf:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// ObjectStoreConfig configures the object store backend. The client itself
// is supplied in code.
type ObjectStoreConfig struct {
	Bucket          string        `koanf:"bucket"`
	Prefix          string        `koanf:"prefix"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gte=0"`
	Concurrency     int           `koanf:"concurrency" validate:"gte=0"`
}

// DelegateConfig configures redaction and overlay lookup.
type DelegateConfig struct {
	// URL of an HTTP delegate; empty disables delegate calls.
	URL               string        `koanf:"url" validate:"omitempty,url"`
	Timeout           time.Duration `koanf:"timeout" validate:"gte=0"`
	RedactionsEnabled bool          `koanf:"redactions_enabled"`
	Overlay           OverlayConfig `koanf:"overlay"`
}

// OverlayConfig configures the overlay service.
type OverlayConfig struct {
	Enabled   bool                 `koanf:"enabled"`
	Strategy  string               `koanf:"strategy" validate:"omitempty,oneof=basic delegate"`
	MinWidth  int                  `koanf:"min_width" validate:"gte=0"`
	MinHeight int                  `koanf:"min_height" validate:"gte=0"`
	Basic     delegate.OverlaySpec `koanf:"basic"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// AdminConfig configures the maintenance HTTP server.
type AdminConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr" validate:"required_if=Enabled true"`
	Token    string        `koanf:"token"`
	MaxConns int           `koanf:"max_conns" validate:"gte=0"`
	Timeout  time.Duration `koanf:"timeout" validate:"gte=0"`
}

// Default returns a Config populated with sensible production defaults.
// Caching is off until a backend is configured.
func Default() Config {
	return Config{
		Workers: WorkersConfig{
			Count:      0, // resolved at runtime to NumCPU
			QueueSize:  256,
			JobTimeout: 30 * time.Second,
			MaxRetries: 3,
			RetryDelay: 200 * time.Millisecond,
		},
		Processor: ProcessorConfig{
			Fallback:       ProcessorImaging,
			Assignments:    map[string]string{},
			DefaultQuality: 85,
		},
		Cache: CacheConfig{
			Source:         CacheSelection{Backend: string(cache.BackendFilesystem)},
			Derivative:     CacheSelection{Backend: string(cache.BackendFilesystem)},
			WorkerEnabled:  true,
			WorkerInterval: 30 * time.Minute,
			Filesystem: FilesystemConfig{
				Root:        "/var/cache/derivcache",
				Permissions: 0o644,
				DirDepth:    2,
				TempGrace:   10 * time.Minute,
			},
			Heap:   HeapConfig{TargetSize: 256 << 20},
			Badger: BadgerConfig{GCDiscardRatio: 0.5},
			ObjectStore: ObjectStoreConfig{
				Prefix:          "derivcache/",
				BreakerFailures: 5,
				BreakerTimeout:  30 * time.Second,
				Concurrency:     8,
			},
		},
		Delegate: DelegateConfig{
			Timeout: 5 * time.Second,
			Overlay: OverlayConfig{Strategy: string(delegate.OverlayBasic)},
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Admin: AdminConfig{
			Addr:     "127.0.0.1:8182",
			MaxConns: 16,
			Timeout:  5 * time.Minute,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report koanf paths rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", trimRoot(fe.Namespace()), fieldRule(fe)))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	for name, sel := range map[string]CacheSelection{"source": c.Cache.Source, "derivative": c.Cache.Derivative} {
		if !sel.Enabled {
			continue
		}
		if err := c.Cache.checkBackend(name, cache.Backend(sel.Backend)); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Processor.Fallback == ProcessorVips && !c.Processor.Vips.Enabled {
		errs = append(errs, errors.New("config: processor.fallback is vips but processor.vips.enabled is false"))
	}
	for ext, name := range c.Processor.Assignments {
		if core.FormatFromExtension(ext) == core.FormatUnknown {
			errs = append(errs, fmt.Errorf("config: processor.assignments: unknown format %q", ext))
		}
		if name == ProcessorVips && !c.Processor.Vips.Enabled {
			errs = append(errs, fmt.Errorf("config: processor.assignments.%s is vips but processor.vips.enabled is false", ext))
		}
	}
	if c.Delegate.Overlay.Enabled && c.Delegate.Overlay.Strategy == string(delegate.OverlayDelegate) && c.Delegate.URL == "" {
		errs = append(errs, errors.New("config: delegate.overlay.strategy is delegate but delegate.url is empty"))
	}
	return errors.Join(errs...)
}

func (c CacheConfig) checkBackend(name string, b cache.Backend) error {
	if name == "source" && b != "" && b != cache.BackendFilesystem {
		return fmt.Errorf("config: cache.source.backend must be filesystem, got %q", b)
	}
	switch b {
	case cache.BackendFilesystem, "":
		if c.Filesystem.Root == "" {
			return fmt.Errorf("config: cache.%s uses filesystem but cache.filesystem.root is empty", name)
		}
	case cache.BackendHeap:
		if c.Heap.Persist && c.Heap.DumpPath == "" {
			return errors.New("config: cache.heap.persist requires cache.heap.dump_path")
		}
	case cache.BackendBolt:
		if c.Bolt.Path == "" {
			return fmt.Errorf("config: cache.%s uses bolt but cache.bolt.path is empty", name)
		}
	case cache.BackendBadger:
		if c.Badger.Dir == "" && !c.Badger.InMemory {
			return fmt.Errorf("config: cache.%s uses badger but cache.badger.dir is empty", name)
		}
	case cache.BackendObjectStore:
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("config: cache.%s uses objectstore but cache.objectstore.bucket is empty", name)
		}
	}
	return nil
}

func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// ── Mapping onto components ───────────────────────────────────────────────────

// SourceCache returns the source cache settings.
func (c CacheConfig) SourceCache() cache.Settings { return c.settings(c.Source) }

// DerivativeCache returns the derivative cache settings.
func (c CacheConfig) DerivativeCache() cache.Settings { return c.settings(c.Derivative) }

func (c CacheConfig) settings(sel CacheSelection) cache.Settings {
	backend := cache.Backend(sel.Backend)
	if backend == "" {
		backend = cache.BackendFilesystem
	}
	s := cache.Settings{
		Enabled: sel.Enabled,
		Backend: backend,
		TTL:     sel.TTL,
		Filesystem: cache.FilesystemConfig{
			Root:        c.Filesystem.Root,
			Permissions: os.FileMode(c.Filesystem.Permissions),
			DirDepth:    c.Filesystem.DirDepth,
			TempGrace:   c.Filesystem.TempGrace,
		},
		Heap:   cache.HeapConfig{TargetSize: c.Heap.TargetSize},
		Bolt:   cache.BoltConfig{Path: c.Bolt.Path},
		Badger: cache.BadgerConfig{Dir: c.Badger.Dir, InMemory: c.Badger.InMemory, GCDiscardRatio: c.Badger.GCDiscardRatio},
		ObjectStore: cache.ObjectStoreConfig{
			Bucket:          c.ObjectStore.Bucket,
			Prefix:          c.ObjectStore.Prefix,
			BreakerFailures: c.ObjectStore.BreakerFailures,
			BreakerTimeout:  c.ObjectStore.BreakerTimeout,
			Concurrency:     c.ObjectStore.Concurrency,
		},
	}
	if c.Heap.Persist {
		s.Heap.DumpPath = c.Heap.DumpPath
	}
	return s
}

// FormatAssignments returns the processor assignments keyed by format.
func (p ProcessorConfig) FormatAssignments() map[core.Format]string {
	out := make(map[core.Format]string, len(p.Assignments))
	for ext, name := range p.Assignments {
		if f := core.FormatFromExtension(ext); f != core.FormatUnknown {
			out[f] = name
		}
	}
	return out
}

// MinSize is the smallest output that still receives an overlay.
func (o OverlayConfig) MinSize() core.Size {
	return core.Size{Width: o.MinWidth, Height: o.MinHeight}
}
