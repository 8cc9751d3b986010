package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Skryldev/derivcache/cache"
	"github.com/Skryldev/derivcache/config"
	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

func TestDefaultIsValid(t *testing.T) {
	if err := config.Validate(config.Default()); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"quality", func(c *config.Config) { c.Processor.DefaultQuality = 0 }, "processor.default_quality"},
		{"backend", func(c *config.Config) { c.Cache.Derivative.Backend = "redis" }, "cache.derivative.backend"},
		{"log level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
		{"assignment name", func(c *config.Config) { c.Processor.Assignments["tif"] = "magick" }, "processor.assignments"},
		{"assignment format", func(c *config.Config) { c.Processor.Assignments["xyz"] = "imaging" }, `unknown format "xyz"`},
		{"vips fallback", func(c *config.Config) { c.Processor.Fallback = "vips" }, "processor.vips.enabled"},
		{"source backend", func(c *config.Config) {
			c.Cache.Source = config.CacheSelection{Enabled: true, Backend: "heap"}
		}, "cache.source.backend must be filesystem"},
		{"bolt path", func(c *config.Config) {
			c.Cache.Derivative = config.CacheSelection{Enabled: true, Backend: "bolt"}
		}, "cache.bolt.path"},
		{"heap persist", func(c *config.Config) {
			c.Cache.Derivative = config.CacheSelection{Enabled: true, Backend: "heap"}
			c.Cache.Heap.Persist = true
		}, "dump_path"},
		{"delegate url", func(c *config.Config) { c.Delegate.URL = "not a url" }, "delegate.url"},
		{"overlay without delegate", func(c *config.Config) {
			c.Delegate.Overlay.Enabled = true
			c.Delegate.Overlay.Strategy = "delegate"
		}, "delegate.url is empty"},
		{"admin addr", func(c *config.Config) {
			c.Admin.Enabled = true
			c.Admin.Addr = ""
		}, "admin.addr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := config.Default()
			tc.mutate(&c)
			err := config.Validate(c)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

const yamlConfig = `
processor:
  default_quality: 70
  assignments:
    tif: imaging
cache:
  derivative:
    enabled: true
    backend: heap
    ttl: 1h
  heap:
    target_size: 4096
log:
  level: debug
`

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "derivcache.yaml")
	if err := os.WriteFile(path, []byte(yamlConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DERIVCACHE_LOG__LEVEL", "warn")
	t.Setenv("DERIVCACHE_CACHE__HEAP__TARGET_SIZE", "1024")
	t.Setenv("DERIVCACHE_CACHE__WORKER_INTERVAL", "5m")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("env did not override file: log.level = %q", cfg.Log.Level)
	}
	if cfg.Processor.DefaultQuality != 70 {
		t.Errorf("file did not override default: quality = %d", cfg.Processor.DefaultQuality)
	}
	if cfg.Workers.QueueSize != 256 {
		t.Errorf("default lost: queue_size = %d", cfg.Workers.QueueSize)
	}
	if cfg.Cache.WorkerInterval != 5*time.Minute {
		t.Errorf("worker interval = %v", cfg.Cache.WorkerInterval)
	}

	got := cfg.Cache.DerivativeCache()
	if !got.Enabled || got.Backend != cache.BackendHeap || got.TTL != time.Hour || got.Heap.TargetSize != 1024 {
		t.Errorf("derivative settings = %+v", got)
	}
	if diff := cmp.Diff(map[core.Format]string{core.FormatTIFF: "imaging"}, cfg.Processor.FormatAssignments()); diff != "" {
		t.Errorf("assignments (-want +got):\n%s", diff)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(config.Default(), cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config differs from defaults (-want +got):\n%s", diff)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("DERIVCACHE_PROCESSOR__DEFAULT_QUALITY", "500")
	_, err := config.Load("")
	if !apperrors.IsCategory(err, apperrors.CategoryConfig) {
		t.Fatalf("got %v, want config error", err)
	}
}

func TestHeapDumpPathOnlyWhenPersistent(t *testing.T) {
	c := config.Default()
	c.Cache.Heap.DumpPath = "/tmp/heap.zst"
	if got := c.Cache.DerivativeCache().Heap.DumpPath; got != "" {
		t.Fatalf("dump path %q set without persist", got)
	}
	c.Cache.Heap.Persist = true
	if got := c.Cache.DerivativeCache().Heap.DumpPath; got != "/tmp/heap.zst" {
		t.Fatalf("dump path %q", got)
	}
}
