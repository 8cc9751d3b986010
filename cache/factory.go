package cache

import (
	"fmt"
	"time"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
)

// Backend names a cache implementation.
type Backend string

const (
	BackendFilesystem  Backend = "filesystem"
	BackendHeap        Backend = "heap"
	BackendBolt        Backend = "bolt"
	BackendBadger      Backend = "badger"
	BackendObjectStore Backend = "objectstore"
)

// Settings selects and configures one cache. The Options embedded in the
// per-backend configs are ignored; TTL and Deps fill them in.
type Settings struct {
	Enabled     bool
	Backend     Backend
	TTL         time.Duration
	Filesystem  FilesystemConfig
	Heap        HeapConfig
	Bolt        BoltConfig
	Badger      BadgerConfig
	ObjectStore ObjectStoreConfig
}

// Deps are the collaborators shared by every backend.
type Deps struct {
	Logger  core.Logger
	Metrics core.MetricsCollector
	// ObjectClient is required by the objectstore backend.
	ObjectClient ObjectClient
	Now          func() time.Time
}

func (d Deps) options(ttl time.Duration) Options {
	return Options{TTL: ttl, Logger: d.Logger, Now: d.Now}.withDefaults()
}

// NewDerivativeCache builds the configured derivative cache. It returns nil
// when the cache is disabled.
func NewDerivativeCache(s Settings, d Deps) (DerivativeCache, error) {
	if !s.Enabled {
		return nil, nil
	}
	opts := d.options(s.TTL)
	var (
		c   DerivativeCache
		err error
	)
	switch s.Backend {
	case BackendFilesystem:
		cfg := s.Filesystem
		cfg.Options = opts
		c, err = NewFilesystem(cfg)
	case BackendHeap:
		cfg := s.Heap
		cfg.Options = opts
		c, err = NewHeap(cfg)
	case BackendBolt:
		cfg := s.Bolt
		cfg.Options = opts
		c, err = NewBolt(cfg)
	case BackendBadger:
		cfg := s.Badger
		cfg.Options = opts
		c, err = NewBadger(cfg)
	case BackendObjectStore:
		cfg := s.ObjectStore
		cfg.Options = opts
		if cfg.Client == nil {
			cfg.Client = d.ObjectClient
		}
		c, err = NewObjectStore(cfg)
	default:
		return nil, unknownBackend("derivative", s.Backend)
	}
	if err != nil {
		return nil, err
	}
	return InstrumentDerivative(c, string(s.Backend), d.Metrics), nil
}

// NewSourceCache builds the configured source cache. Only the filesystem
// backend can stage sources. It returns nil when the cache is disabled.
func NewSourceCache(s Settings, d Deps) (SourceCache, error) {
	if !s.Enabled {
		return nil, nil
	}
	if s.Backend != "" && s.Backend != BackendFilesystem {
		return nil, unknownBackend("source", s.Backend)
	}
	cfg := s.Filesystem
	cfg.Options = d.options(s.TTL)
	c, err := NewFilesystem(cfg)
	if err != nil {
		return nil, err
	}
	return InstrumentSource(c, string(BackendFilesystem), d.Metrics), nil
}

func unknownBackend(kind string, b Backend) error {
	return apperrors.New(apperrors.CategoryConfig, "cache.factory",
		fmt.Errorf("unsupported %s cache backend %q", kind, b))
}
