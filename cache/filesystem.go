package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	digest "github.com/opencontainers/go-digest"
	"github.com/rs/xid"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
)

const (
	sourceDir     = "source"
	derivativeDir = "image"
	infoDir       = "info"
	tempSuffix    = ".tmp"
)

// FilesystemConfig configures a FilesystemCache.
type FilesystemConfig struct {
	Root string
	// Permissions of entry files; 0644 when zero.
	Permissions os.FileMode
	// DirDepth is the number of two-character directory levels above each
	// entry; 2 when zero.
	DirDepth int
	// TempGrace is how old an unowned temp file must be before CleanUp
	// removes it; another process may still be writing it. 10m when zero.
	TempGrace time.Duration
	Options
}

// FilesystemCache keeps sources, derivatives and infos below one root
// directory. Paths are derived from digests of the identifier and list key:
//
//	source/ab/cd/<id digest>
//	image/ab/cd/<id digest>/<key digest>.<ext>
//	info/ab/cd/<id digest>.json
//
// Entries are written to a temporary sibling and renamed into place.
type FilesystemCache struct {
	root  string
	perm  os.FileMode
	depth int
	grace time.Duration
	opts  Options
	ev    evictor

	mu     sync.Mutex
	active map[string]struct{} // temp files of open writers
}

var (
	_ SourceCache     = (*FilesystemCache)(nil)
	_ DerivativeCache = (*FilesystemCache)(nil)
)

// NewFilesystem creates a FilesystemCache rooted at cfg.Root.
func NewFilesystem(cfg FilesystemConfig) (*FilesystemCache, error) {
	if cfg.Root == "" {
		return nil, apperrors.New(apperrors.CategoryConfig, "cache.filesystem", errors.New("root directory is required"))
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0o644
	}
	if cfg.DirDepth <= 0 {
		cfg.DirDepth = 2
	}
	if cfg.TempGrace <= 0 {
		cfg.TempGrace = 10 * time.Minute
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, apperrors.CacheFailure("cache.filesystem.mkdir", fmt.Errorf("%s: %w", cfg.Root, err))
	}
	opts := cfg.Options.withDefaults()
	return &FilesystemCache{
		root:   cfg.Root,
		perm:   cfg.Permissions,
		depth:  cfg.DirDepth,
		grace:  cfg.TempGrace,
		opts:   opts,
		ev:     evictor{logger: opts.Logger},
		active: make(map[string]struct{}),
	}, nil
}

// ── Paths ─────────────────────────────────────────────────────────────────────

func hashOf(s string) string { return digest.FromString(s).Encoded() }

func (c *FilesystemCache) shard(kind, hash string) string {
	parts := []string{c.root, kind}
	for i := 0; i < c.depth && (i+1)*2 <= len(hash); i++ {
		parts = append(parts, hash[i*2:(i+1)*2])
	}
	return filepath.Join(parts...)
}

func (c *FilesystemCache) sourcePath(id core.Identifier) string {
	h := hashOf(id.String())
	return filepath.Join(c.shard(sourceDir, h), h)
}

func (c *FilesystemCache) identifierDir(id core.Identifier) string {
	h := hashOf(id.String())
	return filepath.Join(c.shard(derivativeDir, h), h)
}

func (c *FilesystemCache) derivativePath(list *operation.List) string {
	return filepath.Join(c.identifierDir(list.Identifier()), hashOf(list.Key())+"."+list.OutputFormat().Extension())
}

func (c *FilesystemCache) infoPath(id core.Identifier) string {
	h := hashOf(id.String())
	return filepath.Join(c.shard(infoDir, h), h+".json")
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// open returns the entry at path when it is valid. Invalid entries are
// evicted and reported as a miss.
func (c *FilesystemCache) open(ctx context.Context, path string) (*os.File, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.CacheFailure("cache.filesystem.stat", err)
	}
	if fi.Size() == 0 || c.opts.expired(fi.ModTime()) {
		c.ev.evict(path, func(context.Context) error { return removeIfSame(path, fi) })
		return nil, false, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		c.opts.Logger.Warn("cache: unreadable entry", "path", path, "error", err)
		c.ev.evict(path, func(context.Context) error { return removeIfSame(path, fi) })
		return nil, false, nil
	}
	return f, true, nil
}

func (c *FilesystemCache) Source(ctx context.Context, id core.Identifier) (io.ReadCloser, bool, error) {
	f, ok, err := c.open(ctx, c.sourcePath(id))
	if !ok {
		return nil, false, err
	}
	return f, true, nil
}

func (c *FilesystemCache) Derivative(ctx context.Context, list *operation.List) (io.ReadCloser, bool, error) {
	f, ok, err := c.open(ctx, c.derivativePath(list))
	if !ok {
		return nil, false, err
	}
	return f, true, nil
}

func (c *FilesystemCache) Info(ctx context.Context, id core.Identifier) (core.Info, bool, error) {
	path := c.infoPath(id)
	f, ok, err := c.open(ctx, path)
	if !ok {
		return core.Info{}, false, err
	}
	defer f.Close()
	var info core.Info
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		c.opts.Logger.Warn("cache: corrupt info entry", "path", path, "error", err)
		if fi, statErr := f.Stat(); statErr == nil {
			c.ev.evict(path, func(context.Context) error { return removeIfSame(path, fi) })
		}
		return core.Info{}, false, nil
	}
	return info, true, nil
}

// ── Writes ────────────────────────────────────────────────────────────────────

func (c *FilesystemCache) NewSourceWriter(ctx context.Context, id core.Identifier) (Writer, error) {
	return c.newWriter(ctx, c.sourcePath(id))
}

func (c *FilesystemCache) NewDerivativeWriter(ctx context.Context, list *operation.List) (Writer, error) {
	return c.newWriter(ctx, c.derivativePath(list))
}

func (c *FilesystemCache) PutInfo(ctx context.Context, id core.Identifier, info core.Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return apperrors.CacheFailure("cache.filesystem.info", err)
	}
	w, err := c.newWriter(ctx, c.infoPath(id))
	if err != nil {
		return err
	}
	return Put(w, data)
}

func (c *FilesystemCache) newWriter(ctx context.Context, final string) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, apperrors.CacheFailure("cache.filesystem.mkdir", err)
	}
	tmp := final + "." + xid.New().String() + tempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, c.perm)
	if err != nil {
		return nil, apperrors.CacheFailure("cache.filesystem.open", err)
	}
	c.mu.Lock()
	c.active[tmp] = struct{}{}
	c.mu.Unlock()
	return &fileWriter{cache: c, f: f, tmp: tmp, final: final}, nil
}

func (c *FilesystemCache) release(tmp string) {
	c.mu.Lock()
	delete(c.active, tmp)
	c.mu.Unlock()
}

func (c *FilesystemCache) isActive(tmp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[tmp]
	return ok
}

// fileWriter writes to a temp file and renames it over the final path on
// Commit. rename is atomic within one filesystem.
type fileWriter struct {
	cache *FilesystemCache
	f     *os.File
	tmp   string
	final string

	mu   sync.Mutex
	done bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, ErrClosed
	}
	return w.f.Write(p)
}

func (w *fileWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrClosed
	}
	w.done = true
	defer w.cache.release(w.tmp)
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmp)
		return apperrors.CacheFailure("cache.filesystem.commit", err)
	}
	if err := os.Rename(w.tmp, w.final); err != nil {
		_ = os.Remove(w.tmp)
		return apperrors.CacheFailure("cache.filesystem.commit", err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	defer w.cache.release(w.tmp)
	_ = w.f.Close()
	return removeFile(w.tmp)
}

func (w *fileWriter) Close() error { return w.Abort() }

// ── Maintenance ───────────────────────────────────────────────────────────────

func (c *FilesystemCache) PurgeDerivative(ctx context.Context, list *operation.List) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapRemove("cache.filesystem.purge_derivative", removeFile(c.derivativePath(list)))
}

func (c *FilesystemCache) PurgeIdentifier(ctx context.Context, id core.Identifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := errors.Join(
		removeFile(c.sourcePath(id)),
		os.RemoveAll(c.identifierDir(id)),
		removeFile(c.infoPath(id)),
	)
	return wrapRemove("cache.filesystem.purge_identifier", err)
}

func (c *FilesystemCache) Purge(ctx context.Context) error {
	var errs []error
	for _, kind := range []string{sourceDir, derivativeDir, infoDir} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(c.root, kind)); err != nil {
			c.opts.Logger.Warn("cache: purge failed", "dir", kind, "error", err)
			errs = append(errs, err)
		}
	}
	return wrapRemove("cache.filesystem.purge", errors.Join(errs...))
}

func (c *FilesystemCache) PurgeExpired(ctx context.Context) error {
	if c.opts.TTL <= 0 {
		return nil
	}
	return c.sweep(ctx, "cache.filesystem.purge_expired", func(path string, fi fs.FileInfo) bool {
		return !strings.HasSuffix(path, tempSuffix) && c.opts.expired(fi.ModTime())
	})
}

// CleanUp removes stale temp files no writer owns and zero-length entries.
func (c *FilesystemCache) CleanUp(ctx context.Context) error {
	return c.sweep(ctx, "cache.filesystem.cleanup", func(path string, fi fs.FileInfo) bool {
		if strings.HasSuffix(path, tempSuffix) {
			return !c.isActive(path) && c.opts.Now().Sub(fi.ModTime()) > c.grace
		}
		return fi.Size() == 0
	})
}

// sweep walks every entry and removes those matching doomed. Removal
// failures are logged and joined; the walk continues.
func (c *FilesystemCache) sweep(ctx context.Context, op string, doomed func(string, fs.FileInfo) bool) error {
	var errs []error
	for _, kind := range []string{sourceDir, derivativeDir, infoDir} {
		err := filepath.WalkDir(filepath.Join(c.root, kind), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				errs = append(errs, err)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return nil // raced with a concurrent removal
			}
			if doomed(path, fi) {
				if err := removeIfSame(path, fi); err != nil {
					c.opts.Logger.Warn("cache: remove failed", "path", path, "error", err)
					errs = append(errs, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return wrapRemove(op, errors.Join(errs...))
}

// Close waits for pending evictions.
func (c *FilesystemCache) Close() error {
	c.ev.wait()
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// removeIfSame removes path only while it is still the file described by
// fi. A writer may have renamed a fresh entry into place since fi was read.
func removeIfSame(path string, fi fs.FileInfo) error {
	cur, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !os.SameFile(fi, cur) || !cur.ModTime().Equal(fi.ModTime()) || cur.Size() != fi.Size() {
		return nil
	}
	return removeFile(path)
}

func wrapRemove(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.CacheFailure(op, err)
}
