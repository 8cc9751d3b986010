package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/xid"

	apperrors "github.com/Skryldev/derivcache/errors"
)

const dumpVersion = 1

// heapDump is the persisted layout: one zstd-compressed JSON document.
type heapDump struct {
	Version     int          `json:"version"`
	Derivatives []*heapEntry `json:"entries"`
	Infos       []*heapEntry `json:"infos"`
}

func (c *HeapCache) dump(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := heapDump{Version: dumpVersion}
	for _, e := range c.snapshot() {
		if e.Info != nil {
			doc.Infos = append(doc.Infos, e)
		} else {
			doc.Derivatives = append(doc.Derivatives, e)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.CacheFailure("cache.heap.dump", err)
	}
	tmp := path + "." + xid.New().String() + tempSuffix
	if err := writeDump(tmp, &doc); err != nil {
		_ = os.Remove(tmp)
		return apperrors.CacheFailure("cache.heap.dump", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return apperrors.CacheFailure("cache.heap.dump", err)
	}
	c.opts.Logger.Debug("cache: heap dumped", "path", path,
		"derivatives", len(doc.Derivatives), "infos", len(doc.Infos))
	return nil
}

func writeDump(path string, doc *heapDump) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (c *HeapCache) load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return apperrors.CacheFailure("cache.heap.load", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return apperrors.CacheFailure("cache.heap.load", err)
	}
	defer zr.Close()

	var doc heapDump
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		// A corrupt dump only costs a cold cache.
		c.opts.Logger.Warn("cache: discarding unreadable heap dump", "path", path, "error", err)
		return nil
	}
	if doc.Version != dumpVersion {
		c.opts.Logger.Warn("cache: discarding heap dump", "path", path,
			"error", fmt.Sprintf("unknown version %d", doc.Version))
		return nil
	}
	c.restore(doc.Derivatives, doc.Infos)
	c.opts.Logger.Info("cache: heap loaded", "path", path, "entries", c.Len())
	return nil
}
