package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
	errbbolt "go.etcd.io/bbolt/errors"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
)

// BoltCache stores derivatives and infos in a bbolt file with the following
// schema:
//
//   - derivatives
//   - *identifier*          : bucket per source identifier
//   - *list key* : <entry>
//   - infos
//   - *identifier* : <entry>
//
// An entry is an 8-byte big-endian write time in unix nanoseconds followed by
// the payload. Every Commit is a single transaction.
type BoltCache struct {
	db   *bolt.DB
	opts Options
	ev   evictor
}

var (
	bucketDerivatives = []byte("derivatives")
	bucketInfos       = []byte("infos")
)

var _ DerivativeCache = (*BoltCache)(nil)

// BoltConfig configures a BoltCache.
type BoltConfig struct {
	Path string
	Options
}

// NewBolt opens (or creates) the database at cfg.Path.
func NewBolt(cfg BoltConfig) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, apperrors.CacheFailure("cache.bolt.open", err)
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, apperrors.CacheFailure("cache.bolt.open", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDerivatives, bucketInfos} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, apperrors.CacheFailure("cache.bolt.init", err)
	}
	opts := cfg.Options.withDefaults()
	return &BoltCache{db: db, opts: opts, ev: evictor{logger: opts.Logger}}, nil
}

func encodeEntry(written time.Time, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(out, uint64(written.UnixNano()))
	copy(out[8:], payload)
	return out
}

// decodeEntry returns a copy of the payload; bolt values are only valid
// inside their transaction.
func decodeEntry(v []byte) (time.Time, []byte, bool) {
	if len(v) < 8 {
		return time.Time{}, nil, false
	}
	written := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
	return written, bytes.Clone(v[8:]), true
}

// get reads one entry; invalid ones are evicted and reported missing.
func (c *BoltCache) get(ctx context.Context, path [][]byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(path[0])
		for _, name := range path[1 : len(path)-1] {
			if b == nil {
				return nil
			}
			b = b.Bucket(name)
		}
		if b != nil {
			raw = bytes.Clone(b.Get(path[len(path)-1]))
		}
		return nil
	})
	if err != nil {
		return nil, false, apperrors.CacheFailure("cache.bolt.get", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	written, payload, ok := decodeEntry(raw)
	if !ok || len(payload) == 0 || c.opts.expired(written) {
		c.ev.evict(string(path[len(path)-1]), func(context.Context) error { return c.delete(path) })
		return nil, false, nil
	}
	return payload, true, nil
}

func (c *BoltCache) delete(path [][]byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(path[0])
		for _, name := range path[1 : len(path)-1] {
			if b == nil {
				return nil
			}
			b = b.Bucket(name)
		}
		if b == nil {
			return nil
		}
		return b.Delete(path[len(path)-1])
	})
}

func derivativePath(list *operation.List) [][]byte {
	return [][]byte{bucketDerivatives, []byte(list.Identifier()), []byte(list.Key())}
}

func infoPath(id core.Identifier) [][]byte {
	return [][]byte{bucketInfos, []byte(id)}
}

func (c *BoltCache) Derivative(ctx context.Context, list *operation.List) (io.ReadCloser, bool, error) {
	data, ok, err := c.get(ctx, derivativePath(list))
	if !ok {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

func (c *BoltCache) NewDerivativeWriter(ctx context.Context, list *operation.List) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, key := []byte(list.Identifier()), []byte(list.Key())
	return newBufferWriter(func(data []byte) error {
		err := c.db.Update(func(tx *bolt.Tx) error {
			b, err := tx.Bucket(bucketDerivatives).CreateBucketIfNotExists(id)
			if err != nil {
				return err
			}
			return b.Put(key, encodeEntry(c.opts.Now(), data))
		})
		return apperrors.CacheFailure("cache.bolt.commit", err)
	}), nil
}

func (c *BoltCache) Info(ctx context.Context, id core.Identifier) (core.Info, bool, error) {
	data, ok, err := c.get(ctx, infoPath(id))
	if !ok {
		return core.Info{}, false, err
	}
	var info core.Info
	if err := json.Unmarshal(data, &info); err != nil {
		c.opts.Logger.Warn("cache: corrupt info entry", "identifier", id, "error", err)
		c.ev.evict(id.String(), func(context.Context) error { return c.delete(infoPath(id)) })
		return core.Info{}, false, nil
	}
	return info, true, nil
}

func (c *BoltCache) PutInfo(ctx context.Context, id core.Identifier, info core.Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return apperrors.CacheFailure("cache.bolt.info", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInfos).Put([]byte(id), encodeEntry(c.opts.Now(), data))
	})
	return apperrors.CacheFailure("cache.bolt.info", err)
}

func (c *BoltCache) PurgeDerivative(ctx context.Context, list *operation.List) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return apperrors.CacheFailure("cache.bolt.purge_derivative", c.delete(derivativePath(list)))
}

func (c *BoltCache) PurgeIdentifier(ctx context.Context, id core.Identifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketDerivatives).DeleteBucket([]byte(id))
		if err != nil && !errors.Is(err, errbbolt.ErrBucketNotFound) {
			return err
		}
		return tx.Bucket(bucketInfos).Delete([]byte(id))
	})
	return apperrors.CacheFailure("cache.bolt.purge_identifier", err)
}

func (c *BoltCache) Purge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDerivatives, bucketInfos} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, errbbolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	return apperrors.CacheFailure("cache.bolt.purge", err)
}

func (c *BoltCache) PurgeExpired(ctx context.Context) error {
	if c.opts.TTL <= 0 {
		return nil
	}
	return c.sweep(ctx, "cache.bolt.purge_expired", func(v []byte) bool {
		written, _, ok := decodeEntry(v)
		return ok && c.opts.expired(written)
	})
}

// CleanUp removes malformed and empty entries.
func (c *BoltCache) CleanUp(ctx context.Context) error {
	return c.sweep(ctx, "cache.bolt.cleanup", func(v []byte) bool { return len(v) <= 8 })
}

// sweep deletes every entry whose raw value matches doomed, then drops
// identifier buckets left empty. Runs as one transaction.
func (c *BoltCache) sweep(ctx context.Context, op string, doomed func([]byte) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		infos := tx.Bucket(bucketInfos)
		if err := deleteMatching(infos, doomed); err != nil {
			return err
		}
		derivatives := tx.Bucket(bucketDerivatives)
		var empty [][]byte
		err := derivatives.ForEachBucket(func(id []byte) error {
			b := derivatives.Bucket(id)
			if err := deleteMatching(b, doomed); err != nil {
				return err
			}
			if k, _ := b.Cursor().First(); k == nil {
				empty = append(empty, bytes.Clone(id))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range empty {
			if err := derivatives.DeleteBucket(id); err != nil {
				return err
			}
		}
		return nil
	})
	return apperrors.CacheFailure(op, err)
}

// deleteMatching removes keys of b whose value matches doomed. Keys are
// collected first since a bucket must not be modified during ForEach.
func deleteMatching(b *bolt.Bucket, doomed func([]byte) bool) error {
	var keys [][]byte
	if err := b.ForEach(func(k, v []byte) error {
		if v != nil && doomed(v) {
			keys = append(keys, bytes.Clone(k))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (c *BoltCache) Close() error {
	c.ev.wait()
	return apperrors.CacheFailure("cache.bolt.close", c.db.Close())
}
