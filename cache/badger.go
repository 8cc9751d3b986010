package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/Skryldev/derivcache/core"
	apperrors "github.com/Skryldev/derivcache/errors"
	"github.com/Skryldev/derivcache/operation"
)

// Key prefixes. Derivative keys are "d:<identifier>\x00<list key>" so that
// every derivative of one source shares a prefix.
const (
	badgerDerivativePrefix = "d:"
	badgerInfoPrefix       = "i:"
)

// BadgerConfig configures a BadgerCache.
type BadgerConfig struct {
	// Dir holds the database. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// GCDiscardRatio is passed to RunValueLogGC during CleanUp; 0.5 when zero.
	GCDiscardRatio float64
	Options
}

// BadgerCache stores derivatives and infos in badger. Entries carry a native
// TTL so badger drops them on compaction; reads and PurgeExpired also check
// the write time against the cache clock.
type BadgerCache struct {
	db      *badger.DB
	opts    Options
	ev      evictor
	discard float64
}

var _ DerivativeCache = (*BadgerCache)(nil)

// NewBadger opens a BadgerCache.
func NewBadger(cfg BadgerConfig) (*BadgerCache, error) {
	opts := cfg.Options.withDefaults()
	bopts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = badgerLogger{opts.Logger}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, apperrors.CacheFailure("cache.badger.open", err)
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
		cfg.GCDiscardRatio = 0.5
	}
	return &BadgerCache{db: db, opts: opts, ev: evictor{logger: opts.Logger}, discard: cfg.GCDiscardRatio}, nil
}

func badgerDerivativeKey(list *operation.List) []byte {
	return []byte(badgerDerivativePrefix + list.Identifier().String() + "\x00" + list.Key())
}

func badgerIdentifierPrefix(id core.Identifier) []byte {
	return []byte(badgerDerivativePrefix + id.String() + "\x00")
}

func badgerInfoKey(id core.Identifier) []byte {
	return []byte(badgerInfoPrefix + id.String())
}

func (c *BadgerCache) get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.CacheFailure("cache.badger.get", err)
	}
	written, payload, ok := decodeEntry(raw)
	if !ok || len(payload) == 0 || c.opts.expired(written) {
		c.ev.evict(string(key), func(context.Context) error { return c.delete(key) })
		return nil, false, nil
	}
	return payload, true, nil
}

func (c *BadgerCache) set(key, payload []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, encodeEntry(c.opts.Now(), payload))
		if c.opts.TTL > 0 {
			e = e.WithTTL(c.opts.TTL)
		}
		return txn.SetEntry(e)
	})
}

func (c *BadgerCache) delete(key []byte) error {
	return c.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) })
}

func (c *BadgerCache) Derivative(ctx context.Context, list *operation.List) (io.ReadCloser, bool, error) {
	data, ok, err := c.get(ctx, badgerDerivativeKey(list))
	if !ok {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

func (c *BadgerCache) NewDerivativeWriter(ctx context.Context, list *operation.List) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := badgerDerivativeKey(list)
	return newBufferWriter(func(data []byte) error {
		return apperrors.CacheFailure("cache.badger.commit", c.set(key, data))
	}), nil
}

func (c *BadgerCache) Info(ctx context.Context, id core.Identifier) (core.Info, bool, error) {
	data, ok, err := c.get(ctx, badgerInfoKey(id))
	if !ok {
		return core.Info{}, false, err
	}
	var info core.Info
	if err := json.Unmarshal(data, &info); err != nil {
		c.opts.Logger.Warn("cache: corrupt info entry", "identifier", id, "error", err)
		c.ev.evict(id.String(), func(context.Context) error { return c.delete(badgerInfoKey(id)) })
		return core.Info{}, false, nil
	}
	return info, true, nil
}

func (c *BadgerCache) PutInfo(ctx context.Context, id core.Identifier, info core.Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return apperrors.CacheFailure("cache.badger.info", err)
	}
	return apperrors.CacheFailure("cache.badger.info", c.set(badgerInfoKey(id), data))
}

func (c *BadgerCache) PurgeDerivative(ctx context.Context, list *operation.List) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return apperrors.CacheFailure("cache.badger.purge_derivative", c.delete(badgerDerivativeKey(list)))
}

func (c *BadgerCache) PurgeIdentifier(ctx context.Context, id core.Identifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := errors.Join(
		c.db.DropPrefix(badgerIdentifierPrefix(id)),
		c.delete(badgerInfoKey(id)),
	)
	return apperrors.CacheFailure("cache.badger.purge_identifier", err)
}

func (c *BadgerCache) Purge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return apperrors.CacheFailure("cache.badger.purge", c.db.DropAll())
}

func (c *BadgerCache) PurgeExpired(ctx context.Context) error {
	if c.opts.TTL <= 0 {
		return nil
	}
	return c.sweep(ctx, "cache.badger.purge_expired", func(v []byte) bool {
		written, _, ok := decodeEntry(v)
		return ok && c.opts.expired(written)
	})
}

// CleanUp removes malformed entries and reclaims value-log space.
func (c *BadgerCache) CleanUp(ctx context.Context) error {
	err := c.sweep(ctx, "cache.badger.cleanup", func(v []byte) bool { return len(v) <= 8 })
	for err == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		gcErr := c.db.RunValueLogGC(c.discard)
		if errors.Is(gcErr, badger.ErrNoRewrite) || errors.Is(gcErr, badger.ErrGCInMemoryMode) {
			break
		}
		if gcErr != nil {
			return apperrors.CacheFailure("cache.badger.gc", gcErr)
		}
	}
	return err
}

// sweep collects matching keys in a read transaction and deletes them
// through a write batch, which splits work across transactions as needed.
func (c *BadgerCache) sweep(ctx context.Context, op string, doomed func([]byte) bool) error {
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if err := item.Value(func(v []byte) error {
				if doomed(v) {
					keys = append(keys, item.KeyCopy(nil))
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.CacheFailure(op, err)
	}
	if len(keys) == 0 {
		return nil
	}
	wb := c.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return apperrors.CacheFailure(op, err)
		}
	}
	return apperrors.CacheFailure(op, wb.Flush())
}

func (c *BadgerCache) Close() error {
	c.ev.wait()
	return apperrors.CacheFailure("cache.badger.close", c.db.Close())
}

// badgerLogger routes badger's printf-style logging to a core.Logger.
// Badger is chatty at info level, so info goes to debug.
type badgerLogger struct{ l core.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Error("badger: " + trim(fmt.Sprintf(f, v...))) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warn("badger: " + trim(fmt.Sprintf(f, v...))) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debug("badger: " + trim(fmt.Sprintf(f, v...))) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debug("badger: " + trim(fmt.Sprintf(f, v...))) }

func trim(s string) string { return string(bytes.TrimRight([]byte(s), "\n")) }

var _ badger.Logger = badgerLogger{}
