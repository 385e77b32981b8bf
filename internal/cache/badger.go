package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	badgeropts "github.com/dgraph-io/badger/v4/options"
	"github.com/rs/zerolog"

	"github.com/dshills/kbsearch-mcp/internal/config"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

// BadgerStore is a Store persisted in an embedded Badger database.
// Expiry is delegated to Badger entry TTLs.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
	stats  counters
}

var _ Store = (*BadgerStore)(nil)

// badgerLogger adapts zerolog to badger.Logger.
type badgerLogger struct {
	logger zerolog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (b *badgerLogger) Errorf(msg string, items ...any) {
	b.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (b *badgerLogger) Warningf(msg string, items ...any) {
	b.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (b *badgerLogger) Infof(msg string, items ...any) {
	b.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (b *badgerLogger) Debugf(msg string, items ...any) {
	b.logger.Trace().Msg(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// OpenBadgerStore opens (or creates) the Badger directory in cfg.Path,
// or an in-memory instance when cfg.InMemory is set.
func OpenBadgerStore(cfg config.BadgerConfig, opts ...Option) (*BadgerStore, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With().Str("component", "cache.badger").Logger()

	var bopts badger.Options
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, kberr.Wrapf(err, kberr.CodeCacheConfigInvalid, "creating badger directory %s", cfg.Path)
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}
	bopts.Logger = &badgerLogger{logger: logger}
	bopts.Compression = badgeropts.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, kberr.Wrapf(err, kberr.CodeCacheBackendFailure, "opening badger cache")
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

func (b *BadgerStore) Get(_ context.Context, key string) ([]byte, bool) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		b.stats.misses.Add(1)
		return nil, false
	}
	if err != nil {
		b.fail(err, "get", key)
		b.stats.misses.Add(1)
		return nil, false
	}
	b.stats.hits.Add(1)
	return val, true
}

func (b *BadgerStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) bool {
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		b.fail(err, "set", key)
		return false
	}
	b.stats.sets.Add(1)
	return true
}

func (b *BadgerStore) Delete(_ context.Context, key string) bool {
	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		b.fail(err, "delete", key)
		return false
	}
	if existed {
		b.stats.deletes.Add(1)
	}
	return existed
}

// Clear scans keys sharing the literal prefix of pattern and deletes the
// ones matching the full glob.
func (b *BadgerStore) Clear(_ context.Context, pattern string) int {
	if pattern == "" {
		pattern = "*"
	}
	prefix := literalPrefix(pattern)

	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		iter := txn.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			k := iter.Item().KeyCopy(nil)
			matched, err := path.Match(pattern, string(k))
			if err != nil {
				return err
			}
			if matched {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		b.fail(err, "clear", pattern)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			b.fail(err, "clear", pattern)
			return 0
		}
	}
	if err := wb.Flush(); err != nil {
		b.fail(err, "clear", pattern)
		return 0
	}

	b.stats.deletes.Add(int64(len(keys)))
	return len(keys)
}

func (b *BadgerStore) Exists(_ context.Context, key string) bool {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		b.fail(err, "exists", key)
	}
	return err == nil
}

func (b *BadgerStore) Stats(_ context.Context) map[string]any {
	s := b.stats.snapshot("badger")
	lsm, vlog := b.db.Size()
	s["lsm_bytes"] = lsm
	s["vlog_bytes"] = vlog
	return s
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) fail(err error, op, key string) {
	b.stats.errors.Add(1)
	b.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("badger cache operation failed")
}

// literalPrefix returns the part of a glob before its first metacharacter.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
