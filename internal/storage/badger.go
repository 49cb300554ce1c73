package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BadgerConfig configures the persistent backend.
type BadgerConfig struct {
	Path              string
	InMemory          bool
	SyncWrites        bool
	NumVersionsToKeep int
	// GCInterval runs value-log GC periodically; zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	// Quiet drops badger's own log lines.
	Quiet bool
}

func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryBadgerConfig is used by tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:          true,
		NumVersionsToKeep: 1,
		Quiet:             true,
	}
}

const maxTxnRetries = 100

// Badger stores keys as "<db>\x00<key>" in one badger instance.
type Badger struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("storage: badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.NumVersionsToKeep <= 0 {
		cfg.NumVersionsToKeep = 1
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	if cfg.Quiet {
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(badgerLogger{logger: log.With().Str("component", "badger").Logger()})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}
	b := &Badger{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		b.gcStop = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, ratio)
	}
	log.Info().Msgf("storage.Badger opened path=%q in_memory=%t", cfg.Path, cfg.InMemory)
	return b, nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.gcStop:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				log.Warn().Msgf("storage.Badger.runGC err=%v", err)
			}
		}
	}
}

func dbKey(db, key string) []byte {
	out := make([]byte, 0, len(db)+1+len(key))
	out = append(out, db...)
	out = append(out, 0)
	return append(out, key...)
}

func dbPrefix(db, prefix string) []byte {
	return dbKey(db, prefix)
}

func (b *Badger) Get(ctx context.Context, db, key string) (string, bool, error) {
	if err := validate(db, key); err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		val   []byte
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(db, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", false, b.wrap(err)
	}
	return string(val), found, nil
}

func (b *Badger) Set(ctx context.Context, db, key, value string) error {
	if err := validate(db, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(db, key), []byte(value))
	})
	return b.wrap(err)
}

func (b *Badger) Delete(ctx context.Context, db, key string) (bool, error) {
	if err := validate(db, key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var existed bool
	err := b.update(func(txn *badger.Txn) error {
		k := dbKey(db, key)
		_, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			existed = false
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(k)
	})
	return existed, b.wrap(err)
}

func (b *Badger) Exists(ctx context.Context, db, key string) (bool, error) {
	_, ok, err := b.Get(ctx, db, key)
	return ok, err
}

func (b *Badger) Incr(ctx context.Context, db, key string, delta int64) (int64, error) {
	if err := validate(db, key); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var next int64
	err := b.update(func(txn *badger.Txn) error {
		k := dbKey(db, key)
		var cur int64
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cur, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrNotInteger, key)
			}
		}
		next = cur + delta
		return txn.Set(k, []byte(strconv.FormatInt(next, 10)))
	})
	if err != nil {
		return 0, b.wrap(err)
	}
	return next, nil
}

func (b *Badger) Keys(ctx context.Context, db, prefix string, limit int) ([]string, error) {
	if err := ValidateDatabase(db); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		p := dbPrefix(db, prefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		strip := len(db) + 1
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().Key()[strip:]))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return keys, nil
}

func (b *Badger) Flush(ctx context.Context, db string) (int, error) {
	keys, err := b.Keys(ctx, db, "", 0)
	if err != nil {
		return 0, err
	}
	if err := b.db.DropPrefix(dbPrefix(db, "")); err != nil {
		return 0, b.wrap(err)
	}
	return len(keys), nil
}

func (b *Badger) Close() error {
	if b.gcStop != nil {
		close(b.gcStop)
		<-b.gcDone
		b.gcStop = nil
	}
	return b.db.Close()
}

// update retries optimistic transaction conflicts.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *Badger) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
