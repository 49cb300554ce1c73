// Package storage is the key-value backend behind the data commands. Keys are
// namespaced by database name, selected per session with USE.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotInteger      = errors.New("storage: value is not an integer")
	ErrInvalidKey      = errors.New("storage: invalid key")
	ErrInvalidDatabase = errors.New("storage: invalid database name")
	ErrClosed          = errors.New("storage: store closed")
)

// MaxKeyLen bounds key size.
const MaxKeyLen = 512

// Store is safe for concurrent use. Calls may block on I/O and run on worker
// goroutines, never on the event loop.
type Store interface {
	Get(ctx context.Context, db, key string) (string, bool, error)
	Set(ctx context.Context, db, key, value string) error
	Delete(ctx context.Context, db, key string) (bool, error)
	Exists(ctx context.Context, db, key string) (bool, error)
	Incr(ctx context.Context, db, key string, delta int64) (int64, error)
	// Keys lists keys with prefix in order, at most limit when limit > 0.
	Keys(ctx context.Context, db, prefix string, limit int) ([]string, error)
	// Flush removes every key in db and returns how many were removed when
	// the backend can tell.
	Flush(ctx context.Context, db string) (int, error)
	Close() error
}

// ValidateKey rejects empty, oversized or NUL-bearing keys.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLen || strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ValidateDatabase accepts short names of letters, digits, '-' and '_'.
func ValidateDatabase(db string) error {
	if db == "" || len(db) > 64 {
		return fmt.Errorf("%w: %q", ErrInvalidDatabase, db)
	}
	for i := 0; i < len(db); i++ {
		c := db[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !(isAlpha || isDigit || c == '-' || c == '_') {
			return fmt.Errorf("%w: %q", ErrInvalidDatabase, db)
		}
	}
	return nil
}

func validate(db, key string) error {
	if err := ValidateDatabase(db); err != nil {
		return err
	}
	return ValidateKey(key)
}
