package auth

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Store holds the current accounts snapshot. Reloads swap the whole snapshot;
// readers never lock.
type Store struct {
	path string
	cur  atomic.Pointer[Accounts]
	// reloads counts successful swaps.
	reloads atomic.Uint64
}

// NewStore wraps a fixed snapshot. Reload is a no-op without a path.
func NewStore(accts *Accounts) *Store {
	s := &Store{}
	if accts == nil {
		accts = &Accounts{byName: map[string]Account{}}
	}
	s.cur.Store(accts)
	return s
}

// OpenStore loads path and keeps it for later reloads.
func OpenStore(path string) (*Store, error) {
	accts, err := LoadAccounts(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.cur.Store(accts)
	log.Info().Msgf("auth.Store opened path=%q accounts=%d", path, accts.Len())
	return s, nil
}

func (s *Store) Accounts() *Accounts { return s.cur.Load() }
func (s *Store) Reloads() uint64     { return s.reloads.Load() }

// Verify checks credentials against the current snapshot.
func (s *Store) Verify(name, password string) (Account, error) {
	return s.cur.Load().Verify(name, password)
}

// Reload re-reads the file. A broken file leaves the previous snapshot live.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	accts, err := LoadAccounts(s.path)
	if err != nil {
		log.Warn().Msgf("auth.Store.Reload path=%q err=%v", s.path, err)
		return err
	}
	s.cur.Store(accts)
	s.reloads.Add(1)
	log.Info().Msgf("auth.Store.Reload path=%q accounts=%d", s.path, accts.Len())
	return nil
}

// Watch reloads on file changes until ctx is done. The parent directory is
// watched so editors that replace the file by rename are picked up.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	target := filepath.Clean(s.path)

	// Writes often arrive as bursts; settle before reading.
	const settle = 50 * time.Millisecond
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Msgf("auth.Store.Watch err=%v", err)
		case <-pending:
			pending = nil
			_ = s.Reload()
		}
	}
}
