package tokenfile

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// selfWriteGrace suppresses watcher reloads triggered by our own rename.
const selfWriteGrace = time.Second

// Run drives the directory's background maintenance until ctx is
// cancelled: a periodic flush of dirty state, a periodic reload so
// processes sharing the file see each other's additions, the expiry
// sweep, and an fsnotify watch on the DB file that turns foreign writes
// into prompt reloads instead of waiting out the reload tick.
func (s *Store) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(flushInterval)
	reloadTicker := time.NewTicker(reloadInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer flushTicker.Stop()
	defer reloadTicker.Stop()
	defer cleanupTicker.Stop()

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the parent directory: the atomic save replaces the file by
		// rename, which drops a watch installed on the file itself.
		if err := watcher.Add(filepath.Dir(s.cfg.Path)); err == nil {
			events = watcher.Events
		} else if s.log != nil {
			s.log.Warn("token db watch unavailable", "err", err)
		}
		defer func() { _ = watcher.Close() }()
	} else if s.log != nil {
		s.log.Warn("fsnotify unavailable", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case <-flushTicker.C:
			s.flushIfDirty()
		case <-reloadTicker.C:
			s.reloadIfQuiescent()
		case <-cleanupTicker.C:
			s.cleanupExpired()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if s.isForeignWrite(ev) {
				s.reloadIfQuiescent()
			}
		}
	}
}

func (s *Store) flushIfDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		s.saveLocked()
	}
}

// reloadIfQuiescent re-reads the file unless local changes are pending
// (reloading would drop them) or a load is already underway.
func (s *Store) reloadIfQuiescent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading || s.dirty {
		return
	}
	s.loadLocked()
}

// isForeignWrite reports whether ev describes a change to the DB file that
// this process did not just make itself.
func (s *Store) isForeignWrite(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(s.cfg.Path) {
		return false
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	s.mu.Lock()
	recent := time.Since(s.lastSelfWrite) < selfWriteGrace
	s.mu.Unlock()
	return !recent
}
