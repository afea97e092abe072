package tokenfile

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Synapsr/ProxyWarp/internal/domain"
)

// saveLocked serialises byToken and atomically replaces the DB file via a
// temp-file rename. On I/O failure the state stays dirty so the flush tick
// retries. Callers hold s.mu.
func (s *Store) saveLocked() {
	if err := ensureParentDir(s.cfg.Path); err != nil {
		if s.log != nil {
			s.log.Error("token db directory", "path", s.cfg.Path, "err", err)
		}
		return
	}

	data, err := json.MarshalIndent(s.byToken, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Error("token db marshal", "err", err)
		}
		return
	}

	tmp := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		if s.log != nil {
			s.log.Error("token db write", "path", tmp, "err", err)
		}
		return
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		_ = os.Remove(tmp)
		if s.log != nil {
			s.log.Error("token db rename", "path", s.cfg.Path, "err", err)
		}
		return
	}

	now := time.Now()
	s.dirty = false
	s.lastSave = now
	s.lastSelfWrite = now
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
}

// scheduleSaveLocked arms the debounce timer unless a save is already
// pending. Callers hold s.mu.
func (s *Store) scheduleSaveLocked() {
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(saveDebounceDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.saveTimer = nil
		if s.dirty {
			s.saveLocked()
		}
	})
}

// loadLocked reads the DB file and replaces the live maps. Parse failures
// never propagate: state is rebuilt from the backup map when possible and
// reset otherwise, with a force-save either way so the file returns to a
// consistent shape. Callers hold s.mu.
func (s *Store) loadLocked() {
	if s.loading {
		return
	}
	s.loading = true
	defer func() { s.loading = false }()

	if err := ensureParentDir(s.cfg.Path); err != nil {
		if s.log != nil {
			s.log.Error("token db directory", "path", s.cfg.Path, "err", err)
		}
		return
	}

	data, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.lastLoad = time.Now()
		s.saveLocked()
		return
	}
	if err != nil {
		if s.log != nil {
			s.log.Error("token db read", "path", s.cfg.Path, "err", err)
		}
		s.recoverLocked()
		return
	}

	var raw map[string]domain.TokenEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		if s.log != nil {
			s.log.Error("token db parse", "path", s.cfg.Path, "err", err)
		}
		s.recoverLocked()
		return
	}

	byToken := make(map[string]domain.TokenEntry, len(raw))
	byDomain := make(map[string]string, len(raw))
	skipped := 0
	for token, entry := range raw {
		if !domain.ValidToken(token) || !domain.ValidHostname(entry.Domain) {
			skipped++
			continue
		}
		entry.Protocol = domain.NormalizeProtocol(entry.Protocol, s.cfg.DefaultProtocol)
		byToken[token] = entry
		if _, dup := byDomain[entry.Domain]; !dup {
			byDomain[entry.Domain] = token
		}
		s.backup[token] = backupEntry{TokenEntry: entry, Source: backupSourceFile}
	}
	if skipped > 0 && s.log != nil {
		s.log.Warn("malformed token entries skipped", "count", skipped)
	}

	s.byToken = byToken
	s.byDomain = byDomain
	s.lastLoad = time.Now()
}

// recoverLocked rebuilds the live maps from the backup map (or resets to
// empty when the backup is empty too) and force-saves the result.
func (s *Store) recoverLocked() {
	s.lastLoad = time.Now()
	if len(s.backup) == 0 {
		s.byToken = map[string]domain.TokenEntry{}
		s.byDomain = map[string]string{}
		s.dirty = true
		s.saveLocked()
		return
	}

	byToken := make(map[string]domain.TokenEntry, len(s.backup))
	byDomain := make(map[string]string, len(s.backup))
	for token, b := range s.backup {
		byToken[token] = b.TokenEntry
		if _, dup := byDomain[b.Domain]; !dup {
			byDomain[b.Domain] = token
		}
	}
	s.byToken = byToken
	s.byDomain = byDomain
	s.dirty = true
	s.saveLocked()
	if s.log != nil {
		s.log.Warn("token db recovered from backup", "entries", len(byToken))
	}
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
