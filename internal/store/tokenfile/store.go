// Package tokenfile implements the persistent token directory: a
// bidirectional mapping between short opaque tokens and upstream origins,
// backed by a single JSON file replaced atomically on every save.
//
// Two processes may share one file; the periodic reload makes each see the
// other's additions best-effort only. Concurrent writers resolve conflicts
// last-writer-wins on the whole file.
package tokenfile

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Synapsr/ProxyWarp/internal/domain"
)

// ErrTokenNotFound is returned when a token resolves neither from the live
// maps, the backup map, nor a fresh reload.
var ErrTokenNotFound = errors.New("token not found")

// ErrInvalidToken is returned for empty or malformed token input.
var ErrInvalidToken = errors.New("invalid token")

const (
	// reloadAfterDomainMiss gates the disk retry inside TokenForDomain.
	reloadAfterDomainMiss = 60 * time.Second
	// reloadAfterTokenMiss gates the disk retry inside DomainInfoFromToken.
	reloadAfterTokenMiss = 30 * time.Second
	// saveDebounceDelay is how long a non-forced save is deferred.
	saveDebounceDelay = 2 * time.Second
	// saveImmediateAfter promotes a non-forced save to immediate when the
	// last save is at least this old.
	saveImmediateAfter = 10 * time.Second
	// flushInterval drives the periodic flush of dirty state.
	flushInterval = 30 * time.Second
	// reloadInterval drives the periodic pickup of foreign writes.
	reloadInterval = 2 * time.Minute
)

const (
	backupSourceFile    = "file"
	backupSourceRuntime = "runtime"
)

// Config controls directory behaviour.
type Config struct {
	Path            string        // DB file path
	TokenLength     int           // generated token length
	Expiration      time.Duration // entries idle longer than this are swept
	CleanupInterval time.Duration // sweep cadence
	DefaultProtocol string        // protocol recorded for bare domains
}

type backupEntry struct {
	domain.TokenEntry
	Source string
}

// Store is the token directory. A single exclusive section protects the
// maps and the persistence bookkeeping; disk I/O happens while holding it,
// which trades read concurrency for a trivially correct invariant:
// byDomain[byToken[t].Domain] == t for every live t.
type Store struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	byToken  map[string]domain.TokenEntry
	byDomain map[string]string
	backup   map[string]backupEntry
	dirty    bool
	loading  bool
	lastSave time.Time
	lastLoad time.Time

	saveTimer     *time.Timer
	lastSelfWrite time.Time

	reloads singleflight.Group
}

// Open creates the directory and performs the initial load (creating an
// empty DB file if none exists yet).
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("tokenfile: empty db path")
	}
	if cfg.TokenLength <= 0 {
		cfg.TokenLength = 6
	}
	if cfg.DefaultProtocol == "" {
		cfg.DefaultProtocol = domain.ProtocolHTTPS
	}
	s := &Store{
		cfg:      cfg,
		log:      logger,
		byToken:  map[string]domain.TokenEntry{},
		byDomain: map[string]string{},
		backup:   map[string]backupEntry{},
	}
	s.mu.Lock()
	s.loadLocked()
	s.mu.Unlock()
	return s, nil
}

// TokenForDomain returns the token mapped to host, allocating one on first
// sight. It never fails: a disk outage leaves the new entry in memory with
// dirty set, and the next flush tick retries persistence.
func (s *Store) TokenForDomain(host string) string {
	return s.TokenForOrigin(host, "")
}

// TokenForOrigin is TokenForDomain with an explicit protocol; empty falls
// back to the configured default. The protocol is recorded only at
// allocation time, matching the entry lifecycle (mutated only by timestamp
// refresh afterwards).
func (s *Store) TokenForOrigin(host, protocol string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	protocol = domain.NormalizeProtocol(protocol, s.cfg.DefaultProtocol)

	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.byDomain[host]; ok {
		s.refreshLocked(token)
		return token
	}

	// The file may have been extended by another process since our last
	// read; retry once off disk before allocating a duplicate.
	if time.Since(s.lastLoad) > reloadAfterDomainMiss {
		s.loadLocked()
		if token, ok := s.byDomain[host]; ok {
			s.refreshLocked(token)
			return token
		}
	}

	token := s.generateTokenLocked()
	entry := domain.TokenEntry{
		Domain:    host,
		Protocol:  protocol,
		Timestamp: time.Now().UnixMilli(),
	}
	s.byToken[token] = entry
	s.byDomain[host] = token
	s.backup[token] = backupEntry{TokenEntry: entry, Source: backupSourceRuntime}
	s.dirty = true
	s.saveLocked()
	if s.log != nil {
		s.log.Info("token allocated", "token", token, "domain", host, "protocol", protocol)
	}
	return token
}

// DomainInfoFromToken resolves a token to its upstream target, refreshing
// the entry's last-access timestamp on success.
func (s *Store) DomainInfoFromToken(token string) (domain.TargetInfo, error) {
	token = strings.TrimSpace(token)
	if !domain.ValidToken(token) {
		return domain.TargetInfo{}, ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.lookupLocked(token); ok {
		return info, nil
	}

	// Last-resort recovery: the backup map survives file corruption.
	if b, ok := s.backup[token]; ok {
		s.rematerializeLocked(token, b.TokenEntry)
		info, _ := s.lookupLocked(token)
		return info, nil
	}

	if time.Since(s.lastLoad) > reloadAfterTokenMiss {
		s.loadLocked()
		if info, ok := s.lookupLocked(token); ok {
			return info, nil
		}
	}

	return domain.TargetInfo{}, ErrTokenNotFound
}

// ForceReload loads the file synchronously and returns the resulting entry
// count. Concurrent callers share one load.
func (s *Store) ForceReload() int {
	n, _, _ := s.reloads.Do("reload", func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.loadLocked()
		return len(s.byToken), nil
	})
	return n.(int)
}

// AllEntries returns a copy of the live directory for diagnostics.
func (s *Store) AllEntries() map[string]domain.TokenEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.TokenEntry, len(s.byToken))
	for t, e := range s.byToken {
		out[t] = e
	}
	return out
}

// BackupInfo summarises the in-process recovery map for diagnostics.
type BackupInfo struct {
	Count   int            `json:"count"`
	Sources map[string]int `json:"sources"`
}

// BackupState reports the backup map size grouped by entry source.
func (s *Store) BackupState() BackupInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := BackupInfo{Count: len(s.backup), Sources: map[string]int{}}
	for _, b := range s.backup {
		info.Sources[b.Source]++
	}
	return info
}

// Save marks the state dirty and persists it now (force) or on the
// debounce schedule.
func (s *Store) Save(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	if force || time.Since(s.lastSave) > saveImmediateAfter {
		s.saveLocked()
		return
	}
	s.scheduleSaveLocked()
}

// Close flushes dirty state and stops the debounce timer. Background
// tickers are owned by Run and stop with its context.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.dirty {
		s.saveLocked()
	}
}

// lookupLocked returns the target for token from the live maps, refreshing
// its timestamp on hit.
func (s *Store) lookupLocked(token string) (domain.TargetInfo, bool) {
	entry, ok := s.byToken[token]
	if !ok {
		return domain.TargetInfo{}, false
	}
	s.refreshLocked(token)
	return domain.TargetInfo{
		Token:    token,
		Domain:   entry.Domain,
		Protocol: entry.Protocol,
	}, true
}

// refreshLocked bumps the entry's last-access timestamp, never backwards.
func (s *Store) refreshLocked(token string) {
	entry, ok := s.byToken[token]
	if !ok {
		return
	}
	now := time.Now().UnixMilli()
	if now < entry.Timestamp {
		now = entry.Timestamp
	}
	entry.Timestamp = now
	s.byToken[token] = entry
	if b, ok := s.backup[token]; ok {
		b.Timestamp = entry.Timestamp
		s.backup[token] = b
	}
	s.dirty = true
	s.scheduleSaveLocked()
}

// rematerializeLocked restores a backup entry into the live maps. An
// existing mapping for the same domain keeps its token; the restored entry
// only fills gaps, preserving the bijection.
func (s *Store) rematerializeLocked(token string, entry domain.TokenEntry) {
	if existing, ok := s.byDomain[entry.Domain]; ok && existing != token {
		// The domain re-allocated under a different token after the backup
		// was taken; alias resolution through the old token is still
		// served, but the live maps keep the newer binding.
		s.byToken[token] = entry
		s.dirty = true
		s.scheduleSaveLocked()
		return
	}
	s.byToken[token] = entry
	s.byDomain[entry.Domain] = token
	s.dirty = true
	s.scheduleSaveLocked()
	if s.log != nil {
		s.log.Warn("token restored from backup", "token", token, "domain", entry.Domain)
	}
}

// cleanupExpired sweeps entries idle longer than the configured expiration
// out of all three maps and schedules a save when anything was removed.
func (s *Store) cleanupExpired() {
	if s.cfg.Expiration <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.Expiration).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, entry := range s.byToken {
		if entry.Timestamp >= cutoff {
			continue
		}
		delete(s.byToken, token)
		if s.byDomain[entry.Domain] == token {
			delete(s.byDomain, entry.Domain)
		}
		delete(s.backup, token)
		removed++
	}
	for token, b := range s.backup {
		if b.Timestamp < cutoff {
			delete(s.backup, token)
		}
	}
	if removed > 0 {
		s.dirty = true
		s.scheduleSaveLocked()
		if s.log != nil {
			s.log.Info("expired tokens removed", "count", removed)
		}
	}
}
