package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/swissarmyhammer/acp-host/internal/logging"
	"github.com/swissarmyhammer/acp-host/internal/sessionid"
)

// ErrNotFound is returned when a session id has no in-memory or on-disk
// representation.
var ErrNotFound = errors.New("session: not found")

const (
	// DefaultCleanupInterval is how often the background eviction task scans
	// for expired sessions.
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultMaxSessionAge is how long a session may go unaccessed before the
	// cleanup task evicts it.
	DefaultMaxSessionAge = 1 * time.Hour
)

// TerminalManager is the cascade-cleanup collaborator: anything that indexes
// long-running resources by session id and can tear them down on removal.
// Terminals and background task registries implement this.
type TerminalManager interface {
	CleanupSession(sessionID string) error
}

// Store owns the in-memory session map and its on-disk mirror. All mutation
// goes through Store's operations; other components never touch the map or
// directory directly.
type Store struct {
	dir string

	mu       sync.RWMutex
	sessions map[string]*Session

	cleanupInterval time.Duration
	maxSessionAge   time.Duration
}

// NewStore creates a Store rooted at dir, creating the directory on demand.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: ensure storage directory %s: %w", dir, err)
	}
	return &Store{
		dir:             dir,
		sessions:        make(map[string]*Session),
		cleanupInterval: DefaultCleanupInterval,
		maxSessionAge:   DefaultMaxSessionAge,
	}, nil
}

// WithCleanupSettings overrides the background eviction cadence and max age.
func (st *Store) WithCleanupSettings(interval, maxAge time.Duration) *Store {
	st.cleanupInterval = interval
	st.maxSessionAge = maxAge
	return st
}

func (st *Store) path(id sessionid.SessionId) string {
	return filepath.Join(st.dir, id.String()+".json")
}

// CreateSession validates cwd, generates a fresh id, persists the new
// session to disk, and inserts it into memory. Disk write happens before the
// in-memory insert so a crash between the two never leaves a session that
// "exists" in memory but not on disk.
func (st *Store) CreateSession(cwd string, caps *ClientCapabilities) (sessionid.SessionId, error) {
	sess, err := NewSession(sessionid.New(), cwd)
	if err != nil {
		return sessionid.SessionId{}, err
	}
	sess.ClientCapabilities = caps

	if err := st.writeToDisk(sess); err != nil {
		return sessionid.SessionId{}, fmt.Errorf("session: persist new session: %w", err)
	}

	st.mu.Lock()
	st.sessions[sess.ID.String()] = sess
	st.mu.Unlock()

	return sess.ID, nil
}

// GetSession returns a clone of the session for id. A memory miss falls
// through to disk; after a disk load the session is re-checked under the
// write lock before insertion to avoid a double-insert race with a
// concurrent GetSession for the same id.
func (st *Store) GetSession(id sessionid.SessionId) (*Session, error) {
	st.mu.RLock()
	if sess, ok := st.sessions[id.String()]; ok {
		clone := sess.Clone()
		st.mu.RUnlock()
		return clone, nil
	}
	st.mu.RUnlock()

	loaded, err := st.readFromDisk(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if existing, ok := st.sessions[id.String()]; ok {
		clone := existing.Clone()
		st.mu.Unlock()
		return clone, nil
	}
	st.sessions[id.String()] = loaded
	st.mu.Unlock()

	return loaded.Clone(), nil
}

// UpdateSession loads the session into memory if needed, takes the write
// lock, invokes updater, bumps LastAccessed, releases the lock, then
// best-effort writes the result to disk outside the lock.
func (st *Store) UpdateSession(id sessionid.SessionId, updater func(*Session)) error {
	st.mu.Lock()
	sess, ok := st.sessions[id.String()]
	if !ok {
		st.mu.Unlock()
		loaded, err := st.readFromDisk(id)
		if err != nil {
			return err
		}
		st.mu.Lock()
		if existing, ok2 := st.sessions[id.String()]; ok2 {
			sess = existing
		} else {
			st.sessions[id.String()] = loaded
			sess = loaded
		}
	}

	updater(sess)
	sess.Touch()
	snapshot := sess.Clone()
	st.mu.Unlock()

	if err := st.writeToDisk(snapshot); err != nil {
		logging.Warn().Err(err).Str("sessionId", id.String()).Msg("session: write-back to disk failed")
	}
	return nil
}

// RemoveSession drops the session from the map and best-effort deletes its
// on-disk file, returning the removed session (if any) for callers that need
// it for cleanup.
func (st *Store) RemoveSession(id sessionid.SessionId) (*Session, error) {
	st.mu.Lock()
	sess, ok := st.sessions[id.String()]
	delete(st.sessions, id.String())
	st.mu.Unlock()

	if err := os.Remove(st.path(id)); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("sessionId", id.String()).Msg("session: delete on-disk file failed")
	}

	if !ok {
		return nil, nil
	}
	return sess, nil
}

// RemoveSessionWithCleanup terminates resources indexed by the session's
// string id via terminals before removing the session itself. Terminal
// cleanup errors are logged, not propagated — a failed terminal teardown
// must never block session removal.
func (st *Store) RemoveSessionWithCleanup(id sessionid.SessionId, terminals TerminalManager) (*Session, error) {
	if terminals != nil {
		if err := terminals.CleanupSession(id.String()); err != nil {
			logging.Warn().Err(err).Str("sessionId", id.String()).Msg("session: terminal cleanup failed")
		}
	}
	return st.RemoveSession(id)
}

// ListSessions returns the union of in-memory session ids and <ulid>.json
// files on disk. Filenames that don't parse as a SessionId are ignored.
func (st *Store) ListSessions() ([]sessionid.SessionId, error) {
	seen := make(map[string]struct{})
	var ids []sessionid.SessionId

	st.mu.RLock()
	for k := range st.sessions {
		if id, err := sessionid.Parse(k); err == nil {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	st.mu.RUnlock()

	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ids, nil
		}
		return nil, fmt.Errorf("session: list storage directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ".json")
		if _, dup := seen[stem]; dup {
			continue
		}
		if id, err := sessionid.Parse(stem); err == nil {
			seen[stem] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// UpdateAvailableCommands diffs cmds against the stored commands and only
// writes back (returning true) if they differ.
func (st *Store) UpdateAvailableCommands(id sessionid.SessionId, cmds []AvailableCommand) (bool, error) {
	changed := false
	err := st.UpdateSession(id, func(s *Session) {
		changed = s.UpdateAvailableCommands(cmds)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// StartCleanupTask spawns a periodic goroutine that evicts sessions whose
// LastAccessed exceeds maxSessionAge. It runs until stop is closed.
func (st *Store) StartCleanupTask(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(st.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				st.cleanupExpiredSessions()
			}
		}
	}()
}

func (st *Store) cleanupExpiredSessions() {
	ids, err := st.ListSessions()
	if err != nil {
		logging.Warn().Err(err).Msg("session: cleanup list failed")
		return
	}
	cutoff := time.Now().Add(-st.maxSessionAge)
	for _, id := range ids {
		sess, err := st.GetSession(id)
		if err != nil {
			continue
		}
		if sess.LastAccessed.Before(cutoff) {
			if _, err := st.RemoveSession(id); err != nil {
				logging.Warn().Err(err).Str("sessionId", id.String()).Msg("session: expired-session eviction failed")
			}
		}
	}
}

func (st *Store) writeToDisk(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tmp := st.path(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, st.path(sess.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (st *Store) readFromDisk(id sessionid.SessionId) (*Session, error) {
	data, err := os.ReadFile(st.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: read %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: unmarshal %s: %w", id, err)
	}
	return &sess, nil
}
