// Package filelock serialises filesystem mutations across cooperating plans
// with session-scoped, refcounted advisory locks over a workspace directory.
// Locks are file-level (single writer per file) and re-entrant within a
// session; a session's locks are released when its last plan finishes.
package filelock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// sessionLocks tracks one session's held flocks, keyed by absolute path.
type sessionLocks struct {
	locks map[string]*flock.Flock
	refs  map[string]int
}

// SessionLockManager holds per-session advisory file locks.
type SessionLockManager struct {
	workspaceDir string

	mu       sync.Mutex
	sessions map[string]*sessionLocks
}

// NewSessionLockManager creates a manager rooted at workspaceDir. Lock files
// live under workspaceDir/.locks so the lock artifacts never collide with
// workspace content.
func NewSessionLockManager(workspaceDir string) (*SessionLockManager, error) {
	lockDir := filepath.Join(workspaceDir, ".locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &SessionLockManager{
		workspaceDir: workspaceDir,
		sessions:     make(map[string]*sessionLocks),
	}, nil
}

// lockPath maps a workspace-relative file to its advisory lock file.
func (m *SessionLockManager) lockPath(rel string) string {
	name := filepath.ToSlash(rel)
	safe := ""
	for _, r := range name {
		if r == '/' {
			safe += "__"
		} else {
			safe += string(r)
		}
	}
	return filepath.Join(m.workspaceDir, ".locks", safe+".lock")
}

// AcquireFileLock takes the single-writer lock for a workspace-relative file
// on behalf of a session. Re-entrant within the session: repeated acquires
// bump a refcount on the already-held flock.
func (m *SessionLockManager) AcquireFileLock(ctx context.Context, sessionID, rel string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionLocks{locks: make(map[string]*flock.Flock), refs: make(map[string]int)}
		m.sessions[sessionID] = s
	}
	path := m.lockPath(rel)
	if _, held := s.locks[path]; held {
		s.refs[path]++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", rel, err)
	}
	if !locked {
		return fmt.Errorf("file %s is locked by another session", rel)
	}

	m.mu.Lock()
	s.locks[path] = fl
	s.refs[path] = 1
	m.mu.Unlock()

	slog.Debug("File lock acquired", "session_id", sessionID, "file", rel)
	return nil
}

// ReleaseFileLock drops one reference on a file lock, unlocking when the
// count reaches zero.
func (m *SessionLockManager) ReleaseFileLock(sessionID, rel string) {
	path := m.lockPath(rel)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	fl, held := s.locks[path]
	if !held {
		return
	}
	s.refs[path]--
	if s.refs[path] > 0 {
		return
	}
	if err := fl.Unlock(); err != nil {
		slog.Warn("File unlock failed", "session_id", sessionID, "file", rel, "error", err)
	}
	delete(s.locks, path)
	delete(s.refs, path)
}

// RestoreSessionLocks re-acquires every lock file previously recorded for
// the session. Called at startup rehydration and on plan submission; a
// session with no recorded locks is a no-op.
func (m *SessionLockManager) RestoreSessionLocks(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		// Nothing recorded in this process yet — the session starts fresh
		// and acquires locks as its plans touch files.
		m.mu.Unlock()
		return nil
	}
	paths := make([]string, 0, len(s.locks))
	for path, fl := range s.locks {
		if !fl.Locked() {
			paths = append(paths, path)
		}
	}
	m.mu.Unlock()

	for _, path := range paths {
		fl := flock.New(path)
		locked, err := fl.TryLockContext(ctx, 25*time.Millisecond)
		if err != nil {
			return fmt.Errorf("failed to restore lock %s: %w", path, err)
		}
		if !locked {
			return fmt.Errorf("lock %s held elsewhere during restore", path)
		}
		m.mu.Lock()
		s.locks[path] = fl
		m.mu.Unlock()
	}

	slog.Debug("Session locks restored", "session_id", sessionID, "count", len(paths))
	return nil
}

// ReleaseSessionLocks unlocks and forgets every lock the session holds.
// Called when the session's plan refcount drops to zero or at shutdown.
func (m *SessionLockManager) ReleaseSessionLocks(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	for path, fl := range s.locks {
		if err := fl.Unlock(); err != nil {
			slog.Warn("File unlock failed during session release",
				"session_id", sessionID, "path", path, "error", err)
		}
	}
	slog.Debug("Session locks released", "session_id", sessionID, "count", len(s.locks))
}

// HeldLocks returns the workspace lock file paths a session currently holds.
// Operations/debug surface.
func (m *SessionLockManager) HeldLocks(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.locks))
	for path := range s.locks {
		out = append(out, path)
	}
	return out
}
