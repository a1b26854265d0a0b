// Package session tracks per-user state, chiefly the lazily created cache
// directory that holds a user's aggregation results.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	ssync "github.com/thekhoo/speedsnake/internal/sync"
)

var log = logging.Component("session")

// CacheDirPrefix prefixes every session cache directory name.
const CacheDirPrefix = "speedsnake_cache_"

// Session is the state of one user: the HTTP cookie holder, the shell, or a
// single CLI invocation.
type Session struct {
	id       string
	fs       afero.Fs
	tempRoot string
	created  time.Time

	once ssync.ResettableOnce

	mu       sync.Mutex
	dir      string
	closed   bool
	lastSeen time.Time
}

// New creates a session. The cache directory is not created until
// CacheDir is first called.
func New(id string, fs afero.Fs, tempRoot string) *Session {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	now := time.Now()
	return &Session{
		id:       id,
		fs:       fs,
		tempRoot: tempRoot,
		created:  now,
		lastSeen: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Context returns ctx tagged with the session ID for logging.
func (s *Session) Context(ctx context.Context) context.Context {
	return logging.ContextWithSessionID(ctx, s.id)
}

// CacheDir returns the session's cache directory, creating a
// speedsnake_cache_* directory under the temp root on the first call. Later
// calls return the same path without touching the filesystem. A failed
// creation is retried on the next call.
func (s *Session) CacheDir() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.ErrSessionClosed
	}
	s.lastSeen = time.Now()
	s.mu.Unlock()

	err := s.once.DoWithError(func() error {
		if s.tempRoot != "" {
			if err := s.fs.MkdirAll(s.tempRoot, 0o755); err != nil {
				return errors.Wrap(err, "create temp root")
			}
		}
		dir, err := afero.TempDir(s.fs, s.tempRoot, CacheDirPrefix)
		if err != nil {
			return errors.Wrap(err, "create cache directory")
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			// Close ran while the directory was being created.
			if err := s.fs.RemoveAll(dir); err != nil {
				log.Debug("remove cache directory failed", "session_id", s.id, "dir", dir, "error", err)
			}
			return errors.ErrSessionClosed
		}
		s.dir = dir
		s.mu.Unlock()

		log.Info("created cache directory", "session_id", s.id, "dir", dir)
		return nil
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.ErrSessionClosed
	}
	return s.dir, nil
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the last CacheDir or Touch call.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Close removes the cache directory and everything in it. Removal errors
// are logged at debug level and otherwise ignored. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dir := s.dir
	s.dir = ""
	s.mu.Unlock()

	if dir == "" {
		return
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		log.Debug("remove cache directory failed", "session_id", s.id, "dir", dir, "error", err)
		return
	}
	log.Debug("removed cache directory", "session_id", s.id, "dir", dir)
}
