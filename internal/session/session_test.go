package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/errors"
)

// countingFs counts directory creations.
type countingFs struct {
	afero.Fs
	mkdirs atomic.Int32
}

func (c *countingFs) Mkdir(name string, perm os.FileMode) error {
	c.mkdirs.Add(1)
	return c.Fs.Mkdir(name, perm)
}

func TestCacheDirCreatedOnce(t *testing.T) {
	fs := &countingFs{Fs: afero.NewMemMapFs()}
	s := New("abc", fs, "/tmp")

	first, err := s.CacheDir()
	if err != nil {
		t.Fatalf("CacheDir: %v", err)
	}
	second, err := s.CacheDir()
	if err != nil {
		t.Fatalf("CacheDir: %v", err)
	}

	if first != second {
		t.Errorf("expected same path, got %s and %s", first, second)
	}
	if !strings.HasPrefix(filepath.Base(first), CacheDirPrefix) {
		t.Errorf("expected %s prefix, got %s", CacheDirPrefix, first)
	}
	if n := fs.mkdirs.Load(); n != 1 {
		t.Errorf("expected exactly 1 Mkdir, got %d", n)
	}
	if ok, _ := afero.DirExists(fs, first); !ok {
		t.Error("cache directory should exist")
	}
}

func TestCacheDirConcurrent(t *testing.T) {
	fs := &countingFs{Fs: afero.NewMemMapFs()}
	s := New("abc", fs, "/tmp")

	var wg sync.WaitGroup
	paths := make([]string, 20)
	for i := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], _ = s.CacheDir()
		}()
	}
	wg.Wait()

	for _, p := range paths {
		if p != paths[0] {
			t.Fatalf("expected one path, got %s and %s", paths[0], p)
		}
	}
	if n := fs.mkdirs.Load(); n != 1 {
		t.Errorf("expected exactly 1 Mkdir, got %d", n)
	}
}

// closingFs closes a session just before its cache directory is created.
type closingFs struct {
	afero.Fs
	sess *Session
}

func (c *closingFs) Mkdir(name string, perm os.FileMode) error {
	c.sess.Close()
	return c.Fs.Mkdir(name, perm)
}

func TestCacheDirCloseDuringCreate(t *testing.T) {
	fs := &closingFs{Fs: afero.NewMemMapFs()}
	s := New("abc", fs, "/tmp")
	fs.sess = s

	if _, err := s.CacheDir(); !errors.Is(err, errors.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	infos, err := afero.ReadDir(fs, "/tmp")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, fi := range infos {
		if strings.HasPrefix(fi.Name(), CacheDirPrefix) {
			t.Errorf("cache directory %s outlived Close", fi.Name())
		}
	}

	if _, err := s.CacheDir(); !errors.Is(err, errors.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed on retry, got %v", err)
	}
}

func TestCloseRemovesDirectory(t *testing.T) {
	root := t.TempDir()
	s := New("abc", nil, root)

	dir, err := s.CacheDir()
	if err != nil {
		t.Fatalf("CacheDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "x.csv"), []byte("time\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s.Close()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected directory removed, stat err = %v", err)
	}

	s.Close() // idempotent

	if _, err := s.CacheDir(); !errors.Is(err, errors.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after Close, got %v", err)
	}
}

func TestCloseWithoutDirectory(t *testing.T) {
	fs := &countingFs{Fs: afero.NewMemMapFs()}
	s := New("abc", fs, "/tmp")
	s.Close()
	if n := fs.mkdirs.Load(); n != 0 {
		t.Errorf("Close should not create anything, got %d Mkdir calls", n)
	}
}

func TestCloseSwallowsErrors(t *testing.T) {
	base := afero.NewMemMapFs()
	s := New("abc", base, "/tmp")
	dir, err := s.CacheDir()
	if err != nil {
		t.Fatalf("CacheDir: %v", err)
	}

	// Swap in a read-only view so removal fails.
	s.fs = afero.NewReadOnlyFs(base)
	s.Close()

	if ok, _ := afero.DirExists(base, dir); !ok {
		t.Error("directory should survive a failed removal")
	}
}

func TestManagerGet(t *testing.T) {
	m := NewManager(ManagerConfig{Fs: afero.NewMemMapFs(), TempRoot: "/tmp"})

	a, err := m.Get("")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.ID() == "" {
		t.Fatal("expected generated ID")
	}

	b, err := m.Get(a.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("same ID should return the same session")
	}

	c, _ := m.Get("other")
	if c == a {
		t.Error("different IDs should return different sessions")
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 sessions, got %d", m.Len())
	}
}

func TestManagerShutdown(t *testing.T) {
	root := t.TempDir()
	m := NewManager(ManagerConfig{TempRoot: root})

	var dirs []string
	for _, id := range []string{"a", "b"} {
		s, _ := m.Get(id)
		dir, err := s.CacheDir()
		if err != nil {
			t.Fatalf("CacheDir: %v", err)
		}
		dirs = append(dirs, dir)
	}

	m.Shutdown()
	m.Shutdown()

	for _, dir := range dirs {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("expected %s removed", dir)
		}
	}
	if _, err := m.Get("a"); !errors.Is(err, errors.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after Shutdown, got %v", err)
	}
}

func TestManagerExpireIdle(t *testing.T) {
	m := NewManager(ManagerConfig{Fs: afero.NewMemMapFs(), TempRoot: "/tmp"})

	old, _ := m.Get("old")
	old.mu.Lock()
	old.lastSeen = time.Now().Add(-time.Hour)
	old.mu.Unlock()
	m.Get("fresh")

	if n := m.ExpireIdle(30 * time.Minute); n != 1 {
		t.Errorf("expected 1 expired session, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 remaining session, got %d", m.Len())
	}
	if _, err := old.CacheDir(); !errors.Is(err, errors.ErrSessionClosed) {
		t.Errorf("expired session should be closed, got %v", err)
	}
}
