package state

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// StagedFile is an uploaded attachment held on disk until the image
// recognition tool consumes it.
type StagedFile struct {
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	StagedAt    time.Time `json:"staged_at"`
}

// Staging maps thread IDs to staged files under a private directory.
type Staging struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	files map[string]StagedFile
}

// NewStaging creates dir if needed and returns an empty staging area.
func NewStaging(dir string, logger *slog.Logger) (*Staging, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cinetech-relay")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Staging{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		files:  make(map[string]StagedFile),
	}, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string {
	return s.dir
}

// Create opens a new uniquely named file in the staging directory. The
// original file name only contributes its extension.
func (s *Staging) Create(originalName string) (*os.File, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) > 16 {
		ext = ""
	}
	path := filepath.Join(s.dir, ulid.Make().String()+ext)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	return f, nil
}

// Put stages f for threadID. A file already staged for the thread is removed.
func (s *Staging) Put(threadID string, f StagedFile) {
	if f.StagedAt.IsZero() {
		f.StagedAt = s.now()
	}

	s.mu.Lock()
	prev, had := s.files[threadID]
	s.files[threadID] = f
	s.mu.Unlock()

	if had && prev.Path != f.Path {
		s.Remove(prev)
	}
}

// Take removes and returns the file staged for threadID.
func (s *Staging) Take(threadID string) (StagedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[threadID]
	if ok {
		delete(s.files, threadID)
	}
	return f, ok
}

// Peek returns the file staged for threadID without removing it.
func (s *Staging) Peek(threadID string) (StagedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[threadID]
	return f, ok
}

// Remove deletes f from disk.
func (s *Staging) Remove(f StagedFile) {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove staged file",
			slog.String("path", f.Path),
			slog.String("error", err.Error()))
	}
}

// Len returns the number of staged files.
func (s *Staging) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Sweep removes staged entries older than maxAge along with any untracked
// files in the staging directory older than maxAge.
func (s *Staging) Sweep(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	var expired []StagedFile
	tracked := make(map[string]struct{}, len(s.files))
	for thread, f := range s.files {
		if f.StagedAt.Before(cutoff) {
			expired = append(expired, f)
			delete(s.files, thread)
			continue
		}
		tracked[f.Path] = struct{}{}
	}
	s.mu.Unlock()

	for _, f := range expired {
		s.Remove(f)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to read staging dir", slog.String("error", err.Error()))
		return len(expired)
	}
	orphans := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if _, ok := tracked[path]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		s.Remove(StagedFile{Path: path})
		orphans++
	}

	return len(expired) + orphans
}
