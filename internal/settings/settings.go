// Package settings owns the mutable server settings: the email allowlist and
// the admin set. Settings live in a JSON file under the data directory, are
// rewritten atomically, and are reloaded when the file changes on disk so
// out-of-band edits take effect without a restart.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileName = "settings.json"

// Settings is the persisted record.
type Settings struct {
	AllowlistEmails []string  `json:"allowlistEmails"`
	AdminEmails     []string  `json:"adminEmails"`
	UpdatedAt       time.Time `json:"updatedAt"`
	UpdatedBy       string    `json:"updatedBy"`
}

// Store is the in-memory view of settings.json. Reads never touch disk;
// Update rewrites the file atomically and the watcher folds external edits
// back in.
type Store struct {
	path string

	mu      sync.RWMutex
	current Settings

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads settings from dir/settings.json. When the file does not exist
// it is created from seed. A filesystem watcher keeps the in-memory copy in
// sync with external edits; call Close to stop it.
func Open(dir string, seed Settings) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	s := &Store{
		path: filepath.Join(dir, fileName),
		done: make(chan struct{}),
	}

	loaded, err := readFile(s.path)
	switch {
	case err == nil:
		s.current = loaded
	case errors.Is(err, os.ErrNotExist):
		seed.UpdatedAt = time.Now().UTC()
		seed.UpdatedBy = "bootstrap"
		normalize(&seed)
		if err := writeFileAtomic(s.path, seed); err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
		s.current = seed
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	// Watch the directory, not the file: atomic rewrites replace the inode
	// and a file watch would go stale after the first rename.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("settings watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch settings dir: %w", err)
	}
	s.watcher = w
	go s.watch()

	return s, nil
}

// Close stops the filesystem watcher.
func (s *Store) Close() error {
	close(s.done)
	return s.watcher.Close()
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.current
	out.AllowlistEmails = slices.Clone(s.current.AllowlistEmails)
	out.AdminEmails = slices.Clone(s.current.AdminEmails)
	return out
}

// IsAllowed reports whether the email is on the allowlist. Comparison is
// case-insensitive; stored emails are lowercase.
func (s *Store) IsAllowed(email string) bool {
	email = strings.ToLower(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.current.AllowlistEmails, email)
}

// IsAdmin reports whether the email has admin rights.
func (s *Store) IsAdmin(email string) bool {
	email = strings.ToLower(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.current.AdminEmails, email)
}

// Update replaces the allowlist and admin set, stamps the record, persists
// it atomically, and swaps the in-memory copy. Admins must be a subset of
// the allowlist.
func (s *Store) Update(allowlist, admins []string, updatedBy string) (Settings, error) {
	next := Settings{
		AllowlistEmails: allowlist,
		AdminEmails:     admins,
		UpdatedAt:       time.Now().UTC(),
		UpdatedBy:       strings.ToLower(updatedBy),
	}
	normalize(&next)
	for _, admin := range next.AdminEmails {
		if !slices.Contains(next.AllowlistEmails, admin) {
			return Settings{}, fmt.Errorf("admin %q is not on the allowlist", admin)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path, next); err != nil {
		return Settings{}, fmt.Errorf("write settings: %w", err)
	}
	s.current = next
	slog.Info("settings updated",
		"updatedBy", next.UpdatedBy,
		"allowlist", len(next.AllowlistEmails),
		"admins", len(next.AdminEmails))
	return next, nil
}

// watch reloads settings.json on external change. A short debounce absorbs
// the write+rename event pair editors and our own atomic rewrite produce.
func (s *Store) watch() {
	var pending <-chan time.Time
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != fileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(100 * time.Millisecond)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("settings watcher error", "error", err)
		case <-pending:
			pending = nil
			s.reload()
		}
	}
}

func (s *Store) reload() {
	loaded, err := readFile(s.path)
	if err != nil {
		slog.Warn("settings reload failed", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	changed := !loaded.UpdatedAt.Equal(s.current.UpdatedAt) ||
		!slices.Equal(loaded.AllowlistEmails, s.current.AllowlistEmails) ||
		!slices.Equal(loaded.AdminEmails, s.current.AdminEmails)
	s.current = loaded
	s.mu.Unlock()
	if changed {
		slog.Info("settings reloaded from disk", "path", s.path)
	}
}

func readFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	normalize(&out)
	return out, nil
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over the target so readers never observe a partial file.
func writeFileAtomic(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), fileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// normalize lowercases, dedupes, and sorts both email lists.
func normalize(s *Settings) {
	s.AllowlistEmails = normalizeEmails(s.AllowlistEmails)
	s.AdminEmails = normalizeEmails(s.AdminEmails)
}

func normalizeEmails(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return out
}
