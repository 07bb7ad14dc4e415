// Package templates loads JSON page templates from disk and serves them as
// initial render snapshots. A Store can optionally watch its directory and
// hot-reload changed files, which keeps the edit loop fast during
// development.
package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/benrben/agentpriinter/pkg/ui"
)

// ErrNoPages is returned when a directory load finds no usable templates.
var ErrNoPages = errors.New("templates: no page templates found")

// Load reads one page template from a JSON file.
func Load(path string) (*ui.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templates: read %s: %w", path, err)
	}

	var page ui.Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("templates: parse %s: %w", path, err)
	}
	if page.Root.Type == "" {
		return nil, fmt.Errorf("templates: %s: root component has no type", path)
	}
	if page.Path == "" {
		// Fall back to the file name: pages/home.json serves /home.
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if name == "index" {
			page.Path = "/"
		} else {
			page.Path = "/" + name
		}
	}
	page.WithDefaults()
	// Templates are data, not code, and may come from untrusted checkouts.
	ui.NewStyleValidator(nil, nil).SanitizeStyles(&page.Root)
	return &page, nil
}

// Store holds the loaded pages keyed by route path.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	pages map[string]*ui.Page

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads every *.json file under dir.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:    dir,
		logger: logger.With("component", "templates"),
		pages:  make(map[string]*ui.Page),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload re-reads the directory. A file that fails to parse is skipped with
// a warning so one broken template does not take down the rest.
func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("templates: read dir %s: %w", s.dir, err)
	}

	pages := make(map[string]*ui.Page)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		page, err := Load(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping template", "file", entry.Name(), "error", err)
			continue
		}
		pages[page.Path] = page
	}
	if len(pages) == 0 {
		return ErrNoPages
	}

	s.mu.Lock()
	s.pages = pages
	s.mu.Unlock()
	s.logger.Info("templates loaded", "count", len(pages))
	return nil
}

// Page returns the template for a route path.
func (s *Store) Page(path string) (*ui.Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[path]
	return page, ok
}

// Index returns the root page, or any page when no "/" template exists.
// This is the initial render pushed after the handshake.
func (s *Store) Index() *ui.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if page, ok := s.pages["/"]; ok {
		return page
	}
	for _, page := range s.pages {
		return page
	}
	return nil
}

// Paths lists the loaded route paths.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pages))
	for path := range s.pages {
		out = append(out, path)
	}
	return out
}

// Watch reloads the store whenever a file under the directory changes.
// Runs until Close.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("templates: watch: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("templates: watch %s: %w", s.dir, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			s.logger.Debug("template change detected", "file", event.Name, "op", event.Op.String())
			if err := s.reload(); err != nil {
				s.logger.Warn("template reload failed", "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("template watcher error", "error", err)
		case <-s.done:
			return
		}
	}
}

// Close stops the watcher, if one is running.
func (s *Store) Close() error {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}
