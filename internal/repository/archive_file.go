package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// archiveFile is the layout of the TOML archive file:
//
//	[[archive]]
//	name = "pacs"
//	kind = "dimse"
//	...
type archiveFile struct {
	Archives []models.ArchiveConfig `toml:"archive"`
}

// FileArchiveSource serves archives from a TOML file. Watch reloads it when
// the file changes.
type FileArchiveSource struct {
	path string

	mu       sync.RWMutex
	archives []models.ArchiveConfig
	onChange []func(removed []string)
}

// NewFileArchiveSource loads the archive file at path
func NewFileArchiveSource(path string) (*FileArchiveSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive file path: %w", err)
	}
	s := &FileArchiveSource{path: abs}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns the enabled archives
func (s *FileArchiveSource) List(ctx context.Context) ([]models.ArchiveConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ArchiveConfig, 0, len(s.archives))
	for _, a := range s.archives {
		if !a.Disabled {
			out = append(out, a)
		}
	}
	return out, nil
}

// Get returns one enabled archive by name
func (s *FileArchiveSource) Get(ctx context.Context, name string) (models.ArchiveConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.archives {
		if a.Name == name && !a.Disabled {
			return a, nil
		}
	}
	return models.ArchiveConfig{}, fmt.Errorf("%w: %s", ErrArchiveNotFound, name)
}

// OnChange registers fn to be called after each successful reload with the
// names of archives that were removed or changed
func (s *FileArchiveSource) OnChange(fn func(removed []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Reload reads the file again. On error the current archives are kept.
// Archives whose settings did not change keep their UpdatedAt, so their
// connectors survive the reload.
func (s *FileArchiveSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read archive file: %w", err)
	}
	if len(data) == 0 {
		// a writer truncated the file and has not written it yet
		return fmt.Errorf("archive file %s is empty", s.path)
	}

	var file archiveFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse archive file %s: %w", s.path, err)
	}

	seen := make(map[string]bool, len(file.Archives))
	for _, a := range file.Archives {
		if err := a.Validate(); err != nil {
			return err
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate archive name %q in %s", a.Name, s.path)
		}
		seen[a.Name] = true
	}

	s.mu.Lock()
	previous := make(map[string]models.ArchiveConfig, len(s.archives))
	for _, a := range s.archives {
		previous[a.Name] = a
	}
	now := time.Now().UTC()
	var stale []string
	for i := range file.Archives {
		a := &file.Archives[i]
		old, ok := previous[a.Name]
		if ok && sameSettings(old, *a) {
			a.CreatedAt, a.UpdatedAt = old.CreatedAt, old.UpdatedAt
			continue
		}
		if ok {
			stale = append(stale, a.Name)
		}
		a.CreatedAt, a.UpdatedAt = now, now
	}
	for name := range previous {
		if !seen[name] {
			stale = append(stale, name)
		}
	}
	sortArchives(file.Archives)
	s.archives = file.Archives
	listeners := s.onChange
	s.mu.Unlock()

	log.Info().Str("file", s.path).Int("archives", len(file.Archives)).Msg("Archive configuration loaded")
	if len(stale) > 0 {
		for _, fn := range listeners {
			fn(stale)
		}
	}
	return nil
}

func sameSettings(a, b models.ArchiveConfig) bool {
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

// reloadDelay coalesces the bursts of events a single save produces
const reloadDelay = 100 * time.Millisecond

// Watch reloads the file whenever it is written or replaced, until ctx ends.
// The parent directory is watched so that editors that write a new file and
// rename it over the old one are seen.
func (s *FileArchiveSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}
	log.Info().Str("file", s.path).Msg("Watching archive configuration")

	reload := time.NewTimer(reloadDelay)
	reload.Stop()
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reload.Reset(reloadDelay)
		case <-reload.C:
			if err := s.Reload(); err != nil {
				log.Warn().Err(err).Str("file", s.path).Msg("Failed to reload archive configuration, keeping previous")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("file", s.path).Msg("Archive file watcher error")
		}
	}
}
