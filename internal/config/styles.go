package config

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"daybreak/internal/models"
)

// DefaultStyleHints are used when no style file is configured or a field is
// left empty.
var DefaultStyleHints = models.StyleHints{
	Tone:            "reflective",
	OpeningPhrase:   "Tomorrow might go something like this.",
	ClosingPhrase:   "However the day actually goes, it will be worth writing down.",
	PlaceholderLine: "A quiet day with room for something unexpected.",
	MaxParagraphs:   3,
}

// StyleStore serves the current style template, reloading it when the backing
// YAML file changes on disk.
type StyleStore struct {
	mu    sync.RWMutex
	hints models.StyleHints
	path  string
}

// NewStyleStore loads the style file once. A missing file is not an error:
// defaults apply until the file appears.
func NewStyleStore(path string) *StyleStore {
	s := &StyleStore{hints: DefaultStyleHints, path: path}
	if path == "" {
		return s
	}
	if err := s.reload(); err != nil {
		log.Printf("⚠️ [STYLES] Could not load style file %s: %v (using defaults)", path, err)
	}
	return s
}

// Hints returns the current style template.
func (s *StyleStore) Hints() models.StyleHints {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hints
}

// Watch reloads the style file on change until the watcher is closed. Call in
// a goroutine.
func (s *StyleStore) Watch() (*fsnotify.Watcher, error) {
	if s.path == "" {
		return nil, fmt.Errorf("no style file configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.reload(); err != nil {
						log.Printf("⚠️ [STYLES] Reload failed: %v (keeping previous template)", err)
					} else {
						log.Printf("🔄 [STYLES] Style template reloaded from %s", s.path)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [STYLES] Watcher error: %v", err)
			}
		}
	}()

	return watcher, nil
}

func (s *StyleStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read style file: %w", err)
	}

	hints := DefaultStyleHints
	if err := yaml.Unmarshal(data, &hints); err != nil {
		return fmt.Errorf("failed to parse style file: %w", err)
	}
	if hints.OpeningPhrase == "" {
		hints.OpeningPhrase = DefaultStyleHints.OpeningPhrase
	}
	if hints.ClosingPhrase == "" {
		hints.ClosingPhrase = DefaultStyleHints.ClosingPhrase
	}
	if hints.PlaceholderLine == "" {
		hints.PlaceholderLine = DefaultStyleHints.PlaceholderLine
	}

	s.mu.Lock()
	s.hints = hints
	s.mu.Unlock()
	return nil
}
