package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// OEM is one competitor definition loaded from a YAML document.
type OEM struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Enabled *bool  `yaml:"enabled"` // nil means enabled

	// Seed pages registered on first sight of the config.
	Seeds []SeedPage `yaml:"seeds"`

	// Selector sets for the DOM extraction strategy, keyed by page type.
	Selectors map[string]SelectorSet `yaml:"selectors"`

	// JSON paths into discovered API payloads, keyed by data type.
	APIMappings map[string]APIMapping `yaml:"api_mappings"`

	// Fields whose change bumps event severity one level.
	CriticalFields []string `yaml:"critical_fields"`

	// URL substring patterns classifying discovered links into page types.
	URLPatterns map[string][]string `yaml:"url_patterns"`

	RequiresRender bool             `yaml:"requires_render"`
	Politeness     *PolitenessLimit `yaml:"politeness"`
}

// SeedPage is a starting URL for an OEM.
type SeedPage struct {
	URL      string `yaml:"url"`
	PageType string `yaml:"page_type"`
}

// SelectorSet maps entity field names to CSS selectors, with a selector
// locating the repeating item container.
type SelectorSet struct {
	Item   string            `yaml:"item"`
	Fields map[string]string `yaml:"fields"`
}

// APIMapping maps entity field names to dotted JSON paths within an API
// payload, with a path locating the repeating items array.
type APIMapping struct {
	Items  string            `yaml:"items"`
	Key    string            `yaml:"key"` // path to the external key
	Fields map[string]string `yaml:"fields"`
}

// PolitenessLimit overrides the global per-host fetch limits for one OEM.
type PolitenessLimit struct {
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
	MaxConcurrency int64   `yaml:"max_concurrency"`
}

// IsEnabled reports whether the OEM should be crawled.
func (o *OEM) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// IsCritical reports whether a canonical field name is on the OEM's
// critical-field list.
func (o *OEM) IsCritical(field string) bool {
	for _, f := range o.CriticalFields {
		if f == field {
			return true
		}
	}
	return false
}

// OEMStore loads OEM documents from a directory and keeps them fresh via
// fsnotify. Reads are served from an atomic snapshot; a broken document is
// logged and skipped.
type OEMStore struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	oems map[string]*OEM

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewOEMStore loads all documents in dir and starts watching it for changes.
func NewOEMStore(dir string, logger *slog.Logger) (*OEMStore, error) {
	s := &OEMStore{
		dir:    dir,
		logger: logger.With("component", "oem-config"),
		oems:   make(map[string]*OEM),
		done:   make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

// Get returns the OEM with the given id, or nil.
func (s *OEMStore) Get(id string) *OEM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.oems[id]
}

// All returns every loaded OEM, sorted by id.
func (s *OEMStore) All() []*OEM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*OEM, 0, len(s.oems))
	for _, o := range s.oems {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns every enabled OEM, sorted by id.
func (s *OEMStore) Enabled() []*OEM {
	all := s.All()
	out := all[:0]
	for _, o := range all {
		if o.IsEnabled() {
			out = append(out, o)
		}
	}
	return out
}

// Close stops the directory watcher.
func (s *OEMStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *OEMStore) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading config dir %s: %w", s.dir, err)
	}

	loaded := make(map[string]*OEM)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		oem, err := loadOEMFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping bad OEM document", "file", name, "error", err)
			continue
		}
		if _, dup := loaded[oem.ID]; dup {
			s.logger.Warn("duplicate OEM id, keeping first", "id", oem.ID, "file", name)
			continue
		}
		loaded[oem.ID] = oem
	}

	s.mu.Lock()
	s.oems = loaded
	s.mu.Unlock()
	s.logger.Info("OEM config loaded", "count", len(loaded))
	return nil
}

func (s *OEMStore) watch() {
	// Editors fire several events per save; debounce into one reload.
	var timer *time.Timer
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, func() {
				if err := s.reload(); err != nil {
					s.logger.Error("config reload failed", "error", err)
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

func loadOEMFile(path string) (*OEM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var oem OEM
	if err := yaml.Unmarshal(data, &oem); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if oem.ID == "" {
		return nil, fmt.Errorf("%s: missing id", filepath.Base(path))
	}
	if oem.BaseURL == "" {
		return nil, fmt.Errorf("%s: missing base_url", filepath.Base(path))
	}
	return &oem, nil
}
