// Package catalog loads the model, provider, and tool configuration that
// routing and pricing consume. The catalog is a read-only snapshot behind
// a RWMutex; a filesystem watcher (and the admin reload endpoint) swaps
// the snapshot in place so handlers always see a consistent view.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Auro-rium/aex/pkg/models"
)

// Snapshot is one immutable view of the configured models, providers, and
// tools. Callers must not mutate the returned maps.
type Snapshot struct {
	Models    map[string]models.ModelEntry
	Providers map[string]models.ProviderEntry
	Tools     map[string]models.ToolEntry
	Default   string // default model name
}

// Lookup returns the model entry and its provider, or an error naming
// whichever is missing.
func (s *Snapshot) Lookup(model string) (*models.ModelEntry, *models.ProviderEntry, error) {
	if model == "" {
		model = s.Default
	}
	m, ok := s.Models[model]
	if !ok {
		return nil, nil, fmt.Errorf("model %q is not in the catalog", model)
	}
	p, ok := s.Providers[m.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("provider %q for model %q is not configured", m.Provider, model)
	}
	return &m, &p, nil
}

// Tool returns the tool entry by name.
func (s *Snapshot) Tool(name string) (*models.ToolEntry, error) {
	t, ok := s.Tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q is not in the catalog", name)
	}
	return &t, nil
}

// Catalog watches a config directory and serves snapshots.
type Catalog struct {
	dir string

	mu   sync.RWMutex
	snap *Snapshot

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

type modelsFile struct {
	Default string              `yaml:"default"`
	Models  []models.ModelEntry `yaml:"models"`
}

type providersFile struct {
	Providers []models.ProviderEntry `yaml:"providers"`
}

type toolsFile struct {
	Tools []models.ToolEntry `yaml:"tools"`
}

// New loads the catalog from dir. Missing optional files (tools.yaml)
// yield empty sections; a missing models.yaml is an error.
func New(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, stop: make(chan struct{})}
	snap, err := load(dir)
	if err != nil {
		return nil, err
	}
	c.snap = snap
	return c, nil
}

// Snapshot returns the current catalog view.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Reload re-reads the config directory and swaps the snapshot. The old
// snapshot stays live for requests already holding it.
func (c *Catalog) Reload() error {
	snap, err := load(c.dir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	log.Info().Int("models", len(snap.Models)).Int("providers", len(snap.Providers)).Msg("model catalog reloaded")
	return nil
}

// Watch starts a filesystem watcher on the config directory and reloads
// on any write. Stops when ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start catalog watcher: %w", err)
	}
	if err := w.Add(c.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	c.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					log.Warn().Err(err).Str("file", ev.Name).Msg("catalog reload failed; keeping previous snapshot")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("catalog watcher error")
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (c *Catalog) Close() {
	close(c.stop)
}

func load(dir string) (*Snapshot, error) {
	var mf modelsFile
	if err := readYAML(filepath.Join(dir, "models.yaml"), &mf); err != nil {
		return nil, fmt.Errorf("load models.yaml: %w", err)
	}
	if len(mf.Models) == 0 {
		return nil, fmt.Errorf("models.yaml in %s defines no models", dir)
	}

	var pf providersFile
	if err := readYAML(filepath.Join(dir, "providers.yaml"), &pf); err != nil {
		return nil, fmt.Errorf("load providers.yaml: %w", err)
	}

	var tf toolsFile
	if err := readYAML(filepath.Join(dir, "tools.yaml"), &tf); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load tools.yaml: %w", err)
	}

	snap := &Snapshot{
		Models:    make(map[string]models.ModelEntry, len(mf.Models)),
		Providers: make(map[string]models.ProviderEntry, len(pf.Providers)),
		Tools:     make(map[string]models.ToolEntry, len(tf.Tools)),
		Default:   mf.Default,
	}
	for _, m := range mf.Models {
		snap.Models[m.Name] = m
	}
	for _, p := range pf.Providers {
		snap.Providers[p.Name] = p
	}
	for _, t := range tf.Tools {
		snap.Tools[t.Name] = t
	}
	if snap.Default == "" {
		snap.Default = mf.Models[0].Name
	}
	return snap, nil
}

func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
