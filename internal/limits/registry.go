// Package limits holds the static per-model quota and token-limit table
// the Usage Tracker and Key Pool Manager both read. Loading style (YAML
// with a compiled-in fallback, optional fsnotify hot-reload) follows the
// teacher's config_loader.go pattern, generalized from whole-process
// config to a single hot-reloadable table.
package limits

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ModelLimit is the immutable-at-runtime quota/token ceiling for one model.
type ModelLimit struct {
	RPM             int `yaml:"rpm" json:"rpm"`
	RPD             int `yaml:"rpd" json:"rpd"`
	TPMInput        int `yaml:"tpm_input" json:"tpm_input"`
	TPDInput        int `yaml:"tpd_input" json:"tpd_input"`
	InputTokenLimit int `yaml:"input_token_limit" json:"input_token_limit"`
	OutputTokenLimit int `yaml:"output_token_limit" json:"output_token_limit"`
}

var builtinDefaults = map[string]ModelLimit{
	"gemini-1.5-pro": {
		RPM: 360, RPD: 28800, TPMInput: 4_000_000, TPDInput: 300_000_000,
		InputTokenLimit: 2_097_152, OutputTokenLimit: 8192,
	},
	"gemini-1.5-flash": {
		RPM: 1000, RPD: 1_500_000, TPMInput: 4_000_000, TPDInput: 1_000_000_000,
		InputTokenLimit: 1_048_576, OutputTokenLimit: 8192,
	},
	"gemini-2.0-flash": {
		RPM: 2000, RPD: 3_000_000, TPMInput: 4_000_000, TPDInput: 3_000_000_000,
		InputTokenLimit: 1_048_576, OutputTokenLimit: 8192,
	},
}

// Registry answers lookup(model_id) → ModelLimit | missing, hot-reloadable
// from a YAML file without a restart.
type Registry struct {
	mu     sync.RWMutex
	limits map[string]ModelLimit

	fallbackInputTokenLimit int

	path    string
	watcher *fsnotify.Watcher
}

// NewRegistry builds a Registry seeded with the compiled-in defaults, then
// overlays path's contents if it exists. fallbackInputTokenLimit is used
// by callers whose model is entirely unknown.
func NewRegistry(path string, fallbackInputTokenLimit int) *Registry {
	r := &Registry{
		limits:                  cloneDefaults(),
		fallbackInputTokenLimit: fallbackInputTokenLimit,
		path:                    path,
	}
	if path != "" {
		if err := r.loadFromFile(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("limits: failed to load model limits file, using built-in defaults")
		}
	}
	return r
}

func cloneDefaults() map[string]ModelLimit {
	m := make(map[string]ModelLimit, len(builtinDefaults))
	for k, v := range builtinDefaults {
		m[k] = v
	}
	return m
}

func (r *Registry) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file map[string]ModelLimit
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for model, limit := range file {
		r.limits[model] = limit
	}
	return nil
}

// Lookup returns the limit for model_id, or ok=false if the model is
// entirely unrecognized (callers should pass through untracked and log a
// warning, per spec).
func (r *Registry) Lookup(modelID string) (ModelLimit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limits[modelID]
	return l, ok
}

// KnownModelIDs returns every model id currently in the table, used as the
// static fallback list for GET /v1/models when no key can be probed live.
func (r *Registry) KnownModelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.limits))
	for id := range r.limits {
		ids = append(ids, id)
	}
	return ids
}

// FallbackInputTokenLimit is used for context truncation when a model is
// unrecognized by the registry.
func (r *Registry) FallbackInputTokenLimit() int {
	return r.fallbackInputTokenLimit
}

// Watch starts an fsnotify watch on the backing file, reloading on write.
// A no-op when the Registry was built with an empty path.
func (r *Registry) Watch() error {
	if r.path == "" || r.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.path); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.loadFromFile(r.path); err != nil {
					log.WithError(err).Warn("limits: hot reload failed, keeping previous table")
				} else {
					log.Info("limits: model limits table reloaded")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("limits: watcher error")
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if any.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
