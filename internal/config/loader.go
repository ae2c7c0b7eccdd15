package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Manager owns the process Config and watches its source file for changes,
// the way the teacher's config_loader.go watches config.yaml: a change
// reloads the whole Config and hands it to OnReload callbacks; it takes
// effect only in components that read Current() or register a callback.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string

	watcher   *fsnotify.Watcher
	onReload  []func(*Config)
	closeOnce sync.Once
}

// Load reads path (if non-empty) over Defaults(), applies environment
// overrides, and returns the resolved Manager. A missing path is not an
// error: the proxy runs on defaults plus environment variables alone.
func Load(path string) (*Manager, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	return &Manager{cfg: cfg, path: path}, nil
}

// Current returns the live Config snapshot. Callers must not mutate the
// returned pointer's fields directly; treat it as read-only.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnReload registers a callback invoked after every successful hot reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Watch starts an fsnotify watch on the backing file, reloading on write
// events. It is a no-op when the Manager was constructed with an empty
// path. Safe to call once; subsequent calls return nil immediately.
func (m *Manager) Watch() error {
	if m.path == "" || m.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(m.path); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", m.path, err)
	}
	m.watcher = w

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
				if err := m.reload(); err != nil {
					log.WithError(err).Warn("config: reload failed, keeping previous settings")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config: watcher error")
			}
		}
	}()
	return nil
}

func (m *Manager) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	next := Defaults()
	if err := yaml.Unmarshal(data, next); err != nil {
		return err
	}
	applyEnvOverrides(next)

	m.mu.Lock()
	m.cfg = next
	callbacks := append([]func(*Config){}, m.onReload...)
	m.mu.Unlock()

	log.Info("config: reloaded from disk")
	for _, cb := range callbacks {
		cb(next)
	}
	return nil
}

// Close stops the underlying file watcher, if any.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.watcher != nil {
			err = m.watcher.Close()
		}
	})
	return err
}

// applyEnvOverrides mirrors the teacher's config_env.go: a small, explicit
// set of AIKEYPROXY_* variables override the corresponding YAML field,
// always taking precedence since they're meant for container deployment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AIKEYPROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("AIKEYPROXY_CREDENTIALS"); v != "" {
		cfg.Auth.Credentials = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("AIKEYPROXY_ADMIN_CREDENTIAL"); v != "" {
		cfg.Auth.AdminCredential = v
	}
	if v := os.Getenv("AIKEYPROXY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AIKEYPROXY_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("AIKEYPROXY_CONTEXT_DB_DSN"); v != "" {
		cfg.Context.DBDSN = v
	}
	if v := os.Getenv("AIKEYPROXY_CONTEXT_STORAGE_MODE"); v != "" {
		cfg.Context.StorageMode = v
	}
	if v := os.Getenv("AIKEYPROXY_CACHE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("AIKEYPROXY_KEYPOOL_STORAGE_MODE"); v != "" {
		cfg.KeyPool.StorageMode = v
	}
	if v := os.Getenv("AIKEYPROXY_KEYPOOL_MONGO_URI"); v != "" {
		cfg.KeyPool.MongoURI = v
	}
	if v := os.Getenv("AIKEYPROXY_DEBUG"); v != "" {
		cfg.Logging.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("AIKEYPROXY_LOG_FILE"); v != "" {
		cfg.Logging.LogFile = v
	}
	if v := os.Getenv("AIKEYPROXY_LIMITS_FILE"); v != "" {
		cfg.LimitsFile = v
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
