package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConfigChange records one field that differed between the old and new
// configuration.
type ConfigChange struct {
	Timestamp time.Time `json:"timestamp"`
	// Source is file, api or manual.
	Source   string `json:"source"`
	Path     string `json:"path"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// ReloadCallback runs after a new configuration is applied.
type ReloadCallback func(oldConfig, newConfig *Config)

// HotReloadManager watches the config file and swaps in validated new
// configurations at runtime. Invalid files are rejected and the
// running config is kept; the previous config stays available for
// explicit rollback.
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	configPath string

	previousConfig *Config
	changeLog      []ConfigChange
	maxLogSize     int

	watcher   *FileWatcher
	callbacks []ReloadCallback
	logger    *zap.Logger

	running bool
	cancel  context.CancelFunc
}

// HotReloadOption configures the manager.
type HotReloadOption func(*HotReloadManager)

// WithReloadLogger sets the manager logger.
func WithReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) { m.logger = logger }
}

// WithReloadWatcher substitutes a preconfigured watcher.
func WithReloadWatcher(w *FileWatcher) HotReloadOption {
	return func(m *HotReloadManager) { m.watcher = w }
}

// NewHotReloadManager creates a manager around an already-loaded
// config and the file it came from.
func NewHotReloadManager(cfg *Config, configPath string, opts ...HotReloadOption) (*HotReloadManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("initial config is required")
	}
	m := &HotReloadManager{
		config:     cfg,
		configPath: configPath,
		maxLogSize: 100,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))

	if m.watcher == nil {
		w, err := NewFileWatcher([]string{configPath}, WithWatcherLogger(m.logger))
		if err != nil {
			return nil, err
		}
		m.watcher = w
	}
	return m, nil
}

// Config returns the active configuration.
func (m *HotReloadManager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnReload registers a callback invoked after each applied reload.
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start begins watching the config file.
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("hot reload already running")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.watcher.OnChange(func(event FileEvent) {
		if event.Op == FileOpRemove {
			m.logger.Warn("config file removed, keeping current config",
				zap.String("path", event.Path))
			return
		}
		if err := m.Reload(); err != nil {
			m.logger.Error("config reload rejected", zap.Error(err))
		}
	})
	return m.watcher.Start(ctx)
}

// Stop halts watching.
func (m *HotReloadManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
	m.watcher.Stop()
}

// Reload re-reads the config file and applies it if valid.
func (m *HotReloadManager) Reload() error {
	newCfg, err := NewLoader().WithConfigPath(m.configPath).Load()
	if err != nil {
		return err
	}
	return m.apply(newCfg, "file")
}

// Apply swaps in an externally built configuration after validation.
func (m *HotReloadManager) Apply(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.apply(cfg, "api")
}

// Rollback restores the previously applied configuration.
func (m *HotReloadManager) Rollback() error {
	m.mu.Lock()
	prev := m.previousConfig
	m.mu.Unlock()
	if prev == nil {
		return fmt.Errorf("no previous config to roll back to")
	}
	return m.apply(prev, "rollback")
}

// Changes returns the applied change log, newest last.
func (m *HotReloadManager) Changes() []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigChange(nil), m.changeLog...)
}

func (m *HotReloadManager) apply(newCfg *Config, source string) error {
	m.mu.Lock()
	oldCfg := m.config

	changes := diffConfigs(oldCfg, newCfg, source)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil
	}

	m.previousConfig = oldCfg
	m.config = newCfg
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > m.maxLogSize {
		m.changeLog = m.changeLog[len(m.changeLog)-m.maxLogSize:]
	}
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, change := range changes {
		m.logger.Info("config changed",
			zap.String("source", source),
			zap.String("path", change.Path),
			zap.Any("old", change.OldValue),
			zap.Any("new", change.NewValue))
	}
	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
	return nil
}

// diffConfigs walks both configs and records leaf fields that differ,
// addressed by their dotted yaml path. Sensitive fields are redacted.
func diffConfigs(oldCfg, newCfg *Config, source string) []ConfigChange {
	var changes []ConfigChange
	now := time.Now()
	diffValues(reflect.ValueOf(oldCfg).Elem(), reflect.ValueOf(newCfg).Elem(), "", func(path string, oldV, newV any) {
		if sensitivePath(path) {
			oldV, newV = "[redacted]", "[redacted]"
		}
		changes = append(changes, ConfigChange{
			Timestamp: now,
			Source:    source,
			Path:      path,
			OldValue:  oldV,
			NewValue:  newV,
		})
	})
	return changes
}

func diffValues(oldV, newV reflect.Value, prefix string, report func(path string, oldVal, newVal any)) {
	t := oldV.Type()
	for i := 0; i < oldV.NumField(); i++ {
		name := yamlName(t.Field(i))
		if name == "" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		of, nf := oldV.Field(i), newV.Field(i)
		if of.Kind() == reflect.Struct && of.Type() != reflect.TypeOf(time.Duration(0)) {
			diffValues(of, nf, path, report)
			continue
		}
		if !reflect.DeepEqual(of.Interface(), nf.Interface()) {
			report(path, of.Interface(), nf.Interface())
		}
	}
}

func sensitivePath(path string) bool {
	return strings.HasSuffix(path, ".password") || strings.HasSuffix(path, ".api_key")
}
