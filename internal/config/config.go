// Package config loads tusq's TOML configuration file and exposes it
// behind a handle that supports atomic, concurrent-safe replacement on
// reload.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Config is the top-level tusq configuration.
type Config struct {
	BindAddress  string                    `toml:"bind_address"`
	AdminAddress string                    `toml:"admin_address"`
	Databases    map[string]DatabaseConfig `toml:"databases"`
}

// DatabaseConfig describes one upstream database, keyed by its alias in
// Config.Databases. The alias is what a client names in its StartupMessage
// "database" parameter; Host/Port/DBName/User name the real upstream.
type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	DBName   string `toml:"dbname"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	PoolSize int    `toml:"pool_size"`

	// MinPoolSize pre-warms this many idle authenticated connections at
	// pool construction. Zero (the default) disables warm-up entirely.
	MinPoolSize int `toml:"min_pool_size"`
}

// Redacted returns a copy of c with its password masked, suitable for
// logging or the admin API.
func (c DatabaseConfig) Redacted() DatabaseConfig {
	d := c
	if d.Password != "" {
		d.Password = "***REDACTED***"
	}
	return d
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a TOML config file at path, substituting
// ${VAR_NAME} environment references before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:6432"
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = "127.0.0.1:9090"
	}
	for alias, db := range cfg.Databases {
		if db.Port == "" {
			db.Port = "5432"
		}
		if db.PoolSize == 0 {
			db.PoolSize = 25
		}
		cfg.Databases[alias] = db
	}
}

func validate(cfg *Config) error {
	for alias, db := range cfg.Databases {
		if db.Host == "" {
			return fmt.Errorf("database %q: host is required", alias)
		}
		if db.DBName == "" {
			return fmt.Errorf("database %q: dbname is required", alias)
		}
		if db.User == "" {
			return fmt.Errorf("database %q: user is required", alias)
		}
	}
	return nil
}

// Handle holds the live configuration behind an atomic pointer so readers
// never block on a reload and a reload never blocks on a reader. Swap is
// the single writer operation; Load is the many-reader operation.
type Handle struct {
	v atomic.Pointer[Config]
}

// NewHandle wraps an already-loaded Config in a Handle.
func NewHandle(cfg *Config) *Handle {
	h := &Handle{}
	h.v.Store(cfg)
	return h
}

// Load returns the current configuration snapshot.
func (h *Handle) Load() *Config {
	return h.v.Load()
}

// Swap atomically replaces the configuration snapshot.
func (h *Handle) Swap(cfg *Config) {
	h.v.Store(cfg)
}

// Watcher watches a config file for changes — via fsnotify or an explicit
// Reload call (wired to SIGHUP at the process layer) — and re-Loads the
// file, swapping it into a Handle on success. A failed reload is logged
// and does not change the live configuration.
type Watcher struct {
	path    string
	handle  *Handle
	onSwap  func(*Config)
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewWatcher starts watching path for changes, swapping reloaded
// configuration into handle. onSwap, if non-nil, is called after each
// successful reload.
func NewWatcher(path string, handle *Handle, onSwap func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	w := &Watcher{
		path:   path,
		handle: handle,
		onSwap: onSwap,
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, w.Reload)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-w.stopCh:
			return
		}
	}
}

// Reload re-reads the config file and, on success, swaps it into the
// handle. It is safe to call concurrently (e.g. from both the fsnotify
// callback and a SIGHUP handler); reloads are serialized.
func (w *Watcher) Reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed", "path", w.path, "err", err)
		return
	}
	w.handle.Swap(cfg)
	slog.Info("configuration reloaded", "path", w.path)
	if w.onSwap != nil {
		w.onSwap(cfg)
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	return w.fsw.Close()
}
