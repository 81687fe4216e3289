package config

import (
	"log"
	"os"
	"sync"
)

// Manager owns the live configuration. Reads return a copy so callers on
// other goroutines never observe a partially applied update; writes go
// through Update, which persists the file and notifies subscribers.
type Manager struct {
	log  *log.Logger
	path string

	mu    sync.Mutex
	cfg   *Config
	saved []func(*Config)
}

func NewManager(path string, logger *log.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = Defaults()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		logger.Printf("created default configuration at %s", path)
	} else if err != nil {
		return nil, err
	}
	return &Manager{log: logger, path: path, cfg: cfg}, nil
}

func (m *Manager) Config() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.clone()
}

func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Mode
}

// Update applies fn to the configuration, saves it, and invokes the saved
// hooks. Hooks run outside the lock.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	fn(m.cfg)
	snapshot := m.cfg.clone()
	hooks := append(make([]func(*Config), 0, len(m.saved)), m.saved...)
	m.mu.Unlock()

	if err := Save(m.path, snapshot); err != nil {
		return err
	}
	for _, hook := range hooks {
		hook(snapshot)
	}
	return nil
}

// OnSaved registers fn to run after every successful Update.
func (m *Manager) OnSaved(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, fn)
}
