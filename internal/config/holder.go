package config

import "sync"

// Holder wraps a Config for safe concurrent access with reload support.
// Reload re-runs the full hierarchy from the original YAML path; a reload
// that fails validation keeps the previous config.
type Holder struct {
	mu       sync.RWMutex
	cfg      *Config
	yamlPath string
}

// NewHolder wraps cfg, remembering yamlPath for reloads.
func NewHolder(cfg *Config, yamlPath string) *Holder {
	return &Holder{cfg: cfg, yamlPath: yamlPath}
}

// Get returns the current config snapshot.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload re-reads the YAML file and environment. On any error the
// previously held config stays in effect.
func (h *Holder) Reload() error {
	cfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}
