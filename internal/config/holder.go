package config

import "sync"

// Holder owns the config currently in effect for a long-running coordinator
// and the file it came from. Reloads go through Apply, so a rejected config
// never becomes current and each reload is compared against the last one
// that took effect rather than the startup config.
type Holder struct {
	mu         sync.Mutex
	cfg        *Config
	generation uint64
	path       string // immutable after construction
}

// NewHolder creates a Holder for the startup config and its file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Config returns the config in effect.
func (h *Holder) Config() *Config {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Generation counts the reloads that took effect; the startup config is 0.
func (h *Holder) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.generation
}

// Apply hands the config in effect and next to apply. next becomes current
// only if apply returns nil. Calls are serialized, so apply always sees the
// result of the previous successful reload.
func (h *Holder) Apply(next *Config, apply func(prev, next *Config) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if apply != nil {
		if err := apply(h.cfg, next); err != nil {
			return err
		}
	}

	h.cfg = next
	h.generation++

	return nil
}

// RestartOnly names the sections that differ between prev and next but are
// read only at startup: the listener, the provider account, the session
// cache, storage and metrics export.
func RestartOnly(prev, next *Config) []string {
	var changed []string

	if prev.Server != next.Server {
		changed = append(changed, "server")
	}

	if prev.Provider != next.Provider {
		changed = append(changed, "provider")
	}

	if prev.Session != next.Session {
		changed = append(changed, "session")
	}

	if prev.Storage != next.Storage {
		changed = append(changed, "storage")
	}

	if prev.Metrics != next.Metrics {
		changed = append(changed, "metrics")
	}

	return changed
}
