package application

import (
	"sync"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
)

// SettingsProvider enables runtime hot-swap of the expiry settings. Config
// reloads call Replace; the expiry scheduler listens on Changed to reschedule
// without a restart.
type SettingsProvider struct {
	mu       sync.RWMutex
	settings model.ExpirySettings
	changed  chan struct{}
}

// NewSettingsProvider creates a provider holding the initial settings.
func NewSettingsProvider(initial model.ExpirySettings) *SettingsProvider {
	return &SettingsProvider{
		settings: initial,
		changed:  make(chan struct{}, 1),
	}
}

// Get returns the current settings.
func (p *SettingsProvider) Get() model.ExpirySettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Replace swaps in new settings and signals Changed. Consecutive replacements
// that happen before the listener wakes up coalesce into one signal.
func (p *SettingsProvider) Replace(settings model.ExpirySettings) {
	p.mu.Lock()
	p.settings = settings
	p.mu.Unlock()

	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// Changed delivers a value after each Replace. It has a single consumer.
func (p *SettingsProvider) Changed() <-chan struct{} {
	return p.changed
}
