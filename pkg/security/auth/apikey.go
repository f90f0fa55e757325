package auth

import (
	"sync"

	"mercator-hq/gatekeeper/pkg/config"
)

// APIKeyValidator validates API keys against a configured set of keys.
// The set can be swapped at runtime with Replace.
type APIKeyValidator struct {
	mu   sync.RWMutex
	keys map[string]*APIKeyInfo
}

// NewAPIKeyValidator creates a new API key validator with the given keys
func NewAPIKeyValidator(keys []*APIKeyInfo) *APIKeyValidator {
	return &APIKeyValidator{keys: index(keys)}
}

// KeysFromConfig converts the configured client keys.
func KeysFromConfig(cfgs []config.APIKeyConfig) []*APIKeyInfo {
	keys := make([]*APIKeyInfo, 0, len(cfgs))
	for _, c := range cfgs {
		keys = append(keys, &APIKeyInfo{
			Key:          c.Key,
			OrgID:        c.OrgID,
			UserID:       c.UserID,
			WalletFunded: c.WalletFunded,
			Enabled:      c.IsEnabled(),
		})
	}
	return keys
}

func index(keys []*APIKeyInfo) map[string]*APIKeyInfo {
	m := make(map[string]*APIKeyInfo, len(keys))
	for _, key := range keys {
		m[key.Key] = key
	}
	return m
}

// Validate checks if the given API key is valid and returns its info
func (v *APIKeyValidator) Validate(key string) (*APIKeyInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	info, ok := v.keys[key]
	if !ok {
		return nil, ErrInvalidKey
	}

	if !info.Enabled {
		return nil, ErrKeyDisabled
	}

	return info, nil
}

// List returns all configured API keys
func (v *APIKeyValidator) List() []*APIKeyInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := make([]*APIKeyInfo, 0, len(v.keys))
	for _, key := range v.keys {
		keys = append(keys, key)
	}
	return keys
}

// Replace swaps the whole key set, as on a configuration reload. Requests
// already authenticated keep the info they were given.
func (v *APIKeyValidator) Replace(keys []*APIKeyInfo) {
	m := index(keys)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = m
}
