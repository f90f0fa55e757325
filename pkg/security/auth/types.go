package auth

import "errors"

var (
	// ErrMissingKey is returned when no configured source carries a key.
	ErrMissingKey = errors.New("no API key found")

	// ErrInvalidKey is returned for an unknown key.
	ErrInvalidKey = errors.New("invalid API key")

	// ErrKeyDisabled is returned for a known key that is switched off.
	ErrKeyDisabled = errors.New("API key disabled")
)

// APIKeyInfo represents a client API key and the organization it bills to.
type APIKeyInfo struct {
	Key    string
	OrgID  string
	UserID string

	// WalletFunded marks the key's requests as paid from the org wallet.
	WalletFunded bool

	Enabled bool
}

// APIKeyStore stores and validates API keys
type APIKeyStore interface {
	Validate(key string) (*APIKeyInfo, error)
	List() []*APIKeyInfo
}
