package storage

import (
	"fmt"

	"github.com/cuemby/sdmgr/pkg/security"
)

// SealedStore wraps a Store and encrypts sensitive setting values at rest.
// Every other record passes through unchanged.
type SealedStore struct {
	Store
	secrets *security.SecretsManager
}

// NewSealedStore creates a sealing decorator around an existing store
func NewSealedStore(inner Store, secrets *security.SecretsManager) *SealedStore {
	return &SealedStore{Store: inner, secrets: secrets}
}

// SetSetting seals the value when the key names a credential
func (s *SealedStore) SetSetting(configID, key, value string) error {
	if security.IsSensitiveKey(key) {
		sealed, err := s.secrets.SealString(value)
		if err != nil {
			return fmt.Errorf("failed to seal setting %s/%s: %w", configID, key, err)
		}
		value = sealed
	}
	return s.Store.SetSetting(configID, key, value)
}

// GetSettings opens any sealed values before returning them
func (s *SealedStore) GetSettings(configID string) (map[string]string, error) {
	settings, err := s.Store.GetSettings(configID)
	if err != nil {
		return nil, err
	}
	for key, value := range settings {
		opened, err := s.secrets.OpenString(value)
		if err != nil {
			return nil, fmt.Errorf("failed to open setting %s/%s: %w", configID, key, err)
		}
		settings[key] = opened
	}
	return settings, nil
}
