package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a setting value that was encrypted by a SecretsManager
const SealedPrefix = "sealed:v1:"

// SecretsManager encrypts and decrypts sensitive setting values
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a new secrets manager with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretsManager{
		encryptionKey: key,
	}, nil
}

// NewSecretsManagerFromPassword creates a secrets manager using a passphrase
// The passphrase is hashed with SHA-256 to derive the encryption key
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

func (sm *SecretsManager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptSecret encrypts plaintext data using AES-256-GCM
// Returns encrypted data with nonce prepended
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	gcm, err := sm.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSecret decrypts data encrypted with EncryptSecret
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	gcm, err := sm.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// SealString encrypts a setting value into its printable stored form.
// Empty and already sealed values are returned unchanged.
func (sm *SecretsManager) SealString(value string) (string, error) {
	if value == "" || IsSealed(value) {
		return value, nil
	}

	encrypted, err := sm.EncryptSecret([]byte(value))
	if err != nil {
		return "", fmt.Errorf("failed to seal value: %w", err)
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(encrypted), nil
}

// OpenString reverses SealString. Values without the sealed prefix are
// plain text written before sealing was enabled and pass through.
func (sm *SecretsManager) OpenString(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}

	plaintext, err := sm.DecryptSecret(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsSealed reports whether a stored value carries the sealed prefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// IsSensitiveKey reports whether a setting key names a credential that
// should be sealed at rest
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"secret", "password", "pass", "token", "api_key", "apikey", "webhook"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
