// Package secrets provides authenticated encryption for credential
// material persisted by the state store. Keys are derived from a
// machine-local passphrase generated on first use.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of the encryption key (32 bytes for NaCl secretbox)
	KeySize = 32
	// NonceSize is the size of the nonce (24 bytes for NaCl secretbox)
	NonceSize = 24
)

// Keychain holds the derived encryption key for one store instance.
type Keychain struct {
	key [KeySize]byte
}

// OpenKeychain loads the passphrase from passphraseFile, generating and
// persisting a fresh one (0600) when the file does not exist, and derives
// the encryption key from it.
func OpenKeychain(passphraseFile string) (*Keychain, error) {
	passphrase, err := loadOrGeneratePassphrase(passphraseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load passphrase: %w", err)
	}

	return &Keychain{key: DeriveKey(passphrase)}, nil
}

// Encrypt seals plaintext with the keychain's key.
func (k *Keychain) Encrypt(plaintext []byte) ([]byte, error) {
	return Encrypt(plaintext, &k.key)
}

// Decrypt opens data sealed by Encrypt.
func (k *Keychain) Decrypt(encrypted []byte) ([]byte, error) {
	return Decrypt(encrypted, &k.key)
}

// DeriveKey derives a 32-byte key from a passphrase using SHA-256
func DeriveKey(passphrase string) [KeySize]byte {
	return sha256.Sum256([]byte(passphrase))
}

// Encrypt encrypts data using NaCl secretbox (authenticated encryption).
// Returns nonce + ciphertext with the nonce prepended.
func Encrypt(plaintext []byte, key *[KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Decrypt decrypts data encrypted with Encrypt.
// Input: nonce + ciphertext (nonce must be prepended).
func Decrypt(encrypted []byte, key *[KeySize]byte) ([]byte, error) {
	if len(encrypted) < NonceSize {
		return nil, fmt.Errorf("encrypted data too short (minimum %d bytes)", NonceSize)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], encrypted[:NonceSize])

	decrypted, ok := secretbox.Open(nil, encrypted[NonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("decryption failed (wrong key or corrupted data)")
	}

	return decrypted, nil
}

// loadOrGeneratePassphrase loads passphrase from file or generates a new one
func loadOrGeneratePassphrase(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is from config
	if err == nil {
		return string(data), nil
	}

	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read passphrase file: %w", err)
	}

	passphrase, err := generatePassphrase()
	if err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create passphrase directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(passphrase), 0o600); err != nil {
		return "", fmt.Errorf("failed to write passphrase: %w", err)
	}

	return passphrase, nil
}

// generatePassphrase generates a random 256-bit passphrase
func generatePassphrase() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", bytes), nil
}
