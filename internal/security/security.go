// Package security provides credential encryption at rest.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// SaltSize is the size of the salt for key derivation.
	SaltSize = 16
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000

	sealedFileName = "credentials.enc"
)

// EncryptedCredentials is the on-disk sealed form.
type EncryptedCredentials struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Version    int    `json:"version"`
}

// PlainCredentials holds decrypted credential data.
type PlainCredentials struct {
	BybitAPIKey    string `json:"bybit_api_key"`
	BybitAPISecret string `json:"bybit_api_secret"`
	OpenAIAPIKey   string `json:"openai_api_key"`
}

// CredentialManager seals and opens the credentials file in a config directory.
type CredentialManager struct {
	configDir string
	mu        sync.Mutex
}

// NewCredentialManager creates a new credential manager.
func NewCredentialManager(configDir string) *CredentialManager {
	return &CredentialManager{configDir: configDir}
}

// Path returns the sealed credentials path.
func (cm *CredentialManager) Path() string {
	return filepath.Join(cm.configDir, sealedFileName)
}

// Exists reports whether a sealed credentials file is present.
func (cm *CredentialManager) Exists() bool {
	_, err := os.Stat(cm.Path())
	return err == nil
}

// Save encrypts creds with a key derived from masterPassword and writes them with 0600 permissions.
func (cm *CredentialManager) Save(masterPassword string, creds *PlainCredentials) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if masterPassword == "" {
		return fmt.Errorf("master password is required")
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("serializing credentials: %w", err)
	}

	nonce, ciphertext, err := encrypt(plaintext, deriveKey(masterPassword, salt))
	if err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}

	data, err := json.MarshalIndent(&EncryptedCredentials{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Version:    1,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing encrypted credentials: %w", err)
	}

	if err := os.MkdirAll(cm.configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(cm.Path(), data, 0600); err != nil {
		return fmt.Errorf("writing encrypted credentials: %w", err)
	}
	return nil
}

// Load decrypts the sealed credentials.
func (cm *CredentialManager) Load(masterPassword string) (*PlainCredentials, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := os.ReadFile(cm.Path())
	if err != nil {
		return nil, fmt.Errorf("reading encrypted credentials: %w", err)
	}

	encCreds := &EncryptedCredentials{}
	if err := json.Unmarshal(data, encCreds); err != nil {
		return nil, fmt.Errorf("parsing encrypted credentials: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(encCreds.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(encCreds.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encCreds.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := decrypt(ciphertext, deriveKey(masterPassword, salt), nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid master password or corrupted credentials: %w", err)
	}

	creds := &PlainCredentials{}
	if err := json.Unmarshal(plaintext, creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	return creds, nil
}

// deriveKey derives an encryption key from a password using PBKDF2.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
}

// encrypt encrypts plaintext using AES-256-GCM.
func encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// decrypt decrypts ciphertext using AES-256-GCM.
func decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}
