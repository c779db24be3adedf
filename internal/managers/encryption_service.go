package managers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	encryptionSalt = "issuebridge-credentials"
	encryptionInfo = "credential-encryption-key"

	minEncryptionSecretLength = 16
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// EncryptionKey is the derived XChaCha20-Poly1305 key for credentials at
// rest. It is passed explicitly to every encrypt and decrypt call.
type EncryptionKey []byte

// NewEncryptionKey derives the credential key from the configured secret.
func NewEncryptionKey(secret string) (EncryptionKey, error) {
	if len(secret) < minEncryptionSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters", minEncryptionSecretLength)
	}

	reader := hkdf.New(sha256.New, []byte(secret), []byte(encryptionSalt), []byte(encryptionInfo))
	key := make([]byte, chacha20poly1305.KeySize)

	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return EncryptionKey(key), nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func Encrypt(key EncryptionKey, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

func Decrypt(key EncryptionKey, encoded string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding: %v", ErrInvalidCiphertext, err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func EncryptString(key EncryptionKey, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return Encrypt(key, []byte(plaintext))
}

// DecryptString is the inverse of EncryptString; empty input stays empty.
func DecryptString(key EncryptionKey, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	plaintext, err := Decrypt(key, encoded)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

const encryptedCredentialsKey = "encrypted"

// EncryptCredentials stores a credential object as {"encrypted": "..."}.
func EncryptCredentials(key EncryptionKey, credentials map[string]any) (json.RawMessage, error) {
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	encrypted, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{encryptedCredentialsKey: encrypted})
}

// DecryptCredentials accepts both plain credential objects and the
// {"encrypted": "..."} form.
func DecryptCredentials(key EncryptionKey, raw json.RawMessage) (map[string]any, error) {
	var credentials map[string]any
	if err := json.Unmarshal(raw, &credentials); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	encrypted, ok := credentials[encryptedCredentialsKey].(string)
	if !ok || len(credentials) != 1 {
		return credentials, nil
	}

	plaintext, err := Decrypt(key, encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var decrypted map[string]any
	if err := json.Unmarshal(plaintext, &decrypted); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted credentials: %w", err)
	}

	return decrypted, nil
}
