package initialization

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const encryptionSecretBytes = 32

// GeneratedKeys holds fresh secrets. APIPublicKey goes into
// ISSUEBRIDGE_API_PUBLIC_KEYS, the private key stays with the application that
// signs requests.
type GeneratedKeys struct {
	EncryptionSecret string
	APIPublicKey     string
	APIPrivateKey    string
}

// GenerateEncryptionSecret returns a random secret for credential encryption.
func GenerateEncryptionSecret() (string, error) {
	secret := make([]byte, encryptionSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate encryption secret: %w", err)
	}

	return base64.StdEncoding.EncodeToString(secret), nil
}

func GenerateAPIKeyPair() (privateKeyBase64, publicKeyBase64 string, err error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate Ed25519 keys: %w", err)
	}

	return base64.StdEncoding.EncodeToString(privateKey), base64.StdEncoding.EncodeToString(publicKey), nil
}

func GenerateAllKeys() (GeneratedKeys, error) {
	var keys GeneratedKeys

	secret, err := GenerateEncryptionSecret()
	if err != nil {
		return keys, err
	}

	private, public, err := GenerateAPIKeyPair()
	if err != nil {
		return keys, err
	}

	keys.EncryptionSecret = secret
	keys.APIPrivateKey = private
	keys.APIPublicKey = public

	return keys, nil
}
