package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-API-Signature"
	HeaderTimestamp = "X-API-Timestamp"

	signaturePrefix = "ed25519="

	// DefaultSignatureWindow is how far a request timestamp may drift from
	// the server clock.
	DefaultSignatureWindow = 5 * time.Minute
)

var ErrInvalidSignature = errors.New("invalid API signature")

func canonicalRequest(method, path, timestamp string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s\n%s\n\n%s\nsha256:%x", method, path, timestamp, bodyHash))
}

// APIRequestSigner signs requests made by the host application.
type APIRequestSigner struct {
	privateKey ed25519.PrivateKey
	now        func() time.Time
}

func NewAPIRequestSigner(privateKeyBase64 string) (*APIRequestSigner, error) {
	privateKeyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	if len(privateKeyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: expected %d, got %d", ed25519.PrivateKeySize, len(privateKeyBytes))
	}

	return &APIRequestSigner{
		privateKey: ed25519.PrivateKey(privateKeyBytes),
		now:        time.Now,
	}, nil
}

// SignRequest returns the signature headers for a request.
func (s *APIRequestSigner) SignRequest(method, path string, body []byte) map[string]string {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	signature := ed25519.Sign(s.privateKey, canonicalRequest(method, path, timestamp, body))

	return map[string]string{
		HeaderSignature: signaturePrefix + base64.StdEncoding.EncodeToString(signature),
		HeaderTimestamp: timestamp,
	}
}

type VerifierOptions struct {
	Window time.Duration
	Now    func() time.Time
}

// APISignatureVerifier accepts a request signed by any of its public keys,
// so keys can be rotated without downtime.
type APISignatureVerifier struct {
	publicKeys []ed25519.PublicKey
	window     time.Duration
	now        func() time.Time
}

func NewAPISignatureVerifier(publicKeysBase64 []string, opts VerifierOptions) (*APISignatureVerifier, error) {
	if len(publicKeysBase64) == 0 {
		return nil, errors.New("at least one API public key is required")
	}

	publicKeys := make([]ed25519.PublicKey, 0, len(publicKeysBase64))
	for _, encoded := range publicKeysBase64 {
		publicKeyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key: %w", err)
		}

		if len(publicKeyBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
		}

		publicKeys = append(publicKeys, ed25519.PublicKey(publicKeyBytes))
	}

	window := opts.Window
	if window <= 0 {
		window = DefaultSignatureWindow
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &APISignatureVerifier{
		publicKeys: publicKeys,
		window:     window,
		now:        now,
	}, nil
}

func (v *APISignatureVerifier) VerifyRequest(method, path, signatureHeader, timestampHeader string, body []byte) error {
	encoded, ok := strings.CutPrefix(signatureHeader, signaturePrefix)
	if !ok || encoded == "" {
		return fmt.Errorf("%w: unsupported signature format", ErrInvalidSignature)
	}

	signature, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: failed to decode signature: %v", ErrInvalidSignature, err)
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrInvalidSignature)
	}

	drift := v.now().Sub(time.Unix(timestamp, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.window {
		return fmt.Errorf("%w: timestamp outside allowed window", ErrInvalidSignature)
	}

	message := canonicalRequest(method, path, timestampHeader, body)
	for _, publicKey := range v.publicKeys {
		if ed25519.Verify(publicKey, message, signature) {
			return nil
		}
	}

	return fmt.Errorf("%w: signature verification failed", ErrInvalidSignature)
}
