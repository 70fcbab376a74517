// Package auth maps client API keys to the users they belong to. Only
// SHA-256 hashes of keys are ever held.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidKey is returned for a key that matches no configured hash.
var ErrInvalidKey = errors.New("invalid API key")

// Key is one accepted client key.
type Key struct {
	KeyHash     string
	UserID      string
	Description string
}

// Principal is the caller a key authenticates.
type Principal struct {
	UserID      string
	Description string
}

// Authenticator validates API keys and resolves the calling user.
type Authenticator struct {
	keys map[string]Key // keyhash -> key
}

// NewAuthenticator creates an authenticator over keys.
func NewAuthenticator(keys []Key) *Authenticator {
	a := &Authenticator{keys: make(map[string]Key, len(keys))}
	for _, k := range keys {
		a.keys[strings.ToLower(k.KeyHash)] = k
	}
	return a
}

// Len reports how many keys are configured.
func (a *Authenticator) Len() int {
	return len(a.keys)
}

// ValidateAPIKey returns the principal for apiKey.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Principal, error) {
	keyHash := HashAPIKey(apiKey)

	k, ok := a.keys[keyHash]
	if !ok {
		return nil, ErrInvalidKey
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(strings.ToLower(k.KeyHash))) != 1 {
		return nil, ErrInvalidKey
	}
	return &Principal{UserID: k.UserID, Description: k.Description}, nil
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return parts[1], nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
