package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// Verifier accepts a fixed set of API keys. Only key hashes are kept.
type Verifier struct {
	hashes []string
}

// NewVerifier creates a verifier for keys. Empty keys are ignored.
func NewVerifier(keys ...string) *Verifier {
	v := &Verifier{}
	for _, k := range keys {
		if k != "" {
			v.hashes = append(v.hashes, HashAPIKey(k))
		}
	}
	return v
}

// Verify reports whether key is one of the accepted keys.
func (v *Verifier) Verify(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	hash := HashAPIKey(key)
	ok := 0
	for _, h := range v.hashes {
		ok |= subtle.ConstantTimeCompare([]byte(hash), []byte(h))
	}
	if ok != 1 {
		return ErrInvalidKey
	}
	return nil
}

// ExtractAPIKey returns the key from a Bearer Authorization header or, as
// Anthropic clients send it, the x-api-key header.
func ExtractAPIKey(r *http.Request) (string, error) {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}
	scheme, key, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || key == "" {
		return "", ErrInvalidKey
	}
	return key, nil
}

// HashAPIKey returns the hex SHA-256 of an API key.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
