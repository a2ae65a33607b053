// Package auth checks the moderator credential presented on administrative
// endpoints.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 210000
	hashSaltLength = 16
	hashKeyLength  = 32
	hashPrefix     = "pbkdf2$"
)

// ErrInvalidHash is returned by NewAdmin for a malformed pbkdf2 secret.
var ErrInvalidHash = errors.New("auth: invalid secret hash")

// Admin authenticates moderators against a single shared secret. The secret
// is either stored in plain text or as a pbkdf2 hash produced by HashSecret.
type Admin struct {
	plain []byte
	hash  *secretHash
}

type secretHash struct {
	iterations int
	salt       []byte
	key        []byte
}

// NewAdmin builds an authenticator. An empty secret rejects every request.
func NewAdmin(secret string) (*Admin, error) {
	secret = strings.TrimSpace(secret)
	if !strings.HasPrefix(secret, hashPrefix) {
		return &Admin{plain: []byte(secret)}, nil
	}
	parsed, err := parseHash(secret)
	if err != nil {
		return nil, err
	}
	return &Admin{hash: parsed}, nil
}

// Enabled reports whether a secret is configured.
func (a *Admin) Enabled() bool {
	return a != nil && (len(a.plain) > 0 || a.hash != nil)
}

// Authenticate compares candidate with the configured secret in constant time.
func (a *Admin) Authenticate(candidate string) bool {
	if !a.Enabled() || candidate == "" {
		return false
	}
	if a.hash != nil {
		derived := pbkdf2.Key([]byte(candidate), a.hash.salt, a.hash.iterations, len(a.hash.key), sha256.New)
		return subtle.ConstantTimeCompare(derived, a.hash.key) == 1
	}
	return subtle.ConstantTimeCompare([]byte(candidate), a.plain) == 1
}

// AuthenticateRequest reads the Authorization header, accepting either the
// bare secret or a Bearer token.
func (a *Admin) AuthenticateRequest(r *http.Request) bool {
	return a.Authenticate(CredentialFromHeader(r.Header.Get("Authorization")))
}

// CredentialFromHeader strips an optional "Bearer " scheme.
func CredentialFromHeader(value string) string {
	value = strings.TrimSpace(value)
	if scheme, rest, ok := strings.Cut(value, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest)
	}
	return value
}

// HashSecret derives a storable pbkdf2 hash for secret.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("auth: secret is required")
	}
	salt := make([]byte, hashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, hashIterations, hashKeyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		hashIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived)), nil
}

func parseHash(encoded string) (*secretHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields", ErrInvalidHash)
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return nil, fmt.Errorf("%w: unsupported identifier %s$%s", ErrInvalidHash, parts[0], parts[1])
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("%w: invalid iteration count", ErrInvalidHash)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: decode salt: %v", ErrInvalidHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("%w: decode key", ErrInvalidHash)
	}
	return &secretHash{iterations: iterations, salt: salt, key: key}, nil
}
