// Package token issues confirmation tokens that are safe to embed in a URL
// query string without escaping.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// ByteLength is the amount of entropy per token (256 bits).
const ByteLength = 32

// Generator produces confirmation tokens.
type Generator interface {
	Generate() (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func() (string, error)

func (f GeneratorFunc) Generate() (string, error) { return f() }

// Default draws tokens from crypto/rand.
var Default Generator = GeneratorFunc(Generate)

// Generate returns ByteLength random bytes encoded with the URL-safe base64
// alphabet and no padding.
func Generate() (string, error) {
	var buffer [ByteLength]byte
	if _, err := rand.Read(buffer[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer[:]), nil
}
