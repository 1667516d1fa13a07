// Package fingerprint derives short content-addressed version tokens.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	tokenPrefix    = "sha256:"
	digestHexChars = 16
)

// ErrInvalidToken indicates that a value does not have the "sha256:<16 hex>" shape.
var ErrInvalidToken = errors.New("fingerprint: invalid token")

// Token is a version fingerprint of the form "sha256:" followed by 16 lowercase hex characters.
type Token string

// Of returns the fingerprint of the provided bytes.
func Of(content []byte) Token {
	sum := sha256.Sum256(content)
	return Token(tokenPrefix + hex.EncodeToString(sum[:])[:digestHexChars])
}

// OfFields fingerprints a composite value. Each field is length-prefixed so that
// ("ab", "c") and ("a", "bc") never collide; field order is the caller's concern.
func OfFields(fields ...string) Token {
	hasher := sha256.New()
	var lengthPrefix [8]byte
	for _, field := range fields {
		binary.BigEndian.PutUint64(lengthPrefix[:], uint64(len(field)))
		hasher.Write(lengthPrefix[:])
		hasher.Write([]byte(field))
	}
	sum := hasher.Sum(nil)
	return Token(tokenPrefix + hex.EncodeToString(sum)[:digestHexChars])
}

// ParseToken validates raw input and returns a Token.
func ParseToken(rawInput string) (Token, error) {
	trimmed := strings.TrimSpace(rawInput)
	if err := checkShape(trimmed); err != nil {
		return "", err
	}
	return Token(trimmed), nil
}

// Valid reports whether the token has the "sha256:<16 hex>" shape. The zero token is not valid.
func (t Token) Valid() bool {
	return checkShape(string(t)) == nil
}

func checkShape(trimmed string) error {
	if !strings.HasPrefix(trimmed, tokenPrefix) {
		return fmt.Errorf("%w: missing %q prefix", ErrInvalidToken, tokenPrefix)
	}
	digest := strings.TrimPrefix(trimmed, tokenPrefix)
	if len(digest) != digestHexChars {
		return fmt.Errorf("%w: digest must be %d characters", ErrInvalidToken, digestHexChars)
	}
	for _, r := range digest {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return fmt.Errorf("%w: digest is not lowercase hex", ErrInvalidToken)
		}
	}
	return nil
}

// String returns the token text.
func (t Token) String() string {
	return string(t)
}

// IsZero reports whether the token is empty, meaning the artifact does not exist yet.
func (t Token) IsZero() bool {
	return t == ""
}
