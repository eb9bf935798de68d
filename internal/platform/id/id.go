// Package id generates collision-resistant identifiers.
//
// NewID produces UUIDv4 entropy rendered as lowercase unpadded base32, which
// keeps identifiers URL-safe and case-insensitive. NewShortID produces the
// compact 8-character identifiers used for rooms, channels, and events, where
// readability in logs matters more than global uniqueness.
package id

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID generates a 26-character lowercase base32 identifier backed by
// UUIDv4 random bytes.
func NewID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random id bytes: %w", err)
	}
	b[6] = (b[6] & 0x0F) | 0x40
	b[8] = (b[8] & 0x3F) | 0x80
	return strings.ToLower(encoding.EncodeToString(b[:])), nil
}

// NewShortID generates an 8-character hexadecimal identifier.
func NewShortID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random id bytes: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
