// Package unlockcode issues and verifies the one-per-capsule secret phrases
// that unlock a capsule without an identity.
package unlockcode

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidCode is the single outcome for a wrong, expired, missing or
	// rate-limited phrase.
	ErrInvalidCode = errors.New("invalid unlock code")
	// ErrCodeNotFound is returned by repositories when a capsule has no code.
	ErrCodeNotFound = errors.New("unlock code not found")
)

// Phrase layout.
const (
	alphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	groups      = 5
	groupLength = 4
)

// Code is the persisted form of a phrase. The phrase itself is never stored.
type Code struct {
	CapsuleID string
	CodeHash  string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code is no longer usable at now.
func (c *Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Normalize upper-cases a phrase and removes whitespace.
func Normalize(phrase string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToUpper(phrase))
}

// HashPhrase returns the hex SHA-256 of the normalized phrase.
func HashPhrase(phrase string) string {
	sum := sha256.Sum256([]byte(Normalize(phrase)))
	return hex.EncodeToString(sum[:])
}

// format renders key material as space-separated groups. len(alphabet) divides
// 256, so the mapping is unbiased.
func format(material []byte) string {
	var b strings.Builder
	for i := 0; i < groups*groupLength; i++ {
		if i > 0 && i%groupLength == 0 {
			b.WriteByte(' ')
		}
		b.WriteByte(alphabet[int(material[i])%len(alphabet)])
	}
	return b.String()
}
