// Package identity creates and validates the per-process chat identity.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	minUserID = 10000
	maxUserID = 99999
)

var (
	ErrEmptyUsername = errors.New("username must not be empty")
	ErrInvalidUserID = errors.New("user id must be a 5-digit number between 10000 and 99999")
)

// Identity is the local peer's id and display name. The user id is a
// 5-digit decimal string; it is regenerated when the relay reports it as
// taken, the username is kept.
type Identity struct {
	UserID   string
	Username string
}

// New returns an Identity for username with a freshly generated user id.
func New(username string) (Identity, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: GenerateUserID(), Username: name}, nil
}

// Regenerate returns a copy of id with a new user id that differs from
// the current one.
func (id Identity) Regenerate() Identity {
	next := GenerateUserID()
	for next == id.UserID {
		next = GenerateUserID()
	}
	return Identity{UserID: next, Username: id.Username}
}

// GenerateUserID returns a random user id in [10000, 99999].
func GenerateUserID() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(maxUserID-minUserID+1))
	return fmt.Sprintf("%d", n.Int64()+minUserID)
}

// NormalizeUsername trims surrounding whitespace and rejects empty names.
func NormalizeUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrEmptyUsername
	}
	return name, nil
}

// ValidateUserID reports whether s is a well-formed user id.
func ValidateUserID(s string) error {
	if len(s) != 5 {
		return fmt.Errorf("%q: %w", s, ErrInvalidUserID)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("%q: %w", s, ErrInvalidUserID)
		}
	}
	if s[0] == '0' {
		return fmt.Errorf("%q: %w", s, ErrInvalidUserID)
	}
	return nil
}
