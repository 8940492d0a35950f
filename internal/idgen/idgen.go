// Package idgen produces the relay's public session identifiers.
package idgen

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Alphabet excludes visually ambiguous characters (0, 1, I, O).
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// Length is the fixed length of a generated session id.
const Length = 6

// maxAttempts bounds how many times Generate retries on collision before
// giving up with IdExhaustedError.
const maxAttempts = 5

var pattern = regexp.MustCompile(`^[23456789A-HJ-NP-Z]{6}$`)

// IdExhaustedError is returned when maxAttempts consecutive ids all
// collided with a live registration.
type IdExhaustedError struct {
	Attempts int
}

func (e *IdExhaustedError) Error() string {
	return fmt.Sprintf("idgen: exhausted %d attempts without a free id", e.Attempts)
}

// Collides reports whether a candidate id is already in use. The caller
// supplies this (backed by the SessionStore) so idgen stays free of any
// storage dependency.
type Collides func(ctx context.Context, id string) (bool, error)

// Generate produces a fresh 6-character id using crypto/rand — not
// math/rand, since an id is part of a public URL and a weak stream would
// make ids guessable — retrying on collision up to maxAttempts times.
func Generate(ctx context.Context, collides Collides) (string, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		taken, err := collides(ctx, id)
		if err != nil {
			return "", fmt.Errorf("idgen: check collision: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", &IdExhaustedError{Attempts: maxAttempts}
}

func randomID() (string, error) {
	var b strings.Builder
	b.Grow(Length)
	max := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("idgen: read random: %w", err)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Valid reports whether s matches the session-id grammar, case
// insensitively.
func Valid(s string) bool {
	return pattern.MatchString(strings.ToUpper(s))
}

// Canonical uppercases an id for storage/comparison; the subdomain form is
// always lowercase on the wire.
func Canonical(s string) string {
	return strings.ToUpper(s)
}
