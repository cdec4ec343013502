package token

import (
	"crypto/rand"
	"io"
)

const (
	// DefaultAlphabet is upper-case A-Z without I and O, followed by 0-9.
	DefaultAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ0123456789"

	// UIDLength matches the users.uid column width.
	UIDLength = 10

	maxGenerateLength = 1 << 16
)

// reader is swapped in tests to exercise the read-failure path.
var reader io.Reader = rand.Reader

// Generate returns a random string of length symbols drawn uniformly from alphabet.
// An empty alphabet selects DefaultAlphabet.
//
// Bytes at or above the largest multiple of len(alphabet) are discarded instead of
// folded with modulo, which keeps the distribution exactly uniform.
func Generate(length int, alphabet string) (string, error) {
	if length <= 0 || length > maxGenerateLength {
		return "", ErrInvalidLength
	}
	if alphabet == "" {
		alphabet = DefaultAlphabet
	}
	if err := validateAlphabet(alphabet); err != nil {
		return "", err
	}

	n := len(alphabet)
	limit := 256 - (256 % n) // 256 for n in {2,4,...,256}: nothing rejected

	out := make([]byte, 0, length)
	// Over-read a little so most calls need a single syscall.
	buf := make([]byte, length+length/4+8)

	for len(out) < length {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%n])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// NewUID returns a fresh UIDLength-symbol identifier from DefaultAlphabet.
func NewUID() (string, error) {
	return Generate(UIDLength, DefaultAlphabet)
}

func validateAlphabet(alphabet string) error {
	if len(alphabet) < 2 || len(alphabet) > 256 {
		return ErrInvalidAlphabet
	}
	var seen [256]bool
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if seen[c] {
			return ErrInvalidAlphabet
		}
		seen[c] = true
	}
	return nil
}
