package token

import "errors"

// Public, stable errors for callers.
var (
	ErrInvalidLength   = errors.New("token length must be positive")
	ErrInvalidAlphabet = errors.New("token alphabet must have 2..256 unique bytes")
)
