package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoToken is returned when the request carries no bearer token.
	ErrNoToken = errors.New("no token")

	// ErrIssueUnavailable is returned by Issue on a verify-only manager.
	ErrIssueUnavailable = errors.New("token issuing unavailable: no secret key")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
