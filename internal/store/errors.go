package store

import "errors"

// ErrInvalidAPIKey is returned by ValidateAPIKey when no active key matches
// or the secret fails to verify. Implementations must not distinguish
// "not found" from "wrong secret" in the returned error.
var ErrInvalidAPIKey = errors.New("invalid api key")

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("not found")
