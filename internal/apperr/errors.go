// Package apperr defines the error taxonomy shared by the node's components.
package apperr

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrMalformedManifest marks a manifest missing its hash or timestamp.
	ErrMalformedManifest = errors.New("malformed manifest")
	// ErrFetchFailure marks an unreachable peer or a non-success response.
	ErrFetchFailure = errors.New("fetch failure")
	// ErrValidationFailure marks a profile, edge or record failing schema validation.
	ErrValidationFailure = errors.New("validation failure")
	ErrStale             = errors.New("stale")
)
