package registry

import "errors"

// Registry errors.
var (
	// ErrConflict is returned when registering a duplicate tool id
	// without the upsert flag.
	ErrConflict = errors.New("registry conflict: tool id already registered")

	// ErrInvalidTool is returned for adapters with missing or
	// out-of-range metadata.
	ErrInvalidTool = errors.New("invalid tool metadata")
)
