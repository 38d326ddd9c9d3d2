package finding

import "errors"

// Normalization errors.
var (
	// ErrFindingMalformed is returned when a raw finding is missing its
	// minimum fields (source tool and vulnerability class).
	ErrFindingMalformed = errors.New("finding malformed: missing minimum fields")

	// ErrUnknownTable is returned when a lookup table name is not one of
	// the four shipped tables.
	ErrUnknownTable = errors.New("unknown lookup table")
)
