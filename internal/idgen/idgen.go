// Package idgen generates decision ids.
package idgen

import (
	"github.com/google/uuid"
)

// New returns a UUIDv7. Ids minted later sort after earlier ones, which
// keeps (evaluated_at, id) listings stable for rows stamped in the same
// microsecond.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
