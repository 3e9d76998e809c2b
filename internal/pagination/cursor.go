// Package pagination encodes keyset cursors for listings ordered by
// (timestamp DESC, id DESC).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the last row a client has seen.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor. Timestamps keep microsecond precision,
// the resolution the ledger stores.
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixMicro(), 36) + "." + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. An empty string decodes to nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	micros, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.UnixMicro(micros).UTC(), ID: id}, nil
}
