package policy

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one persisted policy version. Rules is the JSON document
// rule_id -> typed rule body.
type Record struct {
	Version   int
	Rules     json.RawMessage
	UpdatedAt time.Time
}

// Store persists policy versions. Versions are append-only; Append must
// fail with ErrVersionConflict when the version already exists.
type Store interface {
	Latest(ctx context.Context) (*Record, error)
	Append(ctx context.Context, rec *Record) error
	History(ctx context.Context, limit int) ([]*Record, error)
}
