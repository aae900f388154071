// Package storage defines the persistence contract for engine state
// (facts, timers, rule versions) and provides SQLite and in-memory
// adapters.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// SchemaVersion is stamped into every persisted record so adapters can
// migrate state written by older engines.
const SchemaVersion = 1

// Metadata describes the provenance of a persisted record.
type Metadata struct {
	PersistedAt   time.Time `json:"persisted_at"`
	ServerID      string    `json:"server_id"`
	SchemaVersion int       `json:"schema_version"`
}

// Record is a persisted state blob together with its metadata. State is
// kept as raw JSON; callers unmarshal into their own types.
type Record struct {
	State    json.RawMessage `json:"state"`
	Metadata Metadata        `json:"metadata"`
}

// Decode unmarshals the record's state into v.
func (r *Record) Decode(v any) error {
	return json.Unmarshal(r.State, v)
}

// Adapter is the storage contract. Implementations must be safe for
// concurrent use.
//
// Load returns (nil, nil) for a missing key: absence is a normal
// condition during rehydration, not an error.
type Adapter interface {
	Save(ctx context.Context, key string, state any) error
	Load(ctx context.Context, key string) (*Record, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
