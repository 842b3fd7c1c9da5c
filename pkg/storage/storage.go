// Package storage provides the durable record store used by the session and
// submission layers. It defines a single logical namespace of records keyed
// by a composite primary key with an entity discriminator prefix, plus two
// secondary-index lookups (restoration token, submission reference).
//
// All writes are last-writer-wins at the key level. Semantic ordering
// (message sequence, specification versioning) is the responsibility of the
// layers above.
package storage

import (
	"context"
	"time"
)

// Record is one stored entity. Data holds the JSON-encoded payload; the
// entity type is discriminated by the Key prefix.
type Record struct {
	// Key is the composite primary key, e.g. "session#<id>#msg#<seq>".
	Key string

	// TokenKey is the restoration-token secondary index value
	// ("token#<token>"), set only on session metadata records.
	TokenKey string

	// RefKey is the reference-number secondary index value
	// ("ref#<reference>"), set only on submission records.
	RefKey string

	// ExpiresAt is when the record becomes invisible and eligible for
	// reaping. Zero means the record never expires.
	ExpiresAt time.Time

	// Data is the JSON payload.
	Data []byte
}

// Expired reports whether the record is past its expiration deadline.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Query controls a prefix range query.
type Query struct {
	// Prefix selects all records whose key starts with this string.
	Prefix string

	// Descending orders results by key descending instead of ascending.
	Descending bool

	// Limit caps the number of returned records. Zero means no limit.
	Limit int
}

// Store defines the four primitives the layers above are built on.
// Expired records are invisible to all reads.
type Store interface {
	// Get retrieves a record by primary key. Returns nil, nil if absent.
	Get(ctx context.Context, key string) (*Record, error)

	// Put writes a record, overwriting any existing record at the same key.
	Put(ctx context.Context, rec *Record) error

	// Query returns records matching a key prefix, ordered by key.
	Query(ctx context.Context, q Query) ([]*Record, error)

	// GetByToken retrieves the record indexed by a restoration token key.
	// Returns nil, nil if absent.
	GetByToken(ctx context.Context, tokenKey string) (*Record, error)

	// GetByRef retrieves the record indexed by a reference-number key.
	// Returns nil, nil if absent.
	GetByRef(ctx context.Context, refKey string) (*Record, error)

	// Close stops background routines and releases resources.
	Close() error
}
