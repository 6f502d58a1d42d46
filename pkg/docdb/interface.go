// Package docdb defines the document-database contract the counter
// subsystem's workers consume, and a MongoDB-backed implementation.
//
// Read preference is "secondaryPreferred" for Aggregate/Find, "primary"
// for writes; write concern is majority with no journal-flush guarantee;
// read concern is "local" — the profile spec.md §6 requires.
package docdb

import "context"

// Database is the connection-level handle a worker owns for its lifetime.
type Database interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Collection is the subset of document-store operations the core needs.
type Collection interface {
	// Aggregate runs pipeline and returns every resulting document.
	Aggregate(ctx context.Context, pipeline []any, opts ...AggregateOption) ([]map[string]any, error)

	// Find returns documents matching filter, honoring FindOptions.
	Find(ctx context.Context, filter map[string]any, opts FindOptions) ([]map[string]any, error)

	// UpdateOne applies update to the first document matching filter,
	// inserting a new document when upsert is true and none matches.
	UpdateOne(ctx context.Context, filter map[string]any, update map[string]any, upsert bool) error

	// BulkUpsert applies each (filter, update) pair as an independent
	// upsert in one unordered bulk operation.
	BulkUpsert(ctx context.Context, ops []UpsertOp) error

	CountDocuments(ctx context.Context, filter map[string]any) (int64, error)
}

// UpsertOp is one element of a BulkUpsert call.
type UpsertOp struct {
	Filter map[string]any
	Update map[string]any
}

// FindOptions shapes a Find call: sort keys (in order, each with its own
// Descending flag), a result limit, and an inclusion-only projection.
type FindOptions struct {
	Sort       []SortKey
	Limit      int64
	Projection []string
}

// SortKey is one (field, direction) pair; Descending true sorts high to low.
type SortKey struct {
	Field      string
	Descending bool
}

// AggregateOption tweaks a single Aggregate call without widening the
// Collection interface for every backend-specific knob.
type AggregateOption func(*aggregateConfig)

type aggregateConfig struct {
	allowDiskUse bool
}

// WithAllowDiskUse permits the server to spill intermediate aggregation
// stages to disk for large facet computations.
func WithAllowDiskUse() AggregateOption {
	return func(c *aggregateConfig) { c.allowDiskUse = true }
}

func applyAggregateOptions(opts []AggregateOption) aggregateConfig {
	var c aggregateConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
