// Package model holds the domain types shared across the counter-computation
// subsystem: facts, index entries, counter definitions and the per-event
// counter plan derived from them.
package model

import "time"

// Fact is the durable record materialized from an input event.
//
// Identity (Id) is an opaque string supplied by the event-to-fact mapper
// (a hash of a key field, or a literal concatenation); the core never
// derives it and never mutates a Fact after it is created.
type Fact struct {
	Id        string         `json:"_id" bson:"_id"`
	Type      int            `json:"type" bson:"type"`
	CreatedAt time.Time      `json:"createdAt" bson:"createdAt"`
	Data      map[string]any `json:"data" bson:"data"`
}

// FieldValue returns fact.Data[name] and whether it was present with a
// non-nil value.
func (f *Fact) FieldValue(name string) (any, bool) {
	if f == nil || f.Data == nil {
		return nil, false
	}
	v, ok := f.Data[name]
	return v, ok && v != nil
}

// IndexEntry links a Fact to an equivalence class identified by a hash
// combining an index-type code and a field value.
//
// For a given (indexTypeCode, fieldValue, factId) tuple at most one
// IndexEntry exists; Dt is monotonic only within a single fact, never
// globally.
type IndexEntry struct {
	Hash      string         `json:"h" bson:"h"`
	FactId    string         `json:"f" bson:"f"`
	Dt        time.Time      `json:"dt" bson:"dt"`
	CreatedAt time.Time      `json:"createdAt" bson:"createdAt"`
	Data      map[string]any `json:"data,omitempty" bson:"data,omitempty"`
}

// IndexLookup is one of the index-type descriptors the external indexer
// produces for the current fact: the index type (code and name) and the
// hashed value to look relevant facts up by. The coordinator matches a
// descriptor to the plan's counters by IndexTypeName.
type IndexLookup struct {
	IndexTypeCode string
	IndexTypeName string
	Hash          string
}
