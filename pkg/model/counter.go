package model

// Stage is one aggregation-pipeline stage, e.g. {"$match": {...}} or
// {"$group": {...}}. Stages travel as plain maps so they can be assembled,
// parameter-substituted and serialized without a pipeline-stage DSL.
type Stage map[string]any

// Pipeline is an ordered sequence of aggregation stages.
type Pipeline []Stage

// CounterDefinition is configuration, not a runtime entity: loaded once at
// startup (from a file or a PostgresStore, see pkg/defstore) and treated
// as immutable thereafter.
type CounterDefinition struct {
	// Name is unique within the namespace of IndexTypeName.
	Name string `json:"name"`

	// IndexTypeName groups counters that share the same index-entry hash
	// semantics; all counters with the same IndexTypeName are evaluated
	// against the same set of relevant facts.
	IndexTypeName string `json:"indexTypeName"`

	// ComputationConditions is the selection predicate evaluated against
	// a fact's Data map; see pkg/counterplan for match semantics.
	ComputationConditions map[string]any `json:"computationConditions"`

	// EvaluationConditions, if present, becomes a $match stage prepended
	// to the counter's group pipeline.
	EvaluationConditions map[string]any `json:"evaluationConditions,omitempty"`

	// Attributes is the aggregation group specification; the plan
	// builder always augments it with a null grouping key.
	Attributes map[string]any `json:"attributes"`

	// Variables optionally documents the $$ parameters this counter's
	// pipeline expects. Never validated against ComputationConditions;
	// informational only.
	Variables []string `json:"variables,omitempty"`
}

// CounterPlan is the per-event, per-index-type map of counter pipelines
// produced by the plan builder: indexTypeName -> counterName -> pipeline.
type CounterPlan map[string]map[string]Pipeline
