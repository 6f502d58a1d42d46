package counterplan

import (
	"sync/atomic"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
)

// Builder assembles a CounterPlan for an incoming fact from a set of
// CounterDefinitions loaded at startup (pkg/defstore). Builder is safe for
// concurrent use by multiple fact-processing goroutines: the definition
// set is held behind an atomic.Pointer so SetDefinitions (called by
// pkg/defstore.FileWatcher on hot-reload) can swap it in without a lock
// around Build.
type Builder struct {
	definitions atomic.Pointer[[]model.CounterDefinition]
	log         *logging.Logger
}

// New returns a Builder over definitions.
func New(definitions []model.CounterDefinition, log *logging.Logger) *Builder {
	b := &Builder{log: log}
	b.SetDefinitions(definitions)
	return b
}

// SetDefinitions atomically replaces the definition set Build reads from.
// In-flight Build calls keep using whichever set they already loaded.
func (b *Builder) SetDefinitions(definitions []model.CounterDefinition) {
	defs := append([]model.CounterDefinition(nil), definitions...)
	b.definitions.Store(&defs)
}

// Build produces the CounterPlan for one fact: matches each definition's
// ComputationConditions against fact.Data, assembles its pipeline
// (spec.md §4.4 steps 1-2), substitutes $$ parameters, and groups the
// result by IndexTypeName. now is sampled once so every $$NOW expansion in
// the resulting plan observes an identical timestamp (spec.md §5).
func (b *Builder) Build(fact model.Fact) model.CounterPlan {
	now := time.Now().UTC()
	plan := make(model.CounterPlan)

	defs := b.definitions.Load()
	if defs == nil {
		return plan
	}

	for _, def := range *defs {
		if !Matches(def.ComputationConditions, fact.Data, b.log) {
			continue
		}

		pipeline := assemble(def)
		substituted := make(model.Pipeline, len(pipeline))
		for i, stage := range pipeline {
			substituted[i] = substitute(map[string]any(stage), fact.Data, now, b.log).(map[string]any)
		}

		byType, ok := plan[def.IndexTypeName]
		if !ok {
			byType = make(map[string]model.Pipeline)
			plan[def.IndexTypeName] = byType
		}
		byType[def.Name] = substituted
	}

	return plan
}

// assemble builds the raw (pre-substitution) pipeline for one counter
// definition: an optional match stage from EvaluationConditions, followed
// by a group stage whose key is forced to null (spec.md §4.4).
func assemble(def model.CounterDefinition) model.Pipeline {
	var pipeline model.Pipeline
	if len(def.EvaluationConditions) > 0 {
		pipeline = append(pipeline, model.Stage{"$match": def.EvaluationConditions})
	}

	group := make(map[string]any, len(def.Attributes)+1)
	for k, v := range def.Attributes {
		group[k] = v
	}
	group["_id"] = nil
	pipeline = append(pipeline, model.Stage{"$group": group})

	return pipeline
}
