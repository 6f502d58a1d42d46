// Package coordinator implements the Counter Execution Coordinator
// (spec.md §4.5): for each applicable index type, it looks up the most
// recent related facts and runs a facet aggregation over the counter
// pipelines for that type, fanning the per-type work out concurrently and
// merging the results into one counterName -> groupResult map.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/dispatcher"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
)

// Config controls one Compute call (spec.md §4.5 inputs).
type Config struct {
	FactsCollection string
	IndexCollection string
	DepthLimit      int // <= 1000
	PerTypeLimit    int // defaults to 100
	DepthFromDate   *time.Time
	SingleStage     bool // Mode B: index collection also embeds fact data
	StrictNames     bool // namespace counter names by index type instead of last-write-wins merge
	Debug           bool
	TimeoutMs       int
}

// TypeMetrics is the per-index-type slice of the returned metrics block.
type TypeMetrics struct {
	IndexTypeName string
	RelevantFacts int
	LookupTimeMs  float64
	FacetTimeMs   float64
	Error         string
}

// Result is the Coordinator's return payload (spec.md §4.5 "Returned
// payload").
type Result struct {
	Counters    map[string]map[string]any
	TotalTimeMs float64
	PerType     []TypeMetrics
	Pipelines   map[string][]dispatcher.Request // populated only when Debug
}

// Coordinator ties a counterplan.Builder's output to the Dispatcher.
type Coordinator struct {
	d   *dispatcher.Dispatcher
	log *logging.Logger
}

// New returns a Coordinator that routes generated queries through d.
func New(d *dispatcher.Dispatcher, log *logging.Logger) *Coordinator {
	return &Coordinator{d: d, log: log}
}

// Compute executes plan against lookups for currentFactId, merging results
// across index types. An index type whose aggregation fails yields an
// error entry in PerType and is absent from Counters; it never aborts the
// other index types (spec.md §4.5, §7).
func (c *Coordinator) Compute(ctx context.Context, plan model.CounterPlan, lookups []model.IndexLookup, currentFactId string, cfg Config) Result {
	start := time.Now()

	lookupByType := make(map[string]model.IndexLookup, len(lookups))
	for _, l := range lookups {
		lookupByType[l.IndexTypeName] = l
	}

	perTypeLimit := cfg.PerTypeLimit
	if perTypeLimit <= 0 {
		perTypeLimit = 100
	}
	limit := perTypeLimit
	if cfg.DepthLimit > 0 && cfg.DepthLimit < limit {
		limit = cfg.DepthLimit
	}

	result := Result{Counters: make(map[string]map[string]any)}
	if cfg.Debug {
		result.Pipelines = make(map[string][]dispatcher.Request)
	}

	metricsCh := make(chan TypeMetrics, len(plan))
	type typeOutcome struct {
		indexType string
		counters  map[string]any
	}
	outcomes := make(chan typeOutcome, len(plan))

	g, gctx := errgroup.WithContext(ctx)
	for indexTypeName, counters := range plan {
		indexTypeName, counters := indexTypeName, counters
		lookup, ok := lookupByType[indexTypeName]
		if !ok {
			metricsCh <- TypeMetrics{IndexTypeName: indexTypeName, Error: "no index lookup descriptor for this index type"}
			continue
		}

		g.Go(func() error {
			tm := TypeMetrics{IndexTypeName: indexTypeName}
			counterMap, err := c.computeOneType(gctx, indexTypeName, lookup, counters, currentFactId, limit, cfg, &tm)
			if err != nil {
				tm.Error = err.Error()
				metricsCh <- tm
				return nil
			}
			metricsCh <- tm
			outcomes <- typeOutcome{indexType: indexTypeName, counters: counterMap}
			return nil
		})
	}

	_ = g.Wait()
	close(metricsCh)
	close(outcomes)

	for tm := range metricsCh {
		result.PerType = append(result.PerType, tm)
	}

	for o := range outcomes {
		for name, val := range o.counters {
			groupResult, _ := val.(map[string]any)
			if cfg.StrictNames {
				result.Counters[fmt.Sprintf("%s.%s", o.indexType, name)] = groupResult
				continue
			}
			if _, exists := result.Counters[name]; exists {
				c.warnf("counter name collision %q across index types, last write wins", name)
			}
			result.Counters[name] = groupResult
		}
	}

	result.TotalTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	return result
}

// computeOneType runs Mode A (two-stage) or Mode B (single-stage) for one
// index type and returns counterName -> unwrapped facet result.
func (c *Coordinator) computeOneType(ctx context.Context, indexTypeName string, lookup model.IndexLookup, counters map[string]model.Pipeline, currentFactId string, limit int, cfg Config, tm *TypeMetrics) (map[string]any, error) {
	matchFilter := map[string]any{"h": lookup.Hash}
	if cfg.DepthFromDate != nil {
		matchFilter["dt"] = map[string]any{"$gte": *cfg.DepthFromDate}
	}
	if currentFactId != "" {
		matchFilter["f"] = map[string]any{"$ne": currentFactId}
	}

	facetStage := map[string]any{}
	for name, pipeline := range counters {
		stages := make([]any, len(pipeline))
		for i, s := range pipeline {
			stages[i] = map[string]any(s)
		}
		facetStage[name] = stages
	}

	unwrapProjection := map[string]any{}
	for name := range counters {
		unwrapProjection[name] = map[string]any{"$arrayElemAt": []any{"$" + name, 0}}
	}

	if cfg.SingleStage {
		pipeline := []any{
			map[string]any{"$match": matchFilter},
			map[string]any{"$sort": map[string]any{"dt": -1}},
			map[string]any{"$limit": limit},
			map[string]any{"$facet": facetStage},
			map[string]any{"$project": unwrapProjection},
		}
		lookupStart := time.Now()
		res, err := c.execute(ctx, cfg.IndexCollection, pipeline, cfg.TimeoutMs)
		tm.FacetTimeMs = float64(time.Since(lookupStart).Microseconds()) / 1000.0
		if err != nil {
			return nil, err
		}
		return firstDoc(res), nil
	}

	lookupStart := time.Now()
	lookupPipeline := []any{
		map[string]any{"$match": matchFilter},
		map[string]any{"$sort": map[string]any{"h": 1, "dt": -1}},
		map[string]any{"$limit": limit},
		map[string]any{"$project": map[string]any{"f": 1, "_id": 0}},
	}
	lookupResults, err := c.execute(ctx, cfg.IndexCollection, lookupPipeline, cfg.TimeoutMs)
	tm.LookupTimeMs = float64(time.Since(lookupStart).Microseconds()) / 1000.0
	if err != nil {
		return nil, fmt.Errorf("relevant-facts lookup: %w", err)
	}

	factIds := make([]any, 0, len(lookupResults))
	for _, doc := range lookupResults {
		if id, ok := doc["f"]; ok {
			factIds = append(factIds, id)
		}
	}
	tm.RelevantFacts = len(factIds)

	if len(factIds) == 0 {
		return map[string]any{}, nil
	}

	facetStart := time.Now()
	aggPipeline := []any{
		map[string]any{"$match": map[string]any{"_id": map[string]any{"$in": factIds}}},
		map[string]any{"$facet": facetStage},
		map[string]any{"$project": unwrapProjection},
	}
	aggResults, err := c.execute(ctx, cfg.FactsCollection, aggPipeline, cfg.TimeoutMs)
	tm.FacetTimeMs = float64(time.Since(facetStart).Microseconds()) / 1000.0
	if err != nil {
		return nil, fmt.Errorf("facet aggregation: %w", err)
	}

	return firstDoc(aggResults), nil
}

func (c *Coordinator) execute(ctx context.Context, collection string, pipeline []any, timeoutMs int) ([]map[string]any, error) {
	results, _, err := c.d.ExecuteQueries(ctx, []dispatcher.Request{{CollectionName: collection, Query: pipeline}}, dispatcher.Options{TimeoutMs: timeoutMs})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no result returned")
	}
	if results[0].Error != nil {
		return nil, fmt.Errorf("%s: %s", results[0].Error.Name, results[0].Error.Message)
	}
	out := make([]map[string]any, 0, len(results[0].Result))
	for _, r := range results[0].Result {
		if doc, ok := r.(map[string]any); ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// firstDoc unwraps a single-document facet result; the projection stage
// already flattens each facet branch to its first element, so the
// aggregation returns at most one document.
func firstDoc(docs []map[string]any) map[string]any {
	if len(docs) == 0 {
		return map[string]any{}
	}
	return docs[0]
}

func (c *Coordinator) warnf(format string, args ...any) {
	if c.log != nil {
		c.log.Warnf(format, args...)
	}
}
