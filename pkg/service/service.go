// Package service wires the pool, dispatcher, counter-plan builder and
// coordinator into a single entry point for processing one incoming fact,
// mirroring the data flow spec.md §2 describes end to end.
package service

import (
	"context"
	"os/exec"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/config"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/coordinator"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/counterplan"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/defstore"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/dispatcher"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/pool"
)

// Service is the assembled runtime: one Pool of counter-worker processes,
// a Dispatcher fronting it, a plan Builder over the loaded definitions,
// and a Coordinator tying the two together per event.
type Service struct {
	cfg      *config.Config
	pool     *pool.Pool
	disp     *dispatcher.Dispatcher
	coord    *coordinator.Coordinator
	plan     *counterplan.Builder
	log      *logging.Logger
	defWatch *defstore.FileWatcher
}

// New assembles a Service. workerBinary is the path to the compiled
// cmd/counter-worker binary; definitions is the set loaded at startup (see
// pkg/defstore), replaced on each reload once WatchDefinitions is running.
func New(cfg *config.Config, workerBinary string, definitions []model.CounterDefinition, log *logging.Logger) *Service {
	p := pool.New(pool.Config{
		WorkerCount:       cfg.Pool.WorkerCount,
		ConnectionString:  cfg.Database.ConnectionString,
		DatabaseName:      cfg.Database.DatabaseName,
		DatabaseOptions:   cfg.Database.Options,
		WorkerInitTimeout: cfg.Pool.WorkerInitTimeout,
		ShutdownGrace:     cfg.Pool.ShutdownGrace,
		Spawner:           pool.ExecSpawner(workerBinary),
		Logger:            log,
	})
	disp := dispatcher.New(p)

	return &Service{
		cfg:   cfg,
		pool:  p,
		disp:  disp,
		coord: coordinator.New(disp, log),
		plan:  counterplan.New(definitions, log),
		log:   log,
	}
}

// Start forks the worker pool. Must be called before ProcessFact.
func (s *Service) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Shutdown stops all workers gracefully and, if WatchDefinitions was
// called, closes the file watcher.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.defWatch != nil {
		s.defWatch.Close()
	}
	return s.pool.Shutdown(ctx)
}

// WatchDefinitions starts a pkg/defstore.FileWatcher on path and swaps the
// plan Builder's definition set on every successful reload (spec.md §6.3's
// hot-reload supplement). The watcher runs until ctx is canceled or
// Shutdown is called, whichever comes first.
func (s *Service) WatchDefinitions(ctx context.Context, path string) error {
	fw, err := defstore.NewFileWatcher(path, s.plan.SetDefinitions, s.log)
	if err != nil {
		return err
	}
	s.defWatch = fw
	go fw.Run(ctx)
	return nil
}

// ProcessFact builds the counter plan for fact and computes it against
// lookups, returning the merged counters (spec.md §2's per-event data
// flow, excluding the external fact-save/index-save collaborators, which
// the caller issues concurrently itself).
func (s *Service) ProcessFact(ctx context.Context, fact model.Fact, lookups []model.IndexLookup) (coordinator.Result, error) {
	plan := s.plan.Build(fact)
	if len(plan) == 0 {
		return coordinator.Result{Counters: map[string]map[string]any{}}, nil
	}

	result := s.coord.Compute(ctx, plan, lookups, fact.Id, coordinator.Config{
		FactsCollection: s.cfg.Database.FactsCollection,
		IndexCollection: s.cfg.Database.IndexCollection,
		DepthLimit:      s.cfg.Coordinator.DepthLimit,
		PerTypeLimit:    s.cfg.Coordinator.PerTypeLimit,
		SingleStage:     s.cfg.Coordinator.SingleStage,
		StrictNames:     s.cfg.Coordinator.StrictNames,
		Debug:           s.cfg.Coordinator.Debug,
		TimeoutMs:       int(s.cfg.Dispatcher.DefaultTimeout / time.Millisecond),
	})
	return result, nil
}

// Stats returns the pool's aggregate and per-worker counters.
func (s *Service) Stats() pool.Stats {
	return s.pool.GetStats()
}

// ResolveWorkerBinary locates the counter-worker executable on PATH,
// falling back to the given default path if lookup fails.
func ResolveWorkerBinary(name, fallback string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return fallback
}
