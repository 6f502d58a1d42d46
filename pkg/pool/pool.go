// Package pool implements the Process Pool Manager (spec.md §4.2): it
// forks, monitors, restarts and terminates counter-worker processes,
// dispatches batches to them round-robin, and tracks per-worker and
// aggregate statistics.
//
// Generalized from the teacher's pkg/common/workers.Pool (task channel,
// WaitGroup-coordinated shutdown with a timeout-then-cancel escalation,
// atomic stat counters) from in-process goroutine workers to out-of-process
// counter-worker children communicating over pkg/ipc.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
)

// Config configures Pool.Start.
type Config struct {
	WorkerCount       int
	ConnectionString  string
	DatabaseName      string
	DatabaseOptions   map[string]any
	WorkerInitTimeout time.Duration
	ShutdownGrace     time.Duration
	Spawner           Spawner
	Logger            *logging.Logger
}

// Stats aggregates pool-wide and per-worker counters (spec.md §4.2
// getStats()).
type Stats struct {
	Dispatched int64
	Successful int64
	Failed     int64
	Restarted  int64
	Workers    []WorkerStats
}

// Pool is the Process Pool Manager.
type Pool struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	workers []*WorkerHandle
	pending map[string]*pendingEntry
	cursor  int

	shuttingDown int32

	dispatched int64
	successful int64
	failed     int64
	restarted  int64

	wg sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	initErr error
}

// New constructs a Pool; call Start to fork workers.
func New(cfg Config) *Pool {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.WorkerInitTimeout <= 0 {
		cfg.WorkerInitTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.DefaultConfig())
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*pendingEntry),
	}
}

// Start forks the configured number of workers in parallel. Per spec.md
// §4.2, a worker only counts as created if it replies READY within
// WorkerInitTimeout; workers that miss it are killed. If zero workers come
// up, Start still returns nil — the pool remains running in a degraded
// state and subsequent execution calls surface the initialization error.
func (p *Pool) Start(ctx context.Context) error {
	if p.cfg.WorkerCount < 2 {
		return fmt.Errorf("pool: workerCount must be >= 2, got %d", p.cfg.WorkerCount)
	}
	p.rootCtx, p.rootCancel = context.WithCancel(context.Background())

	p.mu.Lock()
	p.workers = make([]*WorkerHandle, p.cfg.WorkerCount)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			slot, err := p.spawnAndInit(ctx, idx)
			if err != nil {
				p.logger.WithFields(map[string]interface{}{"worker": idx}).Warnf("worker init failed: %v", err)
				return
			}
			p.mu.Lock()
			// monitorExit may already have installed a replacement if this
			// worker crashed right after READY; keep the replacement.
			if p.workers[idx] == nil {
				p.workers[idx] = slot
			}
			p.mu.Unlock()
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	readyCount := 0
	for _, s := range p.workers {
		if s != nil {
			readyCount++
		}
	}
	if readyCount == 0 {
		p.initErr = fmt.Errorf("pool: no workers became ready within %s", p.cfg.WorkerInitTimeout)
	}
	p.mu.Unlock()

	return nil
}

// spawnAndInit spawns one worker process, sends INIT, and waits for READY
// or the init timeout. On any failure it kills the process and returns a
// nil slot (the caller leaves that index absent from the ready set).
func (p *Pool) spawnAndInit(ctx context.Context, index int) (*WorkerHandle, error) {
	proc, err := p.cfg.Spawner(p.rootCtx, index)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	slot := &WorkerHandle{
		index:  index,
		proc:   proc,
		writer: ipc.NewWriter(proc.Stdin()),
		reader: ipc.NewReader(proc.Stdout()),
	}
	slot.setState(stateSpawning)

	if err := slot.writer.Send(ipc.Message{
		Type:             ipc.TypeInit,
		ConnectionString: p.cfg.ConnectionString,
		DatabaseName:     p.cfg.DatabaseName,
		DatabaseOptions:  p.cfg.DatabaseOptions,
	}); err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("send INIT: %w", err)
	}

	readyCh := make(chan error, 1)
	go func() {
		msg, err := slot.reader.Next()
		if err != nil {
			readyCh <- err
			return
		}
		switch msg.Type {
		case ipc.TypeReady:
			readyCh <- nil
		case ipc.TypeError:
			readyCh <- fmt.Errorf("worker init error: %s", msg.Message)
		default:
			readyCh <- fmt.Errorf("unexpected message %s during init", msg.Type)
		}
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			_ = proc.Kill()
			return nil, err
		}
	case <-time.After(p.cfg.WorkerInitTimeout):
		_ = proc.Kill()
		return nil, fmt.Errorf("timed out waiting for READY")
	}

	slot.setState(stateReady)
	p.wg.Add(1)
	go p.workerLoop(slot)
	p.wg.Add(1)
	go p.monitorExit(slot)

	return slot, nil
}

// GetReadyWorkers returns a snapshot of workers whose ready flag is true.
func (p *Pool) GetReadyWorkers() []*WorkerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*WorkerHandle, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil && w.isReady() {
			out = append(out, w)
		}
	}
	return out
}

// NextWorker advances the round-robin cursor and returns the next ready
// worker. If the worker at the cursor is no longer ready it scans forward;
// if none exists it returns an error at the dispatch boundary.
func (p *Pool) NextWorker() (*WorkerHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initErr != nil {
		return nil, p.initErr
	}

	ready := make([]*WorkerHandle, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil && w.isReady() {
			ready = append(ready, w)
		}
	}
	if len(ready) == 0 {
		return nil, fmt.Errorf("pool: no ready workers")
	}

	p.cursor = (p.cursor + 1) % len(ready)
	return ready[p.cursor], nil
}

// GetStats returns totals and per-worker counters.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	workers := make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil {
			workers = append(workers, w.stats())
		}
	}
	p.mu.Unlock()

	return Stats{
		Dispatched: atomic.LoadInt64(&p.dispatched),
		Successful: atomic.LoadInt64(&p.successful),
		Failed:     atomic.LoadInt64(&p.failed),
		Restarted:  atomic.LoadInt64(&p.restarted),
		Workers:    workers,
	}
}

// ExecuteBatch sends requests to slot as one QUERY_BATCH message and waits
// for each request's result independently, so one slow query in a batch
// never delays the others past their own timeout (spec.md §4.2, §4.3). Order
// of the returned results matches the order of requests.
func (p *Pool) ExecuteBatch(ctx context.Context, slot *WorkerHandle, requests []ipc.Message, timeout time.Duration) ([]ipc.Message, error) {
	entries := make([]*pendingEntry, len(requests))

	p.mu.Lock()
	for i, req := range requests {
		e := newPendingEntry(req.Id)
		p.pending[req.Id] = e
		entries[i] = e
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.dispatched, int64(len(requests)))

	for _, e := range entries {
		id := e.id
		e.timer = time.AfterFunc(timeout, func() {
			p.resolvePending(id, ipc.Message{Type: ipc.TypeError, Id: id, Message: "query timed out"})
		})
	}

	batchId := requests[0].Id
	if len(requests) > 1 {
		batchId = fmt.Sprintf("batch-%s", requests[0].Id)
	}
	err := slot.writer.Send(ipc.Message{
		Type:     ipc.TypeQueryBatch,
		BatchId:  batchId,
		Requests: requests,
	})
	if err != nil {
		for _, req := range requests {
			p.resolvePending(req.Id, ipc.Message{Type: ipc.TypeError, Id: req.Id, Message: err.Error()})
		}
	}

	results := make([]ipc.Message, len(requests))
	for i, req := range requests {
		e := entries[i]
		select {
		case msg := <-e.ch:
			e.timer.Stop()
			results[i] = msg
		case <-ctx.Done():
			e.timer.Stop()
			p.resolvePending(req.Id, ipc.Message{Type: ipc.TypeError, Id: req.Id, Message: ctx.Err().Error()})
			results[i] = <-e.ch
		}
		if results[i].Type == ipc.TypeError {
			atomic.AddInt64(&p.failed, 1)
			atomic.AddInt64(&slot.errorCount, 1)
		} else {
			atomic.AddInt64(&p.successful, 1)
		}
		atomic.AddInt64(&slot.queryCount, 1)
	}
	return results, nil
}

// resolvePending delivers result to the pending entry registered under id,
// deleting the entry first so a racing timeout and a racing worker reply
// can never both deliver — whichever of the two calls resolvePending first
// wins and the other becomes a no-op (spec.md §3, idempotent-by-absence).
func (p *Pool) resolvePending(id string, result ipc.Message) bool {
	p.mu.Lock()
	e, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.ch <- result
	return true
}

// workerLoop reads messages from slot's stdout for as long as the process
// lives, routing RESULT/RESULT_BATCH replies to resolvePending. A read
// error or EOF while the pool isn't shutting down is treated as a crash
// signal and the worker is marked not ready; monitorExit drives the actual
// restart once the process has fully exited.
func (p *Pool) workerLoop(slot *WorkerHandle) {
	defer p.wg.Done()
	for {
		msg, err := slot.reader.Next()
		if err != nil {
			if atomic.LoadInt32(&p.shuttingDown) == 0 {
				slot.setState(stateNotReady)
				p.logger.WithFields(map[string]interface{}{"worker": slot.index}).Warnf("worker read failed: %v", err)
			}
			return
		}
		switch msg.Type {
		case ipc.TypeResult:
			p.resolvePending(msg.Id, msg)
		case ipc.TypeResultBatch:
			for _, r := range msg.Results {
				if r != nil {
					p.resolvePending(r.Id, *r)
				}
			}
		case ipc.TypeError:
			if msg.Id != "" {
				p.resolvePending(msg.Id, msg)
			}
		}
	}
}

// monitorExit waits for slot's process to exit and, unless the pool is
// shutting down, spawns a replacement process reusing the same slot index
// so peer workers are never renumbered (spec.md §4.2 crash recovery).
func (p *Pool) monitorExit(slot *WorkerHandle) {
	defer p.wg.Done()
	_ = slot.proc.Wait()
	slot.setState(stateTerminated)

	if atomic.LoadInt32(&p.shuttingDown) != 0 {
		return
	}

	atomic.AddInt64(&p.restarted, 1)
	p.logger.WithFields(map[string]interface{}{"worker": slot.index}).Warnf("worker exited unexpectedly, restarting")

	newSlot, err := p.spawnAndInit(p.rootCtx, slot.index)
	if err != nil {
		p.logger.WithFields(map[string]interface{}{"worker": slot.index}).Warnf("worker restart failed: %v", err)
		return
	}

	p.mu.Lock()
	if slot.index < len(p.workers) {
		p.workers[slot.index] = newSlot
	}
	p.mu.Unlock()
}

// Shutdown sends SHUTDOWN to every worker and waits up to ShutdownGrace for
// them to exit on their own before killing stragglers (spec.md §4.2
// graceful shutdown with timeout-then-cancel escalation).
func (p *Pool) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&p.shuttingDown, 1)
	if p.rootCancel != nil {
		defer p.rootCancel()
	}

	p.mu.Lock()
	workers := append([]*WorkerHandle(nil), p.workers...)
	for _, e := range p.pending {
		e.ch <- ipc.Message{Type: ipc.TypeError, Id: e.id, Message: "pool is shutting down"}
	}
	p.pending = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, w := range workers {
		if w == nil {
			continue
		}
		_ = w.writer.Send(ipc.Message{Type: ipc.TypeShutdown})
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.ShutdownGrace):
		for _, w := range workers {
			if w == nil {
				continue
			}
			_ = w.proc.Kill()
		}
		<-done
		return nil
	}
}
