package pool

import (
	"sync/atomic"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
)

// workerState mirrors the per-worker-slot state machine of spec.md §4.2:
// Spawning -> Ready -> (Ready | NotReady) -> Terminated.
type workerState int32

const (
	stateSpawning workerState = iota
	stateReady
	stateNotReady
	stateTerminated
)

// WorkerHandle is one Pool Worker (spec.md §3): a stable index, a process,
// and the bookkeeping the pool controller needs to route work to it and
// replace it on crash without renumbering its peers.
type WorkerHandle struct {
	index int

	proc   Process
	writer *ipc.Writer
	reader *ipc.Reader

	state int32 // workerState, accessed via atomic

	queryCount int64
	errorCount int64
}

func (w *WorkerHandle) isReady() bool {
	return workerState(atomic.LoadInt32(&w.state)) == stateReady
}

func (w *WorkerHandle) setState(s workerState) {
	atomic.StoreInt32(&w.state, int32(s))
}

func (w *WorkerHandle) stats() WorkerStats {
	return WorkerStats{
		Index:      w.index,
		Ready:      w.isReady(),
		QueryCount: atomic.LoadInt64(&w.queryCount),
		ErrorCount: atomic.LoadInt64(&w.errorCount),
	}
}

// WorkerStats is the externally visible snapshot of one worker slot.
type WorkerStats struct {
	Index      int
	Ready      bool
	QueryCount int64
	ErrorCount int64
}
