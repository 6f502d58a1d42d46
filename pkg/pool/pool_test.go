package pool

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
)

// fakeProcess is an in-memory Process backed by io.Pipe, standing in for a
// forked counter-worker binary in tests (see Process doc comment).
type fakeProcess struct {
	parentWrite *io.PipeWriter
	parentRead  *io.PipeReader

	childRead  *io.PipeReader
	childWrite *io.PipeWriter

	killed bool
	mu     sync.Mutex
	waitCh chan struct{}
}

func newFakeProcess() *fakeProcess {
	pr1, pw1 := io.Pipe() // parent writes -> child reads
	pr2, pw2 := io.Pipe() // child writes -> parent reads
	return &fakeProcess{
		parentWrite: pw1,
		parentRead:  pr2,
		childRead:   pr1,
		childWrite:  pw2,
		waitCh:      make(chan struct{}),
	}
}

func (f *fakeProcess) Start() error          { return nil }
func (f *fakeProcess) Stdin() io.WriteCloser { return f.parentWrite }
func (f *fakeProcess) Stdout() io.ReadCloser { return f.parentRead }
func (f *fakeProcess) Wait() error {
	<-f.waitCh
	return nil
}
func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		close(f.waitCh)
	}
	// A killed process's stdout reaches EOF, as with a real child.
	_ = f.childWrite.Close()
	return nil
}

// runFakeWorker drives a minimal worker loop against the child side of the
// pipe: reply READY to INIT, echo an empty RESULT for every request in a
// QUERY_BATCH, exit on SHUTDOWN.
func runFakeWorker(t *testing.T, f *fakeProcess) {
	t.Helper()
	r := ipc.NewReader(f.childRead)
	w := ipc.NewWriter(f.childWrite)
	go func() {
		for {
			msg, err := r.Next()
			if err != nil {
				return
			}
			switch msg.Type {
			case ipc.TypeInit:
				_ = w.Send(ipc.Message{Type: ipc.TypeReady})
			case ipc.TypeQueryBatch:
				for _, req := range msg.Requests {
					_ = w.Send(ipc.Message{Type: ipc.TypeResult, Id: req.Id, Result: []any{}})
				}
			case ipc.TypeShutdown:
				_ = f.childWrite.Close()
				f.mu.Lock()
				if !f.killed {
					f.killed = true
					close(f.waitCh)
				}
				f.mu.Unlock()
				return
			}
		}
	}()
}

func newTestPool(t *testing.T, workerCount int) *Pool {
	t.Helper()
	procs := make([]*fakeProcess, 0, workerCount)
	var mu sync.Mutex
	spawner := func(ctx context.Context, index int) (Process, error) {
		fp := newFakeProcess()
		mu.Lock()
		procs = append(procs, fp)
		mu.Unlock()
		runFakeWorker(t, fp)
		return fp, nil
	}
	p := New(Config{
		WorkerCount:       workerCount,
		ConnectionString:  "mongodb://test",
		DatabaseName:      "testdb",
		WorkerInitTimeout: time.Second,
		ShutdownGrace:     time.Second,
		Spawner:           spawner,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func TestPoolStartsAllWorkersReady(t *testing.T) {
	p := newTestPool(t, 2)
	defer p.Shutdown(context.Background())

	ready := p.GetReadyWorkers()
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready workers, got %d", len(ready))
	}
}

func TestExecuteBatchReturnsResultsInOrder(t *testing.T) {
	p := newTestPool(t, 2)
	defer p.Shutdown(context.Background())

	slot, err := p.NextWorker()
	if err != nil {
		t.Fatalf("NextWorker: %v", err)
	}

	requests := []ipc.Message{
		{Type: ipc.TypeQuery, Id: "a"},
		{Type: ipc.TypeQuery, Id: "b"},
		{Type: ipc.TypeQuery, Id: "c"},
	}
	results, err := p.ExecuteBatch(context.Background(), slot, requests, time.Second)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if results[i].Id != want {
			t.Errorf("result[%d].Id = %q, want %q", i, results[i].Id, want)
		}
		if results[i].Type != ipc.TypeResult {
			t.Errorf("result[%d].Type = %q, want RESULT", i, results[i].Type)
		}
	}
}

func TestNextWorkerRoundRobins(t *testing.T) {
	p := newTestPool(t, 3)
	defer p.Shutdown(context.Background())

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		w, err := p.NextWorker()
		if err != nil {
			t.Fatalf("NextWorker: %v", err)
		}
		seen[w.index] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected round-robin to visit all 3 workers, visited %d", len(seen))
	}
}

func TestExecuteBatchTimeoutResolvesOnce(t *testing.T) {
	// A worker that never replies: its request must resolve exactly once,
	// via the timeout path, without the test hanging.
	fp := newFakeProcess()
	r := ipc.NewReader(fp.childRead)
	w := ipc.NewWriter(fp.childWrite)
	go func() {
		for {
			msg, err := r.Next()
			if err != nil {
				return
			}
			if msg.Type == ipc.TypeInit {
				_ = w.Send(ipc.Message{Type: ipc.TypeReady})
			}
			// QUERY_BATCH is intentionally never answered.
		}
	}()

	p := New(Config{
		WorkerCount:       2,
		WorkerInitTimeout: time.Second,
		ShutdownGrace:     time.Second,
		Spawner: func(ctx context.Context, index int) (Process, error) {
			if index == 0 {
				return fp, nil
			}
			fp2 := newFakeProcess()
			runFakeWorker(t, fp2)
			return fp2, nil
		},
	})
	_ = p.Start(context.Background())
	defer p.Shutdown(context.Background())

	slot := p.workers[0]
	results, err := p.ExecuteBatch(context.Background(), slot, []ipc.Message{{Type: ipc.TypeQuery, Id: "stuck"}}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if results[0].Type != ipc.TypeError {
		t.Fatalf("expected timeout error, got %+v", results[0])
	}
}

func TestMonitorExitRespawnsCrashedWorkerIntoSameSlot(t *testing.T) {
	// Worker 0's first process answers INIT then exits immediately,
	// simulating a crash right after startup; its second spawn (triggered
	// by monitorExit's restart) behaves like a normal worker.
	var spawnsForSlot0 int32
	spawner := func(ctx context.Context, index int) (Process, error) {
		fp := newFakeProcess()
		if index == 0 && atomic.AddInt32(&spawnsForSlot0, 1) == 1 {
			r := ipc.NewReader(fp.childRead)
			w := ipc.NewWriter(fp.childWrite)
			go func() {
				if msg, err := r.Next(); err == nil && msg.Type == ipc.TypeInit {
					_ = w.Send(ipc.Message{Type: ipc.TypeReady})
				}
				_ = fp.childWrite.Close()
				fp.mu.Lock()
				if !fp.killed {
					fp.killed = true
					close(fp.waitCh)
				}
				fp.mu.Unlock()
			}()
			return fp, nil
		}
		runFakeWorker(t, fp)
		return fp, nil
	}

	p := New(Config{
		WorkerCount:       2,
		WorkerInitTimeout: time.Second,
		ShutdownGrace:     time.Second,
		Spawner:           spawner,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Shutdown(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		// Right after Start the crashed slot may still read as ready; wait
		// for its respawn before counting ready workers.
		if atomic.LoadInt32(&spawnsForSlot0) >= 2 && len(p.GetReadyWorkers()) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected pool to recover to 2 ready workers after a crash, got %d", len(p.GetReadyWorkers()))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if atomic.LoadInt32(&spawnsForSlot0) < 2 {
		t.Fatalf("expected slot 0 to be respawned at least once, got %d spawns", spawnsForSlot0)
	}
	if stats := p.GetStats(); stats.Restarted < 1 {
		t.Errorf("expected Stats.Restarted >= 1 after crash recovery, got %d", stats.Restarted)
	}
}
