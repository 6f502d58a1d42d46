package dispatcher

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/pool"
)

type echoProcess struct {
	parentWrite *io.PipeWriter
	parentRead  *io.PipeReader
	childRead   *io.PipeReader
	childWrite  *io.PipeWriter
	waitCh      chan struct{}
}

func newEchoProcess() *echoProcess {
	pr1, pw1 := io.Pipe()
	pr2, pw2 := io.Pipe()
	ep := &echoProcess{parentWrite: pw1, parentRead: pr2, childRead: pr1, childWrite: pw2, waitCh: make(chan struct{})}

	r := ipc.NewReader(ep.childRead)
	w := ipc.NewWriter(ep.childWrite)
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
					_ = w.Send(ipc.Message{
						Type:    ipc.TypeResult,
						Id:      req.Id,
						Result:  []any{map[string]any{"collection": req.CollectionName}},
						Metrics: &ipc.Metrics{QueryTimeMs: 1},
					})
				}
			case ipc.TypeShutdown:
				_ = ep.childWrite.Close()
				close(ep.waitCh)
				return
			}
		}
	}()
	return ep
}

func (e *echoProcess) Start() error          { return nil }
func (e *echoProcess) Stdin() io.WriteCloser { return e.parentWrite }
func (e *echoProcess) Stdout() io.ReadCloser { return e.parentRead }
func (e *echoProcess) Wait() error           { <-e.waitCh; return nil }
func (e *echoProcess) Kill() error           { return nil }

func newTestDispatcher(t *testing.T, workerCount int) *Dispatcher {
	t.Helper()
	p := pool.New(pool.Config{
		WorkerCount:       workerCount,
		WorkerInitTimeout: time.Second,
		ShutdownGrace:     time.Second,
		Spawner: func(ctx context.Context, index int) (pool.Process, error) {
			return newEchoProcess(), nil
		},
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("pool.Start: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return New(p)
}

func TestExecuteQueriesPreservesOrderAndAssignsIds(t *testing.T) {
	d := newTestDispatcher(t, 2)

	requests := []Request{
		{CollectionName: "facts", Query: []any{map[string]any{"$match": map[string]any{}}}},
		{Id: "explicit", CollectionName: "facts", Query: []any{}},
		{CollectionName: "facts", Query: []any{}},
	}

	results, summary, err := d.ExecuteQueries(context.Background(), requests, Options{TimeoutMs: 1000})
	if err != nil {
		t.Fatalf("ExecuteQueries: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Id == "" {
		t.Error("expected auto-assigned id for request 0")
	}
	if results[1].Id != "explicit" {
		t.Errorf("expected explicit id preserved, got %q", results[1].Id)
	}
	if summary.Total != 3 || summary.Failed != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestExecuteQueriesRejectsEmptyCollectionName(t *testing.T) {
	d := newTestDispatcher(t, 2)
	_, _, err := d.ExecuteQueries(context.Background(), []Request{{Query: []any{}}}, Options{})
	if err == nil {
		t.Fatal("expected validation error for empty collectionName")
	}
}

func TestMetricsAccumulateAcrossCalls(t *testing.T) {
	d := newTestDispatcher(t, 2)
	_, _, err := d.ExecuteQueries(context.Background(), []Request{{CollectionName: "facts", Query: []any{}}}, Options{TimeoutMs: 1000})
	if err != nil {
		t.Fatalf("ExecuteQueries: %v", err)
	}
	m := d.Metrics()
	if m.TotalQueries != 1 || m.Successful != 1 {
		t.Errorf("unexpected metrics after one call: %+v", m)
	}
}
