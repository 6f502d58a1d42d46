package coordinator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/dispatcher"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/pool"
)

// scriptedProcess is an in-memory Process that answers every QUERY_BATCH
// request using reply, keyed by collection name via the caller-supplied
// respond function.
type scriptedProcess struct {
	parentWrite *io.PipeWriter
	parentRead  *io.PipeReader
	childRead   *io.PipeReader
	childWrite  *io.PipeWriter
	waitCh      chan struct{}
}

func newScriptedProcess(t *testing.T, respond func(req ipc.Message) []any) *scriptedProcess {
	t.Helper()
	pr1, pw1 := io.Pipe()
	pr2, pw2 := io.Pipe()
	sp := &scriptedProcess{parentWrite: pw1, parentRead: pr2, childRead: pr1, childWrite: pw2, waitCh: make(chan struct{})}

	r := ipc.NewReader(sp.childRead)
	w := ipc.NewWriter(sp.childWrite)
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
					_ = w.Send(ipc.Message{Type: ipc.TypeResult, Id: req.Id, Result: respond(req), Metrics: &ipc.Metrics{QueryTimeMs: 1}})
				}
			case ipc.TypeShutdown:
				_ = sp.childWrite.Close()
				close(sp.waitCh)
				return
			}
		}
	}()
	return sp
}

func (s *scriptedProcess) Start() error          { return nil }
func (s *scriptedProcess) Stdin() io.WriteCloser { return s.parentWrite }
func (s *scriptedProcess) Stdout() io.ReadCloser { return s.parentRead }
func (s *scriptedProcess) Wait() error           { <-s.waitCh; return nil }
func (s *scriptedProcess) Kill() error           { return nil }

func newTestDispatcher(t *testing.T, respond func(req ipc.Message) []any) *dispatcher.Dispatcher {
	t.Helper()
	spawner := func(ctx context.Context, index int) (pool.Process, error) {
		return newScriptedProcess(t, respond), nil
	}
	p := pool.New(pool.Config{
		WorkerCount:       2,
		WorkerInitTimeout: time.Second,
		ShutdownGrace:     time.Second,
		Spawner:           spawner,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("pool.Start: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return dispatcher.New(p)
}

func TestComputeMergesTwoStageResultIntoCounters(t *testing.T) {
	respond := func(req ipc.Message) []any {
		switch req.CollectionName {
		case "indexEntries":
			return []any{map[string]any{"f": "fact-1"}, map[string]any{"f": "fact-2"}}
		case "facts":
			return []any{map[string]any{"total_amount": map[string]any{"sum": 99.0}}}
		}
		return nil
	}
	d := newTestDispatcher(t, respond)
	coord := New(d, nil)

	plan := model.CounterPlan{
		"byCountry": {
			"total_amount": model.Pipeline{{"$group": map[string]any{"_id": nil, "sum": map[string]any{"$sum": "$amount"}}}},
		},
	}
	lookups := []model.IndexLookup{{IndexTypeCode: "1", IndexTypeName: "byCountry", Hash: "abc"}}

	result := coord.Compute(context.Background(), plan, lookups, "fact-current", Config{
		FactsCollection: "facts",
		IndexCollection: "indexEntries",
		DepthLimit:      100,
		TimeoutMs:       1000,
	})

	if len(result.PerType) != 1 || result.PerType[0].Error != "" {
		t.Fatalf("expected one clean per-type metric, got %+v", result.PerType)
	}
	if result.PerType[0].RelevantFacts != 2 {
		t.Errorf("expected 2 relevant facts, got %d", result.PerType[0].RelevantFacts)
	}
	got, ok := result.Counters["total_amount"]
	if !ok {
		t.Fatalf("expected total_amount in merged counters, got %+v", result.Counters)
	}
	if got["sum"] != 99.0 {
		t.Errorf("expected sum=99.0, got %v", got["sum"])
	}
}

func TestComputeIsolatesPerTypeErrors(t *testing.T) {
	respond := func(req ipc.Message) []any {
		return nil
	}
	d := newTestDispatcher(t, respond)
	coord := New(d, nil)

	plan := model.CounterPlan{
		"typeA": {"c1": model.Pipeline{{"$group": map[string]any{"_id": nil}}}},
		"typeB": {"c2": model.Pipeline{{"$group": map[string]any{"_id": nil}}}},
	}
	// Only typeA has a lookup descriptor; typeB must fail in isolation.
	lookups := []model.IndexLookup{{IndexTypeName: "typeA", Hash: "h1"}}

	result := coord.Compute(context.Background(), plan, lookups, "f1", Config{
		FactsCollection: "facts",
		IndexCollection: "indexEntries",
		TimeoutMs:       1000,
	})

	var sawTypeBError bool
	for _, tm := range result.PerType {
		if tm.IndexTypeName == "typeB" && tm.Error != "" {
			sawTypeBError = true
		}
	}
	if !sawTypeBError {
		t.Fatalf("expected typeB to report a missing-lookup error, got %+v", result.PerType)
	}
}
