// Package dispatcher implements the Query Dispatcher (spec.md §4.3): a
// facade over pkg/pool that validates and batches aggregation requests,
// spreads them across the ready worker set, preserves input order in the
// response, and keeps rolling execution metrics.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/pool"
)

// Request is one aggregation to execute. Id is auto-assigned when absent.
type Request struct {
	Id             string
	CollectionName string
	Query          []any
	Options        map[string]any
}

// Result is the per-request outcome, mirroring spec.md §6's dispatcher
// response shape.
type Result struct {
	Id      string
	Result  []any
	Error   *ipc.ErrorPayload
	Metrics ipc.Metrics
}

// Summary aggregates counts and byte/time totals for one executeQueries
// call.
type Summary struct {
	Total           int
	Successful      int
	Failed          int
	TotalTimeMs     float64
	TotalQuerySize  int
	TotalResultSize int
}

// Options configures one executeQueries call.
type Options struct {
	TimeoutMs      int
	MaxConcurrency int
}

// Metrics holds the dispatcher's rolling, lifetime totals (spec.md §4.3).
type Metrics struct {
	TotalQueries    int64
	Successful      int64
	Failed          int64
	TotalQueryTime  int64 // accumulated milliseconds, each query's time truncated to whole ms
	TotalResultSize int64
	TotalQuerySize  int64
	LastError       string
}

// Dispatcher routes validated requests to a pool.Pool.
type Dispatcher struct {
	pool *pool.Pool

	mu        sync.Mutex
	lastError string

	totalQueries    int64
	successful      int64
	failed          int64
	totalQueryTime  int64
	totalResultSize int64
	totalQuerySize  int64
}

// New returns a Dispatcher fronting p.
func New(p *pool.Pool) *Dispatcher {
	return &Dispatcher{pool: p}
}

// ExecuteQueries validates requests, partitions them across the ready
// worker set per spec.md §4.3's distribution policy, and returns results in
// input order alongside a batch summary. A zero ready-worker set at
// dispatch time is a configuration/runtime error returned immediately
// (spec.md §5 back-pressure: no internal queue).
func (d *Dispatcher) ExecuteQueries(ctx context.Context, requests []Request, opts Options) ([]Result, Summary, error) {
	if len(requests) == 0 {
		return nil, Summary{}, nil
	}

	normalized, err := normalize(requests)
	if err != nil {
		return nil, Summary{}, err
	}

	ready := d.pool.GetReadyWorkers()
	w := len(ready)
	if w == 0 {
		return nil, Summary{}, fmt.Errorf("dispatcher: no ready workers")
	}

	concurrency := opts.MaxConcurrency
	if concurrency <= 0 || concurrency > w {
		concurrency = w
	}
	if concurrency > len(normalized) {
		concurrency = len(normalized)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	chunkSize := (len(normalized) + concurrency - 1) / concurrency
	results := make([]Result, len(normalized))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		start := i * chunkSize
		if start >= len(normalized) {
			break
		}
		end := start + chunkSize
		if end > len(normalized) {
			end = len(normalized)
		}
		chunk := normalized[start:end]
		worker := ready[i%w]

		wg.Add(1)
		go func(offset int, reqs []Request) {
			defer wg.Done()
			d.executeBatchOnWorker(ctx, worker, offset, reqs, timeout, results)
		}(start, chunk)
	}
	wg.Wait()

	summary := d.buildSummary(results)
	return results, summary, nil
}

func (d *Dispatcher) executeBatchOnWorker(ctx context.Context, worker *pool.WorkerHandle, offset int, reqs []Request, timeout time.Duration, out []Result) {
	ipcRequests := make([]ipc.Message, len(reqs))
	for i, r := range reqs {
		encodedQuery, _ := ipc.EncodeDates(r.Query).([]any)
		encodedOptions, _ := ipc.EncodeDates(r.Options).(map[string]any)
		ipcRequests[i] = ipc.Message{
			Type:           ipc.TypeQuery,
			Id:             r.Id,
			CollectionName: r.CollectionName,
			Query:          encodedQuery,
			Options:        encodedOptions,
		}
	}

	replies, err := d.pool.ExecuteBatch(ctx, worker, ipcRequests, timeout)
	if err != nil {
		for i, r := range reqs {
			out[offset+i] = Result{Id: r.Id, Error: &ipc.ErrorPayload{Name: "TransportError", Message: err.Error()}}
		}
		d.recordError(err.Error())
		return
	}

	for i, msg := range replies {
		res := Result{Id: reqs[i].Id}
		if msg.Type == ipc.TypeError {
			res.Error = &ipc.ErrorPayload{Name: "WorkerError", Message: msg.Message}
			d.recordFailure(res.Error.Message)
		} else {
			res.Result, _ = ipc.Rematerialize(msg.Result).([]any)
			res.Error = msg.Error
			if msg.Metrics != nil {
				res.Metrics = *msg.Metrics
			}
			if res.Error != nil {
				d.recordFailure(res.Error.Message)
			} else {
				d.recordSuccess(res.Metrics)
			}
		}
		out[offset+i] = res
	}
}

func (d *Dispatcher) recordSuccess(m ipc.Metrics) {
	atomic.AddInt64(&d.totalQueries, 1)
	atomic.AddInt64(&d.successful, 1)
	atomic.AddInt64(&d.totalQueryTime, int64(m.QueryTimeMs))
	atomic.AddInt64(&d.totalQuerySize, int64(m.QuerySize))
	atomic.AddInt64(&d.totalResultSize, int64(m.ResultSize))
}

func (d *Dispatcher) recordFailure(msg string) {
	atomic.AddInt64(&d.totalQueries, 1)
	atomic.AddInt64(&d.failed, 1)
	d.recordError(msg)
}

func (d *Dispatcher) recordError(msg string) {
	d.mu.Lock()
	d.lastError = msg
	d.mu.Unlock()
}

func (d *Dispatcher) buildSummary(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Error != nil {
			s.Failed++
		} else {
			s.Successful++
		}
		s.TotalTimeMs += r.Metrics.QueryTimeMs
		s.TotalQuerySize += r.Metrics.QuerySize
		s.TotalResultSize += r.Metrics.ResultSize
	}
	return s
}

// Metrics returns a snapshot of the dispatcher's lifetime rolling totals.
func (d *Dispatcher) Metrics() Metrics {
	d.mu.Lock()
	lastErr := d.lastError
	d.mu.Unlock()
	return Metrics{
		TotalQueries:    atomic.LoadInt64(&d.totalQueries),
		Successful:      atomic.LoadInt64(&d.successful),
		Failed:          atomic.LoadInt64(&d.failed),
		TotalQueryTime:  atomic.LoadInt64(&d.totalQueryTime),
		TotalResultSize: atomic.LoadInt64(&d.totalResultSize),
		TotalQuerySize:  atomic.LoadInt64(&d.totalQuerySize),
		LastError:       lastErr,
	}
}

// normalize validates each request (array-typed pipeline, non-empty
// collection name) and auto-assigns an id when absent.
func normalize(requests []Request) ([]Request, error) {
	out := make([]Request, len(requests))
	for i, r := range requests {
		if r.CollectionName == "" {
			return nil, fmt.Errorf("dispatcher: request %d: collectionName is required", i)
		}
		if r.Query == nil {
			return nil, fmt.Errorf("dispatcher: request %d: query must be a non-nil stage array", i)
		}
		if r.Id == "" {
			r.Id = fmt.Sprintf("req-%d-%d", i, time.Now().UnixNano())
		}
		out[i] = r
	}
	return out, nil
}
