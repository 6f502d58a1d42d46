// Package worker implements the Worker Process message loop (spec.md
// §4.1): it receives INIT/QUERY/QUERY_BATCH/SHUTDOWN over an ipc.Reader and
// replies over an ipc.Writer, running each aggregation against a docdb
// database connection it owns exclusively. A panic or fatal error inside
// this loop terminates only the worker process, never the parent.
package worker

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/docdb"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
)

// Connector opens a docdb.Database; production wires docdb.Connect, tests
// can substitute an in-memory fake.
type Connector func(ctx context.Context, connString, databaseName string, opts map[string]any) (docdb.Database, error)

// Worker runs the message loop for one counter-worker process.
type Worker struct {
	reader    *ipc.Reader
	writer    *ipc.Writer
	connector Connector
	log       *logging.Logger

	db docdb.Database
}

// New constructs a Worker reading from r and replying to w.
func New(r io.Reader, w io.Writer, connector Connector, log *logging.Logger) *Worker {
	return &Worker{
		reader:    ipc.NewReader(r),
		writer:    ipc.NewWriter(w),
		connector: connector,
		log:       log,
	}
}

// Run blocks processing messages until SHUTDOWN or the stream closes. It
// returns nil on a clean SHUTDOWN or when the input stream ends; it returns
// an error on an INIT failure (after sending ERROR) or a read failure, and
// cmd/counter-worker exits non-zero on a non-nil return.
func (w *Worker) Run(ctx context.Context) error {
	msg, err := w.reader.Next()
	if err != nil {
		return err
	}
	if msg.Type != ipc.TypeInit {
		w.sendError("expected INIT as first message")
		return errUnexpectedFirstMessage
	}
	if err := w.handleInit(ctx, msg); err != nil {
		w.sendError(err.Error())
		return err
	}

	for {
		msg, err := w.reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch msg.Type {
		case ipc.TypeQuery:
			w.handleQuery(ctx, msg)
		case ipc.TypeQueryBatch:
			w.handleQueryBatch(ctx, msg)
		case ipc.TypeShutdown:
			if w.db != nil {
				_ = w.db.Close(ctx)
			}
			return nil
		default:
			w.log.Warnf("worker: ignoring unexpected message type %s", msg.Type)
		}
	}
}

var errUnexpectedFirstMessage = &initError{"first message must be INIT"}

type initError struct{ msg string }

func (e *initError) Error() string { return e.msg }

func (w *Worker) handleInit(ctx context.Context, msg ipc.Message) error {
	db, err := w.connector(ctx, msg.ConnectionString, msg.DatabaseName, msg.DatabaseOptions)
	if err != nil {
		return err
	}
	w.db = db
	return w.writer.Send(ipc.Message{Type: ipc.TypeReady})
}

func (w *Worker) handleQuery(ctx context.Context, req ipc.Message) {
	w.writer.Send(w.execute(ctx, req))
}

func (w *Worker) handleQueryBatch(ctx context.Context, req ipc.Message) {
	results := make([]*ipc.Message, len(req.Requests))
	for i, r := range req.Requests {
		res := w.execute(ctx, r)
		results[i] = &res
	}
	w.writer.Send(ipc.Message{Type: ipc.TypeResultBatch, BatchId: req.BatchId, Results: results})
}

// execute runs one QUERY's pipeline and builds its RESULT message,
// rematerializing dates in the decoded query on the way in and encoding
// them back to ISO strings on the way out (spec.md §6.1).
func (w *Worker) execute(ctx context.Context, req ipc.Message) ipc.Message {
	start := time.Now()

	rematerialized := ipc.Rematerialize(map[string]any{"query": req.Query})
	pipeline, _ := rematerialized.(map[string]any)["query"].([]any)

	docs, err := w.db.Collection(req.CollectionName).Aggregate(ctx, pipeline)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		return ipc.Message{
			Type:    ipc.TypeResult,
			Id:      req.Id,
			Error:   &ipc.ErrorPayload{Name: "QueryError", Message: err.Error()},
			Metrics: &ipc.Metrics{QueryTimeMs: elapsed},
		}
	}

	result := make([]any, len(docs))
	for i, d := range docs {
		result[i] = ipc.EncodeDates(d)
	}

	resultSize := 0
	if data, err := json.Marshal(result); err == nil {
		resultSize = len(data)
	}

	return ipc.Message{
		Type:    ipc.TypeResult,
		Id:      req.Id,
		Result:  result,
		Metrics: &ipc.Metrics{QueryTimeMs: elapsed, ResultSize: resultSize},
	}
}

func (w *Worker) sendError(message string) {
	_ = w.writer.Send(ipc.Message{Type: ipc.TypeError, Message: message})
}
