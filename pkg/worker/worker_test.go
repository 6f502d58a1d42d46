package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/docdb"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/ipc"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
)

type fakeCollection struct {
	docs []map[string]any
	err  error
}

func (c *fakeCollection) Aggregate(ctx context.Context, pipeline []any, opts ...docdb.AggregateOption) ([]map[string]any, error) {
	return c.docs, c.err
}
func (c *fakeCollection) Find(ctx context.Context, filter map[string]any, opts docdb.FindOptions) ([]map[string]any, error) {
	return c.docs, c.err
}
func (c *fakeCollection) UpdateOne(ctx context.Context, filter, update map[string]any, upsert bool) error {
	return c.err
}
func (c *fakeCollection) BulkUpsert(ctx context.Context, ops []docdb.UpsertOp) error { return c.err }
func (c *fakeCollection) CountDocuments(ctx context.Context, filter map[string]any) (int64, error) {
	return int64(len(c.docs)), c.err
}

type fakeDatabase struct {
	collections map[string]*fakeCollection
}

func (d *fakeDatabase) Collection(name string) docdb.Collection {
	if c, ok := d.collections[name]; ok {
		return c
	}
	return &fakeCollection{}
}
func (d *fakeDatabase) Ping(ctx context.Context) error  { return nil }
func (d *fakeDatabase) Close(ctx context.Context) error { return nil }

func TestWorkerHandlesQueryBatch(t *testing.T) {
	parentIn, childOut := io.Pipe()
	childIn, parentOut := io.Pipe()

	db := &fakeDatabase{collections: map[string]*fakeCollection{
		"facts": {docs: []map[string]any{{"total": 5.0}}},
	}}
	connector := func(ctx context.Context, connString, databaseName string, opts map[string]any) (docdb.Database, error) {
		return db, nil
	}

	w := New(childIn, childOut, connector, logging.NewLogger(logging.DefaultConfig()))
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	writer := ipc.NewWriter(parentOut)
	reader := ipc.NewReader(parentIn)

	if err := writer.Send(ipc.Message{Type: ipc.TypeInit, ConnectionString: "mongodb://test", DatabaseName: "db"}); err != nil {
		t.Fatalf("send INIT: %v", err)
	}
	ready, err := reader.Next()
	if err != nil || ready.Type != ipc.TypeReady {
		t.Fatalf("expected READY, got %+v, err=%v", ready, err)
	}

	if err := writer.Send(ipc.Message{
		Type:    ipc.TypeQueryBatch,
		BatchId: "b1",
		Requests: []ipc.Message{
			{Type: ipc.TypeQuery, Id: "q1", CollectionName: "facts", Query: []any{map[string]any{"$match": map[string]any{}}}},
		},
	}); err != nil {
		t.Fatalf("send QUERY_BATCH: %v", err)
	}

	reply, err := reader.Next()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != ipc.TypeResultBatch || len(reply.Results) != 1 {
		t.Fatalf("expected RESULT_BATCH with 1 result, got %+v", reply)
	}
	if reply.Results[0].Id != "q1" {
		t.Errorf("expected result id q1, got %q", reply.Results[0].Id)
	}

	if err := writer.Send(ipc.Message{Type: ipc.TypeShutdown}); err != nil {
		t.Fatalf("send SHUTDOWN: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on SHUTDOWN: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after SHUTDOWN")
	}
}
