package docdb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
)

// mongoDatabase adapts *mongo.Database to Database.
type mongoDatabase struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens a client against connString and selects databaseName,
// applying the read/write profile spec.md §6 mandates: secondaryPreferred
// reads, primary writes, majority write concern without a journal-flush
// guarantee, local read concern.
func Connect(ctx context.Context, connString, databaseName string, opts map[string]any) (Database, error) {
	if databaseName == "" {
		return nil, &StorageError{Code: ErrCodeConfiguration, Operation: "connect", Cause: fmt.Errorf("databaseName is required")}
	}

	clientOpts := options.Client().ApplyURI(connString)
	if maxPoolSize, ok := intOption(opts, "maxPoolSize"); ok {
		clientOpts.SetMaxPoolSize(uint64(maxPoolSize))
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, Classify(err, "connect")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, Classify(err, "ping")
	}

	wc := writeconcern.Majority()
	rc := readconcern.Local()
	dbOpts := options.Database().
		SetReadPreference(readpref.SecondaryPreferred()).
		SetWriteConcern(wc).
		SetReadConcern(rc)

	return &mongoDatabase{
		client: client,
		db:     client.Database(databaseName, dbOpts),
	}, nil
}

func intOption(opts map[string]any, key string) (int, bool) {
	if opts == nil {
		return 0, false
	}
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func (d *mongoDatabase) Collection(name string) Collection {
	return &mongoCollection{coll: d.db.Collection(name)}
}

func (d *mongoDatabase) Ping(ctx context.Context) error {
	return Classify(d.client.Ping(ctx, readpref.SecondaryPreferred()), "ping")
}

func (d *mongoDatabase) Close(ctx context.Context) error {
	return Classify(d.client.Disconnect(ctx), "close")
}

// mongoCollection adapts *mongo.Collection to Collection.
type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline []any, opts ...AggregateOption) ([]map[string]any, error) {
	cfg := applyAggregateOptions(opts)

	aggOpts := options.Aggregate()
	if cfg.allowDiskUse {
		aggOpts.SetAllowDiskUse(true)
	}

	bsonPipeline := make(bson.A, len(pipeline))
	for i, stage := range pipeline {
		bsonPipeline[i] = toBsonValue(stage)
	}

	cursor, err := c.coll.Aggregate(ctx, bsonPipeline, aggOpts)
	if err != nil {
		return nil, Classify(err, "aggregate")
	}
	defer cursor.Close(ctx)

	return decodeAll(ctx, cursor, "aggregate")
}

func (c *mongoCollection) Find(ctx context.Context, filter map[string]any, fo FindOptions) ([]map[string]any, error) {
	findOpts := options.Find()
	if len(fo.Sort) > 0 {
		sort := bson.D{}
		for _, k := range fo.Sort {
			dir := 1
			if k.Descending {
				dir = -1
			}
			sort = append(sort, bson.E{Key: k.Field, Value: dir})
		}
		findOpts.SetSort(sort)
	}
	if fo.Limit > 0 {
		findOpts.SetLimit(fo.Limit)
	}
	if len(fo.Projection) > 0 {
		proj := bson.D{}
		for _, f := range fo.Projection {
			proj = append(proj, bson.E{Key: f, Value: 1})
		}
		if len(fo.Projection) > 0 && fo.Projection[0] != "_id" {
			proj = append(proj, bson.E{Key: "_id", Value: 0})
		}
		findOpts.SetProjection(proj)
	}

	cursor, err := c.coll.Find(ctx, toBsonD(filter), findOpts)
	if err != nil {
		return nil, Classify(err, "find")
	}
	defer cursor.Close(ctx)

	return decodeAll(ctx, cursor, "find")
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update map[string]any, upsert bool) error {
	opts := options.UpdateOne()
	if upsert {
		opts.SetUpsert(true)
	}
	_, err := c.coll.UpdateOne(ctx, toBsonD(filter), toBsonD(update), opts)
	return Classify(err, "updateOne")
}

func (c *mongoCollection) BulkUpsert(ctx context.Context, ops []UpsertOp) error {
	if len(ops) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(ops))
	for _, op := range ops {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(toBsonD(op.Filter)).
			SetUpdate(toBsonD(op.Update)).
			SetUpsert(true))
	}
	_, err := c.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return Classify(err, "bulkUpsert")
}

func (c *mongoCollection) CountDocuments(ctx context.Context, filter map[string]any) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, toBsonD(filter))
	if err != nil {
		return 0, Classify(err, "countDocuments")
	}
	return n, nil
}

// toBsonD converts a generic map to bson.D so callers never construct
// driver types directly; nested maps/slices convert recursively.
func toBsonD(m map[string]any) bson.D {
	if m == nil {
		return bson.D{}
	}
	d := make(bson.D, 0, len(m))
	for k, v := range m {
		d = append(d, bson.E{Key: k, Value: toBsonValue(v)})
	}
	return d
}

func toBsonValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return toBsonD(x)
	case []any:
		out := make(bson.A, len(x))
		for i, e := range x {
			out[i] = toBsonValue(e)
		}
		return out
	default:
		return v
	}
}

type decoder interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
}

func decodeAll(ctx context.Context, cursor decoder, op string) ([]map[string]any, error) {
	var out []map[string]any
	for cursor.Next(ctx) {
		var doc map[string]any
		if err := cursor.Decode(&doc); err != nil {
			return nil, Classify(err, op)
		}
		out = append(out, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, Classify(err, op)
	}
	return out, nil
}
