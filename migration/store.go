package migration

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Database is the handle a migration unit is applied against.
type Database interface {
	Name() string
	Collection(name string) Collection
	// Mongo returns the underlying driver handle, or nil when the database is
	// not backed by MongoDB (for example in tests).
	Mongo() *mongo.Database
}

// Collection is the subset of a document collection the collection engine uses.
type Collection interface {
	Name() string
	Find(ctx context.Context, filter any, opts FindOptions) (Cursor, error)
	BulkWrite(ctx context.Context, models []mongo.WriteModel) (BulkResult, error)
	CountDocuments(ctx context.Context, filter any) (int64, error)
}

// Cursor iterates query results. *mongo.Cursor satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

// FindOptions controls a single paged read.
type FindOptions struct {
	Projection any
	Sort       any
	Skip       int64
	Limit      int64
	BatchSize  int32
}

// BulkResult summarizes one bulk write.
type BulkResult struct {
	Matched  int64
	Modified int64
	Deleted  int64
	Upserted int64
}

// NewDatabase adapts a driver database handle.
func NewDatabase(db *mongo.Database) Database {
	return &mongoDatabase{db: db}
}

type mongoDatabase struct {
	db *mongo.Database
}

func (d *mongoDatabase) Name() string           { return d.db.Name() }
func (d *mongoDatabase) Mongo() *mongo.Database { return d.db }

func (d *mongoDatabase) Collection(name string) Collection {
	return NewCollection(d.db.Collection(name))
}

// NewCollection adapts a driver collection handle.
func NewCollection(coll *mongo.Collection) Collection {
	return &mongoCollection{coll: coll}
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) Name() string { return c.coll.Name() }

func (c *mongoCollection) Find(ctx context.Context, filter any, opts FindOptions) (Cursor, error) {
	if filter == nil {
		filter = bson.D{}
	}
	findOpts := options.Find()
	if opts.Projection != nil {
		findOpts.SetProjection(opts.Projection)
	}
	if opts.Sort != nil {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.BatchSize > 0 {
		findOpts.SetBatchSize(opts.BatchSize)
	}
	cur, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c *mongoCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel) (BulkResult, error) {
	res, err := c.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if res == nil {
		return BulkResult{}, err
	}
	return BulkResult{
		Matched:  res.MatchedCount,
		Modified: res.ModifiedCount,
		Deleted:  res.DeletedCount,
		Upserted: res.UpsertedCount,
	}, err
}

func (c *mongoCollection) CountDocuments(ctx context.Context, filter any) (int64, error) {
	if filter == nil {
		filter = bson.D{}
	}
	return c.coll.CountDocuments(ctx, filter)
}
