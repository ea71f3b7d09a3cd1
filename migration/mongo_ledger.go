package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	fieldCompletedOn      = "completed_on"
	fieldFailedOn         = "failed_on"
	fieldExceptionMessage = "exception_message"
)

type ledgerDocument struct {
	Version          int64      `bson:"_id"`
	Description      string     `bson:"description"`
	StartedOn        time.Time  `bson:"started_on"`
	CompletedOn      *time.Time `bson:"completed_on"`
	FailedOn         *time.Time `bson:"failed_on"`
	Owner            string     `bson:"owner"`
	ExceptionMessage *string    `bson:"exception_message"`
}

func toLedgerDocument(r Record) ledgerDocument {
	doc := ledgerDocument{
		Version:     r.Version.Int64(),
		Description: r.Description,
		StartedOn:   r.StartedOn,
		CompletedOn: r.CompletedOn,
		FailedOn:    r.FailedOn,
		Owner:       r.Owner,
	}
	if r.ExceptionMessage != "" {
		msg := r.ExceptionMessage
		doc.ExceptionMessage = &msg
	}
	return doc
}

func (d ledgerDocument) record() (Record, error) {
	v, err := NewVersion(d.Version)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Version:     v,
		Description: d.Description,
		StartedOn:   d.StartedOn.UTC(),
		CompletedOn: utcPtr(d.CompletedOn),
		FailedOn:    utcPtr(d.FailedOn),
		Owner:       d.Owner,
	}
	if d.ExceptionMessage != nil {
		rec.ExceptionMessage = *d.ExceptionMessage
	}
	return rec, nil
}

// MongoLedger keeps the ledger in a MongoDB collection keyed by version.
// The _id uniqueness of that collection is the only coordination between
// concurrent workers.
type MongoLedger struct {
	db   *mongo.Database
	name string
}

var _ Ledger = (*MongoLedger)(nil)

// NewMongoLedger returns a ledger stored in db.collection. An empty name
// selects DefaultLedgerCollection.
func NewMongoLedger(db *mongo.Database, collection string) (*MongoLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(collection) == "" {
		collection = DefaultLedgerCollection
	}
	return &MongoLedger{db: db, name: collection}, nil
}

func (l *MongoLedger) CollectionName() string { return l.name }

func (l *MongoLedger) coll() *mongo.Collection { return l.db.Collection(l.name) }

func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: fieldCompletedOn, Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create ledger index: %w", err)
	}
	return nil
}

func (l *MongoLedger) Applied(ctx context.Context) ([]Record, error) {
	cur, err := l.coll().Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	var docs []ledgerDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}

	records := make([]Record, 0, len(docs))
	for _, d := range docs {
		rec, err := d.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *MongoLedger) LastCompleted(ctx context.Context) (*Record, error) {
	var doc ledgerDocument
	err := l.coll().FindOne(ctx,
		bson.D{{Key: fieldCompletedOn, Value: bson.D{{Key: "$ne", Value: nil}}}},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last completed migration: %w", err)
	}
	rec, err := doc.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *MongoLedger) InProgress(ctx context.Context) (bool, error) {
	n, err := l.coll().CountDocuments(ctx,
		bson.D{{Key: fieldCompletedOn, Value: nil}},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("count pending migrations: %w", err)
	}
	return n > 0, nil
}

func (l *MongoLedger) Claim(ctx context.Context, m Migration, owner string) (*Record, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: migration is required", ErrInvalidArgument)
	}
	rec := NewRecord(m, owner, now())
	if _, err := l.coll().InsertOne(ctx, toLedgerDocument(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &ConcurrentClaimError{Version: rec.Version, Err: err}
		}
		return nil, fmt.Errorf("claim migration %s: %w", rec.Version, err)
	}
	return &rec, nil
}

func (l *MongoLedger) Fail(ctx context.Context, rec *Record, cause error) error {
	if rec == nil || cause == nil {
		return fmt.Errorf("%w: record and cause are required", ErrInvalidArgument)
	}
	failedOn := now()
	msg := cause.Error()
	if err := l.set(ctx, rec.Version, bson.D{
		{Key: fieldFailedOn, Value: failedOn},
		{Key: fieldExceptionMessage, Value: msg},
	}); err != nil {
		return fmt.Errorf("record failure of %s: %w", rec.Version, err)
	}
	rec.FailedOn = &failedOn
	rec.ExceptionMessage = msg
	return nil
}

func (l *MongoLedger) Complete(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: record is required", ErrInvalidArgument)
	}
	completedOn := now()
	if err := l.set(ctx, rec.Version, bson.D{{Key: fieldCompletedOn, Value: completedOn}}); err != nil {
		return fmt.Errorf("record completion of %s: %w", rec.Version, err)
	}
	rec.CompletedOn = &completedOn
	return nil
}

func (l *MongoLedger) UpToDate(ctx context.Context, latest Version, rc ReadConsistency) (bool, error) {
	if latest.IsDefault() {
		return false, nil
	}
	rp, err := rc.ReadPref()
	if err != nil {
		return false, err
	}
	coll := l.db.Collection(l.name, options.Collection().SetReadPreference(rp))
	n, err := coll.CountDocuments(ctx, bson.D{
		{Key: "_id", Value: latest.Int64()},
		{Key: fieldCompletedOn, Value: bson.D{{Key: "$ne", Value: nil}}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("query up-to-date state: %w", err)
	}
	return n > 0, nil
}

func (l *MongoLedger) set(ctx context.Context, v Version, fields bson.D) error {
	res, err := l.coll().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: v.Int64()}},
		bson.D{{Key: "$set", Value: fields}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("no ledger record for version %s", v)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
