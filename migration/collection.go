package migration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// DefaultBatchSize is the paging and bulk-write size used when none is set.
const DefaultBatchSize = 1000

// TransformFunc maps one source document to the write operations that
// migrate it. Returning DoNotApply leaves the document untouched.
type TransformFunc func(ctx context.Context, doc *Document) ([]*WriteOperation, error)

// CollectionMigration streams the documents of one collection through a
// transform and applies the resulting writes in bounded batches.
type CollectionMigration struct {
	version        Version
	description    string
	collectionName string
	batchSize      int
	filter         any
	projection     any
	transform      TransformFunc
	before         func(ctx context.Context) error
	after          func(ctx context.Context) error
	logger         *slog.Logger

	coll          Collection
	matchedCount  int64
	documentCount int64
	deletedCount  int64
}

// CollectionOption configures a CollectionMigration.
type CollectionOption func(*CollectionMigration)

func WithFilter(filter any) CollectionOption {
	return func(m *CollectionMigration) { m.filter = filter }
}

func WithBatchSize(n int) CollectionOption {
	return func(m *CollectionMigration) { m.batchSize = n }
}

func WithProjection(projection any) CollectionOption {
	return func(m *CollectionMigration) { m.projection = projection }
}

func WithBeforeMigration(fn func(ctx context.Context) error) CollectionOption {
	return func(m *CollectionMigration) { m.before = fn }
}

func WithAfterMigration(fn func(ctx context.Context) error) CollectionOption {
	return func(m *CollectionMigration) { m.after = fn }
}

func WithCollectionLogger(logger *slog.Logger) CollectionOption {
	return func(m *CollectionMigration) { m.logger = logger }
}

// NewCollectionMigration builds a collection migration over collection.
func NewCollectionMigration(
	version Version, description, collection string, transform TransformFunc, opts ...CollectionOption,
) (*CollectionMigration, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("%w: collection name cannot be empty", ErrInvalidArgument)
	}
	if transform == nil {
		return nil, fmt.Errorf("%w: transform is required", ErrInvalidArgument)
	}
	m := &CollectionMigration{
		version:        version,
		description:    description,
		collectionName: collection,
		batchSize:      DefaultBatchSize,
		transform:      transform,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidArgument, m.batchSize)
	}
	return m, nil
}

func (m *CollectionMigration) Version() Version       { return m.version }
func (m *CollectionMigration) Description() string    { return m.description }
func (m *CollectionMigration) CollectionName() string { return m.collectionName }
func (m *CollectionMigration) BatchSize() int         { return m.batchSize }
func (m *CollectionMigration) Filter() any            { return m.filter }
func (m *CollectionMigration) Projection() any        { return m.projection }

// MatchedCount is the number of documents the filter matched when the last
// Apply started.
func (m *CollectionMigration) MatchedCount() int64 { return m.matchedCount }

// DocumentCount is the number of documents visited by the last Apply.
func (m *CollectionMigration) DocumentCount() int64 { return m.documentCount }

// DeletedCount is the number of delete operations written by the last Apply.
func (m *CollectionMigration) DeletedCount() int64 { return m.deletedCount }

func (m *CollectionMigration) BindCollection(coll Collection) { m.coll = coll }

func (m *CollectionMigration) BeforeMigration(ctx context.Context) error {
	if m.before == nil {
		return nil
	}
	return m.before(ctx)
}

func (m *CollectionMigration) AfterMigration(ctx context.Context) error {
	if m.after == nil {
		return nil
	}
	return m.after(ctx)
}

// Apply runs the transform over every matching document. When no collection
// has been bound it is resolved from db.
func (m *CollectionMigration) Apply(ctx context.Context, db Database) error {
	if m.coll == nil {
		if db == nil {
			return fmt.Errorf("%w: no collection bound and no database given", ErrInvalidArgument)
		}
		m.coll = db.Collection(m.collectionName)
	}
	if m.batchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidArgument, m.batchSize)
	}
	return m.run(ctx, m.coll)
}

func (m *CollectionMigration) run(ctx context.Context, coll Collection) error {
	m.matchedCount, m.documentCount, m.deletedCount = 0, 0, 0

	matched, err := coll.CountDocuments(ctx, m.queryFilter())
	if err != nil {
		return m.failure("Failed to count documents", nil, err)
	}
	m.matchedCount = matched
	m.logger.Info("Collection migration started",
		"version", m.version.String(),
		"collection", m.collectionName,
		"matched", humanize.Comma(matched),
	)

	var (
		buffer    []*WriteOperation
		fetched   int64
		removed   int64
		batchSize = int64(m.batchSize)
	)

	flush := func() error {
		deleted, err := m.flush(ctx, coll, buffer)
		removed += deleted
		buffer = buffer[:0]
		return err
	}

	for {
		// Deleted documents no longer occupy a position in the result set,
		// so the offset only advances over the ones still there.
		page, err := m.fetchPage(ctx, coll, fetched-removed, batchSize)
		if err != nil {
			return m.failure("Failed to read documents", nil, err)
		}
		if len(page) == 0 {
			break
		}

		for _, raw := range page {
			ops, err := m.migrateDocument(ctx, NewDocument(raw))
			if err != nil {
				return err
			}
			buffer = append(buffer, ops...)
			m.documentCount++
		}
		fetched += int64(len(page))

		if len(buffer) >= m.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if int64(len(page)) < batchSize {
			break
		}
	}

	if err := flush(); err != nil {
		return err
	}

	m.logger.Info("Collection migration finished",
		"version", m.version.String(),
		"collection", m.collectionName,
		"documents", humanize.Comma(m.documentCount),
		"deleted", humanize.Comma(m.deletedCount),
	)
	return nil
}

func (m *CollectionMigration) queryFilter() any {
	if m.filter == nil {
		return bson.D{}
	}
	return m.filter
}

func (m *CollectionMigration) fetchPage(ctx context.Context, coll Collection, skip, limit int64) ([]bson.M, error) {
	cur, err := coll.Find(ctx, m.queryFilter(), FindOptions{
		Projection: m.projection,
		Sort:       bson.D{{Key: idField, Value: 1}},
		Skip:       skip,
		Limit:      limit,
		BatchSize:  int32(min(limit, int64(1<<31-1))),
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	page := make([]bson.M, 0, limit)
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		page = append(page, doc)
	}
	return page, cur.Err()
}

func (m *CollectionMigration) migrateDocument(ctx context.Context, doc *Document) ([]*WriteOperation, error) {
	id, _ := doc.ID()

	ops, err := m.transform(ctx, doc)
	if err != nil {
		if IsStoreError(err) {
			return nil, m.failure("Failed to migrate document", id, err)
		}
		return nil, err
	}

	var (
		skips   int
		deletes int
		out     = make([]*WriteOperation, 0, len(ops))
	)
	for _, op := range ops {
		switch {
		case op == nil:
			return nil, m.violation(id, "cannot return a nil write operation from a transform")
		case op.IsSkip():
			skips++
			continue
		case op.IsDelete():
			deletes++
		}
		out = append(out, op)
	}

	if deletes > 1 {
		return nil, m.violation(id, fmt.Sprintf(
			"multiple delete write operations are not allowed. delete count: %d. write operations count: %d",
			deletes, len(out)))
	}
	if skips > 0 && (len(out) > 0 || skips > 1) {
		return nil, m.violation(id, fmt.Sprintf(
			"multiple write operations are not allowed when skipping a document. write operations count: %d",
			len(out)+skips))
	}
	return out, nil
}

func (m *CollectionMigration) flush(ctx context.Context, coll Collection, ops []*WriteOperation) (int64, error) {
	var removed int64
	for chunk := range slices.Chunk(ops, m.batchSize) {
		models := make([]mongo.WriteModel, 0, len(chunk))
		var deletes int64
		for _, op := range chunk {
			model, err := op.Model()
			if err != nil {
				return removed, m.failure("Failed to migrate documents", nil, err)
			}
			if op.IsDelete() {
				deletes++
			}
			models = append(models, model)
		}

		res, err := coll.BulkWrite(ctx, models)
		if err != nil {
			return removed, m.failure("Failed to migrate documents", nil, err)
		}
		removed += res.Deleted
		m.deletedCount += deletes

		m.logger.Debug("Flushed write batch",
			"version", m.version.String(),
			"collection", m.collectionName,
			"operations", humanize.Comma(int64(len(models))),
			"modified", res.Modified,
			"deleted", res.Deleted,
		)
	}
	return removed, nil
}

func (m *CollectionMigration) failure(msg string, id any, err error) error {
	return &MigrationFailure{
		Message:     msg,
		Version:     m.version,
		Description: m.description,
		Collection:  m.collectionName,
		DocumentID:  id,
		Err:         err,
	}
}

func (m *CollectionMigration) violation(id any, reason string) error {
	return &ProtocolViolationError{
		Version:    m.version,
		Collection: m.collectionName,
		DocumentID: id,
		Reason:     reason,
	}
}
