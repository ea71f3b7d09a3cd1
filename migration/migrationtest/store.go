package migrationtest

import (
	"cmp"
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/drewjocham/mongo-converge/migration"
)

// Database is an in-memory migration.Database. Collections are created on
// first use.
type Database struct {
	name string

	mu          sync.Mutex
	collections map[string]*Collection
}

var _ migration.Database = (*Database)(nil)

func NewDatabase(name string) *Database {
	return &Database{name: name, collections: make(map[string]*Collection)}
}

func (d *Database) Name() string           { return d.name }
func (d *Database) Mongo() *mongo.Database { return nil }

func (d *Database) Collection(name string) migration.Collection {
	return d.C(name)
}

// C returns the concrete collection name, creating it when missing.
func (d *Database) C(name string) *Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	if !ok {
		c = &Collection{name: name}
		d.collections[name] = c
	}
	return c
}

// Collection is an in-memory migration.Collection. It understands equality
// filters on (dotted) fields, $set, $unset, $inc and $pull with an equality
// condition. Projections are ignored.
type Collection struct {
	name string

	mu   sync.Mutex
	docs []bson.M

	bulkWrites   int
	largestBatch int
	failBulk     error
	failCount    error
}

var _ migration.Collection = (*Collection)(nil)

func (c *Collection) Name() string { return c.name }

// Insert appends docs. Every document needs an _id.
func (c *Collection) Insert(docs ...bson.M) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range docs {
		c.docs = append(c.docs, clone(d).(bson.M))
	}
}

// Docs returns a copy of the stored documents sorted by _id.
func (c *Collection) Docs() []bson.M {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bson.M, len(c.docs))
	for i, d := range c.docs {
		out[i] = clone(d).(bson.M)
	}
	sortByID(out)
	return out
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// BulkWrites is the number of BulkWrite calls made so far.
func (c *Collection) BulkWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bulkWrites
}

// LargestBatch is the largest number of models passed to one BulkWrite.
func (c *Collection) LargestBatch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.largestBatch
}

// FailNextBulkWrite makes the next BulkWrite return err without writing.
func (c *Collection) FailNextBulkWrite(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failBulk = err
}

// FailNextCount makes the next CountDocuments return err.
func (c *Collection) FailNextCount(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount = err
}

func (c *Collection) Find(ctx context.Context, filter any, opts migration.FindOptions) (migration.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := toMap(filter)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []bson.M
	for _, d := range c.docs {
		if matches(d, f) {
			matched = append(matched, clone(d).(bson.M))
		}
	}
	sortByID(matched)

	if opts.Skip > 0 {
		matched = matched[min(int(opts.Skip), len(matched)):]
	}
	if opts.Limit > 0 && int(opts.Limit) < len(matched) {
		matched = matched[:opts.Limit]
	}
	return &Cursor{docs: matched, pos: -1}, nil
}

func (c *Collection) CountDocuments(ctx context.Context, filter any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := toMap(filter)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failCount; err != nil {
		c.failCount = nil
		return 0, err
	}
	var n int64
	for _, d := range c.docs {
		if matches(d, f) {
			n++
		}
	}
	return n, nil
}

// BulkWrite applies models in order and stops at the first error.
func (c *Collection) BulkWrite(ctx context.Context, models []mongo.WriteModel) (migration.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return migration.BulkResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bulkWrites++
	c.largestBatch = max(c.largestBatch, len(models))
	if err := c.failBulk; err != nil {
		c.failBulk = nil
		return migration.BulkResult{}, err
	}

	var res migration.BulkResult
	for i, model := range models {
		if err := c.write(model, &res); err != nil {
			return res, fmt.Errorf("write model %d: %w", i, err)
		}
	}
	return res, nil
}

func (c *Collection) write(model mongo.WriteModel, res *migration.BulkResult) error {
	switch m := model.(type) {
	case *mongo.UpdateOneModel:
		f, err := toMap(m.Filter)
		if err != nil {
			return err
		}
		i := c.first(f)
		if i < 0 {
			return nil
		}
		res.Matched++
		modified, err := applyUpdate(c.docs[i], m.Update)
		if err != nil {
			return err
		}
		if modified {
			res.Modified++
		}
	case *mongo.ReplaceOneModel:
		f, err := toMap(m.Filter)
		if err != nil {
			return err
		}
		i := c.first(f)
		if i < 0 {
			return nil
		}
		repl, err := toMap(m.Replacement)
		if err != nil {
			return err
		}
		repl = clone(repl).(bson.M)
		repl["_id"] = c.docs[i]["_id"]
		c.docs[i] = repl
		res.Matched++
		res.Modified++
	case *mongo.DeleteOneModel:
		f, err := toMap(m.Filter)
		if err != nil {
			return err
		}
		if i := c.first(f); i >= 0 {
			c.docs = slices.Delete(c.docs, i, i+1)
			res.Deleted++
		}
	default:
		return fmt.Errorf("unsupported write model %T", model)
	}
	return nil
}

func (c *Collection) first(filter bson.M) int {
	return slices.IndexFunc(c.docs, func(d bson.M) bool { return matches(d, filter) })
}

// Cursor iterates a materialized result set.
type Cursor struct {
	docs []bson.M
	pos  int
}

func (c *Cursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *Cursor) Decode(v any) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return fmt.Errorf("cursor is not positioned on a document")
	}
	doc := c.docs[c.pos]
	switch out := v.(type) {
	case *bson.M:
		*out = clone(doc).(bson.M)
		return nil
	case *map[string]any:
		*out = clone(doc).(bson.M)
		return nil
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, v)
}

func (c *Cursor) Err() error                  { return nil }
func (c *Cursor) Close(context.Context) error { return nil }

func applyUpdate(doc bson.M, update any) (bool, error) {
	u, err := toMap(update)
	if err != nil {
		return false, err
	}
	modified := false
	for op, arg := range u {
		fields, err := toMap(arg)
		if err != nil {
			return false, err
		}
		for path, val := range fields {
			switch op {
			case "$set":
				setPath(doc, path, clone(val))
				modified = true
			case "$unset":
				modified = unsetPath(doc, path) || modified
			case "$inc":
				cur, _ := lookup(doc, path)
				setPath(doc, path, addNumbers(cur, val))
				modified = true
			case "$pull":
				cond, err := toMap(val)
				if err != nil {
					return false, err
				}
				cur, _ := lookup(doc, path)
				items, ok := cur.(bson.A)
				if !ok {
					if plain, isPlain := cur.([]any); isPlain {
						items, ok = bson.A(plain), true
					}
				}
				if !ok {
					continue
				}
				kept := slices.DeleteFunc(slices.Clone(items), func(item any) bool {
					sub, err := toMap(item)
					return err == nil && matches(sub, cond)
				})
				if len(kept) != len(items) {
					setPath(doc, path, kept)
					modified = true
				}
			default:
				return false, fmt.Errorf("unsupported update operator %q", op)
			}
		}
	}
	return modified, nil
}

func matches(doc bson.M, filter bson.M) bool {
	for path, want := range filter {
		if !fieldMatches(doc, strings.Split(path, "."), want) {
			return false
		}
	}
	return true
}

func fieldMatches(v any, path []string, want any) bool {
	if len(path) == 0 {
		if items, ok := v.(bson.A); ok {
			return slices.ContainsFunc(items, func(item any) bool { return equal(item, want) })
		}
		return equal(v, want)
	}
	switch t := v.(type) {
	case bson.M:
		next, ok := t[path[0]]
		if !ok {
			return want == nil
		}
		return fieldMatches(next, path[1:], want)
	case bson.A:
		return slices.ContainsFunc(t, func(item any) bool { return fieldMatches(item, path, want) })
	case []any:
		return fieldMatches(bson.A(t), path, want)
	default:
		if m, err := toMap(v); err == nil {
			return fieldMatches(m, path, want)
		}
		return false
	}
}

func lookup(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(bson.M)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc bson.M, path string, val any) {
	keys := strings.Split(path, ".")
	cur := doc
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(bson.M)
		if !ok {
			next = bson.M{}
			cur[key] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = val
}

func unsetPath(doc bson.M, path string) bool {
	keys := strings.Split(path, ".")
	cur := doc
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(bson.M)
		if !ok {
			return false
		}
		cur = next
	}
	last := keys[len(keys)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}

// toMap normalizes the document shapes the engine produces.
func toMap(v any) (bson.M, error) {
	switch t := v.(type) {
	case nil:
		return bson.M{}, nil
	case bson.M:
		return t, nil
	case map[string]any:
		return t, nil
	case bson.D:
		m := make(bson.M, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m, nil
	default:
		raw, err := bson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported document %T: %w", v, err)
		}
		var m bson.M
		if err := bson.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.D:
		m, _ := toMap(t)
		return m
	case []any:
		return bson.A(t)
	default:
		return v
	}
}

func clone(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = clone(val)
		}
		return out
	case map[string]any:
		return clone(bson.M(t))
	case bson.D:
		m, _ := toMap(t)
		return clone(m)
	case bson.A:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = clone(val)
		}
		return out
	case []any:
		return clone(bson.A(t))
	case []bson.M:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = clone(val)
		}
		return out
	default:
		return v
	}
}

func equal(a, b any) bool {
	if x, ok := asFloat(a); ok {
		if y, ok := asFloat(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func addNumbers(a, b any) any {
	x, _ := asFloat(a)
	y, _ := asFloat(b)
	if isInt(a) && isInt(b) || a == nil && isInt(b) {
		return int64(x + y)
	}
	return x + y
}

func isInt(v any) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func sortByID(docs []bson.M) {
	slices.SortStableFunc(docs, func(a, b bson.M) int { return compareIDs(a["_id"], b["_id"]) })
}

func compareIDs(a, b any) int {
	if x, ok := asFloat(a); ok {
		if y, ok := asFloat(b); ok {
			return cmp.Compare(x, y)
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case bson.ObjectID:
		if y, ok := b.(bson.ObjectID); ok {
			return strings.Compare(x.Hex(), y.Hex())
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
