package migration

import (
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const idField = "_id"

// Document is one source document handed to a collection transform. Its
// helpers build write operations keyed on the document identity.
type Document struct {
	data bson.M
}

// NewDocument wraps data.
func NewDocument(data bson.M) *Document {
	if data == nil {
		data = bson.M{}
	}
	return &Document{data: data}
}

// Data returns the decoded document.
func (d *Document) Data() bson.M { return d.data }

func (d *Document) Get(key string) (any, bool) {
	v, ok := d.data[key]
	return v, ok
}

// ID returns the document's _id, if present.
func (d *Document) ID() (any, bool) {
	return d.Get(idField)
}

// IDFilter returns a filter matching this document by _id.
func (d *Document) IDFilter() (bson.D, error) {
	id, ok := d.ID()
	if !ok {
		return nil, fmt.Errorf("%w: a default _id property does not exist in current document", ErrInvalidArgument)
	}
	return bson.D{{Key: idField, Value: id}}, nil
}

// Update plans update against this document.
func (d *Document) Update(update any) (*WriteOperation, error) {
	filter, err := d.IDFilter()
	if err != nil {
		return nil, err
	}
	return UpdateOne(filter, update), nil
}

// UpdateWhere plans update against the first document matching filter.
func (d *Document) UpdateWhere(filter, update any) *WriteOperation {
	return UpdateOne(filter, update)
}

// Replace plans a full replacement of this document.
func (d *Document) Replace(replacement any) (*WriteOperation, error) {
	filter, err := d.IDFilter()
	if err != nil {
		return nil, err
	}
	return ReplaceOne(filter, replacement), nil
}

// Delete plans the removal of this document.
func (d *Document) Delete() (*WriteOperation, error) {
	filter, err := d.IDFilter()
	if err != nil {
		return nil, err
	}
	return DeleteOne(filter), nil
}

// DeleteWhere plans the removal of the first document matching filter.
func (d *Document) DeleteWhere(filter any) *WriteOperation {
	return DeleteOne(filter)
}

// Skip leaves the document untouched.
func (d *Document) Skip() *WriteOperation { return DoNotApply }

// ForEach calls fn for every embedded document of the array stored under
// field and collects the returned operations. Elements for which fn returns
// the skip sentinel produce nothing.
func (d *Document) ForEach(field string, fn func(el *Element) (*WriteOperation, error)) ([]*WriteOperation, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: field name is required", ErrInvalidArgument)
	}
	parent, err := d.IDFilter()
	if err != nil {
		return nil, err
	}
	raw, ok := d.data[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q does not exist in current document", ErrInvalidArgument, field)
	}
	items, ok := asArray(raw)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not an array", ErrInvalidArgument, field)
	}

	var ops []*WriteOperation
	for i, item := range items {
		sub, ok := asDocument(item)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%d is not a document", ErrInvalidArgument, field, i)
		}
		op, err := fn(&Element{parent: parent, field: field, Index: i, data: sub})
		if err != nil {
			return nil, err
		}
		if op != nil && op.IsSkip() {
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Element is an embedded document inside an array field.
type Element struct {
	parent bson.D
	field  string
	data   bson.M

	Index int
}

func (e *Element) Data() bson.M { return e.data }

func (e *Element) Get(key string) (any, bool) {
	v, ok := e.data[key]
	return v, ok
}

// Path returns the dotted path of key inside this element, e.g. items.3.price.
func (e *Element) Path(key string) string {
	return e.field + "." + strconv.Itoa(e.Index) + "." + key
}

// IDFilter matches the parent document by this element's _id.
func (e *Element) IDFilter() (bson.D, error) {
	id, ok := e.data[idField]
	if !ok {
		return nil, fmt.Errorf("%w: a default _id property does not exist in %s.%d", ErrInvalidArgument, e.field, e.Index)
	}
	return bson.D{{Key: e.field + "." + idField, Value: id}}, nil
}

// Update plans update against the parent document, selected by element _id.
func (e *Element) Update(update any) (*WriteOperation, error) {
	filter, err := e.IDFilter()
	if err != nil {
		return nil, err
	}
	return UpdateOne(filter, update), nil
}

// Delete pulls this element from the parent array.
func (e *Element) Delete() (*WriteOperation, error) {
	id, ok := e.data[idField]
	if !ok {
		return nil, fmt.Errorf("%w: a default _id property does not exist in %s.%d", ErrInvalidArgument, e.field, e.Index)
	}
	return e.DeleteWhere(bson.D{{Key: idField, Value: id}}), nil
}

// DeleteWhere pulls every element matching filter from the parent array.
func (e *Element) DeleteWhere(filter any) *WriteOperation {
	return UpdateOne(e.parent, bson.D{{Key: "$pull", Value: bson.D{{Key: e.field, Value: filter}}}})
}

func (e *Element) Skip() *WriteOperation { return DoNotApply }

func asArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []any:
		return a, true
	case []bson.M:
		out := make([]any, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	case []bson.D:
		out := make([]any, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	default:
		return nil, false
	}
}

func asDocument(v any) (bson.M, bool) {
	switch d := v.(type) {
	case bson.M:
		return d, true
	case map[string]any:
		return d, true
	case bson.D:
		m := make(bson.M, len(d))
		for _, e := range d {
			m[e.Key] = e.Value
		}
		return m, true
	default:
		return nil, false
	}
}
