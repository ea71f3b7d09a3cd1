package migration

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// OpKind is the kind of a planned write.
type OpKind int

const (
	OpUpdate OpKind = iota + 1
	OpReplace
	OpDelete
	OpSkip
)

func (k OpKind) String() string {
	switch k {
	case OpUpdate:
		return "update"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	case OpSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// WriteOperation is a single planned mutation produced by a document
// transform and applied later in a bulk write.
type WriteOperation struct {
	kind        OpKind
	filter      any
	update      any
	replacement any
}

// DoNotApply is the sentinel a transform returns to leave a document untouched.
// It must be the only operation returned for that document.
var DoNotApply = &WriteOperation{kind: OpSkip}

// UpdateOne plans an update of the first document matching filter.
func UpdateOne(filter, update any) *WriteOperation {
	return &WriteOperation{kind: OpUpdate, filter: filter, update: update}
}

// ReplaceOne plans a replacement of the first document matching filter.
func ReplaceOne(filter, replacement any) *WriteOperation {
	return &WriteOperation{kind: OpReplace, filter: filter, replacement: replacement}
}

// DeleteOne plans a delete of the first document matching filter.
func DeleteOne(filter any) *WriteOperation {
	return &WriteOperation{kind: OpDelete, filter: filter}
}

func (w *WriteOperation) Kind() OpKind { return w.kind }
func (w *WriteOperation) Filter() any  { return w.filter }

func (w *WriteOperation) IsDelete() bool { return w.kind == OpDelete }
func (w *WriteOperation) IsSkip() bool   { return w.kind == OpSkip }

// Model converts the operation into a driver write model. The skip sentinel
// has no model.
func (w *WriteOperation) Model() (mongo.WriteModel, error) {
	switch w.kind {
	case OpUpdate:
		return mongo.NewUpdateOneModel().SetFilter(w.filter).SetUpdate(w.update), nil
	case OpReplace:
		return mongo.NewReplaceOneModel().SetFilter(w.filter).SetReplacement(w.replacement), nil
	case OpDelete:
		return mongo.NewDeleteOneModel().SetFilter(w.filter), nil
	case OpSkip:
		return nil, fmt.Errorf("%w: skip operation is not writable", ErrInvalidArgument)
	default:
		return nil, fmt.Errorf("%w: unknown write operation kind %d", ErrInvalidArgument, w.kind)
	}
}

// String renders the operation as relaxed extended JSON for debugging.
func (w *WriteOperation) String() string {
	doc := bson.D{{Key: "op", Value: w.kind.String()}}
	if w.filter != nil {
		doc = append(doc, bson.E{Key: "filter", Value: w.filter})
	}
	if w.update != nil {
		doc = append(doc, bson.E{Key: "update", Value: w.update})
	}
	if w.replacement != nil {
		doc = append(doc, bson.E{Key: "replacement", Value: w.replacement})
	}
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return fmt.Sprintf("%s(%v)", w.kind, err)
	}
	return string(out)
}
