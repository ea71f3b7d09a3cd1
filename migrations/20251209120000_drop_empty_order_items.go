package migrations

import (
	"context"

	"github.com/drewjocham/mongo-converge/migration"
)

const ordersCollection = "orders"

// DropEmptyOrderItems pulls zero-quantity line items out of every order.
func DropEmptyOrderItems() (migration.Migration, error) {
	return migration.NewCollectionMigration(
		migration.MustVersion(20251209120000),
		"Drop zero-quantity order items",
		ordersCollection,
		func(_ context.Context, doc *migration.Document) ([]*migration.WriteOperation, error) {
			if _, ok := doc.Get("items"); !ok {
				return []*migration.WriteOperation{doc.Skip()}, nil
			}
			return doc.ForEach("items", func(el *migration.Element) (*migration.WriteOperation, error) {
				qty, _ := el.Get("quantity")
				if isZero(qty) {
					return el.Delete()
				}
				return el.Skip(), nil
			})
		},
		migration.WithBatchSize(200),
	)
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int32:
		return n == 0
	case int64:
		return n == 0
	case float64:
		return n == 0
	default:
		return false
	}
}
