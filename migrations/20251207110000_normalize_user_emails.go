package migrations

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/drewjocham/mongo-converge/migration"
)

// NormalizeUserEmails lower-cases and trims every stored email address.
func NormalizeUserEmails() (migration.Migration, error) {
	return migration.NewCollectionMigration(
		migration.MustVersion(20251207110000),
		"Normalize user email addresses",
		usersCollection,
		func(_ context.Context, doc *migration.Document) ([]*migration.WriteOperation, error) {
			raw, ok := doc.Get("email")
			email, isString := raw.(string)
			if !ok || !isString {
				return []*migration.WriteOperation{doc.Skip()}, nil
			}
			normalized := strings.ToLower(strings.TrimSpace(email))
			if normalized == email {
				return []*migration.WriteOperation{doc.Skip()}, nil
			}
			op, err := doc.Update(bson.D{{Key: "$set", Value: bson.D{{Key: "email", Value: normalized}}}})
			if err != nil {
				return nil, err
			}
			return []*migration.WriteOperation{op}, nil
		},
		migration.WithProjection(bson.D{{Key: "email", Value: 1}}),
	)
}
