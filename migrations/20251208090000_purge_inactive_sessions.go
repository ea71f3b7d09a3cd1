package migrations

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/drewjocham/mongo-converge/migration"
)

const sessionsCollection = "sessions"

// PurgeInactiveSessions deletes sessions that were revoked before session
// revocation started removing them directly.
func PurgeInactiveSessions() (migration.Migration, error) {
	return migration.NewCollectionMigration(
		migration.MustVersion(20251208090000),
		"Purge revoked sessions",
		sessionsCollection,
		func(_ context.Context, doc *migration.Document) ([]*migration.WriteOperation, error) {
			op, err := doc.Delete()
			if err != nil {
				return nil, err
			}
			return []*migration.WriteOperation{op}, nil
		},
		migration.WithFilter(bson.D{{Key: "revoked", Value: true}}),
		migration.WithBatchSize(500),
	)
}
