package migrations

import "github.com/drewjocham/mongo-converge/migration"

// SourceName is the name the built-in catalog registers under.
const SourceName = "builtin"

// Source returns the catalog of migrations shipped with the binary. Each call
// builds fresh units, so runners never share collection-migration state.
func Source() *migration.Catalog {
	return migration.NewCatalog(SourceName).AddFactory(
		func() (migration.Migration, error) { return &CreateUsersCollection{}, nil },
		NormalizeUserEmails,
		PurgeInactiveSessions,
		DropEmptyOrderItems,
	)
}
