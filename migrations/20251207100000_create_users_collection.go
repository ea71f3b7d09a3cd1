package migrations

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/drewjocham/mongo-converge/migration"
)

const usersCollection = "users"

// CreateUsersCollection creates the users collection with its schema and
// unique indexes.
type CreateUsersCollection struct{}

func (m *CreateUsersCollection) Version() migration.Version { return migration.MustVersion(20251207100000) }

func (m *CreateUsersCollection) Description() string {
	return "Create users collection with schema validation and indexes"
}

func (m *CreateUsersCollection) Apply(ctx context.Context, db migration.Database) error {
	mdb := db.Mongo()
	if mdb == nil {
		return errors.New("create users collection: a MongoDB database is required")
	}

	validator := bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": []string{"email", "username", "created_at"},
			"properties": bson.M{
				"email":      bson.M{"bsonType": "string", "description": "must be a string and is required"},
				"username":   bson.M{"bsonType": "string", "description": "must be a string and is required"},
				"first_name": bson.M{"bsonType": "string"},
				"last_name":  bson.M{"bsonType": "string"},
				"is_active":  bson.M{"bsonType": "bool"},
				"created_at": bson.M{"bsonType": "date", "description": "must be a date and is required"},
			},
		},
	}

	err := mdb.CreateCollection(ctx, usersCollection, options.CreateCollection().SetValidator(validator))
	var cmdErr mongo.CommandError
	if err != nil && !(errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceExists") {
		return fmt.Errorf("create collection: %w", err)
	}

	_, err = mdb.Collection(usersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("idx_users_email").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetName("idx_users_username").SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}
