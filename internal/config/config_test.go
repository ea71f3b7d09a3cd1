package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewjocham/mongo-converge/migration"
)

func TestFromEnvironmentDefaults(t *testing.T) {
	cfg, err := FromEnvironment(map[string]string{"MONGO_DATABASE": "app"})
	require.NoError(t, err)

	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURL)
	assert.Equal(t, "app", cfg.Database)
	assert.Equal(t, migration.DefaultLedgerCollection, cfg.MigrationsCollection)
	assert.Equal(t, 10, cfg.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.RetryTimeout)
	assert.NotEmpty(t, cfg.Owner)

	rc, err := cfg.ReadConsistency()
	require.NoError(t, err)
	assert.Equal(t, migration.ReadPrimary, rc)
}

func TestFromEnvironmentValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing database", env: map[string]string{}, want: "Database"},
		{
			name: "min pool above max",
			env:  map[string]string{"MONGO_DATABASE": "app", "MONGO_MAX_POOL_SIZE": "2", "MONGO_MIN_POOL_SIZE": "5"},
			want: "MinPoolSize",
		},
		{
			name: "unknown read preference",
			env:  map[string]string{"MONGO_DATABASE": "app", "READ_PREFERENCE": "fastest"},
			want: "ReadPreference",
		},
		{
			name: "zero timeout",
			env:  map[string]string{"MONGO_DATABASE": "app", "MONGO_TIMEOUT": "0"},
			want: "Timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnvironment(tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetConnectionString(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "no credentials",
			cfg:  Config{MongoURL: "mongodb://db:27017"},
			want: "mongodb://db:27017",
		},
		{
			name: "credentials injected",
			cfg:  Config{MongoURL: "mongodb://db:27017/?replicaSet=rs0", Username: "app", Password: "s3cret"},
			want: "mongodb://app:s3cret@db:27017/?replicaSet=rs0",
		},
		{
			name: "url credentials win",
			cfg:  Config{MongoURL: "mongodb://root:pw@db:27017", Username: "app", Password: "s3cret"},
			want: "mongodb://root:pw@db:27017",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.GetConnectionString())
		})
	}
}

func TestMasked(t *testing.T) {
	cfg := Config{MongoURL: "mongodb://root:pw@db:27017", Password: "s3cret", Database: "app"}

	masked := cfg.Masked()
	assert.Equal(t, maskedValue, masked.Password)
	assert.NotContains(t, masked.MongoURL, "pw")
	assert.Contains(t, masked.MongoURL, "root")
	assert.Equal(t, "s3cret", cfg.Password)
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MONGO_DATABASE=from_file\nMIGRATION_OWNER=ci\n"), 0o600))

	t.Setenv("MONGO_DATABASE", "")
	require.NoError(t, os.Unsetenv("MONGO_DATABASE"))
	t.Setenv("MIGRATION_OWNER", "")
	require.NoError(t, os.Unsetenv("MIGRATION_OWNER"))

	cfg, err := Load(filepath.Join(dir, "missing.env"), path)
	require.NoError(t, err)
	assert.Equal(t, "from_file", cfg.Database)
	assert.Equal(t, "ci", cfg.Owner)
}
