package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/drewjocham/mongo-converge/migration"
)

const maskedValue = "****"

// DefaultFiles are the dotenv files read when no --config flag is given.
// Earlier files win: godotenv never overrides a variable that is already set.
var DefaultFiles = []string{".env.local", ".env"}

// Config is the process configuration, read from the environment.
type Config struct {
	MongoURL             string        `env:"MONGO_URL" envDefault:"mongodb://localhost:27017" validate:"required" json:"mongo_url"`
	Database             string        `env:"MONGO_DATABASE" validate:"required" json:"database"`
	Username             string        `env:"MONGO_USERNAME" json:"username,omitempty"`
	Password             string        `env:"MONGO_PASSWORD" json:"password,omitempty"`
	MigrationsCollection string        `env:"MIGRATIONS_COLLECTION" envDefault:"DatabaseVersion" validate:"required" json:"migrations_collection"`
	Owner                string        `env:"MIGRATION_OWNER" json:"owner"`
	Timeout              int           `env:"MONGO_TIMEOUT" envDefault:"10" validate:"gt=0" json:"timeout_seconds"`
	MaxPoolSize          int           `env:"MONGO_MAX_POOL_SIZE" envDefault:"10" validate:"gt=0" json:"max_pool_size"`
	MinPoolSize          int           `env:"MONGO_MIN_POOL_SIZE" envDefault:"0" validate:"gte=0,ltefield=MaxPoolSize" json:"min_pool_size"`
	SSLEnabled           bool          `env:"MONGO_SSL_ENABLED" json:"ssl_enabled"`
	SSLInsecure          bool          `env:"MONGO_SSL_INSECURE" json:"ssl_insecure"`
	ReadPreference       string        `env:"READ_PREFERENCE" envDefault:"primary" validate:"oneof=primary primaryPreferred secondary secondaryPreferred nearest" json:"read_preference"`
	RetryTimeout         time.Duration `env:"MIGRATION_RETRY_TIMEOUT" envDefault:"5m" validate:"gte=0" json:"retry_timeout"`
}

// Load reads the given dotenv files, skipping missing ones, then parses the
// environment. With no paths DefaultFiles are used.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = DefaultFiles
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
	}
	return parse(env.Options{})
}

// FromEnvironment parses environ instead of the process environment.
func FromEnvironment(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ReadConsistency returns the parsed READ_PREFERENCE.
func (c *Config) ReadConsistency() (migration.ReadConsistency, error) {
	return migration.ParseReadConsistency(c.ReadPreference)
}

// GetConnectionString returns MongoURL with Username and Password applied,
// unless the URL already carries credentials.
func (c *Config) GetConnectionString() string {
	if c.Username == "" {
		return c.MongoURL
	}
	u, err := url.Parse(c.MongoURL)
	if err != nil || u.User != nil {
		return c.MongoURL
	}
	u.User = url.UserPassword(c.Username, c.Password)
	return u.String()
}

// Masked returns a copy safe to print.
func (c *Config) Masked() Config {
	out := *c
	if out.Password != "" {
		out.Password = maskedValue
	}
	if u, err := url.Parse(out.MongoURL); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), maskedValue)
			out.MongoURL = u.String()
		}
	}
	return out
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()[:8]
}
