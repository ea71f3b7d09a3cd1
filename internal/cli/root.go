package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/drewjocham/mongo-converge/internal/config"
	"github.com/drewjocham/mongo-converge/internal/jsonutil"
	"github.com/drewjocham/mongo-converge/internal/logging"
	"github.com/drewjocham/mongo-converge/internal/metrics"
	"github.com/drewjocham/mongo-converge/migration"
	"github.com/drewjocham/mongo-converge/migrations"
)

type contextKey string

const (
	ctxRunnerKey contextKey = "runner"
	ctxConfigKey contextKey = "config"

	annotationOffline = "offline"

	maxPingRetries = 5
	pingRetryDelay = 1 * time.Second
	pingTimeout    = 2 * time.Second
)

var appVersion, commit, date = "dev", "none", "unknown"

var ErrShowConfigDisplayed = errors.New("configuration displayed")

// ConnectFunc opens the store behind a runner. The returned close function
// releases it.
type ConnectFunc func(ctx context.Context, cfg *config.Config, registry *migration.Registry, opts ...migration.RunnerOption) (*migration.Runner, func(context.Context) error, error)

type rootOptions struct {
	configFile  string
	debug       bool
	logFile     string
	showConfig  bool
	metricsAddr string

	sources []migration.Source
	connect ConnectFunc

	once    sync.Once
	cancel  context.CancelFunc
	closeDB func(context.Context) error
}

// NewRootCmd builds the converge command tree over the given migration
// sources.
func NewRootCmd(sources ...migration.Source) *cobra.Command {
	return newRootCmd(&rootOptions{sources: sources, connect: ConnectMongo})
}

func newRootCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge MongoDB databases to the latest migration version",
		Long: `converge applies versioned migrations to a MongoDB database.

Any number of converge processes may run against the same database at once:
every version is claimed in the ledger collection before it is applied, and
the claim can only be won by one of them.`,
		Version: fmt.Sprintf("%s (commit: %s, build date: %s)", appVersion, commit, date),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.setupDependencies(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) { o.teardown(cmd.Context()) },
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	pFlags := cmd.PersistentFlags()
	pFlags.StringVarP(&o.configFile, "config", "c", "", "Path to a dotenv config file")
	pFlags.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	pFlags.StringVar(&o.logFile, "log-file", "", "Path to write logs to a file")
	pFlags.BoolVar(&o.showConfig, "show-config", false, "Print the effective configuration (with secrets masked) and exit")
	pFlags.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	cmd.AddCommand(
		newUpCmd(), newStatusCmd(), newHistoryCmd(), newCreateCmd(),
		newMCPCmd(), newVersionCmd(),
	)

	return cmd
}

func (o *rootOptions) setupDependencies(cmd *cobra.Command) error {
	if _, err := logging.New(o.debug, o.logFile); err != nil {
		return fmt.Errorf("logger init: %w", err)
	}

	if o.showConfig {
		cfg, err := o.loadConfig()
		if err != nil {
			return err
		}
		if err := renderConfig(cmd, cfg); err != nil {
			return err
		}
		return ErrShowConfigDisplayed
	}
	if isOffline(cmd) {
		return nil
	}

	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	ctx := logging.With(cmd.Context(), logging.CommandKey, cmd.Name())
	ctx = logging.With(ctx, logging.DatabaseKey, cfg.Database)
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	collector := metrics.NewCollector()
	if o.metricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, o.metricsAddr); err != nil {
				slog.ErrorContext(ctx, "metrics server failed", "addr", o.metricsAddr, "error", err)
			}
		}()
	}

	runner, closeDB, err := o.connect(ctx, cfg, migration.NewRegistry(o.sources...),
		migration.WithLogger(slog.Default()),
		migration.WithObserver(collector),
	)
	if err != nil {
		cancel()
		return err
	}
	o.closeDB = closeDB

	ctx = context.WithValue(ctx, ctxConfigKey, cfg)
	ctx = context.WithValue(ctx, ctxRunnerKey, runner)
	cmd.SetContext(ctx)
	return nil
}

func isOffline(cmd *cobra.Command) bool {
	if cmd.Annotations[annotationOffline] == "true" {
		return true
	}
	offlineNames := map[string]bool{"help": true, "version": true, "create": true, "config": true, "completion": true}
	return offlineNames[cmd.Name()]
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	var paths []string
	if o.configFile != "" {
		paths = []string{o.configFile}
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func renderConfig(cmd *cobra.Command, cfg *config.Config) error {
	return jsonutil.WriteIndented(cmd.OutOrStdout(), cfg.Masked())
}

// ConnectMongo dials MongoDB with cfg and returns a runner over its ledger.
func ConnectMongo(
	ctx context.Context,
	cfg *config.Config,
	registry *migration.Registry,
	opts ...migration.RunnerOption,
) (*migration.Runner, func(context.Context) error, error) {
	clientOpts := options.Client().
		ApplyURI(cfg.GetConnectionString()).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetMinPoolSize(uint64(cfg.MinPoolSize)).
		SetConnectTimeout(time.Duration(cfg.Timeout) * time.Second).
		SetServerSelectionTimeout(time.Duration(cfg.Timeout) * time.Second)

	if cfg.SSLEnabled {
		clientOpts.SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.SSLInsecure}) //nolint:gosec // opt-in via MONGO_SSL_INSECURE
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	disconnect := func(ctx context.Context) error {
		return client.Disconnect(context.WithoutCancel(ctx))
	}

	if err := retryPing(ctx, client); err != nil {
		_ = disconnect(ctx)
		return nil, nil, err
	}

	db := client.Database(cfg.Database)
	ledger, err := migration.NewMongoLedger(db, cfg.MigrationsCollection)
	if err != nil {
		_ = disconnect(ctx)
		return nil, nil, err
	}
	runner, err := migration.NewRunner(migration.NewDatabase(db), ledger, registry, opts...)
	if err != nil {
		_ = disconnect(ctx)
		return nil, nil, err
	}
	return runner, disconnect, nil
}

func retryPing(ctx context.Context, client *mongo.Client) error {
	attempt := 0
	ping := func() error {
		attempt++
		pCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return client.Ping(pCtx, nil)
	}
	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "MongoDB ping failed", "attempt", attempt, "max", maxPingRetries, "retry_in", wait, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(pingRetryDelay), maxPingRetries-1), ctx)
	if err := backoff.RetryNotify(ping, b, notify); err != nil {
		return fmt.Errorf("mongodb unreachable after %d attempts: %w", attempt, err)
	}
	return nil
}

func (o *rootOptions) teardown(ctx context.Context) {
	o.once.Do(func() {
		if o.closeDB != nil {
			if err := o.closeDB(ctx); err != nil {
				slog.Warn("failed to disconnect mongo client", "error", err)
			}
		}
		if o.cancel != nil {
			o.cancel()
		}
		_ = logging.Sync()
	})
}

// Execute runs the command line with the built-in migrations until it
// finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := &rootOptions{sources: []migration.Source{migrations.Source()}, connect: ConnectMongo}
	defer o.teardown(ctx)

	err := newRootCmd(o).ExecuteContext(ctx)
	if errors.Is(err, ErrShowConfigDisplayed) {
		return nil
	}
	return err
}
