package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drewjocham/mongo-converge/migration"
)

const (
	waitInitialInterval = 200 * time.Millisecond
	waitMaxInterval     = 5 * time.Second
)

type upOptions struct {
	target  string
	owner   string
	wait    bool
	workers int
	timeout time.Duration
}

func newUpCmd() *cobra.Command {
	o := &upOptions{}

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long: `Apply every pending migration in ascending version order, or only those up
to --target. With --wait a version claimed by another process is retried
until that process completes it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := getRunner(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := getConfig(cmd.Context())
			if err != nil {
				return err
			}
			if o.owner == "" {
				o.owner = cfg.Owner
			}
			if !cmd.Flags().Changed("timeout") {
				o.timeout = cfg.RetryTimeout
			}

			if err := runner.Ledger().EnsureIndexes(cmd.Context()); err != nil {
				return fmt.Errorf("prepare ledger: %w", err)
			}
			return o.run(cmd.Context(), runner, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.target, "target", "t", "", "Stop after this version")
	f.StringVar(&o.owner, "owner", "", "Identity recorded on claims (default: MIGRATION_OWNER or host name)")
	f.BoolVar(&o.wait, "wait", false, "Retry versions claimed by another process until they complete")
	f.IntVar(&o.workers, "workers", 1, "Number of concurrent runners (implies --wait when above 1)")
	f.DurationVar(&o.timeout, "timeout", 0, "Give up waiting after this long (default: MIGRATION_RETRY_TIMEOUT)")
	return cmd
}

func (o *upOptions) run(ctx context.Context, runner *migration.Runner, out io.Writer) error {
	// nil means the latest registered version. An explicit target of 0 is
	// honored as "apply nothing".
	var target *migration.Version
	if o.target != "" {
		v, err := migration.ParseVersion(o.target)
		if err != nil {
			return fmt.Errorf("invalid --target: %w", err)
		}
		target = &v
	}
	logIntent(ctx, o.target)

	if o.workers <= 1 {
		if err := o.converge(ctx, runner, target, o.owner); err != nil {
			return fmt.Errorf("migration up failed: %w", err)
		}
	} else {
		o.wait = true
		g, gctx := errgroup.WithContext(ctx)
		for i := range o.workers {
			owner := fmt.Sprintf("%s-w%d", o.owner, i+1)
			g.Go(func() error { return o.converge(gctx, runner, target, owner) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("migration up failed: %w", err)
		}
	}

	if target == nil {
		fmt.Fprintln(out, "✨ Database is up to date!")
	} else {
		fmt.Fprintf(out, "✨ Database migrated to version %s\n", *target)
	}
	return nil
}

func (o *upOptions) converge(ctx context.Context, runner *migration.Runner, target *migration.Version, owner string) error {
	apply := func() error {
		if target == nil {
			return runner.UpdateToLatest(ctx, owner)
		}
		return runner.UpdateTo(ctx, *target, owner)
	}
	if !o.wait {
		return apply()
	}

	op := func() error {
		err := apply()
		var conflict *migration.ConcurrentClaimError
		if err == nil || !errors.As(err, &conflict) {
			return backoff.Permanent(err)
		}
		failed, ferr := claimFailed(ctx, runner, conflict.Version)
		if ferr != nil {
			return backoff.Permanent(ferr)
		}
		if failed {
			return backoff.Permanent(fmt.Errorf("version %s failed in another process: %w", conflict.Version, err))
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.InfoContext(ctx, "Waiting for concurrent migration", "owner", owner, "retry_in", wait, "reason", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = waitInitialInterval
	b.MaxInterval = waitMaxInterval
	b.MaxElapsedTime = o.timeout
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func claimFailed(ctx context.Context, runner *migration.Runner, v migration.Version) (bool, error) {
	records, err := runner.AppliedMigrations(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.Version == v {
			return rec.IsFailed(), nil
		}
	}
	return false, nil
}

func logIntent(ctx context.Context, target string) {
	if target != "" {
		slog.InfoContext(ctx, "Running migrations up to target", "target", target)
		return
	}
	slog.InfoContext(ctx, "Running all pending migrations")
}
