package cli

import (
	"context"
	"fmt"

	"github.com/drewjocham/mongo-converge/internal/config"
	"github.com/drewjocham/mongo-converge/migration"
)

func getRunner(ctx context.Context) (*migration.Runner, error) {
	r, ok := ctx.Value(ctxRunnerKey).(*migration.Runner)
	if !ok {
		return nil, fmt.Errorf("internal error: migration runner not found in context")
	}
	return r, nil
}

func getConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(ctxConfigKey).(*config.Config)
	if !ok {
		return nil, fmt.Errorf("internal error: config not found in context")
	}
	return cfg, nil
}
