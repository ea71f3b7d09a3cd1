package logging

import (
	"fmt"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger: a zap core bridged into slog, with the
// context keys of ContextKeys copied onto every record. The zap globals are
// replaced so zap.L() and slog.Default() write to the same sink.
func New(debug bool, logFile string) (*slog.Logger, error) {
	var config zap.Config

	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.Encoding = "json"
	}

	if logFile != "" {
		config.OutputPaths = []string{logFile}
		config.ErrorOutputPaths = []string{logFile}
	}

	zLogger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	zap.ReplaceGlobals(zLogger)

	logger := slog.New(NewContextHandler(zapslog.NewHandler(zLogger.Core()), ContextKeys))
	slog.SetDefault(logger)

	return logger, nil
}

// Sync flushes the global zap logger.
func Sync() error {
	return zap.L().Sync()
}
