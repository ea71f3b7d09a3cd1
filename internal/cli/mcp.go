package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drewjocham/mongo-converge/internal/jsonutil"
	"github.com/drewjocham/mongo-converge/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI assistant integration",
		Long: `Start the Model Context Protocol (MCP) server for AI assistants.
IMPORTANT: This command uses stdin/stdout for communication.
Logs are written to stderr or --log-file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := getRunner(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := getConfig(cmd.Context())
			if err != nil {
				return err
			}
			rc, err := cfg.ReadConsistency()
			if err != nil {
				return err
			}

			server, err := mcp.NewServer(runner, cfg.Owner, rc, appVersion, slog.Default())
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}

			slog.InfoContext(cmd.Context(), "Starting MCP server", "pid", os.Getpid())
			if err := server.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				if isClosingError(err) {
					slog.Info("MCP server session ended", "reason", "client disconnected")
					return nil
				}
				return fmt.Errorf("mcp server failure: %w", err)
			}
			return nil
		},
	}
	cmd.AddCommand(newMCPConfigCmd())
	return cmd
}

func newMCPConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Generate MCP configuration JSON for AI assistants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exePath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("could not determine executable path: %w", err)
			}
			return jsonutil.WriteIndented(cmd.OutOrStdout(), mcpClientConfig(exePath, os.Getenv("MONGO_URL"), os.Getenv("MONGO_DATABASE")))
		},
	}
}

func mcpClientConfig(exePath, url, db string) map[string]any {
	if url == "" {
		url = "mongodb://localhost:27017"
	}
	if db == "" {
		db = "your_database"
	}
	return map[string]any{
		"mcpServers": map[string]any{
			"mongo-converge": map[string]any{
				"command": exePath,
				"args":    []string{"mcp"},
				"env": map[string]string{
					"MONGO_URL":      url,
					"MONGO_DATABASE": db,
				},
			},
		},
	}
}

func isClosingError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "EOF")
}
