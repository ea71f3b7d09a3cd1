package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/drewjocham/mongo-converge/migration"
)

const serverName = "mongo-converge"

// Server exposes a migration runner as MCP tools.
type Server struct {
	mcpServer *mcp.Server
	runner    *migration.Runner
	owner     string
	rc        migration.ReadConsistency
	logger    *slog.Logger
}

// NewServer registers the migration tools. owner is recorded on claims made
// through migration_up unless the caller names another one.
func NewServer(runner *migration.Runner, owner string, rc migration.ReadConsistency, version string, logger *slog.Logger) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil),
		runner:    runner,
		owner:     owner,
		rc:        rc,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.mcpServer }

// Serve runs a session over r and w until the client disconnects or ctx is
// done.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.InfoContext(ctx, "starting mcp server")
	return s.mcpServer.Run(ctx, &mcp.IOTransport{
		Reader: io.NopCloser(r),
		Writer: nopWriteCloser{Writer: w},
	})
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
