package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swissarmyhammer/acp-host/internal/config"
	"github.com/swissarmyhammer/acp-host/internal/fileaccess"
	"github.com/swissarmyhammer/acp-host/internal/flowtool"
	"github.com/swissarmyhammer/acp-host/internal/logging"
	"github.com/swissarmyhammer/acp-host/internal/mcpserver"
	"github.com/swissarmyhammer/acp-host/internal/workflow"
)

var (
	mcpDir    string
	mcpListen string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the loopback MCP server standalone, for debugging",
	Long: `Run the host's MCP server (file tools plus the flow tool) on its own,
without the ACP stdio layer, so it can be pointed at with any MCP client for
manual inspection.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpDir, "directory", "", "Working directory (defaults to the current directory)")
	mcpCmd.Flags().StringVar(&mcpListen, "listen", "", "Override the configured listen address")
}

func runMCP(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(mcpDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if mcpListen != "" {
		cfg.MCP.ListenAddr = mcpListen
	}

	access := fileaccess.NewSecureFileAccess(
		fileaccess.NewFilePathValidatorWithWorkspace(cfg.WorkspaceRoot).AddBlockedGlob(cfg.BlockedGlobs...))
	srv := mcpserver.NewServer(mcpserver.Config{ListenAddr: cfg.MCP.ListenAddr}, access)

	registry := flowtool.NewRegistry()
	flowToolHandler := flowtool.NewTool(cfg.WorkflowDirs, cfg.Template, registry,
		func(sessionID string) workflow.ActionExecutor {
			return func(ctx context.Context, state *workflow.State, params map[string]any) (bool, map[string]any, error) {
				return true, nil, nil
			}
		})
	flowToolHandler.RegisterOn(srv)

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("acphost mcp: %w", err)
	}
	flowToolHandler.MCPPort = srv.Port()
	fmt.Printf("mcp server listening on %s (/mcp, /sse, /health)\n", srv.Addr())
	logging.Info().Str("addr", srv.Addr()).Msg("acphost mcp: standalone server running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return srv.Stop(context.Background())
}
