package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/swissarmyhammer/acp-host/internal/acp"
	"github.com/swissarmyhammer/acp-host/internal/config"
	"github.com/swissarmyhammer/acp-host/internal/executorllm"
	"github.com/swissarmyhammer/acp-host/internal/fileaccess"
	"github.com/swissarmyhammer/acp-host/internal/flowtool"
	"github.com/swissarmyhammer/acp-host/internal/logging"
	"github.com/swissarmyhammer/acp-host/internal/mcpclient"
	"github.com/swissarmyhammer/acp-host/internal/mcpserver"
	"github.com/swissarmyhammer/acp-host/internal/session"
	"github.com/swissarmyhammer/acp-host/internal/workflow"
)

// availableCommandsPollInterval is how often WatchMCPCapabilities re-checks
// the loopback server's tool list for active sessions.
const availableCommandsPollInterval = 15 * time.Second

var serveDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ACP host on stdio",
	Long: `Run acphost as an Agent Client Protocol server, reading
line-delimited JSON-RPC requests from stdin and writing responses and
session/update notifications to stdout. This is the editor-facing mode.`,
	RunE: runServe,
}

func addServeFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&serveDir, "directory", "", "Working directory (defaults to the current directory)")
}

func init() {
	addServeFlags(serveCmd)
}

// buildHost wires every component together: session store, secure file
// access, the loopback MCP server (file tools plus the flow tool), the LLM
// executor singleton, and the Agent facade. It returns the assembled agent
// and a shutdown func that performs the ordering required before process
// exit.
func buildHost(ctx context.Context, workDir string) (*acp.Agent, func(context.Context), error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, nil, fmt.Errorf("acphost: ensure paths: %w", err)
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, nil, fmt.Errorf("acphost: load config: %w", err)
	}

	store, err := session.NewStore(paths.StoragePath())
	if err != nil {
		return nil, nil, fmt.Errorf("acphost: open session store: %w", err)
	}
	stopCleanup := make(chan struct{})
	store.StartCleanupTask(stopCleanup)

	access := fileaccess.NewSecureFileAccess(
		fileaccess.NewFilePathValidatorWithWorkspace(cfg.WorkspaceRoot).AddBlockedGlob(cfg.BlockedGlobs...))

	registry := flowtool.NewRegistry()
	flowToolHandler := flowtool.NewTool(cfg.WorkflowDirs, cfg.Template, registry,
		func(sessionID string) workflow.ActionExecutor {
			return func(ctx context.Context, state *workflow.State, params map[string]any) (bool, map[string]any, error) {
				// Workflow states have no built-in host action in this
				// release; every transition is driven by the model's own
				// tool calls and succeeds immediately so the engine can
				// advance on frontmatter-declared transitions alone.
				return true, nil, nil
			}
		})

	mcpSrv := mcpserver.NewServer(mcpserver.Config{ListenAddr: cfg.MCP.ListenAddr}, access)
	flowToolHandler.RegisterOn(mcpSrv)
	if err := mcpSrv.Start(ctx); err != nil {
		close(stopCleanup)
		return nil, nil, fmt.Errorf("acphost: start mcp server: %w", err)
	}

	// Wire the executor's tool discovery and the flow tool's per-run port
	// injection at the address the loopback server actually bound
	// (cfg.MCP.ListenAddr may be "127.0.0.1:0").
	cfg.Executor.MCPAddr = mcpSrv.Addr()
	flowToolHandler.MCPPort = mcpSrv.Port()
	executor := executorllm.NewWrapper(cfg.Executor)
	agent := acp.NewAgent(store, executor, registry, 0)

	// A second, independent MCP client drives the AvailableCommands watcher
	// so the Agent's view of the tool list doesn't depend on the executor's
	// own connection lifecycle.
	toolsClient := mcpclient.NewClient()
	if err := toolsClient.AddLoopbackServer(ctx, mcpSrv.Addr()); err != nil {
		logging.Warn().Err(err).Msg("acphost: available-commands watcher could not connect to mcp server")
	} else {
		agent.MCPTools = toolsClient
	}
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	go agent.WatchMCPCapabilities(watchCtx, availableCommandsPollInterval)

	shutdown := func(shutdownCtx context.Context) {
		cancelWatch()
		toolsClient.Close()
		close(stopCleanup)
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("acphost: mcp server shutdown error")
		}
		if err := executorllm.ShutdownGlobalExecutor(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("acphost: executor shutdown error")
		}
	}

	return agent, shutdown, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Str("directory", workDir).Msg("acphost: starting")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	agent, shutdown, err := buildHost(ctx, workDir)
	if err != nil {
		return err
	}

	srv := acp.NewServer(agent)
	agent.Connections = srv.Connections()

	// Serve blocks until stdin hits EOF (the editor disconnected) or ctx is
	// canceled. The request loop runs on this goroutine; the ACP server
	// itself spawns the notification-forwarding goroutine internally.
	serveErr := srv.Serve(ctx, os.Stdin, os.Stdout)

	// Required shutdown ordering: the request loop has already returned
	// (reader closed), so the notification loop has already exited inside
	// Serve. Only now tear down the executor, last, so any
	// GPU-backed model context is freed after every other handler has had
	// its chance to run.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	shutdown(shutdownCtx)

	logging.Info().Msg("acphost: stopped")
	return serveErr
}
