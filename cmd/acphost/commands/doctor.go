package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/swissarmyhammer/acp-host/internal/config"
	"github.com/swissarmyhammer/acp-host/internal/executorllm"
	"github.com/swissarmyhammer/acp-host/internal/fileaccess"
	"github.com/swissarmyhammer/acp-host/internal/mcpserver"
)

var doctorDir string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Validate configuration and environment",
	Long: `doctor loads the merged configuration, checks the workspace root and
workflow directories exist, and validates the executor configuration without
loading the model, reporting anything that would stop acphost from serving.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorDir, "directory", "", "Working directory (defaults to the current directory)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(doctorDir)
	if err != nil {
		return err
	}

	fmt.Println("acphost doctor")
	fmt.Println()

	paths := config.GetPaths()
	fmt.Printf("  data dir:    %s\n", paths.Data)
	fmt.Printf("  config dir:  %s\n", paths.Config)
	fmt.Printf("  state dir:   %s\n", paths.State)
	fmt.Printf("  storage dir: %s\n", paths.StoragePath())

	ok := true

	cfg, err := config.Load(workDir)
	if err != nil {
		fmt.Printf("  [FAIL] config load: %v\n", err)
		return fmt.Errorf("doctor: config failed to load")
	}
	fmt.Println("  [ OK ] config loaded")

	if info, err := os.Stat(cfg.WorkspaceRoot); err != nil || !info.IsDir() {
		fmt.Printf("  [FAIL] workspace root %q is not a directory\n", cfg.WorkspaceRoot)
		ok = false
	} else {
		fmt.Printf("  [ OK ] workspace root %s\n", cfg.WorkspaceRoot)
	}

	for _, dir := range cfg.WorkflowDirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			fmt.Printf("  [WARN] workflow dir %q is not reachable\n", dir)
			continue
		}
		fmt.Printf("  [ OK ] workflow dir %s\n", dir)
	}

	execCfg := executorllm.NewExecutor(cfg.Executor)
	if err := execCfg.ValidateConfig(); err != nil {
		fmt.Printf("  [FAIL] executor config: %v\n", err)
		ok = false
	} else {
		fmt.Println("  [ OK ] executor config")
	}

	if cfg.MCP.ListenAddr == "" {
		fmt.Println("  [WARN] mcp.listen_addr is unset, falling back to default")
	} else {
		fmt.Printf("  [ OK ] mcp listen address %s\n", cfg.MCP.ListenAddr)
	}

	if err := probeMCPHealth(cfg); err != nil {
		fmt.Printf("  [FAIL] mcp loopback health probe: %v\n", err)
		ok = false
	} else {
		fmt.Println("  [ OK ] mcp loopback health probe")
	}

	if !ok {
		return fmt.Errorf("doctor: one or more checks failed")
	}
	return nil
}

// probeMCPHealth starts the loopback MCP server on an ephemeral port,
// exercises its /health endpoint over real HTTP, and tears it down. This
// checks the whole serving path (HTTP listener, mux, handler), not just that
// the configuration parses.
func probeMCPHealth(cfg *config.HostConfig) error {
	access := fileaccess.NewSecureFileAccess(
		fileaccess.NewFilePathValidatorWithWorkspace(cfg.WorkspaceRoot).AddBlockedGlob(cfg.BlockedGlobs...))
	srv := mcpserver.NewServer(mcpserver.Config{ListenAddr: "127.0.0.1:0"}, access)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() { _ = srv.Stop(ctx) }()

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
