// Package commands provides the acphost CLI commands.
package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swissarmyhammer/acp-host/internal/config"
	"github.com/swissarmyhammer/acp-host/internal/logging"
)

var (
	// Version information set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags.
var (
	printLogs  bool
	logLevel   string
	logFile    bool
	showConfig bool
)

var rootCmd = &cobra.Command{
	Use:   "acphost",
	Short: "acphost - Agent Client Protocol host",
	Long: `acphost speaks the Agent Client Protocol over stdio, drives an LLM
backend over a loopback MCP server, and executes Mermaid workflow diagrams on
the model's behalf.

Run 'acphost serve' to start the ACP host, or 'acphost' with no subcommand
to do the same (serve is the implicit default).`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !printLogs && !logFile {
			// ACP speaks JSON-RPC on stdout, so in the default (stdio) mode
			// every log line goes to the MCP log file under the state
			// directory, named by SWISSARMYHAMMER_LOG_FILE (default mcp.log).
			if err := logging.InitMCPMode(config.GetPaths().LogPath(), logging.ParseLevel(logLevel)); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", err)
			}
		} else {
			logging.Init(logging.Config{
				Level:     logging.ParseLevel(logLevel),
				Output:    os.Stderr,
				Pretty:    printLogs,
				LogToFile: logFile,
			})
		}

		if logFile {
			logging.Info().
				Str("version", Version).
				Str("logFile", logging.GetLogFilePath()).
				Msg("acphost started with file logging")
		}

		if showConfig {
			dir, err := os.Getwd()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
				os.Exit(1)
			}
			cfg, err := config.Load(dir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}
			jsonData, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error marshaling config: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(jsonData))
			os.Exit(0)
		}
	},
	// serve is the implicit default when no subcommand is given, since an
	// editor invoking this binary over a pipe has no way to type a subcommand.
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to a file under the state directory")
	rootCmd.PersistentFlags().BoolVar(&showConfig, "show-config", false, "Print merged configuration as JSON and exit")

	rootCmd.SetVersionTemplate(fmt.Sprintf("acphost %s (%s)\n", Version, BuildTime))

	addServeFlags(rootCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(mcpCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns dir if non-empty, else the process's current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
