// Command acphost is the Agent Client Protocol host: it speaks
// JSON-RPC-over-stdio to an editor, drives an LLM backend over a loopback
// MCP server, and executes Mermaid-diagram workflows on the model's behalf.
package main

import (
	"fmt"
	"os"

	"github.com/swissarmyhammer/acp-host/cmd/acphost/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
