// Package mcpclient is the LLM executor's transport to MCP servers: the
// host's own loopback server by default, plus whatever additional servers a
// session's MCP configuration names. It wraps the official MCP Go SDK
// client, trimmed to
// the subset the executor needs (connect, list tools, call tool).
package mcpclient

import "encoding/json"

// Config describes one MCP server connection.
type Config struct {
	Enabled     bool              `json:"enabled"`
	Type        TransportType     `json:"type"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Timeout     int               `json:"timeout,omitempty"` // milliseconds
}

// TransportType selects how a server is reached.
type TransportType string

const (
	// TransportTypeRemote speaks SSE over HTTP — how the executor reaches
	// the host's own loopback mcpserver.
	TransportTypeRemote TransportType = "remote"
	TransportTypeStdio  TransportType = "stdio"
)

// Tool mirrors an MCP tool descriptor in a JSON-friendly shape.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Status is a connected server's lifecycle state.
type Status string

const (
	StatusConnected  Status = "connected"
	StatusDisabled   Status = "disabled"
	StatusFailed     Status = "failed"
	StatusConnecting Status = "connecting"
)

// ServerInfo is the remote server's self-reported identity.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
