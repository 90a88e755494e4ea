// Package mcpserver runs the host's loopback MCP server: an in-process
// Streamable HTTP (and SSE) endpoint that exposes the secure file tools (and,
// via internal/flowtool, the flow-execution tool) to the LLM backend. The
// executor reaches this server as any other MCP client would, over
// internal/mcpclient.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swissarmyhammer/acp-host/internal/fileaccess"
	"github.com/swissarmyhammer/acp-host/internal/logging"
)

// Config configures the loopback server's listen address.
type Config struct {
	ListenAddr string // e.g. "127.0.0.1:8731"
}

// Server wraps a Streamable HTTP MCP server bound to the host's secure file
// access substrate.
type Server struct {
	cfg    Config
	access *fileaccess.SecureFileAccess

	mcpServer *server.MCPServer
	sseServer *server.SSEServer
	httpSrv   *http.Server

	mu      sync.Mutex
	running bool
	addr    string
}

// NewServer builds the MCP server and registers the file tools against
// access. Additional tools (e.g. internal/flowtool's flow-execution tool)
// are registered by calling RegisterTool before Start.
func NewServer(cfg Config, access *fileaccess.SecureFileAccess) *Server {
	s := &Server{cfg: cfg, access: access}
	s.mcpServer = server.NewMCPServer(
		"acp-host",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerFileTools()
	return s
}

// RegisterTool exposes an additional MCP tool through this server, for
// callers outside this package (the workflow engine's flow tool).
func (s *Server) RegisterTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

func (s *Server) registerFileTools() {
	s.mcpServer.AddTool(mcp.NewTool("read",
		mcp.WithDescription("Reads a file from the workspace with line numbers, optionally paginated"),
		mcp.WithString("filePath", mcp.Required(), mcp.Description("Absolute path to the file")),
		mcp.WithNumber("offset", mcp.Description("Line number to start reading from")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of lines to return")),
	), s.handleRead)

	s.mcpServer.AddTool(mcp.NewTool("write",
		mcp.WithDescription("Writes content to a file in the workspace, creating parent directories as needed"),
		mcp.WithString("filePath", mcp.Required(), mcp.Description("Absolute path to the file")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Content to write")),
	), s.handleWrite)

	s.mcpServer.AddTool(mcp.NewTool("edit",
		mcp.WithDescription("Performs an exact string replacement in a file"),
		mcp.WithString("filePath", mcp.Required(), mcp.Description("Absolute path to the file")),
		mcp.WithString("oldString", mcp.Required(), mcp.Description("Exact text to replace")),
		mcp.WithString("newString", mcp.Required(), mcp.Description("Replacement text")),
		mcp.WithBoolean("replaceAll", mcp.Description("Replace every occurrence instead of requiring a unique match")),
	), s.handleEdit)
}

func (s *Server) handleRead(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("filePath")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := req.GetArguments()
	offset := intArg(args, "offset")
	limit := intArg(args, "limit")

	result, err := s.access.Read(path, offset, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(result.Content), nil
}

func (s *Server) handleWrite(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("filePath")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.access.Write(path, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %s", path)), nil
}

func (s *Server) handleEdit(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("filePath")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	oldString, err := req.RequireString("oldString")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	newString, err := req.RequireString("newString")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	replaceAll := boolArg(req.GetArguments(), "replaceAll")

	result, err := s.access.Edit(path, oldString, newString, replaceAll)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("replaced %d occurrence(s)", result.Replacements)), nil
}

// intArg and boolArg extract optional numeric/boolean arguments from a raw
// MCP argument map, tolerating the JSON-number-as-float64 case and returning
// the zero value for a missing key or any other type.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// Start binds the listen address and serves the Streamable HTTP transport
// at /mcp, the SSE transport at /sse and /message, and a /health liveness
// endpoint. It returns as soon as the socket is bound; serving continues in
// a background goroutine until Stop, and serve errors are only logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcpserver: already running")
	}
	s.mu.Unlock()

	httpTransport := server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))
	s.sseServer = server.NewSSEServer(s.mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", httpTransport)
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.HandleFunc("/health", s.handleHealth)

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("mcpserver: listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("mcpserver: serve error")
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	logging.Info().Str("addr", s.addr).Msg("mcpserver: loopback MCP server listening")
	return nil
}

// Addr returns the bound address, valid after Start returns successfully.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Port returns the bound TCP port, or 0 before Start. A configured listen
// address of ":0" resolves to the actual ephemeral port here.
func (s *Server) Port() int {
	_, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// Stop gracefully shuts down the HTTP transport.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	srv := s.httpSrv
	sse := s.sseServer
	s.mu.Unlock()
	if !running || srv == nil {
		return nil
	}
	if sse != nil {
		if err := sse.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("mcpserver: sse shutdown failed")
		}
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
