package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client manages one or more MCP server connections on behalf of the LLM
// executor.
type Client struct {
	mu        sync.RWMutex
	servers   map[string]*server
	sdkClient *sdkmcp.Client
}

type server struct {
	name       string
	config     *Config
	session    *sdkmcp.ClientSession
	tools      []Tool
	status     Status
	lastError  string
	serverInfo *ServerInfo
}

// NewClient builds an MCP client identifying itself as the acp-host.
func NewClient() *Client {
	sdkClient := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "acp-host",
		Version: "1.0.0",
	}, nil)
	return &Client{
		servers:   make(map[string]*server),
		sdkClient: sdkClient,
	}
}

// AddServer connects to and registers a new MCP server under name. Calling
// AddServer again with the same name is an error; the caller removes it
// first.
func (c *Client) AddServer(ctx context.Context, name string, cfg *Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.servers[name]; exists {
		return fmt.Errorf("mcpclient: server %q already registered", name)
	}

	if !cfg.Enabled {
		c.servers[name] = &server{name: name, config: cfg, status: StatusDisabled}
		return nil
	}

	srv, err := c.connect(ctx, name, cfg)
	if err != nil {
		c.servers[name] = &server{name: name, config: cfg, status: StatusFailed, lastError: err.Error()}
		return err
	}
	c.servers[name] = srv
	return nil
}

// AddLoopbackServer is a convenience wrapper around AddServer for the
// host's own loopback mcpserver, reached via SSE at addr.
func (c *Client) AddLoopbackServer(ctx context.Context, addr string) error {
	return c.AddServer(ctx, "host", &Config{
		Enabled: true,
		Type:    TransportTypeRemote,
		URL:     "http://" + addr + "/sse",
	})
}

func (c *Client) connect(ctx context.Context, name string, cfg *Config) (*server, error) {
	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var transport sdkmcp.Transport
	switch cfg.Type {
	case TransportTypeRemote:
		httpClient := &http.Client{Timeout: timeout}
		transport = &sdkmcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}
	case TransportTypeStdio:
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("mcpclient: empty command for stdio server %q", name)
		}
		cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		transport = &sdkmcp.CommandTransport{Command: cmd}
	default:
		return nil, fmt.Errorf("mcpclient: unknown transport type %q", cfg.Type)
	}

	session, err := c.sdkClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", name, err)
	}

	srv := &server{name: name, config: cfg, session: session, status: StatusConnected}
	if init := session.InitializeResult(); init != nil {
		srv.serverInfo = &ServerInfo{Name: init.ServerInfo.Name, Version: init.ServerInfo.Version}
	}

	if err := srv.listTools(ctx); err != nil {
		srv.tools = nil
	}

	return srv, nil
}

func (s *server) listTools(ctx context.Context) error {
	if s.session == nil {
		return fmt.Errorf("mcpclient: %s not connected", s.name)
	}
	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}
	s.tools = make([]Tool, len(result.Tools))
	for i, t := range result.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		s.tools[i] = Tool{Name: t.Name, Description: t.Description, InputSchema: schema}
	}
	return nil
}

// Tools returns every tool from every connected server, each name prefixed
// with its owning server name so the executor can route a call back to the
// right session.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []Tool
	for name, srv := range c.servers {
		if srv.status != StatusConnected {
			continue
		}
		for _, t := range srv.tools {
			all = append(all, Tool{
				Name:        sanitize(name) + "_" + sanitize(t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return all
}

// CallTool dispatches a prefixed tool name to its owning server and returns
// the tool's rendered text content.
func (c *Client) CallTool(ctx context.Context, prefixedName string, args json.RawMessage) (string, error) {
	c.mu.RLock()
	var target *server
	var original string
	for name, srv := range c.servers {
		if srv.status != StatusConnected {
			continue
		}
		prefix := sanitize(name) + "_"
		if !strings.HasPrefix(prefixedName, prefix) {
			continue
		}
		candidate := strings.TrimPrefix(prefixedName, prefix)
		for _, t := range srv.tools {
			if sanitize(t.Name) == candidate {
				target, original = srv, t.Name
				break
			}
		}
		if target != nil {
			break
		}
	}
	c.mu.RUnlock()

	if target == nil {
		return "", fmt.Errorf("mcpclient: no server owns tool %q", prefixedName)
	}
	if target.session == nil {
		return "", fmt.Errorf("mcpclient: server %q is not connected", target.name)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("mcpclient: parse arguments: %w", err)
		}
	}

	result, err := target.session.CallTool(ctx, &sdkmcp.CallToolParams{Name: original, Arguments: argsMap})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*sdkmcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcpclient: tool %q returned an error: %s", prefixedName, sb.String())
	}
	return sb.String(), nil
}

// RemoveServer disconnects and forgets a server.
func (c *Client) RemoveServer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if srv, ok := c.servers[name]; ok && srv.session != nil {
		_ = srv.session.Close()
	}
	delete(c.servers, name)
}

// Close disconnects every registered server.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, srv := range c.servers {
		if srv.session != nil {
			_ = srv.session.Close()
		}
	}
	c.servers = make(map[string]*server)
}

// sanitize maps an arbitrary name into the character set MCP tool names
// must use.
func sanitize(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
