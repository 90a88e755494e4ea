// Package flowtool bridges MCP "flow" tool calls from the LLM executor to
// the workflow engine: it discovers a named workflow source, resolves its
// declared parameters against the caller's arguments, runs the engine, and
// forwards the engine's progress notifications into the ACP session-update
// stream for whichever session originated the call.
package flowtool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/swissarmyhammer/acp-host/internal/config"
	"github.com/swissarmyhammer/acp-host/internal/logging"
	"github.com/swissarmyhammer/acp-host/internal/sessionid"
	"github.com/swissarmyhammer/acp-host/internal/workflow"
)

// Notifier receives one workflow.Notification at a time, in emission order,
// for the session that invoked the flow tool. Implementations must not
// block the workflow run for long; the Agent facade's implementation
// translates each notification into an ACP session/update and returns.
type Notifier func(workflow.Notification)

// Registry maps an ACP session id to the Notifier that should receive flow
// notifications raised by tool calls made on that session's behalf. The
// Agent facade registers a session's Notifier before handing a prompt to
// the LLM executor and removes it once the prompt completes.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{notifiers: make(map[string]Notifier)}
}

// Register associates sessionID with notify, replacing any prior entry.
func (r *Registry) Register(sessionID string, notify Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[sessionID] = notify
}

// Unregister removes sessionID's Notifier, if any.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notifiers, sessionID)
}

func (r *Registry) get(sessionID string) (Notifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[sessionID]
	return n, ok
}

// ActionExecutorFactory builds the workflow.ActionExecutor used to run a
// single workflow invocation. Implementations typically close over an
// executorllm.Wrapper and drive the state's description as a prompt.
type ActionExecutorFactory func(sessionID string) workflow.ActionExecutor

// Tool wires workflow discovery, parameter resolution, and execution behind
// a single MCP "flow" tool.
type Tool struct {
	WorkflowDirs []string
	// Context is the configuration layer's TemplateContext; parameter
	// defaults substitute ${VAR} against its entries (process environment
	// winning on collision). A nil Context leaves only the environment.
	Context     *config.TemplateContext
	Registry    *Registry
	NewExecutor ActionExecutorFactory

	// MCPPort is the loopback MCP server's bound port, set by the
	// entrypoint after the server starts. Each run receives it as
	// _mcp_server_port so nested tool calls made by workflow actions can
	// reach the same server. Zero leaves the key out.
	MCPPort int

	parser *workflow.MermaidParser
	engine *workflow.Engine
}

// NewTool builds a Tool ready to register against an mcpserver.Server via
// RegisterOn.
func NewTool(workflowDirs []string, tctx *config.TemplateContext, registry *Registry, newExecutor ActionExecutorFactory) *Tool {
	return &Tool{
		WorkflowDirs: workflowDirs,
		Context:      tctx,
		Registry:     registry,
		NewExecutor:  newExecutor,
		parser:       workflow.NewMermaidParser(),
		engine:       workflow.NewEngine(),
	}
}

// MCPTool returns the tool descriptor the loopback MCP server advertises to
// the model backend.
func (t *Tool) MCPTool() mcp.Tool {
	return mcp.NewTool("flow",
		mcp.WithDescription("Runs a named workflow (a parameterized Mermaid state machine) to completion, streaming progress back to the session"),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("ACP session id this run's notifications belong to")),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow name, resolved against the configured workflow directories")),
		mcp.WithString("parameters", mcp.Description("Caller-supplied workflow parameter values, as a JSON object keyed by parameter name")),
	)
}

// RegisterOn installs the flow tool on srv.
func (t *Tool) RegisterOn(srv interface {
	RegisterTool(mcp.Tool, server.ToolHandlerFunc)
}) {
	srv.RegisterTool(t.MCPTool(), t.Handle)
}

// load finds and parses the named workflow from the configured directories,
// trying both ".md" and ".mmd" extensions.
func (t *Tool) load(name string) (*workflow.Workflow, error) {
	for _, dir := range t.WorkflowDirs {
		for _, ext := range []string{".md", ".mmd"} {
			path := filepath.Join(dir, name+ext)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			return t.parser.Parse(string(data))
		}
	}
	return nil, fmt.Errorf("flowtool: workflow %q not found in %v", name, t.WorkflowDirs)
}

// resolveParameters resolves a run's parameters in two phases: copy the
// caller-supplied args, then fill in any parameter the caller omitted from
// its declared default, substituting ${VAR}/${VAR:-default} against env.
func resolveParameters(wf *workflow.Workflow, args map[string]any, tctx *config.TemplateContext) (map[string]any, error) {
	var vars map[string]string
	if tctx != nil {
		vars = tctx.StringMap()
	}
	env := config.Environment(vars)
	resolved := make(map[string]any, len(wf.Parameters))

	for _, p := range wf.Parameters {
		if v, ok := args[p.Name]; ok {
			resolved[p.Name] = v
			continue
		}
		if p.Default != nil {
			if s, ok := p.Default.(string); ok {
				resolved[p.Name] = config.Expand(s, env)
			} else {
				resolved[p.Name] = p.Default
			}
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("Missing required parameter: %s", p.Name)
		}
	}

	// Carry through any caller-supplied value for a name the workflow didn't
	// declare as a parameter — actions may still read it from context.
	for k, v := range args {
		if _, known := resolved[k]; !known {
			if _, declared := findParam(wf, k); !declared {
				resolved[k] = v
			}
		}
	}
	return resolved, nil
}

func findParam(wf *workflow.Workflow, name string) (workflow.Parameter, bool) {
	for _, p := range wf.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return workflow.Parameter{}, false
}

func validateAll(wf *workflow.Workflow, resolved map[string]any) error {
	for _, p := range wf.Parameters {
		if err := workflow.Validate(p, resolved[p.Name]); err != nil {
			return err
		}
	}
	return nil
}

// Handle is the MCP tool handler: load the workflow, resolve and validate
// parameters, run the engine, and relay notifications to the calling
// session's Notifier.
func (t *Tool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	workflowName, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var rawParams map[string]any
	if paramsJSON, ok := req.GetArguments()["parameters"].(string); ok && paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &rawParams); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flowtool: invalid parameters JSON: %v", err)), nil
		}
	}

	wf, err := t.load(workflowName)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resolved, err := resolveParameters(wf, rawParams, t.Context)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := validateAll(wf, resolved); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resolved["__run_id__"] = sessionid.New().String()
	if t.MCPPort != 0 {
		resolved["_mcp_server_port"] = t.MCPPort
	}

	sender := workflow.NewNotificationSender(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		notify, hasNotifier := t.Registry.get(sessionID)
		for n := range sender.Channel() {
			if hasNotifier {
				notify(n)
			} else {
				logging.Debug().Str("sessionId", sessionID).Str("state", n.State).Msg("flowtool: notification dropped, no registered session")
			}
		}
	}()

	exec := t.NewExecutor(sessionID)
	finalState, runErr := t.engine.Run(ctx, wf, resolved, exec, sender)
	sender.Close()
	<-done

	if runErr != nil {
		return mcp.NewToolResultError(runErr.Error()), nil
	}

	out, _ := json.Marshal(map[string]any{"finalState": finalState, "workflow": workflowName})
	return mcp.NewToolResultText(string(out)), nil
}
