package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/swissarmyhammer/acp-host/internal/flowtool"
	"github.com/swissarmyhammer/acp-host/internal/logging"
	"github.com/swissarmyhammer/acp-host/internal/mcpclient"
	"github.com/swissarmyhammer/acp-host/internal/session"
	"github.com/swissarmyhammer/acp-host/internal/sessionid"
	"github.com/swissarmyhammer/acp-host/internal/workflow"
)

// PromptExecutor is the subset of executorllm.Wrapper the Agent facade
// drives — one call per session/prompt.
type PromptExecutor interface {
	Initialize(ctx context.Context) error
	ExecutePrompt(ctx context.Context, systemPrompt, renderedPrompt string) (string, error)
}

// ExtensionHandler services any ACP method the facade doesn't know about
// natively, carrying the raw params through and returning a raw result.
type ExtensionHandler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// Agent is the ACP facade: it owns the session store, the LLM executor
// handle, and a registry of in-flight prompt cancellations, and routes
// every ACP method to the right one.
type Agent struct {
	Store        *session.Store
	Executor     PromptExecutor
	FlowRegistry *flowtool.Registry
	Extension    ExtensionHandler

	// Connections, when set (via Server.Connections()), receives the
	// protocol version negotiated by each connection's initialize call.
	Connections *ConnectionManager

	// MCPTools, when set, is the loopback MCP client WatchMCPCapabilities
	// polls to keep every active session's AvailableCommands current. A
	// nil value disables the watcher.
	MCPTools *mcpclient.Client

	updates chan SessionUpdateNotification

	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// NewAgent builds an Agent facade. updateBuffer sizes the outbound
// session/update channel; 0 uses a sensible default.
func NewAgent(store *session.Store, executor PromptExecutor, registry *flowtool.Registry, updateBuffer int) *Agent {
	if updateBuffer <= 0 {
		updateBuffer = 256
	}
	return &Agent{
		Store:        store,
		Executor:     executor,
		FlowRegistry: registry,
		updates:      make(chan SessionUpdateNotification, updateBuffer),
		cancelFuncs:  make(map[string]context.CancelFunc),
	}
}

// Updates implements Handler.
func (a *Agent) Updates() <-chan SessionUpdateNotification { return a.updates }

func (a *Agent) publish(sessionID string, update session.SessionUpdate, meta json.RawMessage) {
	select {
	case a.updates <- SessionUpdateNotification{SessionID: sessionID, Update: update, Meta: meta}:
	default:
		logging.Warn().Str("sessionId", sessionID).Msg("acp: dropped session/update, subscriber too slow")
	}
}

// HandleRequest implements Handler.
func (a *Agent) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return a.initialize(ctx, params)
	case "authenticate":
		return a.authenticate(ctx, params)
	case "session/new":
		return a.sessionNew(ctx, params)
	case "session/load":
		return a.sessionLoad(ctx, params)
	case "session/set-mode":
		return a.sessionSetMode(ctx, params)
	case "session/prompt":
		return a.sessionPrompt(ctx, params)
	default:
		return a.extension(ctx, method, params)
	}
}

// HandleNotification implements Handler.
func (a *Agent) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	switch method {
	case "session/cancel":
		a.sessionCancel(params)
	default:
		if _, err := a.extension(ctx, method, params); err != nil {
			logging.Warn().Err(err).Str("method", method).Msg("acp: notification handler failed")
		}
	}
}

func (a *Agent) extension(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if a.Extension == nil {
		return nil, NewRPCError(CodeMethodNotFound, fmt.Sprintf("unknown method %q", method))
	}
	raw, err := a.Extension(ctx, method, params)
	if err != nil {
		return nil, err
	}
	// The extension handler's result is already a json.RawMessage; try to
	// decode it back into a structured value so the response serializes as
	// real JSON rather than a doubly-escaped string. Preserve-but-log: if it
	// doesn't parse as JSON, fall back to treating it as a plain string.
	var structured any
	if err := json.Unmarshal(raw, &structured); err != nil {
		logging.Warn().Err(err).Str("method", method).Msg("acp: extension result did not parse as JSON, falling back to string")
		return string(raw), nil
	}
	return structured, nil
}

type initializeParams struct {
	ProtocolVersion    string                      `json:"protocolVersion"`
	ClientCapabilities *session.ClientCapabilities `json:"clientCapabilities,omitempty"`
}

type initializeResult struct {
	ProtocolVersion   string         `json:"protocolVersion"`
	AgentCapabilities map[string]any `json:"agentCapabilities"`
}

func (a *Agent) initialize(ctx context.Context, raw json.RawMessage) (any, error) {
	var params initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, NewRPCError(CodeInvalidParams, "initialize: "+err.Error())
		}
	}
	if a.Executor != nil {
		if err := a.Executor.Initialize(ctx); err != nil {
			logging.Warn().Err(err).Msg("acp: executor initialization deferred")
		}
	}
	if a.Connections != nil {
		if connID, ok := ConnectionIDFromContext(ctx); ok {
			a.Connections.SetProtocolVersion(connID, params.ProtocolVersion)
		}
	}
	return initializeResult{
		ProtocolVersion: "1.0.0",
		AgentCapabilities: map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]any{
				"image": false,
				"audio": false,
			},
		},
	}, nil
}

func (a *Agent) authenticate(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{}, nil
}

type sessionNewParams struct {
	Cwd        string   `json:"cwd"`
	MCPServers []string `json:"mcpServers,omitempty"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

func (a *Agent) sessionNew(_ context.Context, raw json.RawMessage) (any, error) {
	var params sessionNewParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "session/new: "+err.Error())
	}
	id, err := a.Store.CreateSession(params.Cwd, nil)
	if err != nil {
		return nil, fmt.Errorf("session/new: %w", err)
	}
	if len(params.MCPServers) > 0 {
		_ = a.Store.UpdateSession(id, func(s *session.Session) {
			s.MCPServers = params.MCPServers
		})
	}
	return sessionNewResult{SessionID: id.String()}, nil
}

type sessionLoadParams struct {
	SessionID string `json:"sessionId"`
}

func (a *Agent) sessionLoad(_ context.Context, raw json.RawMessage) (any, error) {
	var params sessionLoadParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "session/load: "+err.Error())
	}
	id, err := sessionid.Parse(params.SessionID)
	if err != nil {
		return nil, NewRPCError(CodeInvalidParams, "session/load: "+err.Error())
	}
	sess, err := a.Store.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("session/load: %w", err)
	}
	return sess, nil
}

type sessionSetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

func (a *Agent) sessionSetMode(_ context.Context, raw json.RawMessage) (any, error) {
	var params sessionSetModeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "session/set-mode: "+err.Error())
	}
	id, err := sessionid.Parse(params.SessionID)
	if err != nil {
		return nil, NewRPCError(CodeInvalidParams, "session/set-mode: "+err.Error())
	}
	err = a.Store.UpdateSession(id, func(s *session.Session) {
		s.CurrentMode = params.ModeID
	})
	if err != nil {
		return nil, fmt.Errorf("session/set-mode: %w", err)
	}
	a.publish(params.SessionID, session.SessionUpdate{Kind: session.KindCurrentModeUpdate, Mode: params.ModeID}, nil)
	return map[string]any{}, nil
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type sessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

func promptText(blocks []contentBlock) string {
	var sb []byte
	for i, b := range blocks {
		if i > 0 {
			sb = append(sb, '\n')
		}
		sb = append(sb, b.Text...)
	}
	return string(sb)
}

// sessionPrompt implements session/prompt: append the user turn, run it
// through the executor (registering this session's Notifier so any flow
// tool calls the model makes mid-generation relay progress back as
// session/update notifications), append the agent's reply, and return.
func (a *Agent) sessionPrompt(ctx context.Context, raw json.RawMessage) (any, error) {
	var params sessionPromptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewRPCError(CodeInvalidParams, "session/prompt: "+err.Error())
	}
	id, err := sessionid.Parse(params.SessionID)
	if err != nil {
		return nil, NewRPCError(CodeInvalidParams, "session/prompt: "+err.Error())
	}

	if _, err := a.Store.GetSession(id); err != nil {
		return nil, fmt.Errorf("session/prompt: %w", err)
	}

	promptCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFuncs[params.SessionID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.cancelFuncs, params.SessionID)
		a.mu.Unlock()
		cancel()
	}()

	userText := promptText(params.Prompt)
	update := session.UserMessageChunk(userText)
	_ = a.Store.UpdateSession(id, func(s *session.Session) { s.AddMessage(session.NewMessage(update)) })
	a.publish(params.SessionID, update, nil)

	if a.FlowRegistry != nil {
		a.FlowRegistry.Register(params.SessionID, a.relayFlowNotification(params.SessionID))
		defer a.FlowRegistry.Unregister(params.SessionID)
	}

	if a.Executor == nil {
		return nil, NewRPCError(CodeInternalError, "session/prompt: no executor configured")
	}
	reply, err := a.Executor.ExecutePrompt(promptCtx, "", userText)
	if err != nil {
		if promptCtx.Err() != nil {
			return sessionPromptResult{StopReason: "cancelled"}, nil
		}
		return nil, fmt.Errorf("session/prompt: %w", err)
	}

	agentUpdate := session.AgentMessageChunk(reply)
	_ = a.Store.UpdateSession(id, func(s *session.Session) {
		s.AddMessage(session.NewMessage(agentUpdate))
		s.IncrementTurnRequests()
	})
	a.publish(params.SessionID, agentUpdate, nil)

	return sessionPromptResult{StopReason: "end_turn"}, nil
}

// relayFlowNotification adapts a workflow engine Notification, raised by a
// flow tool call the model made mid-prompt, into an ACP session/update for
// sessionID. State-transition notifications surface as agent thought
// chunks (visible progress, distinct from the final reply); log lines
// surface the same way. Either kind is prefixed with "[<state>] " when the
// notification names a state.
func (a *Agent) relayFlowNotification(sessionID string) flowtool.Notifier {
	return func(n workflow.Notification) {
		text := n.Message
		if n.State != "" {
			text = fmt.Sprintf("[%s] %s", n.State, text)
		}
		a.publish(sessionID, session.AgentThoughtChunk(text), nil)
	}
}

// WatchMCPCapabilities polls the loopback MCP server's tool list on the
// given interval and refreshes every active session's AvailableCommands,
// publishing a session/update notification for any session whose list
// actually changed. It blocks until ctx is canceled, so callers run it in
// its own goroutine; a nil MCPTools makes it return immediately.
func (a *Agent) WatchMCPCapabilities(ctx context.Context, interval time.Duration) {
	if a.MCPTools == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshAvailableCommands()
		}
	}
}

func (a *Agent) refreshAvailableCommands() {
	tools := a.MCPTools.Tools()
	cmds := make([]session.AvailableCommand, 0, len(tools))
	for _, t := range tools {
		cmds = append(cmds, session.AvailableCommand{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	ids, err := a.Store.ListSessions()
	if err != nil {
		logging.Warn().Err(err).Msg("acp: list sessions for capability refresh failed")
		return
	}
	for _, id := range ids {
		changed, err := a.Store.UpdateAvailableCommands(id, cmds)
		if err != nil {
			logging.Warn().Err(err).Str("sessionId", id.String()).Msg("acp: update available commands failed")
			continue
		}
		if changed {
			a.publish(id.String(), session.SessionUpdate{Kind: session.KindAvailableCommandsUpdate, Commands: cmds}, nil)
		}
	}
}

func (a *Agent) sessionCancel(raw json.RawMessage) {
	var params sessionLoadParams
	if err := json.Unmarshal(raw, &params); err != nil {
		logging.Warn().Err(err).Msg("acp: session/cancel: invalid params")
		return
	}
	a.mu.Lock()
	cancel, ok := a.cancelFuncs[params.SessionID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}
