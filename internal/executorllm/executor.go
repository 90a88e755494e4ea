package executorllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/swissarmyhammer/acp-host/internal/config"
	"github.com/swissarmyhammer/acp-host/internal/logging"
	"github.com/swissarmyhammer/acp-host/internal/mcpclient"
)

const (
	defaultMaxTokens      = 4096
	defaultTimeoutSeconds = 120
	retryInitialInterval  = time.Second
	retryMaxInterval      = 30 * time.Second
	retryMaxElapsedTime   = 2 * time.Minute
	retryMaxAttempts      = 3
	mcpConnectGrace       = 200 * time.Millisecond
	maxToolCallRounds     = 5
)

// ResourceStats reports the executor's resource usage, mirroring the
// original executor's monitoring contract. The model runs out-of-process,
// so no memory or model-size figures are reported; ModelLoaded only says
// whether a model is loaded.
type ResourceStats struct {
	ActiveSessions         int
	TotalTokensProcessed   uint64
	AverageTokensPerSecond float64
	ModelLoaded            bool
}

// Executor is the process-wide LLM executor: it owns one eino
// ToolCallingChatModel pointed at a local OpenAI-compatible HTTP endpoint.
// GetGlobalExecutor creates the process's single shared Executor; tests and
// the doctor command's config check construct one directly.
type Executor struct {
	mu          sync.Mutex
	source      ModelSource
	cfg         config.ExecutorConfig
	chatModel   model.ToolCallingChatModel
	mcpClient   *mcpclient.Client
	initialized bool

	totalTokens uint64
	totalTime   time.Duration
}

var (
	globalOnce     sync.Once
	globalExecutor *Executor
	globalErr      error
)

// NewExecutor builds an uninitialized Executor from the given configuration.
func NewExecutor(cfg config.ExecutorConfig) *Executor {
	return &Executor{source: NewModelSource(cfg), cfg: cfg}
}

// GetGlobalExecutor returns the process-wide executor singleton, creating
// and initializing it from cfg on first call. Subsequent calls, even with a
// different cfg, return the already-initialized instance — the model is
// loaded once per process.
func GetGlobalExecutor(ctx context.Context, cfg config.ExecutorConfig) (*Executor, error) {
	globalOnce.Do(func() {
		e := NewExecutor(cfg)
		globalErr = e.Initialize(ctx)
		globalExecutor = e
	})
	return globalExecutor, globalErr
}

// ValidateConfig performs the executor's configuration validation, without
// requiring initialization.
func (e *Executor) ValidateConfig() error {
	if err := e.source.Validate(); err != nil {
		return err
	}
	if e.cfg.BaseURL == "" {
		return fmt.Errorf("executor requires a base_url for the OpenAI-compatible endpoint")
	}
	return nil
}

// Initialize is idempotent: a second call on an already-initialized
// Executor is a no-op, matching the original's "initialized" short-circuit.
func (e *Executor) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	if err := e.ValidateConfig(); err != nil {
		return fmt.Errorf("executor configuration invalid: %w", err)
	}
	if e.cfg.MCPTimeoutSeconds > 300 {
		logging.Warn().Int("timeoutSeconds", e.cfg.MCPTimeoutSeconds).Msg("executorllm: mcp_timeout_seconds is unusually high")
	}

	logging.Info().Str("model", e.source.DisplayName()).Msg("executorllm: initializing")

	maxTokens := defaultMaxTokens
	chatCfg := &openai.ChatModelConfig{
		BaseURL:             e.cfg.BaseURL,
		APIKey:              e.cfg.APIKey,
		Model:               e.source.DisplayName(),
		MaxCompletionTokens: &maxTokens,
	}

	chatModel, err := openai.NewChatModel(ctx, chatCfg)
	if err != nil {
		return fmt.Errorf("executorllm: initialization failed (model: %s): %w", e.source.DisplayName(), err)
	}
	e.chatModel = chatModel

	if e.cfg.MCPAddr != "" {
		// Give the loopback MCP HTTP endpoint a moment to finish binding its
		// listener before the first discovery call reaches it.
		time.Sleep(mcpConnectGrace)
		if err := e.connectTools(ctx); err != nil {
			logging.Warn().Err(err).Str("addr", e.cfg.MCPAddr).Msg("executorllm: mcp tool discovery failed, continuing without tools")
		}
	}

	e.initialized = true
	logging.Info().Str("model", e.source.DisplayName()).Msg("executorllm: initialized")
	return nil
}

// connectTools dials the loopback MCP server, lists its tools, and binds
// them onto the chat model so the backend can request tool calls. Failure
// here is non-fatal: the executor still runs, just without tool-calling.
func (e *Executor) connectTools(ctx context.Context) error {
	client := mcpclient.NewClient()
	if err := client.AddLoopbackServer(ctx, e.cfg.MCPAddr); err != nil {
		return fmt.Errorf("connect loopback mcp server: %w", err)
	}

	tools := client.Tools()
	if len(tools) == 0 {
		e.mcpClient = client
		return nil
	}

	toolInfos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		toolInfos = append(toolInfos, &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(jsonSchemaToParams(t.InputSchema)),
		})
	}

	bound, err := e.chatModel.WithTools(toolInfos)
	if err != nil {
		client.Close()
		return fmt.Errorf("bind tools: %w", err)
	}

	e.chatModel = bound
	e.mcpClient = client
	logging.Info().Int("toolCount", len(tools)).Msg("executorllm: mcp tools bound")
	return nil
}

// jsonSchemaToParams converts a tool's raw JSON-Schema input shape into
// eino's ParameterInfo map.
func jsonSchemaToParams(rawSchema json.RawMessage) map[string]*schema.ParameterInfo {
	if len(rawSchema) == 0 {
		return nil
	}
	var parsed struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(rawSchema, &parsed); err != nil {
		return nil
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, r := range parsed.Required {
		required[r] = true
	}

	params := make(map[string]*schema.ParameterInfo, len(parsed.Properties))
	for name, prop := range parsed.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: required[name],
		}
	}
	return params
}

// IsModelLoaded reports whether Initialize has completed successfully.
func (e *Executor) IsModelLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Shutdown closes the MCP client, drops the chat model reference and marks
// the executor uninitialized. Called on the global singleton it affects every
// holder; Wrapper.Shutdown leaves the singleton untouched.
func (e *Executor) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mcpClient != nil {
		e.mcpClient.Close()
		e.mcpClient = nil
	}
	e.initialized = false
	e.chatModel = nil
	logging.Info().Msg("executorllm: shutdown")
	return nil
}

// ResourceStats returns a snapshot of the executor's usage counters. It
// fails when the executor was never initialized; there is nothing meaningful
// to report before a model is loaded.
func (e *Executor) ResourceStats() (ResourceStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return ResourceStats{}, fmt.Errorf("executorllm: not initialized")
	}
	stats := ResourceStats{ModelLoaded: true, TotalTokensProcessed: e.totalTokens}
	if e.totalTime > 0 {
		stats.AverageTokensPerSecond = float64(e.totalTokens) / e.totalTime.Seconds()
	}
	return stats, nil
}

// newRetryBackoff builds the exponential-backoff-with-jitter policy used for
// transient completion failures.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts), ctx)
}

// ExecutePrompt drives a completion: a system message (if non-empty)
// followed by the rendered user prompt, with retry on transient failure. If
// the loopback MCP server's tools were bound during Initialize, a tool call
// in the response is executed and fed back as a Tool-role message for up to
// maxToolCallRounds rounds before the final text is returned.
func (e *Executor) ExecutePrompt(ctx context.Context, systemPrompt, renderedPrompt string) (string, error) {
	e.mu.Lock()
	chatModel := e.chatModel
	mcpClient := e.mcpClient
	initialized := e.initialized
	e.mu.Unlock()

	if !initialized || chatModel == nil {
		return "", fmt.Errorf("executorllm: not initialized")
	}

	var messages []*schema.Message
	if systemPrompt != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: systemPrompt})
	}
	messages = append(messages, &schema.Message{Role: schema.User, Content: renderedPrompt})

	start := time.Now()
	var totalPromptTokens, totalCompletionTokens int

	for round := 0; ; round++ {
		content, toolCalls, promptTokens, completionTokens, err := e.streamOnce(ctx, chatModel, messages)
		totalPromptTokens += promptTokens
		totalCompletionTokens += completionTokens
		if err != nil {
			return "", fmt.Errorf("executorllm: generation failed: %w", err)
		}

		if len(toolCalls) == 0 || mcpClient == nil {
			elapsed := time.Since(start)
			e.mu.Lock()
			e.totalTime += elapsed
			e.totalTokens += uint64(totalPromptTokens + totalCompletionTokens)
			e.mu.Unlock()

			logging.Debug().
				Dur("elapsed", elapsed).
				Str("model", e.source.DisplayName()).
				Msg("executorllm: prompt executed")
			return content, nil
		}

		if round >= maxToolCallRounds {
			return "", fmt.Errorf("executorllm: exceeded %d tool-call rounds without a final answer", maxToolCallRounds)
		}

		messages = append(messages, &schema.Message{Role: schema.Assistant, Content: content, ToolCalls: toolCalls})
		for _, tc := range toolCalls {
			result, callErr := mcpClient.CallTool(ctx, tc.Function.Name, json.RawMessage(tc.Function.Arguments))
			if callErr != nil {
				result = "Error: " + callErr.Error()
				logging.Warn().Err(callErr).Str("tool", tc.Function.Name).Msg("executorllm: tool call failed")
			}
			messages = append(messages, &schema.Message{Role: schema.Tool, Content: result, ToolCallID: tc.ID})
		}
	}
}

// streamOnce runs one retried streaming completion call, accumulating both
// the text content and any tool-call deltas. eino streams tool calls as
// deltas keyed by Index (falling back to ID when Index is absent), with
// Function.Arguments arriving as JSON fragments that must be concatenated
// in arrival order.
func (e *Executor) streamOnce(ctx context.Context, chatModel model.ToolCallingChatModel, messages []*schema.Message) (string, []schema.ToolCall, int, int, error) {
	var content strings.Builder
	var promptTokens, completionTokens int
	var order []string
	calls := make(map[string]*schema.ToolCall)
	args := make(map[string]*strings.Builder)

	op := func() error {
		content.Reset()
		promptTokens, completionTokens = 0, 0
		order = nil
		calls = make(map[string]*schema.ToolCall)
		args = make(map[string]*strings.Builder)

		stream, err := chatModel.Stream(ctx, messages)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			content.WriteString(chunk.Content)
			for _, tc := range chunk.ToolCalls {
				key := tc.ID
				if tc.Index != nil {
					key = fmt.Sprintf("idx:%d", *tc.Index)
				}
				if key == "" {
					continue
				}
				existing, ok := calls[key]
				if !ok {
					existing = &schema.ToolCall{ID: tc.ID, Function: schema.FunctionCall{Name: tc.Function.Name}}
					calls[key] = existing
					args[key] = &strings.Builder{}
					order = append(order, key)
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				args[key].WriteString(tc.Function.Arguments)
			}
			if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
				promptTokens = chunk.ResponseMeta.Usage.PromptTokens
				completionTokens = chunk.ResponseMeta.Usage.CompletionTokens
			}
		}
	}

	if err := backoff.Retry(op, newRetryBackoff(ctx)); err != nil {
		return "", nil, 0, 0, err
	}

	toolCalls := make([]schema.ToolCall, 0, len(order))
	for _, key := range order {
		tc := *calls[key]
		tc.Function.Arguments = args[key].String()
		toolCalls = append(toolCalls, tc)
	}

	return content.String(), toolCalls, promptTokens, completionTokens, nil
}

// Wrapper provides the same prompt-execution surface as Executor while
// always delegating to the process-wide singleton, so every caller shares
// one loaded model regardless of how many Wrappers are constructed.
type Wrapper struct {
	cfg config.ExecutorConfig
}

// NewWrapper builds a Wrapper around the given configuration. The
// configuration only takes effect if this is the first caller to reach the
// global singleton; subsequent Wrappers reuse whatever was already loaded.
func NewWrapper(cfg config.ExecutorConfig) *Wrapper {
	return &Wrapper{cfg: cfg}
}

// Initialize resolves (and if necessary creates) the global executor.
func (w *Wrapper) Initialize(ctx context.Context) error {
	_, err := GetGlobalExecutor(ctx, w.cfg)
	return err
}

// ExecutePrompt delegates to the global executor singleton.
func (w *Wrapper) ExecutePrompt(ctx context.Context, systemPrompt, renderedPrompt string) (string, error) {
	exec, err := GetGlobalExecutor(ctx, w.cfg)
	if err != nil {
		return "", err
	}
	return exec.ExecutePrompt(ctx, systemPrompt, renderedPrompt)
}

// Shutdown releases this wrapper's interest in the singleton without
// tearing down the singleton itself — matching the original's "global
// singleton remains active" shutdown semantics.
func (w *Wrapper) Shutdown(_ context.Context) error {
	logging.Info().Msg("executorllm: wrapper shutdown, global executor remains active")
	return nil
}

// ShutdownGlobalExecutor shuts down the process-wide singleton, if one was
// ever created. The serve command calls this from its shutdown step after
// the ACP server's Serve returns, so the model's resources are released
// exactly once regardless of how many Wrappers were in play.
func ShutdownGlobalExecutor(ctx context.Context) error {
	if globalExecutor == nil {
		return nil
	}
	return globalExecutor.Shutdown(ctx)
}
