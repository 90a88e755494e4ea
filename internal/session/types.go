// Package session implements the host's session lifecycle and persistence:
// Session/Message types, an in-memory+disk Store with write-through and TTL
// eviction, and cascading cleanup hooks for terminals and background tasks
// indexed by session id.
package session

import (
	"encoding/json"
	"time"

	"github.com/swissarmyhammer/acp-host/internal/sessionid"
)

// UpdateKind discriminates the variants of a session/update notification, per
// the ACP protocol's "sessionUpdate" field.
type UpdateKind string

const (
	KindUserMessageChunk        UpdateKind = "user_message_chunk"
	KindAgentMessageChunk       UpdateKind = "agent_message_chunk"
	KindAgentThoughtChunk       UpdateKind = "agent_thought_chunk"
	KindToolCall                UpdateKind = "tool_call"
	KindToolCallUpdate          UpdateKind = "tool_call_update"
	KindPlan                    UpdateKind = "plan"
	KindAvailableCommandsUpdate UpdateKind = "available_commands_update"
	KindCurrentModeUpdate       UpdateKind = "current_mode_update"
)

// ContentBlock is the minimal text content block used by chunk updates.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextContent builds a plain-text ContentBlock.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolCallInfo describes an in-flight or completed tool call for ToolCall /
// ToolCallUpdate notifications.
type ToolCallInfo struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title,omitempty"`
	Status     string         `json:"status,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
}

// AvailableCommand describes one slash-command the client may offer to the
// user for this session.
type AvailableCommand struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Meta        json.RawMessage `json:"_meta,omitempty"`
}

// SessionUpdate is one variant of the ACP SessionUpdate union. Concrete
// payload is carried in Content/ToolCall/Commands/Mode depending on Kind;
// unused fields are omitted from JSON.
type SessionUpdate struct {
	Kind     UpdateKind         `json:"sessionUpdate"`
	Content  *ContentBlock      `json:"content,omitempty"`
	ToolCall *ToolCallInfo      `json:"toolCall,omitempty"`
	Commands []AvailableCommand `json:"availableCommands,omitempty"`
	Mode     string             `json:"currentModeId,omitempty"`
}

// UserMessageChunk builds a SessionUpdate carrying user-authored text.
func UserMessageChunk(text string) SessionUpdate {
	c := TextContent(text)
	return SessionUpdate{Kind: KindUserMessageChunk, Content: &c}
}

// AgentMessageChunk builds a SessionUpdate carrying agent-authored text.
func AgentMessageChunk(text string) SessionUpdate {
	c := TextContent(text)
	return SessionUpdate{Kind: KindAgentMessageChunk, Content: &c}
}

// AgentThoughtChunk builds a SessionUpdate carrying agent "thinking" text.
func AgentThoughtChunk(text string) SessionUpdate {
	c := TextContent(text)
	return SessionUpdate{Kind: KindAgentThoughtChunk, Content: &c}
}

// systemMessagePrefix marks system-role text stored as an agent chunk;
// there is no separate system variant in the update union.
const systemMessagePrefix = "[System] "

// SystemMessageChunk builds a SessionUpdate for system-role text, stored as
// an agent message chunk with the conventional prefix.
func SystemMessageChunk(text string) SessionUpdate {
	return AgentMessageChunk(systemMessagePrefix + text)
}

// Message is a timestamped wrapper over a SessionUpdate event in a
// session's ordered context.
type Message struct {
	Timestamp time.Time     `json:"timestamp"`
	Update    SessionUpdate `json:"update"`
}

// NewMessage wraps update with the current time.
func NewMessage(update SessionUpdate) Message {
	return Message{Timestamp: time.Now(), Update: update}
}

// ClientCapabilities mirrors the subset of ACP's initialize-time client
// capability manifest the host cares about.
type ClientCapabilities struct {
	FS struct {
		ReadTextFile  bool `json:"readTextFile"`
		WriteTextFile bool `json:"writeTextFile"`
	} `json:"fs"`
	Terminal bool `json:"terminal"`
}

// TurnCounters tracks per-turn resource usage for a session.
type TurnCounters struct {
	RequestCount uint64 `json:"turnRequestCount"`
	TokenCount   uint64 `json:"turnTokenCount"`
}

// Session is the host's in-memory/on-disk representation of a conversation.
//
// Invariant: Cwd.IsAbs() must hold for the lifetime of the Session; violation
// at construction is fatal (see NewSession).
type Session struct {
	ID                 sessionid.SessionId `json:"id"`
	CreatedAt          time.Time           `json:"createdAt"`
	LastAccessed       time.Time           `json:"lastAccessed"`
	Context            []Message           `json:"context"`
	ClientCapabilities *ClientCapabilities `json:"clientCapabilities,omitempty"`
	MCPServers         []string            `json:"mcpServers,omitempty"`
	Cwd                string              `json:"cwd"`
	AvailableCommands  []AvailableCommand  `json:"availableCommands,omitempty"`
	Turn               TurnCounters        `json:"turn"`
	CurrentMode        string              `json:"currentMode,omitempty"`
}
