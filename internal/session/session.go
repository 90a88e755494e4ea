package session

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/swissarmyhammer/acp-host/internal/sessionid"
)

// NewSession constructs a Session rooted at an absolute working directory.
// Per the data-model invariant, a non-absolute cwd is a fatal construction
// error, not a soft validation failure.
func NewSession(id sessionid.SessionId, cwd string) (*Session, error) {
	if !filepath.IsAbs(cwd) {
		return nil, fmt.Errorf("session: cwd must be absolute, got %q", cwd)
	}
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastAccessed: now,
		Cwd:          cwd,
	}, nil
}

// AddMessage appends a message to the session's ordered context and bumps
// LastAccessed.
func (s *Session) AddMessage(msg Message) {
	s.Context = append(s.Context, msg)
	s.LastAccessed = time.Now()
}

// Touch advances LastAccessed without otherwise mutating the session; any
// read-for-update path should call this.
func (s *Session) Touch() {
	s.LastAccessed = time.Now()
}

// HasAvailableCommandsChanged reports whether cmds differs from the
// session's current AvailableCommands field-by-field (name, description,
// input schema, meta).
func (s *Session) HasAvailableCommandsChanged(cmds []AvailableCommand) bool {
	if len(cmds) != len(s.AvailableCommands) {
		return true
	}
	for i, c := range cmds {
		existing := s.AvailableCommands[i]
		if c.Name != existing.Name ||
			c.Description != existing.Description ||
			string(c.InputSchema) != string(existing.InputSchema) ||
			string(c.Meta) != string(existing.Meta) {
			return true
		}
	}
	return false
}

// UpdateAvailableCommands replaces AvailableCommands if cmds differs,
// returning whether a change was applied. Callers use the return value to
// decide whether a write-back to disk and an ACP notification are needed.
func (s *Session) UpdateAvailableCommands(cmds []AvailableCommand) bool {
	if !s.HasAvailableCommandsChanged(cmds) {
		return false
	}
	s.AvailableCommands = cmds
	s.Touch()
	return true
}

// ResetTurnCounters zeroes the per-turn counters at the start of a new turn.
func (s *Session) ResetTurnCounters() {
	s.Turn = TurnCounters{}
}

// IncrementTurnRequests increments and returns the per-turn request count.
func (s *Session) IncrementTurnRequests() uint64 {
	s.Turn.RequestCount++
	return s.Turn.RequestCount
}

// AddTurnTokens adds tokens to the per-turn token count and returns the new
// total.
func (s *Session) AddTurnTokens(tokens uint64) uint64 {
	s.Turn.TokenCount += tokens
	return s.Turn.TokenCount
}

// Clone returns a deep-enough copy of the session for callers that must not
// observe concurrent mutation (Store.GetSession returns a clone).
func (s *Session) Clone() *Session {
	out := *s
	out.Context = append([]Message(nil), s.Context...)
	out.MCPServers = append([]string(nil), s.MCPServers...)
	out.AvailableCommands = append([]AvailableCommand(nil), s.AvailableCommands...)
	if s.ClientCapabilities != nil {
		cc := *s.ClientCapabilities
		out.ClientCapabilities = &cc
	}
	return &out
}
