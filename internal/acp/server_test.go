package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler is a minimal Handler for exercising the transport in
// isolation from the Agent facade.
type fakeHandler struct {
	updates chan SessionUpdateNotification

	notified []string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{updates: make(chan SessionUpdateNotification, 8)}
}

func (f *fakeHandler) HandleRequest(_ context.Context, method string, _ json.RawMessage) (any, error) {
	if method == "boom" {
		return nil, NewRPCError(CodeInvalidParams, "boom failed")
	}
	return map[string]string{"method": method}, nil
}

func (f *fakeHandler) HandleNotification(_ context.Context, method string, _ json.RawMessage) {
	f.notified = append(f.notified, method)
}

func (f *fakeHandler) Updates() <-chan SessionUpdateNotification { return f.updates }

func linesOf(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, l := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		lines = append(lines, m)
	}
	return lines
}

// A numeric id must round-trip as a JSON number, not a string.
func TestServer_RequestIdPreservedAsNumber(t *testing.T) {
	handler := newFakeHandler()
	srv := NewServer(handler)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":123,"method":"initialize","params":{}}` + "\n")
	var out bytes.Buffer

	err := srv.Serve(context.Background(), in, &out)
	require.NoError(t, err)

	lines := linesOf(t, &out)
	require.Len(t, lines, 1)
	assert.Equal(t, "2.0", lines[0]["jsonrpc"])
	assert.Equal(t, float64(123), lines[0]["id"])
	assert.NotNil(t, lines[0]["result"])
	assert.Nil(t, lines[0]["error"])
}

// A frame without an id is a notification and must produce no output line,
// not even one with a null id.
func TestServer_NotificationProducesNoResponse(t *testing.T) {
	handler := newFakeHandler()
	srv := NewServer(handler)

	in := strings.NewReader(
		`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"test-session-123"}}` + "\n" +
			`{"jsonrpc":"2.0","id":99,"method":"initialize","params":{}}` + "\n",
	)
	var out bytes.Buffer

	err := srv.Serve(context.Background(), in, &out)
	require.NoError(t, err)

	lines := linesOf(t, &out)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(99), lines[0]["id"])
	assert.Contains(t, handler.notified, "session/cancel")
}

// TestServer_StringIdPreserved ensures a string id is never silently
// coerced to a number or vice versa.
func TestServer_StringIdPreserved(t *testing.T) {
	handler := newFakeHandler()
	srv := NewServer(handler)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":"abc","method":"initialize","params":{}}` + "\n")
	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), in, &out))

	lines := linesOf(t, &out)
	require.Len(t, lines, 1)
	assert.Equal(t, "abc", lines[0]["id"])
}

// TestServer_HandlerErrorBecomesJSONRPCError ensures a request failure
// produces a proper JSON-RPC error envelope with no result key.
func TestServer_HandlerErrorBecomesJSONRPCError(t *testing.T) {
	handler := newFakeHandler()
	srv := NewServer(handler)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"boom","params":{}}` + "\n")
	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), in, &out))

	lines := linesOf(t, &out)
	require.Len(t, lines, 1)
	assert.Nil(t, lines[0]["result"])
	errObj, ok := lines[0]["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(CodeInvalidParams), errObj["code"])
	assert.Equal(t, "boom failed", errObj["message"])
}

// TestServer_BlankLineSkipped covers the "0-byte write, empty line on
// stdin" boundary behavior: it must not produce any output or error.
func TestServer_BlankLineSkipped(t *testing.T) {
	handler := newFakeHandler()
	srv := NewServer(handler)

	in := strings.NewReader("\n" + `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), in, &out))

	lines := linesOf(t, &out)
	require.Len(t, lines, 1)
}

// Outbound session/update params must use the protocol's camelCase field
// names (sessionId, _meta) and never leak Go-side snake_case.
func TestServer_NotificationsAreCamelCaseAndNotSnakeCase(t *testing.T) {
	handler := newFakeHandler()
	srv := NewServer(handler)

	pr, pw := io.Pipe()
	var out bytes.Buffer

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, pr, &out) }()

	handler.updates <- SessionUpdateNotification{
		SessionID: "test123",
		Update: map[string]any{
			"sessionUpdate": "agent_thought_chunk",
			"content":       map[string]any{"type": "text", "text": "test thought"},
		},
		Meta: json.RawMessage(`{"test":true}`),
	}

	// Give the notification loop a moment to drain and write the line,
	// then close the pipe to signal EOF and let Serve return.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	raw := out.String()
	require.Contains(t, raw, `"method":"session/update"`)
	require.Contains(t, raw, `"sessionId":"test123"`)
	require.Contains(t, raw, `"_meta":{"test":true}`)
	assert.NotContains(t, raw, "session_id")
}
