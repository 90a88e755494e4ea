package acp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissarmyhammer/acp-host/internal/fileaccess"
	"github.com/swissarmyhammer/acp-host/internal/flowtool"
	"github.com/swissarmyhammer/acp-host/internal/mcpclient"
	"github.com/swissarmyhammer/acp-host/internal/mcpserver"
	"github.com/swissarmyhammer/acp-host/internal/session"
)

func startLoopbackMCP(t *testing.T) string {
	t.Helper()
	access := fileaccess.NewSecureFileAccessWithWorkspace(t.TempDir())
	srv := mcpserver.NewServer(mcpserver.Config{ListenAddr: "127.0.0.1:0"}, access)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	})
	return srv.Addr()
}

func TestAgent_WatchMCPCapabilities_UpdatesActiveSessionsAndPublishes(t *testing.T) {
	addr := startLoopbackMCP(t)

	client := mcpclient.NewClient()
	t.Cleanup(client.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.AddLoopbackServer(ctx, addr))

	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	agent := NewAgent(store, &stubExecutor{}, flowtool.NewRegistry(), 0)
	agent.MCPTools = client

	id, err := store.CreateSession(t.TempDir(), nil)
	require.NoError(t, err)

	agent.refreshAvailableCommands()

	sess, err := store.GetSession(id)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AvailableCommands)

	require.Len(t, agent.updates, 1)
	notif := <-agent.updates
	assert.Equal(t, id.String(), notif.SessionID)
}

func TestAgent_WatchMCPCapabilities_NilToolsIsNoop(t *testing.T) {
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	agent := NewAgent(store, &stubExecutor{}, nil, 0)

	done := make(chan struct{})
	go func() {
		agent.WatchMCPCapabilities(context.Background(), time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchMCPCapabilities with nil MCPTools did not return immediately")
	}
}
