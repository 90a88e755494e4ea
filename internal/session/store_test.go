package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissarmyhammer/acp-host/internal/sessionid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestStore_CreateSession_RejectsRelativeCwd(t *testing.T) {
	st := newTestStore(t)
	_, err := st.CreateSession("relative/path", nil)
	assert.Error(t, err)
}

func TestStore_CreateGetReadYourWrites(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateSession(t.TempDir(), nil)
	require.NoError(t, err)

	got, err := st.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.True(t, filepath.IsAbs(got.Cwd))
}

func TestStore_UpdateSession_PersistsAcrossStoreInstances(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	require.NoError(t, err)

	id, err := st.CreateSession(t.TempDir(), nil)
	require.NoError(t, err)

	err = st.UpdateSession(id, func(s *Session) {
		s.CurrentMode = "ask"
	})
	require.NoError(t, err)

	st2, err := NewStore(dir)
	require.NoError(t, err)
	got, err := st2.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "ask", got.CurrentMode)
}

func TestStore_RemoveSession_DeletesDiskFile(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateSession(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = st.RemoveSession(id)
	require.NoError(t, err)

	_, err = st.GetSession(id)
	assert.Error(t, err)
}

func TestStore_ListSessions_UnionsMemoryAndDisk(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	require.NoError(t, err)

	id1, err := st.CreateSession(t.TempDir(), nil)
	require.NoError(t, err)

	// A second Store instance creates a session visible only on disk to st.
	st2, err := NewStore(dir)
	require.NoError(t, err)
	id2, err := st2.CreateSession(t.TempDir(), nil)
	require.NoError(t, err)

	ids, err := st.ListSessions()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, id := range ids {
		found[id.String()] = true
	}
	assert.True(t, found[id1.String()])
	assert.True(t, found[id2.String()])
}

func TestStore_GetSession_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSession(sessionid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateAvailableCommands_OnlyWritesOnChange(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateSession(t.TempDir(), nil)
	require.NoError(t, err)

	cmds := []AvailableCommand{{Name: "plan", Description: "plan mode"}}
	changed, err := st.UpdateAvailableCommands(id, cmds)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = st.UpdateAvailableCommands(id, cmds)
	require.NoError(t, err)
	assert.False(t, changed)
}
