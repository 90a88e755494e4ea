package executorllm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissarmyhammer/acp-host/internal/config"
)

func TestModelSourceDisplayNameHuggingFaceWithFilename(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{
		Source:   "huggingface",
		Repo:     "unsloth/Phi-4-mini-instruct-GGUF",
		Filename: "Phi-4-mini-instruct-Q4_K_M.gguf",
	})
	assert.Equal(t, "unsloth/Phi-4-mini-instruct-GGUF/Phi-4-mini-instruct-Q4_K_M.gguf", m.DisplayName())
}

func TestModelSourceDisplayNameHuggingFaceBareRepo(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{Source: "huggingface", Repo: "unsloth/Phi-4-mini-instruct-GGUF"})
	assert.Equal(t, "unsloth/Phi-4-mini-instruct-GGUF", m.DisplayName())
}

func TestModelSourceDisplayNameHuggingFaceFolderWins(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{
		Source:   "huggingface",
		Repo:     "microsoft/Phi-3-mini-4k-instruct-gguf",
		Filename: "ignored.gguf",
		Folder:   "Phi-3-mini-4k-instruct-q4",
	})
	assert.Equal(t, "microsoft/Phi-3-mini-4k-instruct-gguf/Phi-3-mini-4k-instruct-q4", m.DisplayName())
}

func TestModelSourceDisplayNameLocal(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{Source: "local", Filename: "/path/to/model.gguf"})
	assert.Equal(t, "local:/path/to/model.gguf", m.DisplayName())
}

func TestModelSourceValidateRejectsEmptyRepo(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{Source: "huggingface", Repo: ""})
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrEmptyRepo)
}

func TestModelSourceValidateAcceptsHuggingFaceWithoutFilename(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{Source: "huggingface", Repo: "unsloth/Phi-4-mini-instruct-GGUF"})
	assert.NoError(t, m.Validate())
}

func TestModelSourceValidateRejectsNonGGUFLocalFile(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{Source: "local", Filename: "model.bin"})
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrInvalidExtension)
}

func TestModelSourceValidateRejectsMissingLocalFile(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{Source: "local", Filename: "/nonexistent/model.gguf"})
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrFileNotFound)
}

func TestModelSourceValidateAcceptsExistingLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/model.gguf"
	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))

	m := NewModelSource(config.ExecutorConfig{Source: "local", Filename: path})
	assert.NoError(t, m.Validate())
}

func TestModelSourceValidateRejectsUnknownKind(t *testing.T) {
	m := NewModelSource(config.ExecutorConfig{Source: "bogus"})
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrUnknownSourceKind)
}
