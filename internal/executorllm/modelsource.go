package executorllm

import (
	"fmt"
	"os"
	"strings"

	"github.com/swissarmyhammer/acp-host/internal/config"
)

// ModelSource identifies which model backs the executor, for validation and
// display purposes only — requests are always served over HTTP.
type ModelSource struct {
	// Kind is "huggingface" or "local".
	Kind     string
	Repo     string // huggingface only
	Filename string
	Folder   string
}

// Error message constants, kept distinct so callers can match on substring
// the way the host's config-validation tests do.
const (
	ErrEmptyRepo         = "huggingface repository name cannot be empty"
	ErrEmptyFilename     = "model filename cannot be empty when specified"
	ErrInvalidExtension  = "local model file must end with .gguf extension"
	ErrFileNotFound      = "local model file not found"
	ErrUnknownSourceKind = "unknown model source kind"
)

// NewModelSource builds a ModelSource from the executor section of a loaded
// HostConfig.
func NewModelSource(cfg config.ExecutorConfig) ModelSource {
	return ModelSource{
		Kind:     strings.ToLower(cfg.Source),
		Repo:     cfg.Repo,
		Filename: cfg.Filename,
		Folder:   cfg.Folder,
	}
}

// Validate mirrors the original executor's per-source validation rules.
func (m ModelSource) Validate() error {
	switch m.Kind {
	case "huggingface":
		if m.Repo == "" {
			return fmt.Errorf("%s", ErrEmptyRepo)
		}
		if m.Filename != "" && strings.TrimSpace(m.Filename) == "" {
			return fmt.Errorf("%s", ErrEmptyFilename)
		}
		return nil
	case "local":
		if m.Filename == "" {
			return fmt.Errorf("%s", ErrEmptyFilename)
		}
		if !strings.HasSuffix(m.Filename, ".gguf") {
			return fmt.Errorf("%s, got: %s", ErrInvalidExtension, m.Filename)
		}
		if _, err := os.Stat(m.Filename); err != nil {
			return fmt.Errorf("%s: %s", ErrFileNotFound, m.Filename)
		}
		return nil
	default:
		return fmt.Errorf("%s: %q", ErrUnknownSourceKind, m.Kind)
	}
}

// DisplayName builds the human-readable model identifier used in logs,
// matching the original's format rules: "repo/folder" beats "repo/filename"
// beats bare "repo" for HuggingFace sources, and "local:<path>" for local
// ones.
func (m ModelSource) DisplayName() string {
	switch m.Kind {
	case "huggingface":
		switch {
		case m.Folder != "":
			return fmt.Sprintf("%s/%s", m.Repo, m.Folder)
		case m.Filename != "":
			return fmt.Sprintf("%s/%s", m.Repo, m.Filename)
		default:
			return m.Repo
		}
	case "local":
		return "local:" + m.Filename
	default:
		return "unknown:" + m.Kind
	}
}
