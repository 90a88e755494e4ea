package config

// HostConfig is the host's fully-merged configuration after the layered
// load (global file < project file < environment). Zero values mean
// "unset"; Load never fills in a default the caller didn't ask for except
// where noted on the field and the defaults set in newDefaultConfig
// (mcp.listen_addr and logging.level).
type HostConfig struct {
	// WorkspaceRoot bounds every file operation the host's MCP tools accept.
	// Defaults to the directory Load was called with.
	WorkspaceRoot string `toml:"workspace_root" yaml:"workspace_root" json:"workspace_root"`

	// WorkflowDirs are searched, in order, for `.mmd`/`.md` workflow sources.
	WorkflowDirs []string `toml:"workflow_dirs" yaml:"workflow_dirs" json:"workflow_dirs"`

	// BlockedGlobs are doublestar patterns (e.g. "**/.git/**", "**/*.pem")
	// every file tool rejects in addition to the built-in blocked substrings.
	BlockedGlobs []string `toml:"blocked_globs" yaml:"blocked_globs" json:"blocked_globs"`

	MCP      MCPServerConfig `toml:"mcp" yaml:"mcp" json:"mcp"`
	Executor ExecutorConfig  `toml:"executor" yaml:"executor" json:"executor"`
	Logging  LoggingConfig   `toml:"logging" yaml:"logging" json:"logging"`

	// TemplateVars seeds the substitution environment (`${VAR}` expansion)
	// in addition to the process's actual environment variables; process
	// environment wins on key collision.
	TemplateVars map[string]string `toml:"template_vars" yaml:"template_vars" json:"template_vars"`

	// Template is the layered configuration rendered as a TemplateContext —
	// the keyed, JSON-valued map workflows and prompts consume. Populated by
	// Load/LoadStrict; never read back from a config file.
	Template *TemplateContext `toml:"-" yaml:"-" json:"-"`
}

// MCPServerConfig configures the host's loopback MCP server and the
// client the executor uses to reach it.
type MCPServerConfig struct {
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr" json:"listen_addr"`
}

// ExecutorConfig configures the LLM executor singleton's model source and
// the HTTP endpoint it speaks to.
type ExecutorConfig struct {
	// Source is "huggingface" or "local".
	Source   string `toml:"source" yaml:"source" json:"source"`
	Repo     string `toml:"repo" yaml:"repo" json:"repo"`
	Filename string `toml:"filename" yaml:"filename" json:"filename"`
	Folder   string `toml:"folder" yaml:"folder" json:"folder"`

	// BaseURL points at the local OpenAI-compatible completion endpoint the
	// executor drives via eino's openai model component.
	BaseURL string `toml:"base_url" yaml:"base_url" json:"base_url"`
	APIKey  string `toml:"api_key" yaml:"api_key" json:"api_key"`

	// MCPAddr is the loopback MCP server's address, wired in by the process
	// entrypoint once the server is listening. Empty disables tool discovery.
	MCPAddr string `toml:"mcp_addr" yaml:"mcp_addr" json:"mcp_addr"`
	// MCPTimeoutSeconds is checked at executor initialization only: values
	// over 300s are accepted but logged as unusually high. It does not bound
	// the loopback connection or individual tool calls.
	MCPTimeoutSeconds int `toml:"mcp_timeout_seconds" yaml:"mcp_timeout_seconds" json:"mcp_timeout_seconds"`
}

// LoggingConfig mirrors internal/logging.Config's fields so it can be
// populated from a config file rather than constructed by hand.
type LoggingConfig struct {
	Level      string `toml:"level" yaml:"level" json:"level"`
	Pretty     bool   `toml:"pretty" yaml:"pretty" json:"pretty"`
	LogToFile  bool   `toml:"log_to_file" yaml:"log_to_file" json:"log_to_file"`
	LogDir     string `toml:"log_dir" yaml:"log_dir" json:"log_dir"`
	TimeFormat string `toml:"time_format" yaml:"time_format" json:"time_format"`
}

// newDefaultConfig returns the zero-ish config Load starts folding layers
// into.
func newDefaultConfig() *HostConfig {
	return &HostConfig{
		MCP: MCPServerConfig{ListenAddr: "127.0.0.1:8731"},
		Logging: LoggingConfig{
			Level: "info",
		},
		TemplateVars: make(map[string]string),
	}
}
