package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	old := os.Getenv("HOME")
	os.Setenv("HOME", tmp)
	os.Unsetenv("XDG_CONFIG_HOME")
	t.Cleanup(func() { os.Setenv("HOME", old) })
	return tmp
}

func TestLoadGlobalTOMLConfig(t *testing.T) {
	isolateHome(t)
	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0o755))

	toml := `
workspace_root = "/tmp/ws"

[mcp]
listen_addr = "127.0.0.1:9999"

[executor]
source = "local"
filename = "model.gguf"
`
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.toml"), []byte(toml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ws", cfg.WorkspaceRoot)
	assert.Equal(t, "127.0.0.1:9999", cfg.MCP.ListenAddr)
	assert.Equal(t, "local", cfg.Executor.Source)
}

func TestProjectConfigOverridesGlobal(t *testing.T) {
	isolateHome(t)
	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.json"),
		[]byte(`{"mcp": {"listen_addr": "127.0.0.1:1111"}}`), 0o644))

	projectDir := t.TempDir()
	acphostDir := ProjectConfigPath(projectDir)
	require.NoError(t, os.MkdirAll(acphostDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(acphostDir, "config.json"),
		[]byte(`{"mcp": {"listen_addr": "127.0.0.1:2222"}}`), 0o644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", cfg.MCP.ListenAddr)
}

func TestEnvOverrideWinsOverFiles(t *testing.T) {
	isolateHome(t)
	os.Setenv("SAH_MCP__LISTEN_ADDR", "127.0.0.1:3333")
	t.Cleanup(func() { os.Unsetenv("SAH_MCP__LISTEN_ADDR") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3333", cfg.MCP.ListenAddr)
}

func TestConfigPrecedenceAcrossAllLayers(t *testing.T) {
	isolateHome(t)
	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.json"),
		[]byte(`{"template_vars": {"app_name": "Global App", "global_only": "kept"}}`), 0o644))

	projectDir := t.TempDir()
	acphostDir := ProjectConfigPath(projectDir)
	require.NoError(t, os.MkdirAll(acphostDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(acphostDir, "config.json"),
		[]byte(`{"template_vars": {"app_name": "Project App"}}`), 0o644))

	os.Setenv("SAH_TEMPLATE_VARS__APP_NAME", "Env App")
	t.Cleanup(func() { os.Unsetenv("SAH_TEMPLATE_VARS__APP_NAME") })

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "Env App", cfg.TemplateVars["app_name"])
	assert.Equal(t, "kept", cfg.TemplateVars["global_only"])
}

func TestJSONCCommentsAreStripped(t *testing.T) {
	isolateHome(t)
	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	jsonc := `{
		// this is a comment
		"executor": {
			"source": "local" /* inline */
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.jsonc"), []byte(jsonc), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Executor.Source)
}

func TestSubstitutionWithDefault(t *testing.T) {
	isolateHome(t)
	os.Unsetenv("MISSING_VAR")
	cfg := newDefaultConfig()
	cfg.Executor.BaseURL = "${MISSING_VAR:-http://localhost:8080}"
	require.NoError(t, substituteConfigStrings(cfg, buildSubstitutionEnv(nil), false))
	assert.Equal(t, "http://localhost:8080", cfg.Executor.BaseURL)
}

func TestSubstitutionFromTemplateVars(t *testing.T) {
	cfg := newDefaultConfig()
	cfg.Executor.APIKey = "${MY_KEY}"
	require.NoError(t, substituteConfigStrings(cfg, buildSubstitutionEnv(map[string]string{"MY_KEY": "secret"}), false))
	assert.Equal(t, "secret", cfg.Executor.APIKey)
}

func TestStrictSubstitutionFailsOnUnsetVariable(t *testing.T) {
	isolateHome(t)
	os.Unsetenv("MISSING_API_KEY")
	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.json"),
		[]byte(`{"executor": {"api_key": "${MISSING_API_KEY}"}}`), 0o644))

	// Legacy mode substitutes the empty string and succeeds.
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Executor.APIKey)

	// Strict mode fails, naming the variable.
	_, err = LoadStrict("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING_API_KEY")
}

func TestTemplateContextOperations(t *testing.T) {
	ctx := NewTemplateContext()
	ctx.Set("project_name", "Integration Test Project")
	ctx.Set("retries", 3)
	ctx.Set("nested", map[string]any{"deep": "value"})

	name, ok := ctx.GetString("project_name")
	require.True(t, ok)
	assert.Equal(t, "Integration Test Project", name)

	// Scalars stringify unquoted, complex values as JSON.
	retries, _ := ctx.GetString("retries")
	assert.Equal(t, "3", retries)
	nested, _ := ctx.GetString("nested")
	assert.JSONEq(t, `{"deep":"value"}`, nested)

	// The raw value keeps its JSON shape.
	raw, ok := ctx.Get("nested")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"deep": "value"}, raw)

	other := NewTemplateContext()
	other.Set("merged_value", "merged_content")
	ctx.Merge(other)

	merged, ok := ctx.GetString("merged_value")
	require.True(t, ok)
	assert.Equal(t, "merged_content", merged)
	// Original entries survive the merge.
	name, _ = ctx.GetString("project_name")
	assert.Equal(t, "Integration Test Project", name)
	assert.Equal(t, 4, ctx.Len())
}

func TestExpandStrict(t *testing.T) {
	env := map[string]string{"SET_VAR": "value"}

	out, err := ExpandStrict("x-${SET_VAR}-${ALSO_MISSING:-fallback}", env)
	require.NoError(t, err)
	assert.Equal(t, "x-value-fallback", out)

	_, err = ExpandStrict("x-${NOT_SET_ANYWHERE}", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_SET_ANYWHERE")
}

func TestLoadAttachesTemplateContext(t *testing.T) {
	isolateHome(t)
	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.json"),
		[]byte(`{"template_vars": {"app_name": "Global App"}, "service": {"endpoints": {"primary": "https://example.test"}}}`), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg.Template)

	// template_vars entries are addressable flat.
	app, ok := cfg.Template.GetString("app_name")
	require.True(t, ok)
	assert.Equal(t, "Global App", app)

	// Keys outside HostConfig's typed fields survive with nesting intact.
	raw, ok := cfg.Template.Get("service")
	require.True(t, ok)
	service := raw.(map[string]any)
	endpoints := service["endpoints"].(map[string]any)
	assert.Equal(t, "https://example.test", endpoints["primary"])
}

func TestWorkspaceRootDefaultsToDirectory(t *testing.T) {
	isolateHome(t)
	projectDir := t.TempDir()
	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, projectDir, cfg.WorkspaceRoot)
}
