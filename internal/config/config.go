package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// envPrefix is the namespace every environment-variable override lives
// under; "__" separates nested keys (SAH_MCP__LISTEN_ADDR overrides
// mcp.listen_addr).
const envPrefix = "SAH_"

// Load builds a HostConfig from, in increasing priority:
//  1. the global config file (Paths.Config/config.{toml,yaml,json,jsonc})
//  2. the project config file (directory/.acphost/config.{toml,yaml,json,jsonc})
//  3. SAH_ environment variables
//
// Later layers are deep-merged over earlier ones key by key; a missing file
// at any layer is silently skipped. Every string value in the result is
// passed through ${VAR}/${VAR:-default} substitution in legacy mode: an
// unset variable with no default expands to the empty string and the load
// succeeds. The fully-merged map is also attached as cfg.Template, the
// TemplateContext workflows and prompts consume.
func Load(directory string) (*HostConfig, error) {
	return load(directory, false)
}

// LoadStrict is Load in strict substitution mode: any ${VAR} reference to
// an unset variable without a default fails the load instead of expanding
// to the empty string.
func LoadStrict(directory string) (*HostConfig, error) {
	return load(directory, true)
}

func load(directory string, strict bool) (*HostConfig, error) {
	merged := map[string]interface{}{}

	global := GetPaths().Config
	mergeConfigFile(merged, filepath.Join(global, "config.toml"))
	mergeConfigFile(merged, filepath.Join(global, "config.yaml"))
	mergeConfigFile(merged, filepath.Join(global, "config.yml"))
	mergeConfigFile(merged, filepath.Join(global, "config.json"))
	mergeConfigFile(merged, filepath.Join(global, "config.jsonc"))

	if directory != "" {
		project := ProjectConfigPath(directory)
		mergeConfigFile(merged, filepath.Join(project, "config.toml"))
		mergeConfigFile(merged, filepath.Join(project, "config.yaml"))
		mergeConfigFile(merged, filepath.Join(project, "config.yml"))
		mergeConfigFile(merged, filepath.Join(project, "config.json"))
		mergeConfigFile(merged, filepath.Join(project, "config.jsonc"))
	}

	deepMerge(merged, buildEnvOverlay(envPrefix))

	cfg := newDefaultConfig()
	if err := applyMap(cfg, merged); err != nil {
		return nil, fmt.Errorf("config: apply merged layers: %w", err)
	}

	if cfg.WorkspaceRoot == "" {
		if directory != "" {
			cfg.WorkspaceRoot = directory
		} else if cwd, err := os.Getwd(); err == nil {
			cfg.WorkspaceRoot = cwd
		}
	}

	env := buildSubstitutionEnv(cfg.TemplateVars)
	if err := substituteConfigStrings(cfg, env, strict); err != nil {
		return nil, fmt.Errorf("config: substitute: %w", err)
	}

	// The whole layered merge becomes the template context, nesting intact,
	// with the template_vars section overlaid flat on top so its keys are
	// addressable without a prefix.
	tctx := newTemplateContextFromMap(merged)
	for k, v := range cfg.TemplateVars {
		tctx.Set(k, v)
	}
	if err := tctx.expandStrings(env, strict); err != nil {
		return nil, err
	}
	cfg.Template = tctx

	return cfg, nil
}

// mergeConfigFile loads path (if it exists) as TOML, YAML, or (JSONC-tolerant)
// JSON based on its extension and deep-merges it into dst. Missing or
// unreadable files are skipped.
func mergeConfigFile(dst map[string]interface{}, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	layer := map[string]interface{}{}
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), &layer); err != nil {
			return
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return
		}
	default: // .json, .jsonc
		data = stripJSONComments(data)
		if err := json.Unmarshal(data, &layer); err != nil {
			return
		}
	}

	deepMerge(dst, layer)
}

// stripJSONComments removes // line comments and /* */ block comments from
// JSONC content.
func stripJSONComments(data []byte) []byte {
	singleLine := regexp.MustCompile(`//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	return multiLine.ReplaceAll(data, nil)
}

// deepMerge merges src into dst in place: nested maps are merged key by
// key, everything else (scalars, slices) is overwritten by src's value.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}

// buildEnvOverlay scans the process environment for prefix-namespaced
// variables and builds the nested map they describe, splitting the
// remainder of each key on "__" and lower-casing each segment. Values are
// parsed as bool or number where possible, otherwise kept as strings.
func buildEnvOverlay(prefix string) map[string]interface{} {
	overlay := map[string]interface{}{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		key := strings.TrimPrefix(parts[0], prefix)
		segments := strings.Split(strings.ToLower(key), "__")

		node := overlay
		for i, seg := range segments {
			if i == len(segments)-1 {
				node[seg] = parseEnvValue(parts[1])
				continue
			}
			next, ok := node[seg].(map[string]interface{})
			if !ok {
				next = map[string]interface{}{}
				node[seg] = next
			}
			node = next
		}
	}
	return overlay
}

func parseEnvValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// applyMap round-trips merged through JSON to populate cfg, reusing the
// struct tags already on HostConfig instead of hand-written field-by-field
// assignment.
func applyMap(cfg *HostConfig, merged map[string]interface{}) error {
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// Save writes cfg as indented JSON to path, creating parent directories as
// needed.
func Save(cfg *HostConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
