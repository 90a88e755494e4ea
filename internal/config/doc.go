// Package config loads the host's configuration from a layered stack of
// files and environment variables.
//
// # Layering
//
// Load merges, lowest to highest priority:
//
//  1. the global config file under the XDG config directory
//  2. a project-local config file under <directory>/.acphost/
//  3. SAH_-prefixed environment variables, with "__" as the nesting
//     separator (SAH_MCP__LISTEN_ADDR overrides mcp.listen_addr)
//
// Each layer may be TOML, YAML, or JSON/JSONC; format is chosen by file
// extension and files are deep-merged key by key, maps recursing and
// scalars overwriting.
//
// # Variable substitution
//
// After merging, every string field in the resulting HostConfig is scanned
// for ${VAR} and ${VAR:-default} references, resolved against TemplateVars
// and the process environment, the process environment winning when both
// define the same name. Load runs in legacy mode,
// where an unset variable with no default expands to the empty string;
// LoadStrict fails the load instead.
//
// # Template context
//
// The fully-merged map — nested objects intact — is attached to the result
// as a TemplateContext (HostConfig.Template), the keyed JSON-valued map
// workflows and prompts consume. It supports Merge and Set at runtime.
//
// # Paths
//
// GetPaths returns the XDG Base Directory Specification locations the host
// uses for data, config, cache, and state, adapted for Windows via APPDATA.
package config
