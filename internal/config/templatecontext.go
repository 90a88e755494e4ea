package config

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TemplateContext is the configuration layer's output for workflows and
// prompts: a keyed map whose values keep their JSON shape — scalars and
// nested objects alike — through the layered merge. Load attaches one to
// every HostConfig; callers may keep layering with Merge and Set at runtime.
type TemplateContext struct {
	values map[string]any
}

// NewTemplateContext builds an empty context.
func NewTemplateContext() *TemplateContext {
	return &TemplateContext{values: make(map[string]any)}
}

// newTemplateContextFromMap copies the top level of a merged config map.
// Nested maps and slices are shared, not cloned; the merge pipeline only
// mutates them through expandValue before the context is handed out.
func newTemplateContextFromMap(m map[string]any) *TemplateContext {
	c := NewTemplateContext()
	for k, v := range m {
		c.values[k] = v
	}
	return c
}

// Set stores value under key, replacing any existing entry.
func (c *TemplateContext) Set(key string, value any) {
	c.values[key] = value
}

// Get returns the raw JSON-shaped value for key.
func (c *TemplateContext) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString renders the value under key as a string: scalars unquoted,
// complex values JSON-encoded.
func (c *TemplateContext) GetString(key string) (string, bool) {
	v, ok := c.values[key]
	if !ok {
		return "", false
	}
	return stringifyValue(v), true
}

// Merge copies every entry of other into c, other winning on key collision.
func (c *TemplateContext) Merge(other *TemplateContext) {
	if other == nil {
		return
	}
	for k, v := range other.values {
		c.values[k] = v
	}
}

// Len returns the number of top-level keys.
func (c *TemplateContext) Len() int {
	return len(c.values)
}

// StringMap renders every top-level entry as a string — the lookup table
// ${VAR} substitution runs against.
func (c *TemplateContext) StringMap() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = stringifyValue(v)
	}
	return out
}

// stringifyValue renders a JSON-shaped value for template consumption:
// scalars unquoted, complex values JSON-encoded.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// expandStrings applies ${VAR}/${VAR:-default} substitution to every string
// value in the context, recursing through nested maps and slices. In strict
// mode an unset variable without a default fails the whole walk.
func (c *TemplateContext) expandStrings(env map[string]string, strict bool) error {
	for k, v := range c.values {
		expanded, err := expandValue(v, env, strict)
		if err != nil {
			return fmt.Errorf("config: key %q: %w", k, err)
		}
		c.values[k] = expanded
	}
	return nil
}

func expandValue(v any, env map[string]string, strict bool) (any, error) {
	switch val := v.(type) {
	case string:
		return expand(val, env, strict)
	case map[string]any:
		for k, nested := range val {
			expanded, err := expandValue(nested, env, strict)
			if err != nil {
				return nil, err
			}
			val[k] = expanded
		}
		return val, nil
	case []any:
		for i, nested := range val {
			expanded, err := expandValue(nested, env, strict)
			if err != nil {
				return nil, err
			}
			val[i] = expanded
		}
		return val, nil
	default:
		return v, nil
	}
}
