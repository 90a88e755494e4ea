package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// substitutionPattern matches ${VAR} and ${VAR:-default}.
var substitutionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// buildSubstitutionEnv layers the process environment over the config's
// own TemplateVars (process environment wins), giving ${VAR} a single
// lookup table.
func buildSubstitutionEnv(templateVars map[string]string) map[string]string {
	env := make(map[string]string, len(templateVars))
	for k, v := range templateVars {
		env[k] = v
	}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}

// Environment layers the process environment over templateVars (process
// environment wins), giving ${VAR} a single lookup table. Exported for
// callers outside this package that need the same substitution environment
// — the workflow engine's parameter resolver, in particular.
func Environment(templateVars map[string]string) map[string]string {
	return buildSubstitutionEnv(templateVars)
}

// Expand replaces every ${VAR} / ${VAR:-default} occurrence in s against
// env in legacy mode: an unset variable with no default expands to the
// empty string. Exported for the workflow parameter resolver.
func Expand(s string, env map[string]string) string {
	out, _ := expand(s, env, false)
	return out
}

// ExpandStrict is Expand's strict-mode counterpart: an unset variable with
// no default fails instead of silently expanding to the empty string.
func ExpandStrict(s string, env map[string]string) (string, error) {
	return expand(s, env, true)
}

// expand replaces every ${VAR} / ${VAR:-default} occurrence in s. Legacy
// mode substitutes the empty string for an unset variable without a
// default; strict mode collects every such variable and fails.
func expand(s string, env map[string]string, strict bool) (string, error) {
	var missing []string
	out := substitutionPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := substitutionPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if v, ok := env[name]; ok {
			return v
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return ""
	})
	if strict && len(missing) > 0 {
		return "", fmt.Errorf("unset variable(s) without a default: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// substituteConfigStrings walks every string field reachable from cfg
// (through structs, maps, and slices) and expands ${VAR} references in
// place. In strict mode the first unset variable without a default aborts
// the walk with an error.
func substituteConfigStrings(cfg *HostConfig, env map[string]string, strict bool) error {
	return walkAndExpand(reflect.ValueOf(cfg).Elem(), env, strict)
}

func walkAndExpand(v reflect.Value, env map[string]string, strict bool) error {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			out, err := expand(v.String(), env, strict)
			if err != nil {
				return err
			}
			v.SetString(out)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := walkAndExpand(v.Field(i), env, strict); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := walkAndExpand(v.Index(i), env, strict); err != nil {
				return err
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			val := v.MapIndex(key)
			if val.Kind() == reflect.String {
				out, err := expand(val.String(), env, strict)
				if err != nil {
					return err
				}
				v.SetMapIndex(key, reflect.ValueOf(out))
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			return walkAndExpand(v.Elem(), env, strict)
		}
	}
	return nil
}
