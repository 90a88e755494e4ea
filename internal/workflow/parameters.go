package workflow

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Common regex patterns available to string parameters via a named preset
// instead of a literal pattern in front matter.
const (
	PatternEmail  = `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`
	PatternURL    = `^https?://[^\s]+$`
	PatternUUID   = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`
	PatternULID   = `^[0-9A-HJKMNP-TV-Z]{26}$`
	PatternSemVer = `^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`
)

var namedPatterns = map[string]string{
	"email":   PatternEmail,
	"url":     PatternURL,
	"uuid":    PatternUUID,
	"ulid":    PatternULID,
	"semver":  PatternSemVer,
	"version": PatternSemVer,
}

// ParameterErrorKind enumerates the distinct validation failures a Parameter
// can produce, matching the original validator's typed error taxonomy.
type ParameterErrorKind string

const (
	ErrMissingRequired   ParameterErrorKind = "missing_required"
	ErrTypeMismatch      ParameterErrorKind = "type_mismatch"
	ErrStringTooShort    ParameterErrorKind = "string_too_short"
	ErrStringTooLong     ParameterErrorKind = "string_too_long"
	ErrPatternMismatch   ParameterErrorKind = "pattern_mismatch"
	ErrOutOfRange        ParameterErrorKind = "out_of_range"
	ErrInvalidStep       ParameterErrorKind = "invalid_step"
	ErrInvalidChoice     ParameterErrorKind = "invalid_choice"
	ErrTooFewSelections  ParameterErrorKind = "too_few_selections"
	ErrTooManySelections ParameterErrorKind = "too_many_selections"
)

// ParameterError reports a single parameter validation failure.
type ParameterError struct {
	Kind ParameterErrorKind
	Name string
	Msg  string

	MinLength, MaxLength, ActualLength int
	Pattern, Value                     string
	Min, Max                           float64
	Step                               float64
	Choices                            []string
}

func (e *ParameterError) Error() string { return e.Msg }

// Validate checks value against param's declared type and constraints.
// value is whatever a JSON-decoded parameter payload would produce: string,
// bool, float64, or []any for MultiChoice.
func Validate(param Parameter, value any) error {
	if value == nil {
		if param.Required {
			return &ParameterError{
				Kind: ErrMissingRequired, Name: param.Name,
				Msg: fmt.Sprintf("parameter %q is required", param.Name),
			}
		}
		return nil
	}

	switch param.Type {
	case ParameterString:
		return validateString(param, value)
	case ParameterBoolean:
		return validateBoolean(param, value)
	case ParameterNumber:
		return validateNumber(param, value)
	case ParameterChoice:
		return validateChoice(param, value)
	case ParameterMultiChoice:
		return validateMultiChoice(param, value)
	default:
		return nil
	}
}

func typeMismatch(param Parameter, value any, want string) error {
	return &ParameterError{
		Kind: ErrTypeMismatch, Name: param.Name,
		Msg: fmt.Sprintf("parameter %q must be %s, got %T", param.Name, want, value),
	}
}

func validateString(param Parameter, value any) error {
	s, ok := value.(string)
	if !ok {
		return typeMismatch(param, value, "a string")
	}

	length := utf8.RuneCountInString(s)
	if param.MinLength != nil && length < *param.MinLength {
		return &ParameterError{
			Kind: ErrStringTooShort, Name: param.Name,
			Msg:          fmt.Sprintf("parameter %q must be at least %d characters, got %d", param.Name, *param.MinLength, length),
			MinLength:    *param.MinLength,
			ActualLength: length,
		}
	}
	if param.MaxLength != nil && length > *param.MaxLength {
		return &ParameterError{
			Kind: ErrStringTooLong, Name: param.Name,
			Msg:          fmt.Sprintf("parameter %q must be at most %d characters, got %d", param.Name, *param.MaxLength, length),
			MaxLength:    *param.MaxLength,
			ActualLength: length,
		}
	}

	if param.Pattern != "" {
		pattern := param.Pattern
		if named, ok := namedPatterns[strings.ToLower(pattern)]; ok {
			pattern = named
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return &ParameterError{Kind: ErrPatternMismatch, Name: param.Name, Msg: fmt.Sprintf("parameter %q has an invalid pattern: %v", param.Name, err)}
		}
		if !re.MatchString(s) {
			return &ParameterError{
				Kind: ErrPatternMismatch, Name: param.Name,
				Msg:     fmt.Sprintf("parameter %q does not match the required pattern", param.Name),
				Pattern: pattern,
				Value:   s,
			}
		}
	}
	return nil
}

func validateBoolean(param Parameter, value any) error {
	if _, ok := value.(bool); !ok {
		return typeMismatch(param, value, "a boolean")
	}
	return nil
}

// asFloat loosely coerces a front-matter scalar to a float. YAML may hand a
// numeric constraint over as an int or a quoted string; this leniency is for
// intPtr/floatPtr only and must never leak into value validation, where a
// string is a type mismatch no matter what it spells.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func validateNumber(param Parameter, value any) error {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	default:
		return typeMismatch(param, value, "a number")
	}

	if param.Min != nil && n < *param.Min {
		return &ParameterError{Kind: ErrOutOfRange, Name: param.Name, Msg: fmt.Sprintf("parameter %q must be >= %g, got %g", param.Name, *param.Min, n), Min: *param.Min}
	}
	if param.Max != nil && n > *param.Max {
		return &ParameterError{Kind: ErrOutOfRange, Name: param.Name, Msg: fmt.Sprintf("parameter %q must be <= %g, got %g", param.Name, *param.Max, n), Max: *param.Max}
	}
	if param.Step != nil && *param.Step > 0 {
		base := 0.0
		if param.Min != nil {
			base = *param.Min
		}
		// Compare against the nearest whole step count so float error on
		// either side of a multiple (2.9999999 and 3.0000001 alike) passes;
		// integer steps still compare exactly.
		steps := (n - base) / *param.Step
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return &ParameterError{Kind: ErrInvalidStep, Name: param.Name, Msg: fmt.Sprintf("parameter %q must be a multiple of %g from %g", param.Name, *param.Step, base), Step: *param.Step}
		}
	}
	return nil
}

func validateChoice(param Parameter, value any) error {
	s, ok := value.(string)
	if !ok {
		return typeMismatch(param, value, "a string")
	}
	for _, c := range param.Choices {
		if c == s {
			return nil
		}
	}
	return &ParameterError{
		Kind: ErrInvalidChoice, Name: param.Name,
		Msg:     fmt.Sprintf("parameter %q must be one of %s, got %q", param.Name, strings.Join(param.Choices, ", "), s),
		Value:   s,
		Choices: param.Choices,
	}
}

func validateMultiChoice(param Parameter, value any) error {
	list, ok := value.([]any)
	if !ok {
		return typeMismatch(param, value, "a list of strings")
	}

	selected := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return typeMismatch(param, item, "a string")
		}
		valid := false
		for _, c := range param.Choices {
			if c == s {
				valid = true
				break
			}
		}
		if !valid {
			return &ParameterError{
				Kind: ErrInvalidChoice, Name: param.Name,
				Msg:     fmt.Sprintf("parameter %q contains invalid choice %q", param.Name, s),
				Value:   s,
				Choices: param.Choices,
			}
		}
		selected = append(selected, s)
	}

	if param.MinSelections != nil && len(selected) < *param.MinSelections {
		return &ParameterError{
			Kind: ErrTooFewSelections, Name: param.Name,
			Msg: fmt.Sprintf("parameter %q requires at least %d selections, got %d", param.Name, *param.MinSelections, len(selected)),
		}
	}
	if param.MaxSelections != nil && len(selected) > *param.MaxSelections {
		return &ParameterError{
			Kind: ErrTooManySelections, Name: param.Name,
			Msg: fmt.Sprintf("parameter %q allows at most %d selections, got %d", param.Name, *param.MaxSelections, len(selected)),
		}
	}
	return nil
}

// parseParameters converts the raw front-matter "parameters" array into
// typed Parameter values, defaulting unknown type names to String.
func parseParameters(raw []map[string]any) []Parameter {
	params := make([]Parameter, 0, len(raw))
	for _, entry := range raw {
		p := Parameter{}
		if name, ok := entry["name"].(string); ok {
			p.Name = name
		}
		if desc, ok := entry["description"].(string); ok {
			p.Description = desc
		}
		if req, ok := entry["required"].(bool); ok {
			p.Required = req
		}
		if def, ok := entry["default"]; ok {
			p.Default = def
		}
		if pattern, ok := entry["pattern"].(string); ok {
			p.Pattern = pattern
		}
		p.Type = parseParameterType(entry["type"])
		if choices, ok := entry["choices"].([]any); ok {
			for _, c := range choices {
				if s, ok := c.(string); ok {
					p.Choices = append(p.Choices, s)
				}
			}
		}
		p.MinLength = intPtr(entry["min_length"])
		p.MaxLength = intPtr(entry["max_length"])
		p.Min = floatPtr(entry["min"])
		p.Max = floatPtr(entry["max"])
		p.Step = floatPtr(entry["step"])
		p.MinSelections = intPtr(entry["min_selections"])
		p.MaxSelections = intPtr(entry["max_selections"])

		params = append(params, p)
	}
	return params
}

func parseParameterType(raw any) ParameterType {
	s, ok := raw.(string)
	if !ok {
		return ParameterString
	}
	switch strings.ToLower(s) {
	case "bool", "boolean":
		return ParameterBoolean
	case "int", "integer", "float", "numeric", "number":
		return ParameterNumber
	case "select", "choice":
		return ParameterChoice
	case "multiselect", "multichoice", "multi_choice":
		return ParameterMultiChoice
	case "string":
		return ParameterString
	default:
		return ParameterString
	}
}

func intPtr(raw any) *int {
	f, ok := asFloat(raw)
	if !ok {
		return nil
	}
	i := int(f)
	return &i
}

func floatPtr(raw any) *float64 {
	f, ok := asFloat(raw)
	if !ok {
		return nil
	}
	return &f
}
