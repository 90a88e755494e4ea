package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity classifies how serious a ParseError is. Critical errors mean the
// diagram has no usable entry or exit point; Error means a structural
// problem was found but the diagram otherwise parsed.
type Severity int

const (
	SeverityError Severity = iota
	SeverityCritical
)

// ParseError is returned by Parse for every diagram-level problem.
type ParseError struct {
	Kind     string
	Message  string
	Severity Severity
}

func (e *ParseError) Error() string { return e.Message }

func errMermaid(msg string) *ParseError {
	return &ParseError{Kind: "mermaid_error", Message: msg, Severity: SeverityError}
}

func errWrongDiagramType(diagramType string) *ParseError {
	return &ParseError{
		Kind:     "wrong_diagram_type",
		Message:  fmt.Sprintf("expected a stateDiagram-v2, got: %s", diagramType),
		Severity: SeverityError,
	}
}

func errNoInitialState() *ParseError {
	return &ParseError{
		Kind:     "no_initial_state",
		Message:  "workflow has no initial state (no transition from [*])",
		Severity: SeverityCritical,
	}
}

func errNoTerminalStates() *ParseError {
	return &ParseError{
		Kind:     "no_terminal_states",
		Message:  "workflow has no terminal state (no transition to [*])",
		Severity: SeverityCritical,
	}
}

func errInvalidStructure(msg string) *ParseError {
	return &ParseError{Kind: "invalid_structure", Message: msg, Severity: SeverityError}
}

var (
	transitionLine  = regexp.MustCompile(`^\s*(\S+)\s*-->\s*(\S+)\s*(?::\s*(.*))?$`)
	stateAnnotation = regexp.MustCompile(`^\s*state\s+(\S+)\s*<<(fork|join|choice)>>\s*$`)
	stateDecl       = regexp.MustCompile(`^\s*state\s+"?([^"{]+?)"?\s+as\s+(\S+)\s*$`)
	mermaidFence    = regexp.MustCompile("(?s)```mermaid\\s*\\n(.*?)\\n```")
	frontmatterRE   = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n?`)
)

// frontmatter is the YAML block optionally preceding a workflow's markdown
// or raw mermaid body.
type frontmatter struct {
	Title       string           `yaml:"title"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Mode        string           `yaml:"mode"`
	Parameters  []map[string]any `yaml:"parameters"`
	Rest        map[string]any   `yaml:",inline"`
}

// displayName prefers title over name; both spellings appear in existing
// workflow sources.
func (fm *frontmatter) displayName() string {
	if fm.Title != "" {
		return fm.Title
	}
	return fm.Name
}

// MermaidParser parses workflow source text (markdown with a fenced mermaid
// block and optional YAML front matter, or raw mermaid) into a Workflow.
type MermaidParser struct{}

// NewMermaidParser returns a ready-to-use parser. It carries no state.
func NewMermaidParser() *MermaidParser { return &MermaidParser{} }

// Parse parses source into a Workflow, validating its structure.
func (p *MermaidParser) Parse(source string) (*Workflow, error) {
	fm, body := extractFrontmatter(source)

	mermaid := extractMermaid(body)
	if mermaid == "" {
		return nil, errMermaid("no mermaid diagram found in source")
	}

	lines := strings.Split(mermaid, "\n")
	if len(lines) == 0 {
		return nil, errMermaid("empty mermaid diagram")
	}

	header := strings.TrimSpace(lines[0])
	if !strings.HasPrefix(header, "stateDiagram") {
		kind := header
		if idx := strings.IndexAny(header, " \t"); idx >= 0 {
			kind = header[:idx]
		}
		return nil, errWrongDiagramType(kind)
	}

	wf := &Workflow{States: make(map[string]*State)}
	if fm != nil {
		wf.Name = fm.displayName()
		wf.Description = fm.Description
		wf.Mode = fm.Mode
		wf.Parameters = parseParameters(fm.Parameters)
	}

	annotations := make(map[string]string) // stateID -> fork/join/choice
	aliases := make(map[string]string)     // alias -> display name, unused beyond dedup

	for _, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "%%") || line == "{" || line == "}" {
			continue
		}

		if m := stateAnnotation.FindStringSubmatch(line); m != nil {
			annotations[m[1]] = m[2]
			ensureState(wf, m[1])
			continue
		}
		if m := stateDecl.FindStringSubmatch(line); m != nil {
			aliases[m[2]] = strings.TrimSpace(m[1])
			ensureState(wf, m[2])
			continue
		}
		if m := transitionLine.FindStringSubmatch(line); m != nil {
			from, to, label := m[1], m[2], strings.TrimSpace(m[3])
			if !isValidStateID(from) && from != finalMarker {
				continue
			}
			if !isValidStateID(to) && to != finalMarker {
				continue
			}
			if from != finalMarker {
				ensureState(wf, from)
			}
			if to != finalMarker {
				ensureState(wf, to)
			}
			wf.Transitions = append(wf.Transitions, Transition{
				From:      from,
				To:        to,
				Label:     label,
				Condition: parseTransitionCondition(label),
			})
			continue
		}
		// Bare "state X" with no annotation, or an unrecognized line; ignore.
	}

	for id, kind := range annotations {
		st := wf.States[id]
		switch kind {
		case "fork":
			st.Type = StateFork
			st.AllowsParallel = true
		case "join":
			st.Type = StateJoin
		case "choice":
			st.Type = StateChoice
		}
	}

	applyActions(wf, extractActions(body))
	detectChoiceStates(wf)

	initial, err := findInitialState(wf)
	if err != nil {
		return nil, err
	}
	wf.InitialState = initial

	if len(wf.TerminalStates()) == 0 {
		return nil, errNoTerminalStates()
	}

	if err := validateStructure(wf); err != nil {
		return nil, err
	}

	return wf, nil
}

func ensureState(wf *Workflow, id string) {
	if _, ok := wf.States[id]; !ok {
		wf.States[id] = &State{ID: id}
	}
}

func isValidStateID(id string) bool {
	if id == finalMarker {
		return false
	}
	return strings.TrimSpace(id) != ""
}

func extractFrontmatter(source string) (*frontmatter, string) {
	m := frontmatterRE.FindStringSubmatch(source)
	if m == nil {
		return nil, source
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
		return nil, source
	}
	return &fm, source[len(m[0]):]
}

func extractMermaid(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "stateDiagram") ||
		strings.HasPrefix(trimmed, "flowchart") ||
		strings.HasPrefix(trimmed, "graph") {
		return trimmed
	}
	if m := mermaidFence.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// extractActions tries the legacy "## Actions" bullet-list format first,
// falling back to the "## States" / "### <state>" block format.
func extractActions(body string) map[string][]string {
	if actions := extractLegacyActions(body); len(actions) > 0 {
		return actions
	}
	return extractStateDescriptions(body)
}

var legacyActionLine = regexp.MustCompile(`^-\s*([A-Za-z0-9_]+)\s*:\s*(.+)$`)

func extractLegacyActions(body string) map[string][]string {
	out := make(map[string][]string)
	inSection := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## Actions") {
			inSection = true
			continue
		}
		if inSection && strings.HasPrefix(trimmed, "## ") {
			break
		}
		if !inSection {
			continue
		}
		if m := legacyActionLine.FindStringSubmatch(trimmed); m != nil {
			out[m[1]] = append(out[m[1]], strings.TrimSpace(m[2]))
		}
	}
	return out
}

func extractStateDescriptions(body string) map[string][]string {
	out := make(map[string][]string)
	inStates := false
	var current string
	var buf []string

	flush := func() {
		if current != "" && len(buf) > 0 {
			out[current] = append(out[current], strings.Join(buf, " "))
		}
		buf = nil
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## States") {
			inStates = true
			continue
		}
		if !inStates {
			continue
		}
		if strings.HasPrefix(trimmed, "## ") {
			flush()
			break
		}
		if strings.HasPrefix(trimmed, "### ") {
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(trimmed, "### "))
			continue
		}
		if trimmed != "" {
			buf = append(buf, trimmed)
		}
	}
	flush()
	return out
}

func applyActions(wf *Workflow, actions map[string][]string) {
	for id, lines := range actions {
		st, ok := wf.States[id]
		if !ok {
			continue
		}
		st.Actions = append(st.Actions, lines...)
		if len(lines) > 0 {
			st.Description = lines[0]
		}
	}
}

// parseTransitionCondition infers a Condition from a transition's label
// text: empty or "always" is unconditional; CEL-operator-looking text is
// Custom; fail/error/invalid wording is OnFailure; success/valid wording is
// OnSuccess; anything else falls back to Custom.
func parseTransitionCondition(label string) Condition {
	trimmed := strings.TrimSpace(label)
	lower := strings.ToLower(trimmed)

	if trimmed == "" || lower == "always" {
		return Condition{Type: ConditionAlways}
	}

	for _, op := range []string{"==", "!=", "&&", "||", "(", "<", ">", "."} {
		if strings.Contains(trimmed, op) {
			return Condition{Type: ConditionCustom, Expression: trimmed}
		}
	}

	for _, word := range []string{"fail", "failure", "error", "invalid"} {
		if strings.Contains(lower, word) {
			return Condition{Type: ConditionOnFailure, Expression: trimmed}
		}
	}
	for _, word := range []string{"valid", "success"} {
		if strings.Contains(lower, word) {
			return Condition{Type: ConditionOnSuccess, Expression: trimmed}
		}
	}

	return Condition{Type: ConditionCustom, Expression: trimmed}
}

// detectChoiceStates retypes any Normal state with branching structure as
// Choice: at least two outgoing transitions, and either a Custom condition,
// both an on_success and an on_failure branch, or a mix of Always and
// non-Always conditions.
func detectChoiceStates(wf *Workflow) {
	byState := make(map[string][]Transition)
	for _, tr := range wf.Transitions {
		byState[tr.From] = append(byState[tr.From], tr)
	}

	for id, st := range wf.States {
		if st.Type != StateNormal {
			continue
		}
		out := byState[id]
		if len(out) < 2 {
			continue
		}
		if shouldBeChoiceState(out) {
			st.Type = StateChoice
		}
	}
}

func shouldBeChoiceState(transitions []Transition) bool {
	hasCustom := false
	hasSuccess := false
	hasFailure := false
	hasAlways := false
	hasOther := false

	for _, tr := range transitions {
		switch tr.Condition.Type {
		case ConditionCustom:
			hasCustom = true
		case ConditionOnSuccess:
			hasSuccess = true
			hasOther = true
		case ConditionOnFailure:
			hasFailure = true
			hasOther = true
		case ConditionAlways:
			hasAlways = true
		}
	}

	if hasCustom {
		return true
	}
	if hasSuccess && hasFailure {
		return true
	}
	if hasAlways && hasOther {
		return true
	}
	return false
}

func findInitialState(wf *Workflow) (string, error) {
	for _, tr := range wf.Transitions {
		if tr.From == finalMarker && tr.To != finalMarker {
			return tr.To, nil
		}
	}
	return "", errNoInitialState()
}

// validateStructure checks that every non-initial state is reachable from
// the initial state, unless it carries its own actions or allows parallel
// execution (those are reachable through a fork/parallel path the simple
// transition-graph walk doesn't model), and that at least one terminal
// state is reachable.
func validateStructure(wf *Workflow) error {
	reachable := findReachableStates(wf, wf.InitialState)

	var unreachable []string
	for id, st := range wf.States {
		if id == wf.InitialState || reachable[id] {
			continue
		}
		if len(st.Actions) > 0 || st.AllowsParallel {
			continue
		}
		unreachable = append(unreachable, id)
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return errInvalidStructure(fmt.Sprintf("unreachable states: %s", strings.Join(unreachable, ", ")))
	}

	terminalReachable := false
	for _, id := range wf.TerminalStates() {
		if id == wf.InitialState || reachable[id] {
			terminalReachable = true
			break
		}
	}
	if !terminalReachable {
		return errInvalidStructure("no terminal state is reachable from the initial state")
	}

	return nil
}

func findReachableStates(wf *Workflow, start string) map[string]bool {
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, tr := range wf.TransitionsFrom(id) {
			if tr.To != finalMarker && !visited[tr.To] {
				stack = append(stack, tr.To)
			}
		}
	}
	return visited
}
