package workflow

import (
	"context"
	"fmt"
	"strings"
)

// NotificationKind tags the shape of a Notification's Metadata, mirroring
// the original flow tool's FlowNotificationMetadata variants.
type NotificationKind string

const (
	NotificationFlowStart     NotificationKind = "flow_start"
	NotificationStateStart    NotificationKind = "state_start"
	NotificationStateComplete NotificationKind = "state_complete"
	NotificationFlowComplete  NotificationKind = "flow_complete"
	NotificationFlowError     NotificationKind = "flow_error"
	NotificationLog           NotificationKind = "log"
)

// Notification is one progress event emitted during a Run. Progress is nil
// for log lines and for FlowError, matching the original's "no percentage on
// error" contract.
type Notification struct {
	Kind     NotificationKind
	Message  string
	State    string
	Progress *int
}

// NotificationSender fans Notifications out to a channel. Run never blocks
// indefinitely on a full channel: sends are best-effort and dropped if the
// channel has no room, since a stalled progress subscriber must not stall
// workflow execution.
type NotificationSender struct {
	ch chan Notification
}

// NewNotificationSender builds a sender backed by a buffered channel of the
// given capacity.
func NewNotificationSender(buffer int) *NotificationSender {
	if buffer <= 0 {
		buffer = 32
	}
	return &NotificationSender{ch: make(chan Notification, buffer)}
}

// Channel exposes the receive side for subscribers.
func (s *NotificationSender) Channel() <-chan Notification { return s.ch }

// Close closes the underlying channel. Safe to call once execution is over.
func (s *NotificationSender) Close() { close(s.ch) }

func (s *NotificationSender) send(n Notification) {
	select {
	case s.ch <- n:
	default:
	}
}

// Log forwards an out-of-band log line, for action executors that want to
// stream progress text distinct from state-transition notifications.
func (s *NotificationSender) Log(stateID, message string) {
	s.send(Notification{Kind: NotificationLog, State: stateID, Message: message})
}

// calculateProgress mirrors the original's approximate executed/total ratio,
// clamped to [0, 100]. It is approximate for workflows containing loops:
// total reflects the state count at parse time, not the number of cycles a
// loop will actually take, so progress can stall below 100 mid-loop and then
// jump once the loop exits.
func calculateProgress(executed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := executed * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

func intPtrOf(v int) *int { return &v }

// ActionExecutor performs a state's action(s) and reports whether the
// action succeeded, which feeds on_success/on_failure transition selection.
// Custom-condition transitions are decided by ActionExecutor's returned vars
// against the transition's expression via evalCondition.
type ActionExecutor func(ctx context.Context, state *State, params map[string]any) (success bool, vars map[string]any, err error)

// Engine runs a parsed Workflow's state machine to completion.
type Engine struct {
	MaxSteps int // safety bound against unintended infinite loops; 0 means use defaultMaxSteps
}

const defaultMaxSteps = 10000

// NewEngine returns an Engine with the default step bound.
func NewEngine() *Engine { return &Engine{} }

// Run drives wf from its initial state to a terminal state, invoking exec
// for each state's action and sender for progress notifications. It returns
// the name of the terminal state reached, or an error if exec fails, no
// eligible transition is found, or the step bound is exceeded.
func (e *Engine) Run(ctx context.Context, wf *Workflow, params map[string]any, exec ActionExecutor, sender *NotificationSender) (string, error) {
	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	total := len(wf.States)
	current := wf.InitialState
	executed := 0

	if sender != nil {
		sender.send(Notification{Kind: NotificationFlowStart, State: current, Message: fmt.Sprintf("starting workflow at %q", current), Progress: intPtrOf(0)})
	}

	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			err := fmt.Errorf("workflow exceeded maximum step count (%d) without reaching a terminal state", maxSteps)
			if sender != nil {
				sender.send(Notification{Kind: NotificationFlowError, State: current, Message: err.Error()})
			}
			return "", err
		}
		if err := ctx.Err(); err != nil {
			if sender != nil {
				sender.send(Notification{Kind: NotificationFlowError, State: current, Message: err.Error()})
			}
			return "", err
		}

		st, ok := wf.States[current]
		if !ok {
			err := fmt.Errorf("unknown state %q", current)
			if sender != nil {
				sender.send(Notification{Kind: NotificationFlowError, Message: err.Error()})
			}
			return "", err
		}

		executed++
		progress := calculateProgress(executed, total)
		if sender != nil {
			sender.send(Notification{
				Kind: NotificationStateStart, State: current, Progress: intPtrOf(progress),
				Message: fmt.Sprintf("[%d/100] entering state %q", progress, current),
			})
		}

		var success bool
		var vars map[string]any
		var err error
		if exec != nil {
			success, vars, err = exec(ctx, st, params)
		} else {
			success = true
		}
		if err != nil {
			if sender != nil {
				sender.send(Notification{Kind: NotificationFlowError, State: current, Message: err.Error()})
			}
			return "", fmt.Errorf("state %q action failed: %w", current, err)
		}

		if sender != nil {
			sender.send(Notification{
				Kind: NotificationStateComplete, State: current, Progress: intPtrOf(progress),
				Message: fmt.Sprintf("[%d/100] completed state %q", progress, current),
			})
		}

		if wf.IsTerminal(current) && !hasNonTerminalBranch(wf, current) {
			if sender != nil {
				sender.send(Notification{Kind: NotificationFlowComplete, State: current, Progress: intPtrOf(100), Message: fmt.Sprintf("workflow completed at %q", current)})
			}
			return current, nil
		}

		next, terminal, err := e.selectTransition(wf, current, success, vars)
		if err != nil {
			if sender != nil {
				sender.send(Notification{Kind: NotificationFlowError, State: current, Message: err.Error()})
			}
			return "", err
		}
		if terminal {
			if sender != nil {
				sender.send(Notification{Kind: NotificationFlowComplete, State: current, Progress: intPtrOf(100), Message: fmt.Sprintf("workflow completed at %q", current)})
			}
			return current, nil
		}
		current = next
	}
}

// hasNonTerminalBranch reports whether state has an outgoing transition to
// something other than the final marker, meaning reaching the final marker
// doesn't strictly end execution (a choice state with one branch ending the
// flow and another continuing it).
func hasNonTerminalBranch(wf *Workflow, stateID string) bool {
	for _, tr := range wf.TransitionsFrom(stateID) {
		if tr.To != finalMarker {
			return true
		}
	}
	return false
}

// selectTransition picks the next state out of current based on each
// outgoing transition's condition, success/vars from the action that just
// ran. Success/failure/custom branches are checked in declaration order; an
// Always-conditioned transition is a catch-all, and only the first one
// declared fires, and only when none of those branches matched.
func (e *Engine) selectTransition(wf *Workflow, current string, success bool, vars map[string]any) (next string, terminal bool, err error) {
	transitions := wf.TransitionsFrom(current)
	if len(transitions) == 0 {
		return "", false, fmt.Errorf("state %q has no outgoing transitions and is not terminal", current)
	}

	var fallback *Transition
	for i := range transitions {
		tr := &transitions[i]
		switch tr.Condition.Type {
		case ConditionAlways:
			if fallback == nil {
				fallback = tr
			}
		case ConditionOnSuccess:
			if success {
				return resolve(tr)
			}
		case ConditionOnFailure:
			if !success {
				return resolve(tr)
			}
		case ConditionCustom:
			if evalCondition(tr.Condition.Expression, vars) {
				return resolve(tr)
			}
		}
	}

	if fallback != nil {
		return resolve(fallback)
	}

	return "", false, fmt.Errorf("state %q has no transition matching the result of its action", current)
}

func resolve(tr *Transition) (string, bool, error) {
	if tr.To == finalMarker {
		return "", true, nil
	}
	return tr.To, false, nil
}

// evalCondition evaluates a small subset of CEL-like expressions: equality/
// inequality comparisons against a quoted literal, truthiness of a bare
// variable name, and "&&"/"||" combinations of either. No arithmetic,
// function calls, or nested parentheses are supported; no such evaluator
// exists in the surrounding stack, so this minimal form covers the common
// transition-guard shapes (`result == "ok"`, `retries < 3` is NOT
// supported) while avoiding a hand-rolled general expression language.
func evalCondition(expr string, vars map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	if strings.Contains(expr, "||") {
		for _, part := range strings.Split(expr, "||") {
			if evalCondition(part, vars) {
				return true
			}
		}
		return false
	}
	if strings.Contains(expr, "&&") {
		for _, part := range strings.Split(expr, "&&") {
			if !evalCondition(part, vars) {
				return false
			}
		}
		return true
	}

	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(expr, op); idx >= 0 {
			left := strings.TrimSpace(expr[:idx])
			right := strings.Trim(strings.TrimSpace(expr[idx+len(op):]), `"'`)
			val, ok := vars[left]
			if !ok {
				return false
			}
			equal := fmt.Sprintf("%v", val) == right
			if op == "!=" {
				return !equal
			}
			return equal
		}
	}

	val, ok := vars[expr]
	if !ok {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		return v != ""
	default:
		return val != nil
	}
}
