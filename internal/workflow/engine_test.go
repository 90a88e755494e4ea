package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearWorkflow builds Start -> Work -> End -> [*] by hand, the way the
// parser would, so engine behavior can be tested without parse coupling.
func linearWorkflow() *Workflow {
	return &Workflow{
		Name:         "linear",
		InitialState: "Start",
		States: map[string]*State{
			"Start": {ID: "Start"},
			"Work":  {ID: "Work"},
			"End":   {ID: "End"},
		},
		Transitions: []Transition{
			{From: finalMarker, To: "Start", Condition: Condition{Type: ConditionAlways}},
			{From: "Start", To: "Work", Condition: Condition{Type: ConditionAlways}},
			{From: "Work", To: "End", Condition: Condition{Type: ConditionAlways}},
			{From: "End", To: finalMarker, Condition: Condition{Type: ConditionAlways}},
		},
	}
}

func drain(sender *NotificationSender) []Notification {
	var out []Notification
	for n := range sender.Channel() {
		out = append(out, n)
	}
	return out
}

func TestEngineRunsLinearWorkflowToTerminalState(t *testing.T) {
	wf := linearWorkflow()
	sender := NewNotificationSender(64)

	var visited []string
	exec := func(_ context.Context, state *State, _ map[string]any) (bool, map[string]any, error) {
		visited = append(visited, state.ID)
		return true, nil, nil
	}

	final, err := NewEngine().Run(context.Background(), wf, nil, exec, sender)
	sender.Close()
	require.NoError(t, err)
	assert.Equal(t, "End", final)
	assert.Equal(t, []string{"Start", "Work", "End"}, visited)

	notifs := drain(sender)
	require.NotEmpty(t, notifs)
	assert.Equal(t, NotificationFlowStart, notifs[0].Kind)
	assert.Equal(t, NotificationFlowComplete, notifs[len(notifs)-1].Kind)
	require.NotNil(t, notifs[len(notifs)-1].Progress)
	assert.Equal(t, 100, *notifs[len(notifs)-1].Progress)

	// Every state produces a start/complete pair, in execution order.
	var starts []string
	for _, n := range notifs {
		if n.Kind == NotificationStateStart {
			starts = append(starts, n.State)
		}
	}
	assert.Equal(t, []string{"Start", "Work", "End"}, starts)
}

func TestEngineProgressIsMonotonicAndClamped(t *testing.T) {
	assert.Equal(t, 0, calculateProgress(0, 0))
	assert.Equal(t, 33, calculateProgress(1, 3))
	assert.Equal(t, 100, calculateProgress(3, 3))
	// Loops execute more states than the parse-time total; clamp at 100.
	assert.Equal(t, 100, calculateProgress(7, 3))
}

func TestEngineFollowsFailureBranch(t *testing.T) {
	wf := &Workflow{
		InitialState: "Check",
		States: map[string]*State{
			"Check":   {ID: "Check", Type: StateChoice},
			"Happy":   {ID: "Happy"},
			"Recover": {ID: "Recover"},
		},
		Transitions: []Transition{
			{From: finalMarker, To: "Check"},
			{From: "Check", To: "Happy", Condition: Condition{Type: ConditionOnSuccess}},
			{From: "Check", To: "Recover", Condition: Condition{Type: ConditionOnFailure}},
			{From: "Happy", To: finalMarker},
			{From: "Recover", To: finalMarker},
		},
	}

	exec := func(_ context.Context, state *State, _ map[string]any) (bool, map[string]any, error) {
		return state.ID != "Check", nil, nil
	}

	final, err := NewEngine().Run(context.Background(), wf, nil, exec, nil)
	require.NoError(t, err)
	assert.Equal(t, "Recover", final)
}

func TestEngineEvaluatesCustomConditions(t *testing.T) {
	wf := &Workflow{
		InitialState: "Route",
		States: map[string]*State{
			"Route": {ID: "Route", Type: StateChoice},
			"Fast":  {ID: "Fast"},
			"Slow":  {ID: "Slow"},
		},
		Transitions: []Transition{
			{From: finalMarker, To: "Route"},
			{From: "Route", To: "Fast", Condition: Condition{Type: ConditionCustom, Expression: `priority == "high"`}},
			{From: "Route", To: "Slow", Condition: Condition{Type: ConditionAlways}},
			{From: "Fast", To: finalMarker},
			{From: "Slow", To: finalMarker},
		},
	}

	exec := func(_ context.Context, _ *State, _ map[string]any) (bool, map[string]any, error) {
		return true, map[string]any{"priority": "high"}, nil
	}
	final, err := NewEngine().Run(context.Background(), wf, nil, exec, nil)
	require.NoError(t, err)
	assert.Equal(t, "Fast", final)

	execLow := func(_ context.Context, _ *State, _ map[string]any) (bool, map[string]any, error) {
		return true, map[string]any{"priority": "low"}, nil
	}
	final, err = NewEngine().Run(context.Background(), wf, nil, execLow, nil)
	require.NoError(t, err)
	assert.Equal(t, "Slow", final)
}

func TestEngineActionErrorEmitsFlowError(t *testing.T) {
	wf := linearWorkflow()
	sender := NewNotificationSender(64)

	boom := errors.New("disk full")
	exec := func(_ context.Context, state *State, _ map[string]any) (bool, map[string]any, error) {
		if state.ID == "Work" {
			return false, nil, boom
		}
		return true, nil, nil
	}

	_, err := NewEngine().Run(context.Background(), wf, nil, exec, sender)
	sender.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	notifs := drain(sender)
	last := notifs[len(notifs)-1]
	assert.Equal(t, NotificationFlowError, last.Kind)
	assert.Equal(t, "Work", last.State)
	assert.Nil(t, last.Progress)
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine().Run(ctx, linearWorkflow(), nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineStepBoundStopsRunawayLoop(t *testing.T) {
	wf := &Workflow{
		InitialState: "A",
		States: map[string]*State{
			"A": {ID: "A"},
			"B": {ID: "B"},
		},
		Transitions: []Transition{
			{From: finalMarker, To: "A"},
			{From: "A", To: "B", Condition: Condition{Type: ConditionAlways}},
			{From: "B", To: "A", Condition: Condition{Type: ConditionAlways}},
			// Unreachable in practice: the custom guard never holds.
			{From: "B", To: finalMarker, Condition: Condition{Type: ConditionCustom, Expression: "done"}},
		},
	}

	engine := &Engine{MaxSteps: 25}
	_, err := engine.Run(context.Background(), wf, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum step count")
}

func TestEngineNoEligibleTransitionFails(t *testing.T) {
	wf := &Workflow{
		InitialState: "Only",
		States:       map[string]*State{"Only": {ID: "Only"}},
		Transitions: []Transition{
			{From: finalMarker, To: "Only"},
			{From: "Only", To: "Next", Condition: Condition{Type: ConditionOnFailure}},
			{From: "Next", To: finalMarker},
		},
	}
	// Action succeeds, but the only outgoing transition requires failure.
	_, err := NewEngine().Run(context.Background(), wf, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transition matching")
}

func TestEngineTerminalStateWithContinueBranch(t *testing.T) {
	// Loop allows exit either to [*] or back around; the custom guard picks.
	wf := &Workflow{
		InitialState: "Loop",
		States: map[string]*State{
			"Loop": {ID: "Loop", Type: StateChoice},
		},
		Transitions: []Transition{
			{From: finalMarker, To: "Loop"},
			{From: "Loop", To: finalMarker, Condition: Condition{Type: ConditionCustom, Expression: "done"}},
			{From: "Loop", To: "Loop", Condition: Condition{Type: ConditionAlways}},
		},
	}

	count := 0
	exec := func(_ context.Context, _ *State, _ map[string]any) (bool, map[string]any, error) {
		count++
		return true, map[string]any{"done": count >= 3}, nil
	}

	final, err := NewEngine().Run(context.Background(), wf, nil, exec, nil)
	require.NoError(t, err)
	assert.Equal(t, "Loop", final)
	assert.Equal(t, 3, count)
}

func TestEvalCondition(t *testing.T) {
	vars := map[string]any{
		"result": "ok",
		"flag":   true,
		"off":    false,
		"empty":  "",
	}
	tests := []struct {
		expr string
		want bool
	}{
		{`result == "ok"`, true},
		{`result == "bad"`, false},
		{`result != "bad"`, true},
		{"flag", true},
		{"off", false},
		{"empty", false},
		{"missing", false},
		{`result == "ok" && flag`, true},
		{`result == "bad" && flag`, false},
		{`result == "bad" || flag`, true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, evalCondition(tt.expr, vars))
		})
	}
}

func TestNotificationSenderDropsWhenFull(t *testing.T) {
	sender := NewNotificationSender(1)
	sender.Log("s", "first")
	sender.Log("s", "second") // no room; must not block
	sender.Close()

	notifs := drain(sender)
	require.Len(t, notifs, 1)
	assert.Equal(t, "first", notifs[0].Message)
}
