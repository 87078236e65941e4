package domain

// AgentState is the finite set of states an agent actor moves through.
type AgentState string

const (
	StateIdle       AgentState = "idle"
	StateThinking   AgentState = "thinking"
	StateToolCall   AgentState = "toolcall"
	StateReflecting AgentState = "reflecting"
)

func (s AgentState) String() string {
	return string(s)
}

// AgentEvent is an occurrence the state machine reacts to.
type AgentEvent string

const (
	// EventReceived fires when a user or system message arrives.
	EventReceived AgentEvent = "received"
	// EventLLMProduced fires when the provider returned an assistant message.
	EventLLMProduced AgentEvent = "llm_produced"
	// EventToolRequested fires when the provider indicated a tool call.
	EventToolRequested AgentEvent = "tool_requested"
	// EventToolResolved fires when the tool call finished.
	EventToolResolved AgentEvent = "tool_resolved"
	// EventCompleted fires when the turn is done.
	EventCompleted AgentEvent = "completed"
	// EventFailed is treated as Completed at the state level; the error
	// propagates separately.
	EventFailed AgentEvent = "failed"
)

// Next is the single source of truth for agent transitions. Actors
// never mutate their state outside it.
func Next(state AgentState, event AgentEvent) (AgentState, error) {
	switch {
	case state == StateIdle && event == EventReceived:
		return StateThinking, nil
	case state == StateThinking && event == EventLLMProduced:
		return StateReflecting, nil
	case state == StateThinking && event == EventToolRequested:
		return StateToolCall, nil
	case state == StateToolCall && event == EventToolResolved:
		return StateReflecting, nil
	case state == StateReflecting && (event == EventCompleted || event == EventFailed):
		return StateIdle, nil
	case state == StateThinking && event == EventFailed:
		// A failure mid-thought completes the cycle through Reflecting.
		return StateReflecting, nil
	case state == StateToolCall && event == EventFailed:
		return StateReflecting, nil
	}
	return state, &StateTransitionError{From: state, To: targetOf(state, event)}
}

// targetOf names the state an event was aiming for, for error reporting.
func targetOf(state AgentState, event AgentEvent) AgentState {
	switch event {
	case EventReceived:
		return StateThinking
	case EventLLMProduced:
		return StateReflecting
	case EventToolRequested:
		return StateToolCall
	case EventToolResolved:
		return StateReflecting
	case EventCompleted, EventFailed:
		return StateIdle
	}
	return state
}

// CanTransitionTo reports whether the transition relation allows moving
// from s to next. Idle self-loops are allowed.
func (s AgentState) CanTransitionTo(next AgentState) bool {
	switch {
	case s == StateIdle && next == StateThinking:
		return true
	case s == StateIdle && next == StateIdle:
		return true
	case s == StateThinking && next == StateToolCall:
		return true
	case s == StateThinking && next == StateReflecting:
		return true
	case s == StateToolCall && next == StateReflecting:
		return true
	case s == StateReflecting && next == StateIdle:
		return true
	}
	return false
}

// TransitionTo validates and performs a direct transition.
func (s AgentState) TransitionTo(next AgentState) (AgentState, error) {
	if !s.CanTransitionTo(next) {
		return s, &StateTransitionError{From: s, To: next}
	}
	return next, nil
}

// ValidNextStates lists every state reachable in one step from s.
func (s AgentState) ValidNextStates() []AgentState {
	switch s {
	case StateIdle:
		return []AgentState{StateIdle, StateThinking}
	case StateThinking:
		return []AgentState{StateToolCall, StateReflecting}
	case StateToolCall:
		return []AgentState{StateReflecting}
	case StateReflecting:
		return []AgentState{StateIdle}
	}
	return nil
}
