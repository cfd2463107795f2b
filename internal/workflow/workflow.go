// Package workflow holds the letter lifecycle state machine. It is pure:
// persistence and concurrency control live in the app coordinator.
package workflow

// State is a letter's resting lifecycle state. A rejection is an event, not a
// state; it lands the letter back in DRAFT.
type State string

const (
	StateDraft         State = "DRAFT"
	StatePendingReview State = "PENDING_REVIEW"
	StateApproved      State = "APPROVED"
	StateReadyToSend   State = "READY_TO_SEND"
	StateSent          State = "SENT"
)

// Action is a lifecycle command issued against a letter.
type Action string

const (
	ActionSubmitForReview   Action = "submitForReview"
	ActionApprove           Action = "approve"
	ActionReject            Action = "reject"
	ActionPrepareForSending Action = "prepareForSending"
	ActionMarkAsSent        Action = "markAsSent"
)

// Actions lists every lifecycle command, for exhaustive table checks.
var Actions = []Action{
	ActionSubmitForReview,
	ActionApprove,
	ActionReject,
	ActionPrepareForSending,
	ActionMarkAsSent,
}

// States lists every resting state.
var States = []State{
	StateDraft,
	StatePendingReview,
	StateApproved,
	StateReadyToSend,
	StateSent,
}

// transitions is the closed transition table. A (state, action) pair absent
// from it is illegal; StateSent has no row, making it terminal.
var transitions = map[State]map[Action]State{
	StateDraft: {
		ActionSubmitForReview: StatePendingReview,
	},
	StatePendingReview: {
		ActionApprove: StateApproved,
		ActionReject:  StateDraft,
	},
	StateApproved: {
		ActionPrepareForSending: StateReadyToSend,
	},
	StateReadyToSend: {
		ActionMarkAsSent: StateSent,
	},
}

// Valid reports whether s is a known resting state.
func Valid(s State) bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Next resolves the state reached by applying action in the current state.
// Illegal pairs return InvalidTransitionError carrying both.
func Next(current State, action Action) (State, error) {
	if next, ok := transitions[current][action]; ok {
		return next, nil
	}
	return "", &InvalidTransitionError{Action: action, State: current}
}

// CanMutateContent reports whether letter content (edits, refinements, undo,
// redo) may change in the given state. Only drafts are editable.
func CanMutateContent(s State) bool {
	return s == StateDraft
}

// EventName is the audit-trail name recorded for a completed action.
func (a Action) EventName() string {
	switch a {
	case ActionSubmitForReview:
		return "SUBMITTED_FOR_REVIEW"
	case ActionApprove:
		return "APPROVED"
	case ActionReject:
		return "REJECTED"
	case ActionPrepareForSending:
		return "PREPARED_FOR_SENDING"
	case ActionMarkAsSent:
		return "MARKED_AS_SENT"
	}
	return string(a)
}

// ActionFromEvent maps a recorded audit-trail name back to its action.
func ActionFromEvent(name string) (Action, bool) {
	for _, a := range Actions {
		if a.EventName() == name {
			return a, true
		}
	}
	return "", false
}

// Replay folds recorded event names over the initial state. The result must
// match the letter's persisted state; a divergence means the audit trail and
// the letter row desynchronized.
func Replay(eventNames []string) (State, error) {
	state := StateDraft
	for _, name := range eventNames {
		action, ok := ActionFromEvent(name)
		if !ok {
			return "", &InvalidTransitionError{Action: Action(name), State: state}
		}
		next, err := Next(state, action)
		if err != nil {
			return "", err
		}
		state = next
	}
	return state, nil
}
