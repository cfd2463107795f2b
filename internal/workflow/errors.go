package workflow

import "fmt"

// InvalidTransitionError reports an action that is not legal from the
// letter's actual state. Both are carried so callers can explain precisely
// what was attempted and from where.
type InvalidTransitionError struct {
	Action Action
	State  State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %s is not allowed in state %s", e.Action, e.State)
}

// ComplianceBelowThresholdError reports a submitForReview blocked by the
// compliance gate.
type ComplianceBelowThresholdError struct {
	Score     int
	Threshold int
}

func (e *ComplianceBelowThresholdError) Error() string {
	return fmt.Sprintf("compliance score %d is below the required threshold %d", e.Score, e.Threshold)
}

// MissingReasonError reports a reject attempted without an adequate reason.
type MissingReasonError struct {
	MinLen int
}

func (e *MissingReasonError) Error() string {
	return fmt.Sprintf("a rejection reason of at least %d characters is required", e.MinLen)
}
