package workflow

import "strings"

// DefaultComplianceThreshold gates submitForReview when no override is
// configured.
const DefaultComplianceThreshold = 70

// MinRejectReasonLen is the minimum length of a rejection reason after
// trimming surrounding whitespace.
const MinRejectReasonLen = 10

// GateSatisfied is the compliance gate predicate. The comparison is
// non-strict: a score equal to the threshold passes.
func GateSatisfied(score, threshold int) bool {
	return score >= threshold
}

// CheckSubmit validates the compliance guard for submitForReview.
func CheckSubmit(score, threshold int) error {
	if !GateSatisfied(score, threshold) {
		return &ComplianceBelowThresholdError{Score: score, Threshold: threshold}
	}
	return nil
}

// CheckRejectReason validates the reject guard and returns the trimmed
// reason that should be recorded on the event.
func CheckRejectReason(reason string) (string, error) {
	trimmed := strings.TrimSpace(reason)
	if len(trimmed) < MinRejectReasonLen {
		return "", &MissingReasonError{MinLen: MinRejectReasonLen}
	}
	return trimmed, nil
}
