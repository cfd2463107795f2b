package app

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Version-navigation boundaries. These are user-actionable, so they carry
// distinct codes rather than collapsing into a generic validation failure.

func errNoPriorVersion(current int) *DomainError {
	return domainError(409, "NO_PRIOR_VERSION", "Already at the oldest version", map[string]any{
		"currentVersion": current,
	})
}

func errNoNextVersion(current int) *DomainError {
	return domainError(409, "NO_NEXT_VERSION", "Already at the newest version", map[string]any{
		"currentVersion": current,
	})
}

func errConflict() *DomainError {
	return domainError(409, "CONFLICT", "The letter was modified concurrently; retry with fresh state", nil)
}
