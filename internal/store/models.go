package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Letter is the mutable envelope. Content and compliance score track the
// working copy at CurrentVersion; snapshots hold the immutable history.
type Letter struct {
	ID              string
	Title           string
	Recipient       string
	State           string
	CurrentVersion  int
	Content         string
	ComplianceScore int
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Version is an immutable content snapshot. OriginInstruction is empty for
// manual edits and for the initial version.
type Version struct {
	ID                int64
	LetterID          string
	VersionNumber     int
	Content           string
	OriginInstruction string
	ComplianceScore   int
	CreatedBy         string
	CreatedAt         time.Time
}

// TransitionEvent is one append-only audit record of a lifecycle change.
// Reason is set for rejections; SignatureKey and ApprovalID for approvals.
type TransitionEvent struct {
	ID           int64
	LetterID     string
	Action       string
	FromState    string
	ToState      string
	ActorName    string
	ActorRole    string
	IP           string
	UserAgent    string
	Reason       string
	SignatureKey string
	ApprovalID   string
	CreatedAt    time.Time
}

// Approval records who signed off on which snapshot. Its ID is returned to
// the caller and later drives the signed certificate export.
type Approval struct {
	ID            string
	LetterID      string
	VersionNumber int
	SignedBy      string
	SignatureKey  string
	CreatedAt     time.Time
}

// CaptureParams describes one snapshot capture. PreContent/PreScore are the
// working copy at ExpectedVersion, persisted there first if no snapshot
// exists yet at that number.
type CaptureParams struct {
	LetterID          string
	ExpectedVersion   int
	PreContent        string
	PreScore          int
	NewContent        string
	NewScore          int
	OriginInstruction string
	CreatedBy         string
}
