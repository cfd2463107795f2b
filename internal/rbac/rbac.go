package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleEditor   Role = "editor"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionSend    Action = "send"
	ActionAdmin   Action = "admin"
)

// Can resolves the fixed role capabilities. Editors own the drafting side
// (write, submit, prepare/send); approvers own the review side; they do not
// overlap so no single role can push a letter through unreviewed.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleApprover:
		return action == ActionRead || action == ActionApprove
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionSubmit || action == ActionSend
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleApprover, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
