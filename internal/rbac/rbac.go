package rbac

import "strings"

type Role string
type Action string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

const (
	ActionRead         Action = "read"
	ActionWriteTask    Action = "write_task"
	ActionComment      Action = "comment"
	ActionReorder      Action = "reorder"
	ActionManageInvite Action = "manage_invite"
	ActionDeleteUser   Action = "delete_user"
	ActionManageEpic   Action = "manage_epic"
)

// Can reports whether role may perform action at all. Project membership is
// checked separately by the caller for MEMBER.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		switch action {
		case ActionRead, ActionWriteTask, ActionComment, ActionReorder, ActionManageEpic:
			return true
		}
		return false
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(role))) {
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleMember
	}
}
