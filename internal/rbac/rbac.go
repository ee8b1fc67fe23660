package rbac

type Role string
type Action string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

const (
	ActionRead         Action = "read"
	ActionEdit         Action = "edit"
	ActionChat         Action = "chat"
	ActionRemoveMember Action = "remove_member"
	ActionDeleteRoom   Action = "delete_room"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionChat
	case RoleViewer:
		return action == ActionRead || action == ActionChat
	default:
		return false
	}
}

// Normalize maps free-form input to a known role; unknown values become EDITOR,
// the default role for members joining a room.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleEditor
	}
}
