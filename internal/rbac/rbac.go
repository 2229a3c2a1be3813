package rbac

type Role string
type Action string

const (
	RoleClient   Role = "client"
	RoleHandyman Role = "handyman"
	RoleAdmin    Role = "admin"
)

const (
	ActionPostJob  Action = "post_job"
	ActionApply    Action = "apply"
	ActionAccept   Action = "accept"
	ActionChat     Action = "chat"
	ActionModerate Action = "moderate"
)

// Can reports whether role may perform action at all. Ownership rules (only
// the job owner accepts, only parties chat) are checked by the caller.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleClient:
		return action == ActionPostJob || action == ActionAccept || action == ActionChat
	case RoleHandyman:
		return action == ActionApply || action == ActionChat
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleHandyman, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}
