package rbac

type Role string
type Action string

const (
	RoleSales      Role = "sales"
	RoleCredit     Role = "credit"
	RoleOperations Role = "operations"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionAct     Action = "act"
	ActionCreate  Action = "create"
	ActionApprove Action = "approve"
	ActionShare   Action = "share"
	ActionUpload  Action = "upload"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOperations:
		return action != ActionAdmin
	case RoleSales, RoleCredit:
		return action == ActionRead || action == ActionComment || action == ActionAct
	default:
		return false
	}
}

// Normalize maps unknown roles to sales, the least privileged team.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleSales, RoleCredit, RoleOperations, RoleAdmin:
		return Role(role)
	default:
		return RoleSales
	}
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleSales, RoleCredit, RoleOperations, RoleAdmin:
		return true
	}
	return false
}
