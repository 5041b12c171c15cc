package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleAdmin manages an agency's pipeline: retries, merges, recording-ready.
	RoleAdmin = "admin"
	// RoleOperator monitors jobs and may retry them.
	RoleOperator = "operator"
	// RoleAnalyst reads statistics only.
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
	// RoleSupport is a hidden cross-agency role for on-call engineers.
	RoleSupport = "support"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }

// CrossAgency reports whether role may read data outside its own agency.
func CrossAgency(role string) bool { return role == RoleSuperAdmin || role == RoleSupport }
