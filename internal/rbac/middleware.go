package rbac

import (
	"net/http"

	"callpipeline/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAgency enforces that every operator request is scoped to an agency.
// This does not validate membership; the token issuer vouches for it.
func RequireAgency() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c.Request.Context())
		if id.AgencyID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agency_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - super_admin bypasses all checks
// - support is a hidden role, and will be denied unless explicitly allowed
// - agency scoping is enforced via RequireAgency (use it in the chain)
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c.Request.Context())
		role := id.Role
		if role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		if IsSuperAdmin(role) {
			c.Next()
			return
		}

		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// ScopeAgency returns the agency filter for a read: the caller's own agency, or
// requested when the caller may read across agencies.
func ScopeAgency(c *gin.Context, requested string) string {
	id, _ := auth.IdentityFrom(c.Request.Context())
	if CrossAgency(id.Role) {
		return requested
	}
	return id.AgencyID
}
