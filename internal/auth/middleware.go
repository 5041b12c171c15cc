package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireAccessToken verifies an operator access token and injects identity into
// request context. It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return requireToken(m, TokenTypeAccess)
}

// RequireServiceToken guards stage callbacks. A nil manager disables the check.
func RequireServiceToken(m *Manager) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return requireToken(m, TokenTypeService)
}

func requireToken(m *Manager, typ TokenType) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tok := strings.TrimPrefix(raw, bearerPrefix)

		claims, err := m.Verify(tok, typ, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), Identity{UserID: claims.UserID, AgencyID: claims.AgencyID, Role: claims.Role})
		c.Request = c.Request.WithContext(ctx)

		// Also store on gin context for handler convenience.
		c.Set("user_id", claims.UserID)
		c.Set("agency_id", claims.AgencyID)
		c.Set("role", claims.Role)

		c.Next()
	}
}
