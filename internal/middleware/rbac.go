package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
	"github.com/noah-isme/coi-compliance-api/pkg/response"
)

// RBAC enforces role-based access control for routes. Superadmins pass every admin gate.
func RBAC(allowed ...string) gin.HandlerFunc {
	allowedRoles := make(map[models.UserRole]struct{}, len(allowed))
	for _, a := range allowed {
		allowedRoles[models.UserRole(a)] = struct{}{}
	}
	if _, ok := allowedRoles[models.RoleAdmin]; ok {
		allowedRoles[models.RoleSuperAdmin] = struct{}{}
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims, ok := claimsValue.(*models.JWTClaims)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if _, ok := allowedRoles[claims.Role]; ok {
			c.Next()
			return
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

// RequireRoles is a helper that accepts a list of roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(allowed...)
}
