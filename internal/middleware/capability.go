package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-lms/seats/internal/authz"
	"github.com/aura-lms/seats/pkg/response"
)

// RequireCapability allows only roles that hold capability c.
func RequireCapability(policy *authz.Policy, c authz.Capability) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		roleVal, ok := ctx.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(ctx, "missing user context")
			ctx.Abort()
			return
		}
		role, _ := roleVal.(string)
		if !policy.Allows(role, c) {
			response.Forbidden(ctx, "insufficient permissions")
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// CanAccessOrg reports whether the caller may act on orgID. Global roles see every
// organization; others only the one named in their token.
func CanAccessOrg(c *gin.Context, policy *authz.Policy, orgID uuid.UUID) bool {
	role := c.GetString(ContextUserRole)
	if policy.Global(role) {
		return true
	}
	v, ok := c.Get(ContextOrganizationID)
	if !ok {
		return false
	}
	scoped, _ := v.(uuid.UUID)
	return scoped == orgID
}

// RequireOrgAccess rejects callers that may not act on the organization named by the route param.
func RequireOrgAccess(policy *authz.Policy, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := uuid.Parse(c.Param(param))
		if err != nil {
			response.BadRequest(c, "invalid organization id")
			c.Abort()
			return
		}
		if !CanAccessOrg(c, policy, orgID) {
			response.Forbidden(c, "no access to organization")
			c.Abort()
			return
		}
		c.Next()
	}
}
