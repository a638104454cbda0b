package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-lms/seats/internal/auth"
	"github.com/aura-lms/seats/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
	// ContextOrganizationID is the key for the token's organization scope, if any.
	ContextOrganizationID = "organization_id"
)

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := validator.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextUserEmail, claims.Email)
		if claims.OrganizationID != nil {
			c.Set(ContextOrganizationID, *claims.OrganizationID)
		}
		c.Next()
	}
}

// UserID returns the authenticated user, or uuid.Nil.
func UserID(c *gin.Context) uuid.UUID {
	id, _ := c.Get(ContextUserID)
	v, _ := id.(uuid.UUID)
	return v
}

// Actor returns the audit actor string for the authenticated user.
func Actor(c *gin.Context) string {
	if id := UserID(c); id != uuid.Nil {
		return "user:" + id.String()
	}
	return "anonymous"
}
