package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/supportdesk/internal/auth"
	"github.com/suPer8Hu/supportdesk/internal/common"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

const (
	UserIDKey    = "user_id"
	RoleKey      = "role"
	VisitorIDKey = "visitor_id"
)

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			return
		}
		tokenStr := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))

		claims, err := auth.ParseJWT(tokenStr, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(RoleKey, claims.Role)
		if claims.VisitorID != "" {
			c.Set(VisitorIDKey, claims.VisitorID)
		}
		c.Next()
	}
}

// RequireStaff lets agents and admins through. Must run after AuthRequired.
func RequireStaff() gin.HandlerFunc {
	return requireRole("staff access required", models.Role.IsStaff)
}

func RequireAdmin() gin.HandlerFunc {
	return requireRole("admin access required", func(r models.Role) bool { return r == models.RoleAdmin })
}

func requireRole(msg string, allowed func(models.Role) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(RoleKey)
		r, ok := role.(models.Role)
		if !ok || !allowed(r) {
			common.Fail(c, http.StatusForbidden, 40301, msg)
			return
		}
		c.Next()
	}
}
