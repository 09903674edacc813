package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireRolesAny passes when "roles" (set by AuthMiddleware) holds at least one of required.
func RequireRolesAny(required ...string) gin.HandlerFunc {
	reqSet := make(map[string]struct{}, len(required))
	for _, r := range required {
		reqSet[r] = struct{}{}
	}
	return func(c *gin.Context) {
		var roles []string
		if v, ok := c.Get("roles"); ok {
			switch t := v.(type) {
			case []string:
				roles = t
			case string:
				if t != "" {
					roles = []string{t}
				}
			}
		}
		for _, r := range roles {
			if _, ok := reqSet[r]; ok {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
		})
	}
}
