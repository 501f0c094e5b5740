package services

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const userContextKey = "user"

// User represents an authenticated caller, taken from a session JWT.
type User struct {
	Username string
	UserID   string
	Role     string
}

// AuthMiddleware rejects requests without a valid bearer token whose role
// claim is exactly role.
func AuthMiddleware(issuer *JWTIssuer, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Missing Authorization Header"})
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		claims, err := issuer.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid Token"})
			return
		}

		if claims.Role != role {
			detail := "User access required"
			if role == RoleAdmin {
				detail = "Admin access required"
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": detail})
			return
		}

		c.Set(userContextKey, &User{
			Username: claims.Username,
			UserID:   claims.UserID,
			Role:     claims.Role,
		})
		c.Next()
	}
}

// CurrentUser returns the user stored by AuthMiddleware, or nil.
func CurrentUser(c *gin.Context) *User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	u, _ := v.(*User)
	return u
}
