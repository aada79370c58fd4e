package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"flextasker/realtime-gateway/services"
)

// Context keys set by Auth.
const (
	UserIDKey = "userID"
	RoleKey   = "role"
)

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the token query parameter browsers use for WebSocket upgrades.
func ExtractToken(r *http.Request) string {
	// Try Authorization header first
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimPrefix(bearerToken, "Bearer ")
	}

	// For WebSocket connections, check query parameter
	return r.URL.Query().Get("token")
}

// Auth rejects requests without a valid token and stores the caller's
// identity in the gin context.
func Auth(verifier services.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ExtractToken(c.Request)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization token",
			})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), tokenString)
		if err != nil {
			msg := "Invalid token"
			var ee *services.EventError
			if errors.As(err, &ee) {
				msg = ee.Message
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": msg,
			})
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(RoleKey, identity.Role)
		c.Next()
	}
}
