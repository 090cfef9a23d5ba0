package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "user_id"

// InternalTokenHeader carries the shared secret of internal callers such as
// the reaper scheduler.
const InternalTokenHeader = "X-Internal-Token"

// AuthMiddleware validates HS256 bearer tokens issued by the user service.
// Browsers cannot set headers on WebSocket upgrades, so a "token" query
// parameter is accepted as well. Without a token the request passes through
// unauthenticated unless required is set.
func AuthMiddleware(secret []byte, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" || len(secret) == 0 {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
				return
			}
			c.Next()
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}
		userID, ok := claimString(claims["user_id"])
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token has no user_id"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// InternalAuthMiddleware admits only requests presenting token in the
// X-Internal-Token header. User JWTs are not accepted. An empty token
// rejects every request.
func InternalAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Internal endpoints are disabled", "code": "unauthorized"})
			return
		}
		presented := c.GetHeader(InternalTokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid internal token", "code": "unauthorized"})
			return
		}
		c.Next()
	}
}

// AuthenticatedUser returns the user id set by AuthMiddleware, if any.
func AuthenticatedUser(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// claimString accepts both string ids and the numeric ids the user service
// puts in its tokens.
func claimString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return fmt.Sprintf("%.0f", id), true
	}
	return "", false
}
