// Package auth guards operator endpoints with a shared bearer secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyOperator is set to true once a request presented the secret.
const ContextKeyOperator = "authOperator"

// RequireSecret rejects requests that do not carry secret as a bearer token
// (or in X-Admin-Secret). An empty secret disables the routes entirely:
// they answer 404 as if they did not exist.
func RequireSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Not found",
			})
			return
		}

		got := bearer(c.GetHeader("Authorization"))
		if got == "" {
			got = c.GetHeader("X-Admin-Secret")
		}
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator secret required. Include 'Authorization: Bearer <ADMIN_SECRET>' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid operator secret",
			})
			return
		}

		c.Set(ContextKeyOperator, true)
		c.Next()
	}
}

// IsOperator reports whether RequireSecret admitted the request.
func IsOperator(c *gin.Context) bool {
	return c.GetBool(ContextKeyOperator)
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
