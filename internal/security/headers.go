// Package security provides response hardening middleware for the gateway.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/pkg/x402"
)

// HeadersMiddleware adds security headers to all responses. The gateway
// serves JSON only, so the content policy forbids everything.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// Headers browsers may send and read. Payment proofs travel in X-PAYMENT and
// the settlement receipt comes back in X-PAYMENT-RESPONSE.
var (
	allowedHeaders = strings.Join([]string{
		"Authorization", "Content-Type", "X-Request-ID", x402.HeaderPayment,
	}, ", ")
	exposedHeaders = strings.Join([]string{
		"X-Request-ID", "X-Paygate-Request-ID", x402.HeaderPaymentResponse,
		"X-Payment-Required", "X-Payment-Amount", "X-Payment-Recipient", "X-Payment-Network",
	}, ", ")
)

// CORSMiddleware handles CORS. An empty list allows any origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[strings.TrimSpace(o)] = true
	}
	wildcard := len(allowedOrigins) == 0 || originsMap["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && (wildcard || originsMap[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Expose-Headers", exposedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials never go with a wildcard policy.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
