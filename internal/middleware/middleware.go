// Package middleware provides Gin middleware for the Bulwark resilience gateway.
// It includes request logging, panic recovery, identity extraction, and admin
// API key authentication.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggingMiddleware returns a Gin middleware handler that logs request and
// response metadata including method, path, status code, latency, and client IP.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process the request
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		bodySize := c.Writer.Size()

		if query != "" {
			path = path + "?" + query
		}

		// Determine log level based on status code
		switch {
		case statusCode >= 500:
			log.Printf("[ERROR] %s %s | %d | %v | %s | %d bytes | errors: %s",
				method, path, statusCode, latency, clientIP, bodySize, c.Errors.ByType(gin.ErrorTypePrivate).String())
		case statusCode >= 400:
			log.Printf("[WARN]  %s %s | %d | %v | %s | %d bytes",
				method, path, statusCode, latency, clientIP, bodySize)
		default:
			log.Printf("[INFO]  %s %s | %d | %v | %s | %d bytes",
				method, path, statusCode, latency, clientIP, bodySize)
		}
	}
}

// IdentityMiddleware extracts the tenant and subject identity headers and
// stores them in the request context for handlers. Requests without a tenant
// are rejected; the resilience core keys every decision off these values.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-ID")
		subjectID := c.GetHeader("X-Subject-ID")

		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "missing_identity",
				"message": "X-Tenant-ID header is required.",
			})
			c.Abort()
			return
		}
		if subjectID == "" {
			// Fall back to the client IP so per-subject limits still apply.
			subjectID = c.ClientIP()
		}

		c.Set("tenant_id", tenantID)
		c.Set("subject_id", subjectID)
		c.Next()
	}
}

// AdminAuthMiddleware returns a Gin middleware that validates the admin API
// key on management endpoints. Fail-secure: when no key is configured, every
// admin request is rejected rather than allowed through.
func AdminAuthMiddleware(adminKey string) gin.HandlerFunc {
	configuredHash := sha256.Sum256([]byte(adminKey))

	return func(c *gin.Context) {
		if adminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled; no admin API key is configured.",
			})
			c.Abort()
			return
		}

		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		providedHash := sha256.Sum256([]byte(provided))
		if subtle.ConstantTimeCompare(configuredHash[:], providedHash[:]) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid admin API key.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware returns a Gin middleware that recovers from panics
// and returns a 500 error instead of crashing the server.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] recovered from panic: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_server_error",
					"message": "An unexpected error occurred.",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
