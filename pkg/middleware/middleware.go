package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"shadmission/pkg/logging"
)

// Context represents an HTTP request context
type Context = *gin.Context

// HandlerFunc represents an HTTP handler function
type HandlerFunc = gin.HandlerFunc

// H is a shortcut for map[string]interface{}
type H = gin.H

// Engine represents a gin engine
type Engine = *gin.Engine

// LoggingMiddleware provides structured request logging
func LoggingMiddleware(logger logging.Logger) HandlerFunc {
	return func(c Context) {
		start := time.Now()

		c.Next()

		fields := logging.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"request_id": GetRequestID(c),
		}
		// Snapshot polling is chatty; keep it out of info unless it failed.
		if c.Writer.Status() < http.StatusBadRequest && c.Request.URL.Path == "/snapshots" {
			logger.WithFields(fields).Debug("HTTP request")
			return
		}
		logger.WithFields(fields).Info("HTTP request")
	}
}

// CORSConfig controls the headers written by CORSMiddleware
type CORSConfig struct {
	Origins []string
	Methods []string
	Headers []string
}

// DefaultCORSConfig allows any origin to issue read-only requests
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Origins: []string{"*"},
		Methods: []string{"GET", "OPTIONS"},
		Headers: []string{"Content-Type"},
	}
}

// CORSMiddleware handles CORS headers
func CORSMiddleware(cfg CORSConfig) HandlerFunc {
	if len(cfg.Origins) == 0 {
		cfg.Origins = []string{"*"}
	}
	methods := strings.Join(cfg.Methods, ", ")
	headers := strings.Join(cfg.Headers, ", ")

	return func(c Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigin(cfg.Origins, c.GetHeader("Origin")))
		if methods != "" {
			c.Header("Access-Control-Allow-Methods", methods)
		}
		if headers != "" {
			c.Header("Access-Control-Allow-Headers", headers)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// allowedOrigin echoes the request origin when it is on the list. A single
// configured value (including "*") is written as-is.
func allowedOrigin(origins []string, requestOrigin string) string {
	if len(origins) == 1 {
		return origins[0]
	}
	for _, origin := range origins {
		if origin == "*" {
			return "*"
		}
		if origin == requestOrigin {
			return requestOrigin
		}
	}
	return origins[0]
}

// RecoveryMiddleware provides panic recovery with logging
func RecoveryMiddleware(logger logging.Logger) HandlerFunc {
	return func(c Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logging.Fields{
					"error":      err,
					"client_ip":  c.ClientIP(),
					"method":     c.Request.Method,
					"path":       c.Request.URL.Path,
					"request_id": GetRequestID(c),
				}).Error("Request handler panic")

				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()

		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() HandlerFunc {
	return func(c Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = GenerateRequestID()
		}

		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return uuid.New().String()
}
