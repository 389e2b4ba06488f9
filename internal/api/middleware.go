package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/huazz233/kiro-proxy/internal/apierr"
	"github.com/sirupsen/logrus"
)

// requestIDHeader is the header both read from and written back to the
// client, so a caller-supplied request id survives round-trips in logs.
const requestIDHeader = "X-Request-Id"

// requestIDMiddleware assigns a uuid to every request absent one already,
// storing it in gin's context and echoing it back to the client.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// ginLogger logs one line per request through the process logger, in place
// of gin's own default logger.
func ginLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.GetString("request_id"),
		}).Info("api: request")
	}
}

// ginRecovery converts a panic into a 500 apierr envelope and logs the
// stack, instead of gin's default recovery text dump.
func ginRecovery(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).WithField("request_id", c.GetString("request_id")).Error("api: panic recovered")
				writeError(c, apierr.UpstreamFatal("internal server error", nil))
				c.Abort()
			}
		}()
		c.Next()
	}
}

// bodyLimitMiddleware rejects request bodies larger than maxBytes with 413.
func bodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, apierr.BadRequest("request body too large").ToEnvelope())
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// authMiddleware accepts either an x-api-key header or an Authorization:
// Bearer header carrying the configured key, rejecting anything else with
// the Anthropic-style authentication_error envelope.
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		presented := c.GetHeader("x-api-key")
		if presented == "" {
			if bearer := c.GetHeader("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				presented = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			writeError(c, apierr.Auth("invalid x-api-key"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// adminAuthMiddleware gates the /api/admin routes on a separate admin key,
// required via x-admin-key, independent of the client-facing apiKey.
func adminAuthMiddleware(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("x-admin-key")
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

// writeError renders e as the Anthropic-style error envelope at its status.
func writeError(c *gin.Context, e *apierr.Error) {
	c.JSON(e.Status, e.ToEnvelope())
}
