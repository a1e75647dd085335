package handlers

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

const ctxRequestID = "request_id"

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST ID MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// RequestID reuses the caller's X-Request-ID or generates one, echoes it in
// the response and attaches a request-scoped logger to the context.
func RequestID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(HeaderRequestID, id)

		ctx := logger.WithContext(c.Request.Context(), log.WithRequestID(id))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(ctxRequestID)
}

// ══════════════════════════════════════════════════════════════════════════════
// LOGGING MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// RequestLogger logs every request once it completes; 5xx at error, 4xx at
// warn.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", path),
			logger.Int("status", status),
			logger.Latency(time.Since(start)),
			logger.String("ip", c.ClientIP()),
			logger.String(logger.RequestIDKey, GetRequestID(c)),
		}
		if uid := c.Param("user_id"); uid != "" {
			fields = append(fields, logger.UserID(uid))
		}

		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RECOVERY MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Recovery turns panics into a 500 with the standard error body.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				log.Error("panic recovered",
					logger.Any("panic", p),
					logger.String("stack", string(debug.Stack())),
					logger.String("path", c.Request.URL.Path),
					logger.String(logger.RequestIDKey, GetRequestID(c)),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": "internal_error", "message": "an unexpected error occurred"},
				})
			}
		}()
		c.Next()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CORS & LIMITS
// ══════════════════════════════════════════════════════════════════════════════

// CORS allows the given origins; "*" or an empty list allows any.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", "Authorization", HeaderRequestID},
		ExposeHeaders: []string{HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// BodyLimit caps request bodies at maxBytes.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": gin.H{"code": "payload_too_large", "message": "request body too large"},
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeaders adds the headers an API should always send.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}
