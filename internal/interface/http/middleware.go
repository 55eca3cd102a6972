package http

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/pkg/logger"
)

const (
	headerRequestID = "X-Request-ID"
	ctxKeyRequestID = "request_id"
)

// requestIDMiddleware propagates the caller's request id or mints one, and
// stores a request-scoped logger in the request context.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// recoveryMiddleware turns panics into a 500 with the standard error body.
func recoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			logger.Any("error", recovered),
			logger.String("path", c.Request.URL.Path),
			logger.String("request_id", c.GetString(ctxKeyRequestID)),
		)
		respondError(c, http.StatusInternalServerError, "internal_error", "an unexpected error occurred", nil)
	})
}

// accessLogMiddleware logs every request and feeds the request metrics.
func accessLogMiddleware(log *logger.Logger, observer RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLog := log.WithRequestID(c.GetString(ctxKeyRequestID))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLog))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		if observer != nil {
			observer.HTTPRequest(c.Request.Method, route, strconv.Itoa(status), elapsed)
		}

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("route", route),
			logger.Int("status", status),
			logger.Latency(elapsed),
			logger.String("ip", c.ClientIP()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			reqLog.Error("http request", fields...)
		case route == "/health" || route == "/ready" || route == "/metrics":
			reqLog.Debug("http request", fields...)
		default:
			reqLog.Info("http request", fields...)
		}
	}
}

func bodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
