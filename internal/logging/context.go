package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"

	// TraceHeader carries the request trace ID in and out of the API
	TraceHeader = "X-Trace-ID"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the request logger from context
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// NewContext attaches a logger to the context
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// TraceID returns the trace ID stored by RequestLogger, if any
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// OrderContext creates a logger context for order operations
func OrderContext(l zerolog.Logger, clientOrderID, symbol, side string) zerolog.Logger {
	return l.With().
		Str("client_order_id", clientOrderID).
		Str("symbol", symbol).
		Str("side", side).
		Logger()
}

// RequestLogger is gin middleware that assigns a trace ID, stores a request-scoped
// logger on the request context, and logs one line per request.
func RequestLogger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = GenerateTraceID()
		}
		c.Header(TraceHeader, traceID)

		l := base.With().Str("trace_id", traceID).Logger()
		ctx := context.WithValue(c.Request.Context(), traceIDKey, traceID)
		c.Request = c.Request.WithContext(l.WithContext(ctx))

		c.Next()

		status := c.Writer.Status()
		evt := l.Info()
		if status >= 500 {
			evt = l.Error()
		} else if status >= 400 {
			evt = l.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}
