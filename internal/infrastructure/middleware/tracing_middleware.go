package middleware

import (
	"time"

	"voxmesh/pkg/logger"
	"voxmesh/pkg/tracing"
	"voxmesh/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// TracingMiddleware adds tracing to HTTP requests
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		if room := c.Param("room"); room != "" {
			span.SetAttributes(tracing.RoomKey.String(room))
		}

		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// Longer client supplied request ids are cut to this many bytes.
const maxRequestIDLength = 64

// RequestLoggerMiddleware tags the request with an id and logs it once done.
func RequestLoggerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := utils.TruncateString(utils.SanitizeString(c.GetHeader(RequestIDHeader)), maxRequestIDLength)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		ctx := logger.WithRequestID(c.Request.Context(), id)
		if room := c.Param("room"); room != "" {
			ctx = logger.WithRoom(ctx, room)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		log.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start))
	}
}
