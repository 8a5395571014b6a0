package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = "X-Request-ID"

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	remoteIPKey  ctxKey = "remote_ip"
)

// RequestID reuses an inbound X-Request-ID or generates one, echoes it on the
// response and stores it, together with the client IP, on both the echo
// context and the request context so services can correlate audit entries.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)

			ctx := context.WithValue(c.Request().Context(), requestIDKey, rid)
			ctx = context.WithValue(ctx, remoteIPKey, c.RealIP())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

func RemoteIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(remoteIPKey).(string)
	return ip
}

// WithRequestID returns a copy of ctx carrying rid. Used by background
// callers and tests that have no HTTP request.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}
