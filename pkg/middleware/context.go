package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/context"
)

const (
	// HeaderOperatorID is the header key for the operator performing the request
	HeaderOperatorID = "X-Operator-ID"
)

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			operatorID := req.Header.Get(HeaderOperatorID)

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, req.URL.Path)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			ctx = context.SetReferer(ctx, req.Referer())
			ctx = context.SetOperatorID(ctx, operatorID)

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
