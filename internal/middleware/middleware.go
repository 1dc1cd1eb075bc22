package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"datasync/internal/models"
)

// APIAuth validates the Token header against the configured API key.
// With no key configured every guarded route answers 503.
func APIAuth(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return c.JSON(http.StatusServiceUnavailable, models.APIResponse{
					Status: false,
					Msg:    "API key is not configured",
				})
			}

			token := c.Request().Header.Get("Token")
			if token == "" {
				return c.JSON(http.StatusUnauthorized, models.APIResponse{
					Status: false,
					Msg:    "Token is required",
				})
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, models.APIResponse{
					Status: false,
					Msg:    "Invalid token",
				})
			}
			return next(c)
		}
	}
}

// RequestLogger logs every ops request once it has been served.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", c.RealIP()),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			switch {
			case c.Response().Status >= http.StatusInternalServerError:
				logger.Error("API request", fields...)
			case req.URL.Path == "/healthz" || req.URL.Path == "/metrics":
				logger.Debug("API request", fields...)
			default:
				logger.Info("API request", fields...)
			}
			return nil
		}
	}
}
