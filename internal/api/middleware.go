package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/tphakala/callaudio/internal/logger"
)

const (
	defaultRateLimit = 20
	rateLimitWindow  = 3 * time.Minute
)

// requestID tags every request and response with an X-Request-ID.
func requestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

func recoverer() echo.MiddlewareFunc {
	return middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisablePrintStack: true,
	})
}

// requestLogger logs each request at debug level, errors at warn.
func (c *Controller) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.String("request_id", v.RequestID),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				c.log.Warn("request failed", append(fields, logger.Error(v.Error))...)
				return nil
			}
			c.log.Debug("request", fields...)
			return nil
		},
	})
}

// requestMetrics records request counts, latency and response size.
func (c *Controller) requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)
			if err != nil {
				ctx.Error(err)
			}
			req, res := ctx.Request(), ctx.Response()
			path := ctx.Path()
			if path == "" {
				path = "unmatched"
			}
			c.metrics.HTTP.RecordHTTPRequest(req.Method, path, res.Status, time.Since(start).Seconds())
			c.metrics.HTTP.RecordHTTPResponseSize(req.Method, path, res.Size)
			return nil
		}
	}
}

// rateLimiter limits requests per client IP.
func (c *Controller) rateLimiter() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(c.rateLimit),
				Burst:     max(1, int(c.rateLimit)),
				ExpiresIn: rateLimitWindow,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return c.HandleError(ctx, err, "could not identify client", http.StatusForbidden)
		},
		DenyHandler: func(ctx echo.Context, _ string, err error) error {
			return c.HandleError(ctx, err, "rate limit exceeded", http.StatusTooManyRequests)
		},
	})
}
