package callback

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// NewServer returns an echo instance serving the callback route.
func NewServer(h *Handler, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// lockouts key on the peer address; forwarded headers are caller-controlled
	e.IPExtractor = echo.ExtractIPDirect()

	e.Use(Recovery(log))
	e.Use(echomw.RequestID())
	e.Use(Logger(log))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	h.Register(e)
	return e
}

// Logger writes one line per request. Bodies are never logged.
func Logger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			fields := []zap.Field{
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote_ip", c.RealIP()),
			}
			if err != nil {
				log.Error("request", append(fields, zap.Error(err))...)
			} else {
				log.Info("request", fields...)
			}
			return nil
		}
	}
}

// Recovery turns a handler panic into a 500.
func Recovery(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						zap.String("path", c.Request().URL.Path),
						zap.String("panic", fmt.Sprintf("%v", r)),
						zap.Stack("stack"))
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}
