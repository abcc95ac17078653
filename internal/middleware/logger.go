package middleware

import (
	"net/http"
	"strconv"
	"time"

	"go-messenger/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request and records HTTP metrics.
// Websocket upgrades are logged when the connection is handed off.
func RequestLogger(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger = logger.With(zap.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				route := "unmatched"
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				elapsed := time.Since(start)

				if m != nil {
					m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
					m.HTTPLatency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
				}

				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", elapsed),
					zap.String("request_id", chimw.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr),
				}
				if status >= http.StatusInternalServerError {
					logger.Error("request", fields...)
				} else {
					logger.Info("request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
