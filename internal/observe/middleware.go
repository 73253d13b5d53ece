package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRoutes are the paths the status server serves. Anything else is
// labelled "other" so stray requests cannot grow metric cardinality.
var statusRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Route maps a request path to its metric label.
func Route(path string) string {
	if statusRoutes[path] {
		return path
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the status server. Probe requests get a server span
// that continues any W3C trace context, an X-Correlation-ID response header
// and a debug log line. Prometheus scrapes of /metrics skip the span. Every
// request is sampled into [Metrics.HTTPRequestDuration] labelled by method,
// route and status code.
//
// A nil m uses [DefaultMetrics].
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		m = DefaultMetrics()
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := Route(r.URL.Path)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			ctx := r.Context()

			if route == "/metrics" {
				next.ServeHTTP(rec, r)
			} else {
				ctx = prop.Extract(ctx, propagation.HeaderCarrier(r.Header))
				var span trace.Span
				ctx, span = StartSpan(ctx, "status "+r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLPath(r.URL.Path),
					),
				)
				if cid := CorrelationID(ctx); cid != "" {
					w.Header().Set("X-Correlation-ID", cid)
				}
				prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

				next.ServeHTTP(rec, r.WithContext(ctx))

				span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))
				span.End()
			}

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("code", strconv.Itoa(rec.statusCode)),
				),
			)
			Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "status request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
