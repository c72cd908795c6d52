package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// slowRequestThreshold is the duration above which a completed request is
// logged at Warn instead of Info, so an operator tailing logs for a voice
// deployment can spot turns approaching the real-time budget without
// enabling debug logging.
const slowRequestThreshold = 2 * time.Second

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// statusClass buckets an HTTP status code into "2xx", "4xx", "5xx", etc. for
// low-cardinality metric attribution.
func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// Middleware returns an [http.Handler] wrapper that instruments every
// request passing through the turn engine's HTTP surface ([api.Server]):
//
//  1. Extracts W3C Trace Context from incoming headers, or starts a new trace.
//  2. Starts a span for the request, tagged with method and path.
//  3. Echoes the trace ID back as X-Correlation-ID and propagates trace
//     headers to any downstream call the handler makes.
//  4. Records request duration to [Metrics.HTTPRequestDuration], attributed
//     by method, path, and status class.
//  5. Logs completion — at Warn if it exceeded [slowRequestThreshold],
//     otherwise Info — including the conversation ID when the caller sent one.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			class := statusClass(rec.statusCode)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
					attribute.String("status_class", class),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			logLevel := slog.LevelInfo
			if duration >= slowRequestThreshold {
				logLevel = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("status_class", class),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			}
			if convID := r.Header.Get("X-Conversation-Id"); convID != "" {
				attrs = append(attrs, slog.String("conversation_id", convID))
			}
			slog.LogAttrs(ctx, logLevel, "request completed", attrs...)
		})
	}
}
