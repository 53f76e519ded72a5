package middleware

import (
	"context"
	"net/http"

	"github.com/agentoven/agentoven/sandbox-plane/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the trace id back to the caller.
const TraceHeader = "X-Trace-Id"

// Telemetry wraps each request in a server span, continuing a propagated
// trace. Spans are named by the chi route pattern once it is known.
func Telemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := telemetry.Tracer().Start(parent, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("url.scheme", scheme(r)),
				attribute.String("http.request_id", chimw.GetReqID(r.Context())),
			),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set(TraceHeader, sc.TraceID().String())
		}
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if pattern := routePattern(ctx); pattern != "" {
			span.SetName(r.Method + " " + pattern)
			span.SetAttributes(attribute.String("http.route", pattern))
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(
			attribute.Int("http.response.status_code", status),
			attribute.Int("http.response.body.size", ww.BytesWritten()),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

func routePattern(ctx context.Context) string {
	rc := chi.RouteContext(ctx)
	if rc == nil {
		return ""
	}
	return rc.RoutePattern()
}

func scheme(r *http.Request) string {
	switch {
	case r.TLS != nil:
		return "https"
	case r.Header.Get("X-Forwarded-Proto") != "":
		return r.Header.Get("X-Forwarded-Proto")
	default:
		return "http"
	}
}
