package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/workqueue/internal/otel"
	"github.com/basket/workqueue/internal/shared"
	"go.opentelemetry.io/otel/attribute"
)

const (
	headerRequestID = "X-Request-ID"
	headerTraceID   = "X-Trace-ID"
)

// statusRecorder captures the response status. It keeps Hijack working for
// the websocket upgrade.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument attaches request and trace ids, opens a server span and
// records the request once the mux has routed it.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = shared.NewTraceID()
		}
		traceID := r.Header.Get(headerTraceID)
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set(headerRequestID, requestID)
		w.Header().Set(headerTraceID, traceID)

		ctx := shared.WithRequestID(r.Context(), requestID)
		ctx = shared.WithTraceID(ctx, traceID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			otel.AttrAgentID.String(agentFrom(r)),
		)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		span.SetName(route)
		span.SetAttributes(attribute.Int("http.status_code", status))
		var spanErr error
		if status >= http.StatusInternalServerError {
			spanErr = errors.New(http.StatusText(status))
		}
		otel.EndSpan(span, spanErr)

		s.cfg.Metrics.RecordRequest(ctx, route, status, elapsed)
		s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.logger.DebugContext(ctx, "gateway: request",
			"method", r.Method, "route", route, "status", status,
			"duration_ms", elapsed.Milliseconds(), "request_id", requestID)
	})
}
