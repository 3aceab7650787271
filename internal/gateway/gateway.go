// Package gateway serves the workqueue HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/workqueue/internal/artifact"
	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/bus"
	"github.com/basket/workqueue/internal/claim"
	"github.com/basket/workqueue/internal/ingest"
	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/otel"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/preference"
	"github.com/basket/workqueue/internal/submission"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// HeaderAgentID names the calling agent on every request.
const HeaderAgentID = "X-Agent-ID"

const (
	defaultMaxUpload = 32 << 20
	defaultLeaseTTL  = time.Hour
)

type Config struct {
	Store       *persistence.Store
	Bus         *bus.Bus
	Claims      *claim.Engine
	Submissions *submission.Service
	Ingest      *ingest.Service
	Leases      *lease.Manager
	Preferences *preference.Service
	Artifacts   *artifact.Store
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer

	// Registry backs /metrics. Nil gets a private registry.
	Registry *prometheus.Registry

	// AllowOrigins controls accepted Origin headers on /ws. Empty means
	// same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	// ClaimRatePerSecond and ClaimBurst size the per-agent claim limiter.
	// A zero rate disables it.
	ClaimRatePerSecond float64
	ClaimBurst         int

	MaxUploadBytes  int64
	DefaultLeaseTTL time.Duration
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	limiter  *RateLimiter
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	started  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if cfg.DefaultLeaseTTL <= 0 {
		cfg.DefaultLeaseTTL = defaultLeaseTTL
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(cfg.Tracer),
		registry: cfg.Registry,
		started:  time.Now(),
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.requests = registerCollectors(s.registry, cfg.Store, cfg.Bus, logger)
	s.limiter = NewRateLimiter(cfg.ClaimRatePerSecond, cfg.ClaimBurst, func(ctx context.Context) {
		cfg.Metrics.RecordRateLimitReject(ctx)
	})
	return s
}

// Limiter exposes the claim limiter so the caller can run its eviction loop.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.Handle("POST /api/claims", s.limiter.Wrap(http.HandlerFunc(s.handleClaim)))
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/history", s.handleTaskHistory)
	mux.HandleFunc("GET /api/tasks/{id}/artifacts", s.handleTaskArtifacts)
	mux.HandleFunc("POST /api/tasks/{id}/accept", s.handleAccept)
	mux.HandleFunc("POST /api/tasks/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /api/tasks/{id}/submit", s.handleSubmit)

	mux.HandleFunc("POST /api/locks", s.handleAcquireLock)
	mux.HandleFunc("POST /api/locks/release", s.handleReleaseLock)
	mux.HandleFunc("POST /api/locks/renew", s.handleRenewLock)

	mux.HandleFunc("POST /api/ingest", s.handleIngest)

	mux.HandleFunc("GET /api/preferences", s.handleListPreferences)
	mux.HandleFunc("GET /api/agents/{id}/preference", s.handleGetPreference)
	mux.HandleFunc("PUT /api/agents/{id}/preference", s.handleUpdatePreference)

	return s.instrument(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store.DB().PingContext(ctx) == nil
	subscribers := 0
	if s.cfg.Bus != nil {
		subscribers = s.cfg.Bus.SubscriberCount()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"bus_subscribers":    subscribers,
		"policy_denies":      audit.DenyCount(),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"version":            otel.Version,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// wsEvent is the frame sent for each bus event on /ws.
type wsEvent struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// handleWS streams committed bus events. ?topics=task.,lease. narrows the
// stream to topic prefixes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	// Subscribe before the handshake completes so no event committed after
	// the client sees the upgrade is missed.
	sub := s.cfg.Bus.Subscribe(splitList(r.URL.Query().Get("topics"))...)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.cfg.Bus.Unsubscribe(sub)
		return
	}
	s.logger.InfoContext(r.Context(), "ws: client connected", "agent_id", agentFrom(r))
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.logger.InfoContext(r.Context(), "ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, wsEvent{Seq: ev.Seq, Topic: ev.Topic, At: ev.At, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.DebugContext(ctx, "ws: write failed, closing", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
