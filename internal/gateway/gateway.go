// Package gateway is the operator HTTP surface over the heartbeat store: schedules,
// history, the wake queue, survival state, inbox, audit trail and a websocket stream
// of bus events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/lifeline/internal/audit"
	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/heartbeat"
	lotel "github.com/basket/lifeline/internal/otel"
	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/survival"
)

const maxBodyBytes = 64 << 10

type Config struct {
	Store *persistence.Store
	Bus   *bus.Bus

	// AuthToken, when set, is required on every endpoint except /healthz.
	AuthToken string
	// AllowOrigins controls accepted Origin headers for browser and websocket clients.
	// Empty means same-origin only.
	AllowOrigins []string

	// WakeRatePerMinute bounds POST /api/wake per client. Zero disables the limit.
	WakeRatePerMinute int
	WakeDedupTTL      time.Duration

	InstanceID        string
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *lotel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *wakeLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(lotel.TracerName)
	}
	if cfg.Bus == nil && cfg.Store != nil {
		cfg.Bus = cfg.Store.Bus()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		limiter: newWakeLimiter(cfg.WakeRatePerMinute),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/schedules", s.handleSchedules)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/wake", s.handlePeekWake)
	mux.HandleFunc("POST /api/wake", s.handlePushWake)
	mux.HandleFunc("GET /api/survival", s.handleSurvival)
	mux.HandleFunc("GET /api/inbox", s.handleInbox)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /ws", s.handleWS)

	var h http.Handler = mux
	h = requestSizeLimit(maxBodyBytes, h)
	h = requireToken(s.cfg.AuthToken, h)
	h = corsMiddleware(s.cfg.AllowOrigins)(h)
	return s.instrument(h)
}

// instrument wraps every request in a server span and records its duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := lotel.StartServerSpan(r.Context(), s.tracer, "gateway "+r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("path", r.URL.Path), attribute.String("method", r.Method)))
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store.DB().PingContext(ctx) == nil
	version, err := s.cfg.Store.SchemaVersion(ctx)
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"schema_version":     version,
		"instance_id":        s.cfg.InstanceID,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.clientCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Store.ListSchedules(r.Context())
	if err != nil {
		s.logger.Error("list schedules", "error", err)
		writeError(w, http.StatusInternalServerError, "list schedules failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	task := strings.TrimSpace(r.URL.Query().Get("task"))
	runs, err := s.cfg.Store.GetHistory(r.Context(), task, queryLimit(r, 20, 500))
	if err != nil {
		s.logger.Error("get history", "task", task, "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "runs": runs})
}

func (s *Server) handlePeekWake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := s.cfg.Store.PeekUnconsumedWakes(ctx, queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "peek wake events failed")
		return
	}
	total, err := s.cfg.Store.CountUnconsumedWakes(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count wake events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "unconsumed": total})
}

type pushWakeRequest struct {
	Source     string `json:"source"`
	Reason     string `json:"reason"`
	Payload    string `json:"payload"`
	DedupKey   string `json:"dedup_key"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handlePushWake(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r) {
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req pushWakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	ttl := s.cfg.WakeDedupTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	ctx := r.Context()
	id, pushed, err := heartbeat.PushWake(ctx, s.cfg.Store, req.Source, req.Reason, req.Payload, req.DedupKey, ttl)
	if err != nil {
		s.logger.Error("push wake", "source", req.Source, "error", err)
		writeError(w, http.StatusInternalServerError, "push wake failed")
		return
	}
	if !pushed {
		writeJSON(w, http.StatusOK, map[string]any{"pushed": false, "duplicate": true})
		return
	}
	s.cfg.Metrics.RecordWake(ctx, req.Source)
	audit.Record(audit.DecisionOperator, "wake.push", req.Reason, req.Source)
	s.logger.Info("wake pushed", "id", id, "source", req.Source, "reason", req.Reason)
	writeJSON(w, http.StatusCreated, map[string]any{"pushed": true, "id": id})
}

func (s *Server) handleSurvival(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := survival.LoadAgentState(ctx, s.cfg.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load agent state failed")
		return
	}
	last, err := survival.LastEvaluation(ctx, s.cfg.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_state": state, "evaluation": last})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := audit.Recent(r.Context(), s.cfg.Store.DB(), strings.TrimSpace(r.URL.Query().Get("action")), queryLimit(r, 50, 500))
	if err != nil {
		s.logger.Error("read audit log", "error", err)
		writeError(w, http.StatusInternalServerError, "read audit log failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := persistence.InboxStatus(r.URL.Query().Get("status"))
	msgs, err := s.cfg.Store.ListInbox(ctx, status, queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list inbox failed")
		return
	}
	backlog, err := s.cfg.Store.CountUnprocessedInbox(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count inbox failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "unprocessed": backlog})
}

// Shutdown closes every websocket client.
func (s *Server) Shutdown(context.Context) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}
