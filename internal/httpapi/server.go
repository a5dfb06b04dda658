package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ak-palla/activitysync/internal/realtime"
	"github.com/ak-palla/activitysync/internal/stream"
)

type ServerConfig struct {
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// ConnectionStatus reports the active ingestion mode; mode changes are
// status data, never errors.
type ConnectionStatus interface {
	Snapshot() realtime.ConnectionSnapshot
}

type ExecutionLister interface {
	RecentExecutions(limit int) []stream.WorkflowExecution
}

type Deps struct {
	Pipeline      *stream.Pipeline
	Connection    ConnectionStatus
	Mode          func() string
	Notifications *stream.NotificationLog
	Executions    ExecutionLister
	Watermarks    *stream.WatermarkStore
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{deps: deps, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/notifications" && r.Method == http.MethodGet:
		s.handleNotifications(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/notifications/") && strings.HasSuffix(r.URL.Path, "/read") && r.Method == http.MethodPost:
		s.handleMarkRead(w, r)
	case r.URL.Path == "/v1/executions" && r.Method == http.MethodGet:
		s.handleExecutions(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

type statusResponse struct {
	Mode        string                      `json:"mode"`
	Connection  realtime.ConnectionSnapshot `json:"connection"`
	Pipeline    stream.PipelineStats        `json:"pipeline"`
	Watermarks  int                         `json:"watermarks"`
	UnreadCount int                         `json:"unreadCount"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: "disconnected"}
	if s.deps.Mode != nil {
		resp.Mode = s.deps.Mode()
	}
	if s.deps.Connection != nil {
		resp.Connection = s.deps.Connection.Snapshot()
	}
	if s.deps.Pipeline != nil {
		resp.Pipeline = s.deps.Pipeline.Stats()
	}
	if s.deps.Watermarks != nil {
		resp.Watermarks = s.deps.Watermarks.Count()
	}
	if s.deps.Notifications != nil {
		resp.UnreadCount = s.deps.Notifications.Unread()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []stream.NotificationItem{}})
		return
	}
	limit := intQuery(r, "limit", 50)
	writeJSON(w, http.StatusOK, map[string]any{"items": s.deps.Notifications.List(limit)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/notifications/"), "/read")
	if s.deps.Notifications == nil || !s.deps.Notifications.MarkRead(id) {
		writeError(w, http.StatusNotFound, "not_found", "unknown notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executions == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []stream.WorkflowExecution{}})
		return
	}
	limit := intQuery(r, "limit", 50)
	writeJSON(w, http.StatusOK, map[string]any{"items": s.deps.Executions.RecentExecutions(limit)})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	presented := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) == 1
}

func (l *rateLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	return r.RemoteAddr
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
