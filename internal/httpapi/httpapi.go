// Package httpapi is the authenticated REST surface over the pulse store
// and engine status: the HTTP Ingress that the Inbound Bridge, the agent's
// own tool surface, and any manual caller use to schedule and inspect
// pulses.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/reubenjohn/reeve-bot/internal/engine"
	"github.com/reubenjohn/reeve-bot/internal/pulsestore"
	"github.com/reubenjohn/reeve-bot/internal/timeparse"
)

// Config holds the Server's dependencies.
type Config struct {
	Store     *pulsestore.Store
	Engine    *engine.Engine
	Logger    *slog.Logger
	AuthToken string
	Service   string
	DeskPath  string
	APIPort   int
}

// Server is the HTTP Ingress: a thin authenticated wrapper over Store and
// Engine operations.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Server. AuthToken must be non-empty; every route but
// /api/health requires it as a bearer token.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the HTTP Ingress's full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.authed(s.handleStatus))
	mux.HandleFunc("/api/pulse/schedule", s.authed(s.handleSchedule))
	mux.HandleFunc("/api/pulse/upcoming", s.authed(s.handleUpcoming))
	mux.HandleFunc("/api/pulse/list", s.authed(s.handleList))
	mux.HandleFunc("/api/pulse/stats", s.authed(s.handlePulseStats))
	mux.HandleFunc("/api/stats", s.authed(s.handleExecutionStats))
	mux.HandleFunc("/api/pulse/", s.authed(s.handleGetByID))
	return mux
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(authz, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": s.cfg.Service,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "running",
		"database":  "sqlite",
		"desk_path": s.cfg.DeskPath,
		"api_port":  s.cfg.APIPort,
	})
}

type scheduleRequest struct {
	Prompt      string   `json:"prompt"`
	ScheduledAt string   `json:"scheduled_at"`
	Priority    string   `json:"priority"`
	SessionID   string   `json:"session_id"`
	StickyNotes []string `json:"sticky_notes"`
	Tags        []string `json:"tags"`
	Source      string   `json:"source"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ScheduledAt == "" {
		req.ScheduledAt = "now"
	}
	if req.Priority == "" {
		req.Priority = string(pulsestore.PriorityNormal)
	}
	if req.Source == "" {
		req.Source = "external"
	}

	scheduledAt, err := timeparse.Parse(req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scheduled_at: "+err.Error())
		return
	}

	id, err := s.cfg.Store.Schedule(r.Context(), pulsestore.ScheduleParams{
		ScheduledAt: scheduledAt,
		Prompt:      req.Prompt,
		Priority:    pulsestore.Priority(strings.ToUpper(req.Priority)),
		SessionID:   req.SessionID,
		StickyNotes: req.StickyNotes,
		Tags:        req.Tags,
		CreatedBy:   req.Source,
	})
	if errors.Is(err, pulsestore.ErrPromptLength) || errors.Is(err, pulsestore.ErrInvalidPriority) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("schedule pulse failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule pulse")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pulse_id":     id,
		"scheduled_at": formatISO(scheduledAt),
		"message":      "pulse scheduled",
	})
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := queryLimit(r, 20, 1, 100)

	pulses, err := s.cfg.Store.GetUpcoming(r.Context(), limit)
	if err != nil {
		s.logger.Error("get upcoming pulses failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch upcoming pulses")
		return
	}

	out := make([]map[string]any, 0, len(pulses))
	for _, p := range pulses {
		out = append(out, summarizePulse(p, true))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pulses": out})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	statusParam := strings.ToLower(r.URL.Query().Get("status"))
	if statusParam == "" {
		statusParam = "pending"
	}
	limit := queryLimit(r, 20, 1, 100)
	if limit == 0 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	var (
		pulses []*pulsestore.Pulse
		err    error
	)
	switch statusParam {
	case "all":
		pulses, err = s.cfg.Store.GetAll(r.Context(), limit)
	case "overdue":
		pulses, err = s.cfg.Store.GetOverdue(r.Context(), limit)
	case "pending", "processing", "completed", "failed", "cancelled":
		pulses, err = s.cfg.Store.GetByStatus(r.Context(), pulsestore.Status(strings.ToUpper(statusParam)), limit)
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter: "+statusParam)
		return
	}
	if err != nil {
		s.logger.Error("list pulses failed", "error", err, "status", statusParam)
		writeError(w, http.StatusInternalServerError, "failed to list pulses")
		return
	}

	out := make([]map[string]any, 0, len(pulses))
	for _, p := range pulses {
		out = append(out, fullPulse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pulses": out})
}

func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/api/pulse/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid pulse id")
		return
	}

	p, err := s.cfg.Store.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get pulse failed", "error", err, "pulse_id", id)
		writeError(w, http.StatusInternalServerError, "failed to fetch pulse")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "pulse not found")
		return
	}
	writeJSON(w, http.StatusOK, fullPulse(p))
}

func (s *Server) handlePulseStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		s.logger.Error("pulse stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute pulse stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":        stats.Pending,
		"overdue":        stats.Overdue,
		"failed":         stats.Failed,
		"completed_today": stats.CompletedToday,
		"processing":     stats.Processing,
	})
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.cfg.Store.ExecutionStats(r.Context())
	if err != nil {
		s.logger.Error("execution stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute execution stats")
		return
	}

	recent := make([]map[string]any, 0, len(stats.RecentFailures))
	for _, f := range stats.RecentFailures {
		recent = append(recent, map[string]any{
			"id":            f.ID,
			"error_message": f.ErrorMessage,
			"executed_at":   formatISO(f.ExecutedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_completed_7d": stats.TotalCompleted7d,
		"total_failed_7d":    stats.TotalFailed7d,
		"success_rate":       stats.SuccessRate,
		"avg_duration_ms":    stats.AvgDurationMs,
		"recent_failures":    recent,
	})
}

// isoLayout renders a UTC timestamp the way Python's datetime.isoformat()
// does for an aware UTC datetime: a "+00:00" offset rather than Go's "Z".
const isoLayout = "2006-01-02T15:04:05-07:00"

func formatISO(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

func queryLimit(r *http.Request, def, min, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0
	}
	return n
}

func summarizePulse(p *pulsestore.Pulse, truncate bool) map[string]any {
	prompt := p.Prompt
	if truncate {
		if runes := []rune(prompt); len(runes) > 100 {
			prompt = string(runes[:100]) + "..."
		}
	}
	return map[string]any{
		"id":           p.ID,
		"scheduled_at": formatISO(p.ScheduledAt),
		"prompt":       prompt,
		"priority":     p.Priority,
		"status":       p.Status,
	}
}

func fullPulse(p *pulsestore.Pulse) map[string]any {
	out := map[string]any{
		"id":           p.ID,
		"scheduled_at": formatISO(p.ScheduledAt),
		"prompt":       p.Prompt,
		"priority":     p.Priority,
		"status":       p.Status,
		"session_id":   p.SessionID,
		"sticky_notes": p.StickyNotes,
		"tags":         p.Tags,
		"created_at":   formatISO(p.CreatedAt),
		"created_by":   p.CreatedBy,
		"error_message": p.ErrorMessage,
		"retry_count":  p.RetryCount,
		"max_retries":  p.MaxRetries,
	}
	if p.ExecutedAt != nil {
		out["executed_at"] = formatISO(*p.ExecutedAt)
	}
	if p.ExecutionDurationMs != nil {
		out["execution_duration_ms"] = *p.ExecutionDurationMs
	}
	return out
}
