// Package httpapi serves a read-only view of harvest progress: stored
// checkpoints, table sizes, the last scheduled run and table rows.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/producthuntdb/internal/entity"
	"github.com/agentworkforce/producthuntdb/internal/harvest"
	"github.com/agentworkforce/producthuntdb/internal/metrics"
	"github.com/agentworkforce/producthuntdb/internal/store"
)

// StatusSource is the subset of the store the API reads from.
type StatusSource interface {
	Checkpoints(ctx context.Context) ([]entity.Checkpoint, error)
	Counts(ctx context.Context) (map[string]int64, error)
	Scan(ctx context.Context, req store.ScanRequest, fn func(store.Row) error) error
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every route except
	// /health.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// MaxRows caps rows returned by the table route.
	MaxRows int
	Logger  *zap.Logger
	// Metrics, when set, is served at /metrics and records every request.
	Metrics *metrics.Metrics
}

type Server struct {
	source      StatusSource
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.RWMutex
	lastRun *runReport
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
	// nextSweep is when expired entries are next dropped.
	nextSweep time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(source StatusSource, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		source:      source,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
		now:         time.Now,
	}
}

type runReport struct {
	FinishedAt time.Time      `json:"finishedAt"`
	Error      string         `json:"error,omitempty"`
	Entities   []entityReport `json:"entities"`
}

type entityReport struct {
	Entity        string     `json:"entity"`
	State         string     `json:"state"`
	Mode          string     `json:"mode,omitempty"`
	Pages         int        `json:"pages"`
	Fetched       int        `json:"fetched"`
	Stored        int        `json:"stored"`
	Skipped       int        `json:"skipped"`
	Rejected      int        `json:"rejected"`
	LastTimestamp *time.Time `json:"lastTimestamp,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// RecordRun keeps the outcome of the latest harvest for /v1/status.
func (s *Server) RecordRun(summary harvest.Summary, runErr error) {
	report := &runReport{FinishedAt: s.now().UTC(), Entities: []entityReport{}}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	for _, t := range summary.Types() {
		st := summary[t]
		entry := entityReport{
			Entity:   string(t),
			State:    string(st.State),
			Mode:     string(st.Mode),
			Pages:    st.Pages,
			Fetched:  st.Fetched,
			Stored:   st.Stored,
			Skipped:  st.Skipped,
			Rejected: st.Rejected,
		}
		if !st.LastTimestamp.IsZero() {
			ts := st.LastTimestamp.UTC()
			entry.LastTimestamp = &ts
		}
		if st.Err != nil {
			entry.Error = st.Err.Error()
		}
		report.Entities = append(report.Entities, entry)
	}
	s.mu.Lock()
	s.lastRun = report
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		s.serve(w, r)
		return
	}
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.serve(rec, r)
	s.cfg.Metrics.ObserveHTTP(rec.status, routeLabel(r.URL.Path), r.Method, time.Since(started))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if r.URL.Path == "/metrics" && s.cfg.Metrics != nil {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", correlationID)
			return
		}
		s.cfg.Metrics.Handler().ServeHTTP(w, r)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), s.now()) {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RateLimitWindow.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", correlationID)
			return
		}
		s.handleStatus(w, r, correlationID)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "tables":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", correlationID)
			return
		}
		s.handleTable(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type checkpointView struct {
	Entity        string     `json:"entity"`
	LastTimestamp *time.Time `json:"lastTimestamp,omitempty"`
	LastCursor    string     `json:"lastCursor,omitempty"`
	WindowStart   *time.Time `json:"windowStart,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	checkpoints, err := s.source.Checkpoints(r.Context())
	if err != nil {
		s.internalError(w, "read checkpoints", err, correlationID)
		return
	}
	counts, err := s.source.Counts(r.Context())
	if err != nil {
		s.internalError(w, "count rows", err, correlationID)
		return
	}
	views := make([]checkpointView, 0, len(checkpoints))
	for _, cp := range checkpoints {
		views = append(views, checkpointView{
			Entity:        string(cp.Type),
			LastTimestamp: optionalTime(cp.LastTimestamp),
			LastCursor:    cp.LastCursor,
			WindowStart:   optionalTime(cp.WindowStart),
			LastRunAt:     optionalTime(cp.LastRunAt),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Entity < views[j].Entity })

	s.mu.RLock()
	lastRun := s.lastRun
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints": views,
		"counts":      counts,
		"lastRun":     lastRun,
	})
}

var errEnoughRows = errors.New("row limit reached")

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request, table, correlationID string) {
	query := r.URL.Query()
	limit, err := parseOptionalBoundedInt(query.Get("limit"), min(100, s.cfg.MaxRows), 1, s.cfg.MaxRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	desc, err := parseOptionalBool(query.Get("desc"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var orderBy []string
	for _, col := range strings.Split(query.Get("orderBy"), ",") {
		if col = strings.TrimSpace(col); col != "" {
			orderBy = append(orderBy, col)
		}
	}

	rows := make([]store.Row, 0, limit)
	truncated := false
	err = s.source.Scan(r.Context(), store.ScanRequest{Table: table, OrderBy: orderBy, Descending: desc}, func(row store.Row) error {
		if len(rows) == limit {
			truncated = true
			return errEnoughRows
		}
		rows = append(rows, row)
		return nil
	})
	switch {
	case errors.Is(err, errEnoughRows), err == nil:
	case errors.Is(err, store.ErrUnknownTable):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	case errors.Is(err, store.ErrInvalidColumn):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	default:
		s.internalError(w, "scan table", err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":     table,
		"rows":      rows,
		"truncated": truncated,
	})
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error, correlationID string) {
	s.logger.Error("status request failed", zap.String("action", action), zap.String("correlation_id", correlationID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", action+" failed", correlationID)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// routeLabel maps a request path onto its route so table names and junk
// paths do not create label values.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case path == "/health", path == "/metrics", path == "/v1/status":
		return path
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "tables":
		return "/v1/tables/{table}"
	default:
		return "other"
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !now.Before(r.nextSweep) {
		for k, e := range r.entries {
			if now.After(e.resetAt) {
				delete(r.entries, k)
			}
		}
		r.nextSweep = now.Add(r.window)
	}

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, errors.New("expected an integer, got " + strconv.Quote(trimmed))
	}
	if parsed < min {
		return 0, errors.New("value must be at least " + strconv.Itoa(min))
	}
	if parsed > max {
		return max, nil
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, errors.New("expected a boolean, got " + strconv.Quote(trimmed))
	}
	return parsed, nil
}
