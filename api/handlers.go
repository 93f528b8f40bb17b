package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/invalidation"
	"github.com/o-tero/tiered-cache/monitoring"
	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/warming"
)

// SetRequest is the body of PUT /v1/cache/{key}. TTL is in seconds: absent
// or 0 uses the tier default, negative never expires.
type SetRequest struct {
	Value any      `json:"value"`
	TTL   float64  `json:"ttl"`
	Tiers []string `json:"tiers,omitempty"`
}

// InvalidateRequest is the body of POST /v1/cache/invalidate.
type InvalidateRequest struct {
	Pattern string   `json:"pattern"`
	Tiers   []string `json:"tiers,omitempty"`
}

// ClearRequest is the optional body of POST /v1/cache/clear.
type ClearRequest struct {
	Tiers []string `json:"tiers,omitempty"`
}

// AccessRequest is the body of POST /v1/access.
type AccessRequest struct {
	Key              string  `json:"key"`
	UserID           string  `json:"user_id,omitempty"`
	GenerationTimeMs float64 `json:"generation_time_ms"`
	ResponseSize     int     `json:"response_size"`
	Hit              bool    `json:"hit"`
}

// WarmupRequest is the body of POST /v1/warmup. Tasks created over HTTP use
// the key's registered generator or refresh the cached value.
type WarmupRequest struct {
	Key          string   `json:"key"`
	Priority     string   `json:"priority,omitempty"`
	TTL          float64  `json:"ttl"`
	DelaySeconds float64  `json:"delay_seconds,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseTiers(names []string) ([]models.TierKind, error) {
	kinds := make([]models.TierKind, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		kind, ok := models.ParseTierKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func queryTiers(r *http.Request) ([]models.TierKind, error) {
	raw := r.URL.Query().Get("tiers")
	if raw == "" {
		return nil, nil
	}
	return parseTiers(strings.Split(raw, ","))
}

// Health reports tier availability; 503 when any tier is down.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ok, tiers := s.engine.Healthy(r.Context())
	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]any{"status": status, "tiers": tiers})
}

// GetStats returns per-tier and overall coordinator statistics.
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}

// GetEntry reads one key, optionally restricted with ?tiers=memory,remote.
func (s *Server) GetEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	tiers, err := queryTiers(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	value, ok := s.engine.Get(r.Context(), key, tiers...)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("%w: %s", models.ErrNotFound, key))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

// PutEntry writes one key.
func (s *Server) PutEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req SetRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	tiers, err := parseTiers(req.Tiers)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	if !s.engine.Set(r.Context(), key, req.Value, seconds(req.TTL), tiers...) {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("%w: no tier accepted %s", models.ErrTierUnavailable, key))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"key": key, "stored": true})
}

// DeleteEntry removes one key.
func (s *Server) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	tiers, err := queryTiers(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	deleted := s.engine.Delete(r.Context(), key, tiers...)
	s.respondJSON(w, http.StatusOK, map[string]any{"key": key, "deleted": deleted})
}

// ClearCache empties the selected tiers, all by default.
func (s *Server) ClearCache(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
	}
	tiers, err := parseTiers(req.Tiers)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.Clear(r.Context(), tiers...)
	s.respondJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

// Invalidate removes keys matching a glob pattern.
func (s *Server) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Pattern == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("pattern is required"))
		return
	}
	tiers, err := parseTiers(req.Tiers)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	removed, err := s.engine.Invalidate(r.Context(), req.Pattern, tiers...)
	if err != nil {
		s.logger.Warn("pattern invalidation incomplete", zap.String("pattern", req.Pattern), zap.Error(err))
	}
	body := map[string]any{"pattern": req.Pattern, "removed": removed}
	if err != nil {
		body["error"] = err.Error()
	}
	s.respondJSON(w, http.StatusOK, body)
}

// ListInvalidations pages through the invalidation audit journal.
// Query: limit, offset, pattern (glob over recorded patterns).
func (s *Server) ListInvalidations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	resp, err := s.engine.InvalidationLog(invalidation.GetAuditLogsRequest{
		Limit:   limit,
		Offset:  offset,
		Pattern: query.Get("pattern"),
	})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// GetInvalidationStats aggregates the journal and returns the counters.
// Query: window=<go duration> (default 1h).
func (s *Server) GetInvalidationStats(w http.ResponseWriter, r *http.Request) {
	window, err := durationParam(r, "window", time.Hour)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"window":  window.String(),
		"stats":   s.engine.InvalidationStats(window),
		"metrics": s.engine.InvalidationMetrics(),
	})
}

// PruneInvalidations drops journal entries older than older_than (default 24h).
func (s *Server) PruneInvalidations(w http.ResponseWriter, r *http.Request) {
	retention, err := durationParam(r, "older_than", 24*time.Hour)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	removed := s.engine.PruneInvalidationLog(retention)
	s.respondJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func durationParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// RecordAccess feeds the access pattern tracker.
func (s *Server) RecordAccess(w http.ResponseWriter, r *http.Request) {
	var req AccessRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Key == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}

	s.engine.RecordAccess(warming.Access{
		Key:            req.Key,
		UserID:         req.UserID,
		GenerationTime: time.Duration(req.GenerationTimeMs * float64(time.Millisecond)),
		ResponseSize:   req.ResponseSize,
		Hit:            req.Hit,
	})
	w.WriteHeader(http.StatusAccepted)
}

// ScheduleWarmup queues a warmup for a key.
func (s *Server) ScheduleWarmup(w http.ResponseWriter, r *http.Request) {
	var req WarmupRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	opts := []warming.TaskOption{
		warming.WithPriority(models.ParsePriority(req.Priority)),
		warming.WithTTL(seconds(req.TTL)),
		warming.WithStrategy(models.StrategyManual),
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, warming.WithScheduledAt(time.Now().Add(seconds(req.DelaySeconds))))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, warming.WithTags(req.Tags...))
	}
	if len(req.Dependencies) > 0 {
		opts = append(opts, warming.WithDependencies(req.Dependencies...))
	}

	id, err := s.engine.ScheduleWarmupTask(req.Key, nil, opts...)
	if err != nil {
		s.respondError(w, warmupErrorStatus(err), err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "key": req.Key})
}

func warmupErrorStatus(err error) int {
	switch {
	case errors.Is(err, warming.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, models.ErrQueueFull), errors.Is(err, models.ErrSchedulerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// GetWarmupTask returns a snapshot of one task.
func (s *Server) GetWarmupTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := s.engine.WarmupTask(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("%w: task %s", models.ErrNotFound, id))
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

// WarmUser schedules warmups for every key a user accessed.
func (s *Server) WarmUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	n, err := s.engine.WarmUser(userID)
	body := map[string]any{"user_id": userID, "scheduled": n}
	if err != nil {
		body["error"] = err.Error()
	}
	s.respondJSON(w, http.StatusAccepted, body)
}

// GetWarmupStats returns scheduler counters, jobs and failures.
func (s *Server) GetWarmupStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Warmup())
}

// GetDashboard returns the monitoring dashboard.
func (s *Server) GetDashboard(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Dashboard())
}

// ExportMetrics returns metric summaries as JSON or CSV.
// Query: format=json|csv, window=<go duration> (default 1h).
func (s *Server) ExportMetrics(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format := monitoring.ExportFormat(query.Get("format"))
	window, err := durationParam(r, "window", time.Hour)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	data, err := s.engine.ExportMetrics(format, window)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	contentType := "application/json"
	if format == monitoring.ExportFormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ListAlerts returns alerts newest first. Query: limit (default 100),
// active=true for unresolved only.
func (s *Server) ListAlerts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	alerts := s.engine.Alerts(0)
	if active, _ := strconv.ParseBool(query.Get("active")); active {
		filtered := alerts[:0]
		for _, a := range alerts {
			if !a.Resolved {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ResolveAlert marks an alert resolved.
func (s *Server) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.engine.ResolveAlert(id) {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("%w: alert %s", models.ErrNotFound, id))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"alert_id": id, "resolved": true})
}
