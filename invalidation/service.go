// Package invalidation keeps an audit trail of cache invalidations.
//
// The Service subscribes to the cache.invalidate topic and records every
// delete, pattern invalidation and clear, whether raised by the local
// coordinator or by another instance sharing the remote tier.
package invalidation

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/pkg/pubsub"
)

// Option customizes a Service.
type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.journal.now = now
	}
}

// Service records invalidation events into a Journal.
type Service struct {
	journal     *Journal
	localSource string
	logger      *zap.Logger
	now         func() time.Time
	metrics     Metrics
}

// Metrics tracks invalidation counters.
type Metrics struct {
	TotalInvalidations   atomic.Int64
	KeyInvalidations     atomic.Int64
	PatternInvalidations atomic.Int64
	Clears               atomic.Int64
	RemoteInvalidations  atomic.Int64
	Rejected             atomic.Int64
}

// MetricsResponse is a point-in-time copy of Metrics.
type MetricsResponse struct {
	TotalInvalidations       int64   `json:"total_invalidations"`
	KeyInvalidations         int64   `json:"key_invalidations"`
	PatternInvalidations     int64   `json:"pattern_invalidations"`
	Clears                   int64   `json:"clears"`
	RemoteInvalidations      int64   `json:"remote_invalidations"`
	Rejected                 int64   `json:"rejected"`
	PatternInvalidationRatio float64 `json:"pattern_invalidation_ratio"`
	JournalSize              int     `json:"journal_size"`
}

// NewService creates a service recording into journal. localSource is the
// coordinator's source id; events from any other source are marked remote.
func NewService(journal *Journal, localSource string, opts ...Option) *Service {
	if journal == nil {
		journal = NewJournal(0)
	}
	s := &Service{
		journal:     journal,
		localSource: localSource,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("invalidation")
	return s
}

// HandleInvalidateEvent is the subscriber for the invalidation topic.
func (s *Service) HandleInvalidateEvent(_ context.Context, event pubsub.InvalidationEvent) error {
	if err := event.Validate(); err != nil {
		s.metrics.Rejected.Add(1)
		return err
	}

	log := AuditLog{
		Tiers:       event.Tiers,
		TriggeredBy: event.Source,
		Remote:      event.Source != s.localSource,
		Removed:     event.Removed,
		Timestamp:   s.now(),
	}
	switch {
	case event.Cleared:
		log.Kind = KindClear
		log.Pattern = "*"
		s.metrics.Clears.Add(1)
	case event.Pattern != "":
		log.Kind = KindPattern
		log.Pattern = event.Pattern
		s.metrics.PatternInvalidations.Add(1)
	default:
		log.Kind = KindKey
		log.Keys = deduplicateKeys(event.Keys)
		log.Pattern = formatKeysAsPattern(log.Keys)
		s.metrics.KeyInvalidations.Add(1)
	}
	if lag := log.Timestamp.Sub(event.TriggeredAt); lag > 0 {
		log.Latency = lag.Milliseconds()
	}
	if log.Remote {
		s.metrics.RemoteInvalidations.Add(1)
	}
	s.metrics.TotalInvalidations.Add(1)

	log = s.journal.Insert(log)
	s.logger.Debug("invalidation recorded",
		zap.Int64("id", log.ID),
		zap.String("kind", string(log.Kind)),
		zap.String("pattern", log.Pattern),
		zap.Int("removed", log.Removed),
		zap.Bool("remote", log.Remote))
	return nil
}

// GetAuditLogsRequest pages through the journal.
type GetAuditLogsRequest struct {
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	Pattern string `json:"pattern,omitempty"` // glob over recorded patterns
}

// GetAuditLogsResponse is one page of audit logs, newest first.
type GetAuditLogsResponse struct {
	Logs  []AuditLog `json:"logs"`
	Total int        `json:"total"`
}

// GetAuditLogs returns a page of the journal. Limit defaults to 100 and is
// capped at 1000.
func (s *Service) GetAuditLogs(req GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if req.Offset < 0 {
		return nil, errors.New("offset cannot be negative")
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}

	logs, err := s.journal.Recent(req.Limit, req.Offset, req.Pattern)
	if err != nil {
		return nil, err
	}
	total, err := s.journal.Count(req.Pattern)
	if err != nil {
		return nil, err
	}
	return &GetAuditLogsResponse{Logs: logs, Total: total}, nil
}

// Stats aggregates the journal over the trailing window.
func (s *Service) Stats(window time.Duration) AuditStats {
	return s.journal.Stats(s.now().Add(-window))
}

// Cleanup drops journal entries older than retention.
func (s *Service) Cleanup(retention time.Duration) int64 {
	removed := s.journal.Cleanup(retention)
	if removed > 0 {
		s.logger.Info("audit journal trimmed", zap.Int64("removed", removed))
	}
	return removed
}

// GetMetrics returns a copy of the counters.
func (s *Service) GetMetrics() MetricsResponse {
	total := s.metrics.TotalInvalidations.Load()
	pattern := s.metrics.PatternInvalidations.Load()

	var ratio float64
	if total > 0 {
		ratio = float64(pattern) / float64(total)
	}
	return MetricsResponse{
		TotalInvalidations:       total,
		KeyInvalidations:         s.metrics.KeyInvalidations.Load(),
		PatternInvalidations:     pattern,
		Clears:                   s.metrics.Clears.Load(),
		RemoteInvalidations:      s.metrics.RemoteInvalidations.Load(),
		Rejected:                 s.metrics.Rejected.Load(),
		PatternInvalidationRatio: ratio,
		JournalSize:              s.journal.Len(),
	}
}

// deduplicateKeys removes duplicate keys while preserving order.
func deduplicateKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, key)
	}
	return result
}

// formatKeysAsPattern joins keys for display, eliding past maxPatternKeys.
func formatKeysAsPattern(keys []string) string {
	const maxPatternKeys = 5
	if len(keys) <= maxPatternKeys {
		return strings.Join(keys, ",")
	}
	return strings.Join(keys[:maxPatternKeys], ",") + ",..."
}
