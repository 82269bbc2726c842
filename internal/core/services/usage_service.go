package services

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/quotagate/internal/core/domain"
	"github.com/poyrazK/quotagate/internal/core/ports"
	"github.com/poyrazK/quotagate/internal/infrastructure/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	topEndpointsLimit = 10
	defaultDailyDays  = 30
	maxDailyDays      = 365
)

type UsageRecorderConfig struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

func DefaultUsageRecorderConfig() UsageRecorderConfig {
	return UsageRecorderConfig{
		QueueSize:    1024,
		Workers:      4,
		WriteTimeout: 5 * time.Second,
	}
}

// UsageRecorder persists usage records on a bounded queue drained by a fixed
// set of workers, so request handlers never wait on the database.
type UsageRecorder struct {
	usage  ports.UsageRepository
	keys   ports.APIKeyRepository
	config UsageRecorderConfig
	clock  domain.Clock
	logger *slog.Logger

	queue  chan domain.UsageRecord
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewUsageRecorder starts the workers immediately. Close must be called to drain them.
func NewUsageRecorder(usage ports.UsageRepository, keys ports.APIKeyRepository, config UsageRecorderConfig, logger *slog.Logger) *UsageRecorder {
	def := DefaultUsageRecorderConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &UsageRecorder{
		usage:  usage,
		keys:   keys,
		config: config,
		clock:  time.Now,
		logger: logger.With("component", "usage_recorder"),
		queue:  make(chan domain.UsageRecord, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// TrackUsage enqueues rec without blocking. A full queue or a closed recorder
// drops the record.
func (r *UsageRecorder) TrackUsage(rec domain.UsageRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(rec, "recorder closed")
		return
	}
	select {
	case r.queue <- rec:
		metrics.UsageQueueDepth.Set(float64(len(r.queue)))
	default:
		r.drop(rec, "queue full")
	}
}

func (r *UsageRecorder) drop(rec domain.UsageRecord, reason string) {
	metrics.UsageRecords.WithLabelValues("dropped").Inc()
	r.logger.Warn("usage record dropped", "reason", reason, "api_key_id", rec.APIKeyID, "endpoint", rec.Endpoint)
}

func (r *UsageRecorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		metrics.UsageQueueDepth.Set(float64(len(r.queue)))
		ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
		if err := r.Record(ctx, rec); err != nil {
			r.logger.Error("failed to persist usage record", "error", err, "api_key_id", rec.APIKeyID)
		}
		cancel()
	}
}

// Record writes rec synchronously. Updating the key's last-used time is a
// separate best-effort step whose failure is only logged.
func (r *UsageRecorder) Record(ctx context.Context, rec domain.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock()
	}

	if err := r.usage.CreateUsageRecord(ctx, &rec); err != nil {
		metrics.UsageRecords.WithLabelValues("failed").Inc()
		return err
	}
	metrics.UsageRecords.WithLabelValues("written").Inc()

	if err := r.keys.UpdateAPIKeyLastUsed(ctx, rec.APIKeyID, rec.Timestamp); err != nil {
		r.logger.Warn("failed to update last used time", "error", err, "api_key_id", rec.APIKeyID)
	}
	return nil
}

// Pending returns the number of queued records not yet picked up by a worker.
func (r *UsageRecorder) Pending() int {
	return len(r.queue)
}

// Close stops accepting records and waits until the queue is drained or ctx ends.
func (r *UsageRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		metrics.UsageQueueDepth.Set(0)
		return nil
	case <-ctx.Done():
		r.logger.Warn("usage recorder closed before queue drained", "pending", r.Pending())
		return ctx.Err()
	}
}

func (r *UsageRecorder) GetStats(ctx context.Context, apiKeyID string) (*domain.UsageStats, error) {
	now := r.clock().UTC()
	today := domain.StartOfDayUTC(now)
	week := now.AddDate(0, 0, -7)
	month := now.AddDate(0, 0, -30)

	stats := &domain.UsageStats{}
	var errorCount int64
	var avgLatency float64

	g, gctx := errgroup.WithContext(ctx)
	count := func(dst *int64, since time.Time) {
		g.Go(func() error {
			n, err := r.usage.CountUsage(gctx, apiKeyID, since)
			*dst = n
			return err
		})
	}
	count(&stats.TotalRequests, time.Time{})
	count(&stats.RequestsToday, today)
	count(&stats.RequestsThisWeek, week)
	count(&stats.RequestsThisMonth, month)

	g.Go(func() error {
		n, err := r.usage.CountUsageErrors(gctx, apiKeyID)
		errorCount = n
		return err
	})
	g.Go(func() error {
		last, err := r.usage.LastUsage(gctx, apiKeyID)
		stats.LastUsed = last
		return err
	})
	g.Go(func() error {
		avg, err := r.usage.AverageLatency(gctx, apiKeyID)
		avgLatency = avg
		return err
	})
	g.Go(func() error {
		top, err := r.usage.TopEndpoints(gctx, apiKeyID, topEndpointsLimit)
		stats.TopEndpoints = top
		return err
	})
	g.Go(func() error {
		dist, err := r.usage.StatusCodeDistribution(gctx, apiKeyID)
		stats.StatusCodes = dist
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, internalErr("failed to compute usage statistics", err)
	}

	stats.AverageLatency = math.Round(avgLatency)
	if stats.TotalRequests > 0 {
		stats.ErrorRate = math.Round(float64(errorCount)/float64(stats.TotalRequests)*100*100) / 100
	}
	if stats.TopEndpoints == nil {
		stats.TopEndpoints = []domain.EndpointStats{}
	}
	for i := range stats.TopEndpoints {
		stats.TopEndpoints[i].AverageLatency = math.Round(stats.TopEndpoints[i].AverageLatency)
	}
	if stats.StatusCodes == nil {
		stats.StatusCodes = map[int]int64{}
	}
	return stats, nil
}

// GetDailyUsage returns one bucket per UTC day that saw traffic, oldest first.
// Days without traffic are omitted. days defaults to 30.
func (r *UsageRecorder) GetDailyUsage(ctx context.Context, apiKeyID string, days int) ([]domain.DailyUsage, error) {
	if days == 0 {
		days = defaultDailyDays
	}
	if days < 0 || days > maxDailyDays {
		return nil, domain.NewValidationError("days must be between 1 and %d", maxDailyDays)
	}

	since := domain.StartOfDayUTC(r.clock()).AddDate(0, 0, -(days - 1))
	buckets, err := r.usage.DailyUsage(ctx, apiKeyID, since)
	if err != nil {
		return nil, internalErr("failed to load daily usage", err)
	}
	if buckets == nil {
		buckets = []domain.DailyUsage{}
	}
	for i := range buckets {
		buckets[i].AverageLatency = math.Round(buckets[i].AverageLatency)
	}
	return buckets, nil
}

// CleanupOldRecords deletes records older than retentionDays.
func (r *UsageRecorder) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, domain.NewValidationError("retention days must be positive")
	}
	cutoff := r.clock().AddDate(0, 0, -retentionDays)
	deleted, err := r.usage.DeleteUsageBefore(ctx, cutoff)
	if err != nil {
		return 0, internalErr("failed to delete old usage records", err)
	}
	metrics.RetentionDeleted.Add(float64(deleted))
	r.logger.Info("usage retention cleanup finished", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}
