package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	reportPrefix = "preflight:report:"
	recentKey    = "preflight:reports:recent"
)

// RedisReportRepository stores reports as JSON values with a sorted set
// indexing them by finish time.
type RedisReportRepository struct {
	client    *redis.Client
	retention int
	ttl       time.Duration
}

func NewRedisReportRepository(client *redis.Client, retention int, ttl time.Duration) ports.ReportRepository {
	return &RedisReportRepository{
		client:    client,
		retention: retention,
		ttl:       ttl,
	}
}

func (r *RedisReportRepository) reportKey(runID string) string {
	return reportPrefix + runID
}

func (r *RedisReportRepository) Save(ctx context.Context, report domain.Report) (err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "save", "reports")
	defer func() { tracing.End(span, err) }()

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.reportKey(report.RunID), data, r.ttl)
		pipe.ZAdd(ctx, recentKey, redis.Z{
			Score:  float64(report.FinishedAt.UnixMilli()),
			Member: report.RunID,
		})
		if r.retention > 0 {
			pipe.ZRemRangeByRank(ctx, recentKey, 0, int64(-r.retention-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save report in Redis: %w", err)
	}
	return nil
}

func (r *RedisReportRepository) GetByRunID(ctx context.Context, runID string) (domain.Report, error) {
	data, err := r.client.Get(ctx, r.reportKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Report{}, domain.ErrReportNotFound
	}
	if err != nil {
		return domain.Report{}, fmt.Errorf("failed to get report from Redis: %w", err)
	}

	var report domain.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return domain.Report{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return report, nil
}

// ListRecent skips index entries whose report has expired.
func (r *RedisReportRepository) ListRecent(ctx context.Context, limit int) (_ []domain.Report, err error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "list_recent", "reports")
	defer func() { tracing.End(span, err) }()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, recentKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reports from Redis: %w", err)
	}

	reports := make([]domain.Report, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		report, err := r.GetByRunID(ctx, id)
		if errors.Is(err, domain.ErrReportNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if len(stale) > 0 {
		r.client.ZRem(ctx, recentKey, stale...)
	}
	return reports, nil
}
