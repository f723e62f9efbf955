package memory

import (
	"context"
	"sync"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
)

// MemoryReportRepository keeps the most recent reports in process. Once
// retention is reached the oldest report is dropped.
type MemoryReportRepository struct {
	mu        sync.RWMutex
	retention int
	order     []string
	reports   map[string]domain.Report
}

func NewMemoryReportRepository(retention int) ports.ReportRepository {
	if retention <= 0 {
		retention = 100
	}
	return &MemoryReportRepository{
		retention: retention,
		reports:   make(map[string]domain.Report),
	}
}

func (r *MemoryReportRepository) Save(ctx context.Context, report domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.reports[report.RunID]; exists {
		r.remove(report.RunID)
	}
	r.reports[report.RunID] = cloneReport(report)
	r.order = append(r.order, report.RunID)

	for len(r.order) > r.retention {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.reports, oldest)
	}
	return nil
}

func (r *MemoryReportRepository) remove(runID string) {
	for i, id := range r.order {
		if id == runID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *MemoryReportRepository) GetByRunID(ctx context.Context, runID string) (domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, exists := r.reports[runID]
	if !exists {
		return domain.Report{}, domain.ErrReportNotFound
	}
	return cloneReport(report), nil
}

func (r *MemoryReportRepository) ListRecent(ctx context.Context, limit int) ([]domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	reports := make([]domain.Report, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(reports) < limit; i-- {
		reports = append(reports, cloneReport(r.reports[r.order[i]]))
	}
	return reports, nil
}

func cloneReport(report domain.Report) domain.Report {
	report.Stages = append([]domain.StageRecord(nil), report.Stages...)
	report.Profiles = append([]domain.VideoProfile(nil), report.Profiles...)
	report.RTMMetrics = report.RTMMetrics.Clone()
	return report
}
