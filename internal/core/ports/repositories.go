package ports

import (
	"context"

	"preflight/internal/core/domain"
)

// ReportRepository stores the reports of finished runs.
type ReportRepository interface {
	Save(ctx context.Context, report domain.Report) error
	GetByRunID(ctx context.Context, runID string) (domain.Report, error)
	// ListRecent returns up to limit reports, newest first.
	ListRecent(ctx context.Context, limit int) ([]domain.Report, error)
}
