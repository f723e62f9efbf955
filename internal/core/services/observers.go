package services

import (
	"context"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) RunStarted(string) {}
func (NopObserver) StageEntered(string, domain.StageID) {}
func (NopObserver) StageCompleted(string, domain.StageRecord, time.Duration) {}
func (NopObserver) TransportSampled(domain.TransportStats) {}
func (NopObserver) ProbeMatched(time.Duration) {}
func (NopObserver) RunFinished(domain.Report) {}

// Observers fans notifications out to several observers in order.
type Observers []ports.RunObserver

func (o Observers) RunStarted(runID string) {
	for _, obs := range o {
		obs.RunStarted(runID)
	}
}

func (o Observers) StageEntered(runID string, stage domain.StageID) {
	for _, obs := range o {
		obs.StageEntered(runID, stage)
	}
}

func (o Observers) StageCompleted(runID string, record domain.StageRecord, elapsed time.Duration) {
	for _, obs := range o {
		obs.StageCompleted(runID, record, elapsed)
	}
}

func (o Observers) TransportSampled(stats domain.TransportStats) {
	for _, obs := range o {
		obs.TransportSampled(stats)
	}
}

func (o Observers) ProbeMatched(latency time.Duration) {
	for _, obs := range o {
		obs.ProbeMatched(latency)
	}
}

func (o Observers) RunFinished(report domain.Report) {
	for _, obs := range o {
		obs.RunFinished(report)
	}
}

// ReportArchiver persists the report of every finished run.
type ReportArchiver struct {
	NopObserver
	repo    ports.ReportRepository
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewReportArchiver(repo ports.ReportRepository, timeout time.Duration, logger *zap.SugaredLogger) *ReportArchiver {
	return &ReportArchiver{repo: repo, timeout: timeout, logger: logger}
}

// WithBreaker makes the archiver skip saves while the store keeps failing.
func (a *ReportArchiver) WithBreaker(cb *circuitbreaker.CircuitBreaker) *ReportArchiver {
	a.breaker = cb
	return a
}

// RunFinished saves in the background so the sequencer is never blocked
// on storage.
func (a *ReportArchiver) RunFinished(report domain.Report) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.save(ctx, report); err != nil {
			a.logger.Warnw("failed to archive report", "run_id", report.RunID, "error", err)
			return
		}
		a.logger.Debugw("report archived", "run_id", report.RunID, "passed", report.Passed)
	}()
}

func (a *ReportArchiver) save(ctx context.Context, report domain.Report) error {
	if a.breaker == nil {
		return a.repo.Save(ctx, report)
	}
	return a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.repo.Save(ctx, report)
	})
}
