package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/testutil"
	"preflight/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddCheck("ok", func(ctx context.Context) error { return nil }, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("broken", func(ctx context.Context) error { return errors.New("boom") }, 0, time.Second)
	status = h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "boom", status.Checks["broken"])
	assert.Equal(t, []string{"broken", "ok"}, h.Names())
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["slow"], "deadline")
}

func TestHealthChecker_RepositoryAndSequencer(t *testing.T) {
	repo := new(testutil.MockReportRepository)
	repo.On("ListRecent", mock.Anything, 1).Return([]domain.Report{}, nil)

	controller := new(testutil.MockController)
	controller.On("Snapshot").Return(domain.Snapshot{}, domain.ErrClosed)

	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddRepositoryCheck(repo, 0, time.Second)
	h.AddSequencerCheck(controller, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Checks["reports"])
	assert.Equal(t, domain.ErrClosed.Error(), status.Checks["sequencer"])
	assert.False(t, h.IsReady(context.Background()))
	repo.AssertExpectations(t)
}

func TestHealthChecker_BreakerCheck(t *testing.T) {
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddBreakerCheck("report_archive", cb, 0)

	assert.True(t, h.IsReady(context.Background()))

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("store down") })
	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["report_archive"], "circuit open")
}
