package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"preflight/internal/core/ports"
	"preflight/pkg/circuitbreaker"
)

// AddRepositoryCheck verifies the report store answers a listing.
func (h *HealthChecker) AddRepositoryCheck(repo ports.ReportRepository, interval, timeout time.Duration) {
	h.AddCheck("reports", func(ctx context.Context) error {
		_, err := repo.ListRecent(ctx, 1)
		return err
	}, interval, timeout)
}

// AddSequencerCheck verifies the sequencer loop still serves commands.
func (h *HealthChecker) AddSequencerCheck(controller ports.DiagnosticsController, interval, timeout time.Duration) {
	h.AddCheck("sequencer", func(ctx context.Context) error {
		_, err := controller.Snapshot(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.New("sequencer not responding")
		}
		return err
	}, interval, timeout)
}

// AddBreakerCheck reports unhealthy while cb is not closed.
func (h *HealthChecker) AddBreakerCheck(name string, cb *circuitbreaker.CircuitBreaker, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) error {
		if st := cb.Stats(); st.State != circuitbreaker.StateClosed {
			return fmt.Errorf("circuit %s since %s", st.State, st.StateChangeTime.Format(time.RFC3339))
		}
		return nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
