package services

import (
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

func TestReportArchiver_SavesFinishedRuns(t *testing.T) {
	repo := &testutil.MockReportRepository{}
	saved := make(chan struct{})
	report := domain.Report{RunID: "run-1", Passed: true, Complete: true}
	repo.On("Save", mock.Anything, report).Return(nil).Run(func(mock.Arguments) { close(saved) })

	archiver := NewReportArchiver(repo, time.Second, zap.NewNop().Sugar())
	archiver.RunStarted("run-1")
	archiver.RunFinished(report)

	select {
	case <-saved:
	case <-time.After(time.Second):
		t.Fatal("report was not saved")
	}
	repo.AssertExpectations(t)
}

func TestReportArchiver_ToleratesStorageErrors(t *testing.T) {
	repo := &testutil.MockReportRepository{}
	saved := make(chan struct{})
	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis down")).Run(func(mock.Arguments) { close(saved) })

	archiver := NewReportArchiver(repo, time.Second, zap.NewNop().Sugar())
	archiver.RunFinished(domain.Report{RunID: "run-2"})

	select {
	case <-saved:
	case <-time.After(time.Second):
		t.Fatal("save was not attempted")
	}
}

func TestReportArchiver_BreakerSkipsFailingStore(t *testing.T) {
	repo := &testutil.MockReportRepository{}
	attempts := make(chan struct{}, 4)
	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis down")).Run(func(mock.Arguments) { attempts <- struct{}{} })

	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	archiver := NewReportArchiver(repo, time.Second, zap.NewNop().Sugar()).WithBreaker(breaker)

	archiver.RunFinished(domain.Report{RunID: "run-1"})
	select {
	case <-attempts:
	case <-time.After(time.Second):
		t.Fatal("save was not attempted")
	}
	assert.Eventually(t, func() bool { return breaker.State() == circuitbreaker.StateOpen }, time.Second, time.Millisecond)

	archiver.RunFinished(domain.Report{RunID: "run-2"})
	assert.Eventually(t, func() bool { return breaker.Stats().Rejected == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, attempts)
	repo.AssertNumberOfCalls(t, "Save", 1)
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &testutil.RecordingObserver{}, &testutil.RecordingObserver{}
	for _, o := range []*testutil.RecordingObserver{a, b} {
		o.On("RunStarted", "run-1").Return().Once()
		o.On("ProbeMatched", 15*time.Millisecond).Return().Once()
	}

	obs := Observers{a, b}
	obs.RunStarted("run-1")
	obs.ProbeMatched(15 * time.Millisecond)

	a.AssertExpectations(t)
	b.AssertExpectations(t)
	assert.Len(t, obs, 2)
}
