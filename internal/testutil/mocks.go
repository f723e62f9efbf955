package testutil

import (
	"context"
	"time"

	"preflight/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

type MockReportRepository struct {
	mock.Mock
}

func (m *MockReportRepository) Save(ctx context.Context, report domain.Report) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockReportRepository) GetByRunID(ctx context.Context, runID string) (domain.Report, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(domain.Report), args.Error(1)
}

func (m *MockReportRepository) ListRecent(ctx context.Context, limit int) ([]domain.Report, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Report), args.Error(1)
}

// MockController stands in for a sequencer behind the HTTP handlers.
type MockController struct {
	mock.Mock
}

func (m *MockController) Start(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockController) Reset(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockController) ResolveSpeaker(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockController) RejectSpeaker(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockController) JumpToStage(ctx context.Context, id domain.StageID) error {
	return m.Called(id).Error(0)
}

func (m *MockController) SetProxy(ctx context.Context, settings domain.ProxySettings) error {
	return m.Called(settings).Error(0)
}

func (m *MockController) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	args := m.Called()
	return args.Get(0).(domain.Snapshot), args.Error(1)
}

func (m *MockController) Subscribe() (<-chan domain.Snapshot, func()) {
	args := m.Called()
	return args.Get(0).(<-chan domain.Snapshot), args.Get(1).(func())
}

// RecordingObserver captures run notifications for assertions.
type RecordingObserver struct {
	mock.Mock
}

func (o *RecordingObserver) RunStarted(runID string) {
	o.Called(runID)
}

func (o *RecordingObserver) StageEntered(runID string, stage domain.StageID) {
	o.Called(runID, stage)
}

func (o *RecordingObserver) StageCompleted(runID string, record domain.StageRecord, elapsed time.Duration) {
	o.Called(runID, record, elapsed)
}

func (o *RecordingObserver) TransportSampled(stats domain.TransportStats) {
	o.Called(stats)
}

func (o *RecordingObserver) ProbeMatched(latency time.Duration) {
	o.Called(latency)
}

func (o *RecordingObserver) RunFinished(report domain.Report) {
	o.Called(report)
}
