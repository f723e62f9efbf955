package ports

import (
	"context"
	"time"

	"preflight/internal/core/domain"
)

// DiagnosticsController is the command surface of a sequencer as seen
// by the HTTP and WebSocket handlers.
type DiagnosticsController interface {
	Start(ctx context.Context) error
	Reset(ctx context.Context) error
	ResolveSpeaker(ctx context.Context) error
	RejectSpeaker(ctx context.Context) error
	JumpToStage(ctx context.Context, id domain.StageID) error
	SetProxy(ctx context.Context, settings domain.ProxySettings) error
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Subscribe() (<-chan domain.Snapshot, func())
}

// RunObserver receives lifecycle notifications from the sequencer. Calls
// are made from the sequencer goroutine and must not block.
type RunObserver interface {
	RunStarted(runID string)
	StageEntered(runID string, stage domain.StageID)
	StageCompleted(runID string, record domain.StageRecord, elapsed time.Duration)
	TransportSampled(stats domain.TransportStats)
	ProbeMatched(latency time.Duration)
	RunFinished(report domain.Report)
}
