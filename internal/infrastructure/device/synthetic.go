// Package device provides capture device probes: a deterministic
// synthetic device and a headless Chrome driven through go-rod.
package device

import (
	"context"
	"fmt"
	"sync"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"

	"go.uber.org/zap"
)

// SyntheticConfig describes the simulated hardware.
type SyntheticConfig struct {
	Supported bool
	// Volume is the mean input level reported by the microphone.
	Volume int
	// Cameras negotiate requests above the maximum down to the maximum.
	MaxWidth  int
	MaxHeight int
}

// volumeWobble averages to zero over a full cycle.
var volumeWobble = []int{0, 2, -1, 1, -2}

type syntheticHandle struct {
	id    string
	frame domain.FrameSize
}

func (h *syntheticHandle) HandleID() string { return h.id }

// Synthetic is an in-process device probe and speaker.
type Synthetic struct {
	cfg    SyntheticConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	seq     int
	samples int
	live    map[string]*syntheticHandle
	playing bool
}

var (
	_ ports.CapabilityChecker = (*Synthetic)(nil)
	_ ports.DeviceProbe       = (*Synthetic)(nil)
	_ ports.SpeakerSample     = (*Synthetic)(nil)
)

func NewSynthetic(cfg SyntheticConfig, logger *zap.SugaredLogger) *Synthetic {
	return &Synthetic{
		cfg:    cfg,
		logger: logger,
		live:   make(map[string]*syntheticHandle),
	}
}

func (s *Synthetic) CheckSystemRequirements(ctx context.Context) bool {
	return s.cfg.Supported
}

func (s *Synthetic) acquire(kind string, frame domain.FrameSize) *syntheticHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	h := &syntheticHandle{id: fmt.Sprintf("%s-%d", kind, s.seq), frame: frame}
	s.live[h.id] = h
	return h
}

func (s *Synthetic) AcquireAudio(ctx context.Context) (ports.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewDeviceError("acquire audio", domain.CodeMicrophoneAccess, err)
	}
	return s.acquire("audio", domain.FrameSize{}), nil
}

func (s *Synthetic) AcquireVideo(ctx context.Context, profile domain.VideoProfile) (ports.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewDeviceError("acquire video", domain.CodeCameraAccess, err)
	}
	frame := domain.FrameSize{Width: profile.Width, Height: profile.Height}
	if frame.Width > s.cfg.MaxWidth || frame.Height > s.cfg.MaxHeight {
		frame = domain.FrameSize{Width: s.cfg.MaxWidth, Height: s.cfg.MaxHeight}
	}
	return s.acquire("video", frame), nil
}

func (s *Synthetic) SampleVolume(ctx context.Context, h ports.Handle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil || s.live[h.HandleID()] == nil {
		return 0, domain.NewDeviceError("sample volume", domain.CodeMicrophoneAccess, fmt.Errorf("audio handle not live"))
	}
	level := s.cfg.Volume + volumeWobble[s.samples%len(volumeWobble)]
	s.samples++
	return min(max(level, 0), 100), nil
}

func (s *Synthetic) NegotiatedFrameArea(ctx context.Context, h ports.Handle) (domain.FrameSize, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		return domain.FrameSize{}, domain.ErrNoFrame
	}
	handle := s.live[h.HandleID()]
	if handle == nil {
		return domain.FrameSize{}, domain.ErrNoFrame
	}
	return handle.frame, nil
}

func (s *Synthetic) Release(h ports.Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, h.HandleID())
}

// Live counts acquired handles that have not been released.
func (s *Synthetic) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Synthetic) Play(ctx context.Context) error {
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Debugw("playing speaker sample")
	}
	return nil
}

func (s *Synthetic) Stop() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

func (s *Synthetic) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}
