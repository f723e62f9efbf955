package ports

import (
	"context"

	"preflight/internal/core/domain"
)

// Handle is an opaque reference to an acquired capture device.
type Handle interface {
	HandleID() string
}

type CapabilityChecker interface {
	// CheckSystemRequirements reports whether the platform can run
	// real-time audio and video at all.
	CheckSystemRequirements(ctx context.Context) bool
}

// DeviceProbe acquires capture devices and reads their live properties.
// Release must be idempotent and accept a nil handle.
type DeviceProbe interface {
	AcquireAudio(ctx context.Context) (Handle, error)
	AcquireVideo(ctx context.Context, profile domain.VideoProfile) (Handle, error)
	// SampleVolume returns the current input level in [0,100].
	SampleVolume(ctx context.Context, h Handle) (int, error)
	// NegotiatedFrameArea returns the frame size the device actually
	// delivers, or domain.ErrNoFrame when no frame is available yet.
	NegotiatedFrameArea(ctx context.Context, h Handle) (domain.FrameSize, error)
	Release(h Handle)
}

// SpeakerSample plays the reference audio for the speaker stage.
type SpeakerSample interface {
	Play(ctx context.Context) error
	// Stop halts playback and rewinds to the beginning.
	Stop()
}
