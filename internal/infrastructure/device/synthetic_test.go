package device

import (
	"context"
	"testing"

	"preflight/internal/core/domain"
	"preflight/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSynthetic(volume int) *Synthetic {
	return NewSynthetic(SyntheticConfig{Supported: true, Volume: volume, MaxWidth: 1280, MaxHeight: 720}, nil)
}

func TestSynthetic_VolumeAveragesToLevel(t *testing.T) {
	s := newSynthetic(42)
	ctx := context.Background()

	h, err := s.AcquireAudio(ctx)
	require.NoError(t, err)

	var samples []int
	for i := 0; i < 70; i++ {
		v, err := s.SampleVolume(ctx, h)
		require.NoError(t, err)
		samples = append(samples, v)
	}
	assert.InDelta(t, 42, services.MeanVolume(samples), 1e-9)

	s.Release(h)
	_, err = s.SampleVolume(ctx, h)
	assert.ErrorIs(t, err, domain.ErrDevice)
}

func TestSynthetic_VolumeClamped(t *testing.T) {
	s := newSynthetic(100)
	h, err := s.AcquireAudio(context.Background())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		v, err := s.SampleVolume(context.Background(), h)
		require.NoError(t, err)
		assert.LessOrEqual(t, v, 100)
	}
}

func TestSynthetic_NegotiatesDownAboveMaximum(t *testing.T) {
	s := newSynthetic(50)
	ctx := context.Background()
	profiles := domain.DefaultProfiles()

	h, err := s.AcquireVideo(ctx, profiles[5]) // 720p
	require.NoError(t, err)
	frame, err := s.NegotiatedFrameArea(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, profiles[5].Area(), frame.Area())

	full, err := s.AcquireVideo(ctx, profiles[6]) // 1080p
	require.NoError(t, err)
	frame, err = s.NegotiatedFrameArea(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, domain.FrameSize{Width: 1280, Height: 720}, frame)

	assert.Equal(t, 2, s.Live())
	s.Release(h)
	s.Release(h)
	s.Release(nil)
	s.Release(full)
	assert.Zero(t, s.Live())

	_, err = s.NegotiatedFrameArea(ctx, full)
	assert.ErrorIs(t, err, domain.ErrNoFrame)
}

func TestSynthetic_CapabilityAndSpeaker(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{}, nil)
	assert.False(t, s.CheckSystemRequirements(context.Background()))

	require.NoError(t, s.Play(context.Background()))
	assert.True(t, s.Playing())
	s.Stop()
	assert.False(t, s.Playing())
}
