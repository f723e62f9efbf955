//go:build e2e

package device

import (
	"context"
	"testing"
	"time"

	"preflight/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBrowser_ProbesFakeDevices(t *testing.T) {
	b, err := NewBrowser(BrowserConfig{Headless: true, NoSandbox: true, Timeout: 15 * time.Second}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	assert.True(t, b.CheckSystemRequirements(ctx))

	audio, err := b.AcquireAudio(ctx)
	require.NoError(t, err)
	level, err := b.SampleVolume(ctx, audio)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, level, 0)
	assert.LessOrEqual(t, level, 100)

	profile := domain.DefaultProfiles()[4] // 640x480
	video, err := b.AcquireVideo(ctx, profile)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		frame, err := b.NegotiatedFrameArea(ctx, video)
		return err == nil && frame.Area() == profile.Area()
	}, 5*time.Second, 100*time.Millisecond)

	require.NoError(t, b.Play(ctx))
	b.Stop()

	b.Release(audio)
	b.Release(video)
	b.Release(video)
	live, err := b.Live(ctx)
	require.NoError(t, err)
	assert.Zero(t, live)
}
