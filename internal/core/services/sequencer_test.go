package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const tick = 100 * time.Millisecond

type harness struct {
	t         *testing.T
	clock     *testutil.FakeClock
	devices   *testutil.FakeDevices
	transport *testutil.FakeTransport
	messaging *testutil.FakeMessaging
	observer  *orderObserver
	seq       *Sequencer
}

type orderObserver struct {
	NopObserver
	mu      sync.Mutex
	entered []domain.StageID
	reports []domain.Report
}

func (o *orderObserver) StageEntered(_ string, stage domain.StageID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entered = append(o.entered, stage)
}

func (o *orderObserver) RunFinished(report domain.Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, report)
}

func (o *orderObserver) finished() []domain.Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.Report(nil), o.reports...)
}

func (o *orderObserver) stages() []domain.StageID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.StageID(nil), o.entered...)
}

func newHarness(t *testing.T, mutate ...func(*SequencerConfig)) *harness {
	t.Helper()
	cfg := DefaultSequencerConfig()
	cfg.Session.AppID = "app"
	cfg.Session.SenderToken = "skey"
	cfg.Session.ReceiverToken = "rkey"
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		t:         t,
		clock:     testutil.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
		devices:   testutil.NewFakeDevices(),
		transport: testutil.NewFakeTransport(),
		messaging: testutil.NewFakeMessaging(),
		observer:  &orderObserver{},
	}
	h.seq = NewSequencer(cfg, Dependencies{
		Capabilities: h.devices,
		Devices:      h.devices,
		Speaker:      h.devices,
		Transport:    h.transport,
		Messaging:    h.messaging,
		Clock:        h.clock,
		Observer:     h.observer,
	}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = h.seq.Close() })
	return h
}

// settleTo waits until exactly n units of work are outstanding.
func (h *harness) settleTo(n int64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.seq.pending.Load() == n
	}, 2*time.Second, time.Millisecond)
}

func (h *harness) settle() {
	h.t.Helper()
	h.settleTo(0)
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	for elapsed := time.Duration(0); elapsed < d; elapsed += tick {
		h.clock.Advance(tick)
		h.settle()
	}
}

func (h *harness) snapshot() domain.Snapshot {
	h.t.Helper()
	snap, err := h.seq.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.seq.Start(context.Background()))
	h.settle()
}

// runUntil advances time until stage becomes current.
func (h *harness) runUntil(stage domain.StageID, limit time.Duration) {
	h.t.Helper()
	for elapsed := time.Duration(0); elapsed <= limit; elapsed += tick {
		if h.snapshot().CurrentStage == stage {
			return
		}
		h.clock.Advance(tick)
		h.settle()
	}
	h.t.Fatalf("stage %s not reached within %s, current %s", stage, limit, h.snapshot().CurrentStage)
}

func stageOf(t *testing.T, snap domain.Snapshot, id domain.StageID) domain.StageRecord {
	t.Helper()
	rec, ok := snap.Stage(id)
	require.True(t, ok, "stage %s missing", id)
	return rec
}

func TestSequencer_InitialSnapshot(t *testing.T) {
	h := newHarness(t)
	snap := h.snapshot()

	assert.Equal(t, domain.StageIdle, snap.CurrentStage)
	assert.False(t, snap.Testing)
	assert.False(t, snap.RenderChart)
	assert.Empty(t, snap.RunID)
	require.Len(t, snap.Stages, 6)
	for i, rec := range snap.Stages {
		assert.Equal(t, domain.StageOrder[i], rec.ID)
		assert.True(t, rec.NotError)
		assert.False(t, rec.Complete)
		assert.Empty(t, rec.Extra)
	}
	for _, p := range snap.Profiles {
		assert.Equal(t, domain.ProfilePending, p.Status)
	}
	assert.Equal(t, domain.PendingRTMStatus(), snap.RTMStatus)
}

func TestSequencer_FullRunPasses(t *testing.T) {
	h := newHarness(t)
	h.start()

	snap := h.snapshot()
	assert.True(t, snap.Testing)
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, domain.StageCompatibility, snap.CurrentStage)

	h.runUntil(domain.StageSpeaker, 15*time.Second)
	snap = h.snapshot()
	assert.Equal(t, "Fully supported", stageOf(t, snap, domain.StageCompatibility).Extra)
	assert.Equal(t, "Microphone works well!", stageOf(t, snap, domain.StageMicrophone).Extra)
	assert.Equal(t, 50, snap.InputVolume)
	plays, _ := h.devices.SpeakerCalls()
	assert.Equal(t, 1, plays)

	require.NoError(t, h.seq.ResolveSpeaker(context.Background()))
	h.settle()
	_, stops := h.devices.SpeakerCalls()
	assert.Equal(t, 1, stops)

	h.runUntil(domain.StageReport, 70*time.Second)
	snap = h.snapshot()

	assert.False(t, snap.Testing)
	assert.True(t, snap.RenderChart)
	for _, rec := range snap.Stages {
		assert.True(t, rec.Complete, "stage %s incomplete", rec.ID)
		assert.True(t, rec.NotError, "stage %s failed: %s", rec.ID, rec.Extra)
	}
	for _, p := range snap.Profiles {
		assert.Equal(t, domain.ProfileResolve, p.Status, p.Resolution)
	}
	assert.Contains(t, stageOf(t, snap, domain.StageResolution).Extra, "Summary: 7/7 resolutions supported (100%)")

	require.GreaterOrEqual(t, snap.Series.Len(), 2)
	for i, row := range snap.Series.Bitrate {
		assert.Equal(t, i+1, row.Index)
		assert.Equal(t, i+1, snap.Series.PacketLoss[i].Index)
	}
	assert.Equal(t, 1500.0, snap.Series.Bitrate[0].VideoBitrate.Value)
	assert.Equal(t, 40.0, snap.Series.Bitrate[0].AudioBitrate.Value)
	assert.Contains(t, stageOf(t, snap, domain.StageConnectivity).Extra, "Connection Quality: Excellent")

	assert.Equal(t, domain.RTMStatus{
		Login:     domain.FlagSuccess,
		Channel:   domain.FlagSuccess,
		Messaging: domain.FlagSuccess,
	}, snap.RTMStatus)
	assert.Equal(t, 5, snap.RTMMetrics.MessagesSent)
	assert.Equal(t, 5, snap.RTMMetrics.MessagesReceived)
	assert.Equal(t, 100, snap.RTMMetrics.SuccessRate)
	assert.Contains(t, stageOf(t, snap, domain.StageMessaging).Extra, "RTM functionality working well")

	h.advance(1500 * time.Millisecond)
	assert.False(t, h.snapshot().RenderChart)

	assert.Equal(t, 0, h.devices.Live())
	assert.GreaterOrEqual(t, h.transport.Closes(), 1)
	require.Len(t, h.messaging.Clients, 1)
	assert.True(t, h.messaging.Clients[0].LoggedOut())
	for _, payload := range h.messaging.Clients[0].Published() {
		assert.True(t, strings.HasPrefix(payload, "RTM Test Message test_"), payload)
	}

	assert.Equal(t, domain.StageOrder, h.observer.stages())
	reports := h.observer.finished()
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Passed)
}

func TestSequencer_MicrophoneVerdicts(t *testing.T) {
	cases := []struct {
		name  string
		setup func(d *testutil.FakeDevices)
		ok    bool
		extra string
	}{
		{
			name:  "quiet input",
			setup: func(d *testutil.FakeDevices) { d.Volume = 5 },
			extra: "Can barely hear you. Please check your microphone.",
		},
		{
			name:  "exactly at threshold",
			setup: func(d *testutil.FakeDevices) { d.Volume = 10 },
			ok:    true,
			extra: "Microphone works well!",
		},
		{
			name:  "levels are clamped",
			setup: func(d *testutil.FakeDevices) { d.Volume = 250 },
			ok:    true,
			extra: "Microphone works well!",
		},
		{
			name:  "acquisition fails",
			setup: func(d *testutil.FakeDevices) { d.AudioErr = errors.New("permission denied") },
			extra: "Microphone access failed: permission denied",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.devices.Set(tc.setup)
			h.start()
			h.runUntil(domain.StageSpeaker, 15*time.Second)

			snap := h.snapshot()
			rec := stageOf(t, snap, domain.StageMicrophone)
			assert.True(t, rec.Complete)
			assert.Equal(t, tc.ok, rec.NotError)
			assert.Equal(t, tc.extra, rec.Extra)
			assert.LessOrEqual(t, snap.InputVolume, 100)
			assert.Equal(t, 0, h.devices.Live())
		})
	}
}

func TestSequencer_SpeakerDecision(t *testing.T) {
	h := newHarness(t)

	err := h.seq.ResolveSpeaker(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	h.start()
	h.runUntil(domain.StageSpeaker, 15*time.Second)

	require.NoError(t, h.seq.RejectSpeaker(context.Background()))
	h.settle()

	snap := h.snapshot()
	rec := stageOf(t, snap, domain.StageSpeaker)
	assert.True(t, rec.Complete)
	assert.False(t, rec.NotError)
	assert.Equal(t, "Speaker not working properly", rec.Extra)
	assert.Equal(t, domain.StageResolution, snap.CurrentStage)

	err = h.seq.ResolveSpeaker(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSequencer_ResolutionProfiles(t *testing.T) {
	h := newHarness(t)
	h.devices.Set(func(d *testutil.FakeDevices) {
		d.Frames["1080p_1"] = domain.FrameSize{Width: 1280, Height: 720}
		d.VideoErr["720p_1"] = errors.New("overconstrained")
	})
	h.start()
	h.runUntil(domain.StageSpeaker, 15*time.Second)
	require.NoError(t, h.seq.ResolveSpeaker(context.Background()))
	h.settle()
	h.runUntil(domain.StageConnectivity, 15*time.Second)

	snap := h.snapshot()
	status := map[string]domain.ProfileStatus{}
	for _, p := range snap.Profiles {
		status[p.Resolution] = p.Status
	}
	assert.Equal(t, domain.ProfileReject, status["1080p_1"])
	assert.Equal(t, domain.ProfileReject, status["720p_1"])
	assert.Equal(t, domain.ProfileResolve, status["480p_1"])
	assert.Equal(t, domain.ProfileResolve, status["120p_1"])

	rec := stageOf(t, snap, domain.StageResolution)
	assert.True(t, rec.NotError)
	assert.Contains(t, rec.Extra, "1920 * 1080 Not Supported<br/>")
	assert.Contains(t, rec.Extra, "640 * 480 Supported")
	assert.True(t, strings.HasSuffix(rec.Extra, "<br/><br/><strong>Summary: 5/7 resolutions supported (71%)</strong>"), rec.Extra)
	assert.Equal(t, 0, h.devices.Live())
}

// toConnectivity drives a run up to the sampling phase of the connectivity stage.
func (h *harness) toConnectivity() {
	h.t.Helper()
	h.start()
	h.runUntil(domain.StageSpeaker, 15*time.Second)
	require.NoError(h.t, h.seq.ResolveSpeaker(context.Background()))
	h.settle()
	h.runUntil(domain.StageConnectivity, 15*time.Second)
}

func TestSequencer_ConnectionLoss(t *testing.T) {
	cases := []struct {
		name  string
		event ports.TransportEvent
		extra string
	}{
		{
			name:  "connection dropped",
			event: ports.TransportEvent{Type: ports.EventConnectionStateChanged, State: ports.StateDisconnected},
			extra: "Unexpected connection lost",
		},
		{
			name:  "connection disconnecting",
			event: ports.TransportEvent{Type: ports.EventConnectionStateChanged, State: ports.StateDisconnecting},
			extra: "Unexpected connection lost",
		},
		{
			name:  "remote participant left",
			event: ports.TransportEvent{Type: ports.EventParticipantLeft, Participant: "1234561"},
			extra: "User disconnected during test",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.toConnectivity()
			h.advance(3 * time.Second)
			rows := h.snapshot().Series.Len()
			require.Positive(t, rows)

			h.transport.Emit(tc.event)
			h.settle()

			snap := h.snapshot()
			rec := stageOf(t, snap, domain.StageConnectivity)
			assert.True(t, rec.Complete)
			assert.False(t, rec.NotError)
			assert.Equal(t, tc.extra, rec.Extra)

			h.advance(3 * time.Second)
			snap = h.snapshot()
			assert.Equal(t, rows, snap.Series.Len(), "sampling continued after disconnect")
			assert.Equal(t, domain.StageMessaging, snap.CurrentStage)
			assert.Equal(t, tc.extra, stageOf(t, snap, domain.StageConnectivity).Extra)
		})
	}
}

func TestSequencer_ConnectivityFailures(t *testing.T) {
	t.Run("sessions cannot open", func(t *testing.T) {
		h := newHarness(t)
		h.transport.Set(func(tr *testutil.FakeTransport) { tr.OpenErr = errors.New("ice failed") })
		h.toConnectivity()
		h.advance(2 * time.Second)

		snap := h.snapshot()
		rec := stageOf(t, snap, domain.StageConnectivity)
		assert.False(t, rec.NotError)
		assert.Equal(t, "ice failed", rec.Extra)
		assert.Equal(t, domain.StageMessaging, snap.CurrentStage)
	})

	t.Run("no media flows", func(t *testing.T) {
		h := newHarness(t)
		h.transport.Set(func(tr *testutil.FakeTransport) { tr.Stats = domain.TransportStats{} })
		h.toConnectivity()
		h.runUntil(domain.StageMessaging, 30*time.Second)

		rec := stageOf(t, h.snapshot(), domain.StageConnectivity)
		assert.False(t, rec.NotError)
		assert.Equal(t, "<strong>Connection failed: No data transmission</strong>", rec.Extra)
	})
}

func TestSequencer_ProxySettingsReachTransport(t *testing.T) {
	h := newHarness(t)
	proxy := domain.ProxySettings{Enabled: true, Mode: domain.ProxyModeFixed}
	require.NoError(t, h.seq.SetProxy(context.Background(), proxy))

	h.toConnectivity()
	err := h.seq.SetProxy(context.Background(), domain.ProxySettings{Mode: domain.ProxyModeDefault})
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	opened := h.transport.Opened()
	require.Len(t, opened, 2)
	assert.Equal(t, "1234562", opened[0].Participant)
	assert.Equal(t, "rkey", opened[0].Token)
	assert.Equal(t, "1234561", opened[1].Participant)
	assert.Equal(t, "skey", opened[1].Token)
	for _, cfg := range opened {
		assert.Equal(t, proxy, cfg.Proxy)
		assert.Equal(t, "testChannel", cfg.Channel)
	}

	require.NoError(t, h.seq.Reset(context.Background()))
	assert.Equal(t, domain.ProxySettings{Mode: domain.ProxyModeDefault}, h.snapshot().Proxy)
}

func TestSequencer_MessagingOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(m *testutil.FakeMessaging)
		ok     bool
		status domain.RTMStatus
		extra  string
	}{
		{
			name:   "login rejected",
			setup:  func(m *testutil.FakeMessaging) { m.LoginErr = errors.New("bad token") },
			status: domain.RTMStatus{Login: domain.FlagFailed, Channel: domain.FlagPending, Messaging: domain.FlagPending},
			extra:  "Login failed: bad token",
		},
		{
			name:   "channel join rejected",
			setup:  func(m *testutil.FakeMessaging) { m.SubscribeErr = errors.New("no such channel") },
			status: domain.RTMStatus{Login: domain.FlagSuccess, Channel: domain.FlagFailed, Messaging: domain.FlagFailed},
			extra:  "Channel join failed: no such channel",
		},
		{
			name:   "client cannot be created",
			setup:  func(m *testutil.FakeMessaging) { m.NewClientErr = errors.New("sdk missing") },
			status: domain.RTMStatus{Login: domain.FlagFailed, Channel: domain.FlagFailed, Messaging: domain.FlagFailed},
			extra:  "RTM test failed: sdk missing",
		},
		{
			name:   "every publish fails",
			setup:  func(m *testutil.FakeMessaging) { m.PublishErr = errors.New("rate limited") },
			status: domain.RTMStatus{Login: domain.FlagSuccess, Channel: domain.FlagSuccess, Messaging: domain.FlagFailed},
			extra:  "No RTM messages were sent during test",
		},
		{
			name:   "too many echoes lost",
			setup:  func(m *testutil.FakeMessaging) { m.DropEvery = 2 },
			status: domain.RTMStatus{Login: domain.FlagSuccess, Channel: domain.FlagSuccess, Messaging: domain.FlagFailed},
			extra:  "RTM messaging has issues</br>Success Rate: 60% (below 70% threshold)</br>Messages Sent: 5</br>Messages Received: 3",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.messaging.Set(tc.setup)
			h.toConnectivity()
			h.runUntil(domain.StageReport, 45*time.Second)

			snap := h.snapshot()
			rec := stageOf(t, snap, domain.StageMessaging)
			assert.True(t, rec.Complete)
			assert.Equal(t, tc.ok, rec.NotError)
			assert.Equal(t, tc.extra, rec.Extra)
			assert.Equal(t, tc.status, snap.RTMStatus)
			assert.False(t, snap.Testing)
		})
	}
}

func TestSequencer_RestartDiscardsStaleResults(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	h.devices.Set(func(d *testutil.FakeDevices) {
		d.AcquireAudioHook = func(ctx context.Context) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(entered)
				<-release
			}
		}
	})

	h.start()
	for i := 0; i < 29; i++ {
		h.clock.Advance(tick)
		h.settle()
	}
	h.clock.Advance(tick)
	<-entered
	h.settleTo(1)
	firstRun := h.snapshot().RunID

	require.NoError(t, h.seq.Start(context.Background()))
	h.settleTo(1)
	secondRun := h.snapshot().RunID
	assert.NotEqual(t, firstRun, secondRun)

	for i := 0; i < 31; i++ {
		h.clock.Advance(tick)
		h.settleTo(1)
	}
	close(release)
	h.settle()

	snap := h.snapshot()
	assert.Equal(t, secondRun, snap.RunID)
	assert.Equal(t, domain.StageMicrophone, snap.CurrentStage)
	assert.Equal(t, 1, h.devices.Live(), "stale audio handle was not released")

	h.runUntil(domain.StageSpeaker, 10*time.Second)
	assert.Equal(t, 0, h.devices.Live())
	assert.Equal(t, []domain.StageID{
		domain.StageCompatibility,
		domain.StageMicrophone,
		domain.StageCompatibility,
		domain.StageMicrophone,
		domain.StageSpeaker,
	}, h.observer.stages())
}

func TestSequencer_ResetIsIdempotent(t *testing.T) {
	h := newHarness(t)
	initial := h.snapshot()

	h.toConnectivity()
	h.advance(2 * time.Second)
	require.NotZero(t, h.clock.Pending())

	require.NoError(t, h.seq.Reset(context.Background()))
	h.settle()
	first := h.snapshot()
	require.NoError(t, h.seq.Reset(context.Background()))
	h.settle()
	second := h.snapshot()

	assert.Equal(t, first, second)
	assert.Equal(t, initial, first)
	assert.Zero(t, h.clock.Pending(), "timers survived reset")
	assert.Equal(t, 0, h.devices.Live())

	h.advance(5 * time.Second)
	assert.Equal(t, first, h.snapshot(), "stale callbacks mutated state after reset")
}

func TestSequencer_RestartDuringConnectivity(t *testing.T) {
	h := newHarness(t)

	h.toConnectivity()
	h.advance(3 * time.Second)
	require.NotZero(t, h.snapshot().Series.Len())

	h.start()
	snap := h.snapshot()
	assert.Equal(t, domain.StageCompatibility, snap.CurrentStage)
	assert.Zero(t, snap.Series.Len())
	assert.Equal(t, 1, h.clock.Pending(), "stats ticker survived restart")
	assert.Equal(t, 1, h.transport.Closes())

	h.advance(2 * time.Second)
	assert.Zero(t, h.snapshot().Series.Len(), "stale samples appended after restart")
}

func TestSequencer_JumpToStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.seq.JumpToStage(ctx, domain.StageCompatibility), domain.ErrInvalidTransition)

	h.start()
	h.runUntil(domain.StageSpeaker, 15*time.Second)

	require.NoError(t, h.seq.JumpToStage(ctx, domain.StageCompatibility))
	snap := h.snapshot()
	assert.Equal(t, domain.StageCompatibility, snap.ViewStage)
	assert.Equal(t, domain.StageSpeaker, snap.CurrentStage, "reviewing must not re-run a stage")

	assert.ErrorIs(t, h.seq.JumpToStage(ctx, domain.StageResolution), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.seq.JumpToStage(ctx, domain.StageMessaging), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.seq.JumpToStage(ctx, domain.StageReport), domain.ErrInvalidTransition)

	require.NoError(t, h.seq.JumpToStage(ctx, domain.StageSpeaker))
	assert.Equal(t, domain.StageSpeaker, h.snapshot().ViewStage)

	require.NoError(t, h.seq.ResolveSpeaker(ctx))
	h.settle()
	assert.Equal(t, domain.StageResolution, h.snapshot().CurrentStage)
	require.NoError(t, h.seq.JumpToStage(ctx, domain.StageResolution))
	assert.Equal(t, domain.StageResolution, h.snapshot().ViewStage)
}

func TestSequencer_SubscribeDeliversChanges(t *testing.T) {
	h := newHarness(t)
	feed, cancel := h.seq.Subscribe()
	defer cancel()

	select {
	case snap := <-feed:
		assert.Equal(t, domain.StageIdle, snap.CurrentStage)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	h.start()
	deadline := time.After(time.Second)
	for {
		select {
		case snap := <-feed:
			if snap.Testing {
				assert.Equal(t, domain.StageCompatibility, snap.CurrentStage)
				return
			}
		case <-deadline:
			t.Fatal("no snapshot after start")
		}
	}
}

func TestSequencer_Close(t *testing.T) {
	h := newHarness(t)
	feed, _ := h.seq.Subscribe()
	h.start()
	h.advance(4 * time.Second)

	require.NoError(t, h.seq.Close())
	assert.Equal(t, 0, h.devices.Live())
	assert.ErrorIs(t, h.seq.Start(context.Background()), domain.ErrClosed)

	for range feed {
	}
}
