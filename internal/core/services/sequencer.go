package services

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StageTimings holds every delay and window used by a run.
type StageTimings struct {
	CompatibilitySettle time.Duration
	MicrophoneCadence   time.Duration
	MicrophoneWindow    time.Duration
	MicrophoneAdvance   time.Duration
	ResolutionSettle    time.Duration
	ResolutionAdvance   time.Duration
	StatsInterval       time.Duration
	ConnectivityWindow  time.Duration
	ConnectivitySettle  time.Duration
	ProbeInterval       time.Duration
	MessagingWindow     time.Duration
	FinalizeDelay       time.Duration
	ChartTeardown       time.Duration
	TeardownTimeout     time.Duration
}

func DefaultTimings() StageTimings {
	return StageTimings{
		CompatibilitySettle: 3 * time.Second,
		MicrophoneCadence:   100 * time.Millisecond,
		MicrophoneWindow:    7 * time.Second,
		MicrophoneAdvance:   1200 * time.Millisecond,
		ResolutionSettle:    time.Second,
		ResolutionAdvance:   1500 * time.Millisecond,
		StatsInterval:       time.Second,
		ConnectivityWindow:  24 * time.Second,
		ConnectivitySettle:  1500 * time.Millisecond,
		ProbeInterval:       2 * time.Second,
		MessagingWindow:     12 * time.Second,
		FinalizeDelay:       2 * time.Second,
		ChartTeardown:       1500 * time.Millisecond,
		TeardownTimeout:     5 * time.Second,
	}
}

// SessionIdentity carries the identities and credentials a run connects with.
type SessionIdentity struct {
	AppID           string
	Channel         string
	SenderID        string
	ReceiverID      string
	SenderToken     string
	ReceiverToken   string
	MessagingUserID string
	MessagingToken  string
}

// Problems lists missing credentials. A run still starts with problems;
// the affected stages fail on their own.
func (id SessionIdentity) Problems() []string {
	var problems []string
	if id.AppID == "" {
		problems = append(problems, "APP_ID is required")
	}
	if id.SenderToken == "" {
		problems = append(problems, "SKEY is required")
	}
	if id.ReceiverToken == "" {
		problems = append(problems, "RKEY is required")
	}
	return problems
}

type SequencerConfig struct {
	Timings    StageTimings
	Thresholds Thresholds
	Session    SessionIdentity
	Proxy      domain.ProxySettings
}

func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{
		Timings:    DefaultTimings(),
		Thresholds: DefaultThresholds(),
		Session: SessionIdentity{
			Channel:         "testChannel",
			SenderID:        "1234561",
			ReceiverID:      "1234562",
			MessagingUserID: "testuser2",
		},
		Proxy: domain.ProxySettings{Mode: domain.ProxyModeDefault},
	}
}

// Dependencies are the capability providers a sequencer drives.
type Dependencies struct {
	Capabilities ports.CapabilityChecker
	Devices      ports.DeviceProbe
	Speaker      ports.SpeakerSample
	Transport    ports.TransportManager
	Messaging    ports.MessagingProvider
	Clock        ports.Clock
	Observer     ports.RunObserver
}

// Sequencer drives the six diagnostic stages. Every state mutation runs
// on a single loop goroutine; provider calls run on helper goroutines and
// post their results back to the loop. Results belonging to a run that
// has since been torn down are discarded.
type Sequencer struct {
	cfg      SequencerConfig
	deps     Dependencies
	logger   *zap.SugaredLogger
	observer ports.RunObserver

	events  chan func()
	done    chan struct{}
	stopped chan struct{}
	pending atomic.Int64

	closeOnce sync.Once

	// owned by the loop goroutine
	state       domain.Snapshot
	published   domain.Snapshot
	run         *runScope
	runSeq      uint64
	subscribers map[chan domain.Snapshot]struct{}
}

var _ ports.DiagnosticsController = (*Sequencer)(nil)

func NewSequencer(cfg SequencerConfig, deps Dependencies, logger *zap.SugaredLogger) *Sequencer {
	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	s := &Sequencer{
		cfg:         cfg,
		deps:        deps,
		logger:      logger,
		observer:    observer,
		events:      make(chan func(), 256),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		subscribers: make(map[chan domain.Snapshot]struct{}),
	}
	s.resetState(cfg.Proxy)
	s.published = s.state.Clone()
	go s.loop()
	return s
}

// runScope holds everything that belongs to one run. It is only touched
// on the loop goroutine.
type runScope struct {
	seq    uint64
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.SugaredLogger
	timers map[*stageTimer]struct{}
	closed bool

	span         trace.Span
	stageSpan    trace.Span
	stageStarted time.Time

	audio          ports.Handle
	video          ports.Handle
	volumes        []int
	sampling       bool
	volumeInFlight bool
	micTicker      *stageTimer

	transportOpen        bool
	connectivityActive   bool
	statsInFlight        bool
	statsTicker          *stageTimer
	connectivityDeadline *stageTimer

	messaging         ports.MessagingClient
	channel           string
	tracker           *ProbeTracker
	probeTicker       *stageTimer
	messagingDeadline *stageTimer
	finalized         bool
}

type stageTimer struct {
	timer   ports.Timer
	stopped bool
}

func (s *Sequencer) loop() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.events:
			fn()
			s.pending.Add(-1)
			s.publish()
		case <-s.done:
			return
		}
	}
}

// enqueue hands fn to the loop. It reports false once the sequencer is closed.
func (s *Sequencer) enqueue(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.pending.Add(1)
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		s.pending.Add(-1)
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (s *Sequencer) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !s.enqueue(func() { result <- fn() }) {
		return domain.ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.stopped:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post runs fn on the loop only if run is still the current run.
func (s *Sequencer) post(run *runScope, fn func()) {
	s.enqueue(func() {
		if s.run != run || run.closed {
			return
		}
		fn()
	})
}

// async runs work on a helper goroutine. Its apply callback runs on the
// loop when run is still current; otherwise discard runs so acquired
// resources can be released.
func (s *Sequencer) async(run *runScope, work func(ctx context.Context) (apply, discard func())) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Add(-1)
		apply, discard := work(run.ctx)
		ok := s.enqueue(func() {
			if s.run != run || run.closed {
				if discard != nil {
					discard()
				}
				return
			}
			if apply != nil {
				apply()
			}
		})
		if !ok && discard != nil {
			discard()
		}
	}()
}

// background runs best effort teardown work detached from any run.
func (s *Sequencer) background(fn func(ctx context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Add(-1)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timings.TeardownTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Sequencer) after(run *runScope, d time.Duration, fn func()) *stageTimer {
	t := &stageTimer{}
	run.timers[t] = struct{}{}
	t.timer = s.deps.Clock.AfterFunc(d, func() {
		s.post(run, func() {
			if t.stopped {
				return
			}
			t.stopped = true
			delete(run.timers, t)
			fn()
		})
	})
	return t
}

// every fires fn at a fixed cadence until stopped.
func (s *Sequencer) every(run *runScope, d time.Duration, fn func()) *stageTimer {
	t := &stageTimer{}
	run.timers[t] = struct{}{}
	var arm func()
	arm = func() {
		t.timer = s.deps.Clock.AfterFunc(d, func() {
			s.post(run, func() {
				if t.stopped {
					return
				}
				arm()
				fn()
			})
		})
	}
	arm()
	return t
}

func (s *Sequencer) stop(run *runScope, t *stageTimer) {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.timer.Stop()
	delete(run.timers, t)
}

func (s *Sequencer) publish() {
	if len(s.subscribers) == 0 || reflect.DeepEqual(s.state, s.published) {
		return
	}
	s.published = s.state.Clone()
	for ch := range s.subscribers {
		deliver(ch, s.published.Clone())
	}
}

// deliver keeps only the newest snapshot in a subscriber's buffer.
func deliver(ch chan domain.Snapshot, snap domain.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func (s *Sequencer) resetState(proxy domain.ProxySettings) {
	s.state = domain.Snapshot{
		CurrentStage: domain.StageIdle,
		ViewStage:    domain.StageIdle,
		Stages:       domain.InitialStages(),
		Profiles:     domain.DefaultProfiles(),
		Series: domain.SampleSeries{
			Bitrate:    []domain.BitrateRow{},
			PacketLoss: []domain.PacketLossRow{},
		},
		RTMStatus:  domain.PendingRTMStatus(),
		RTMMetrics: domain.RTMMetrics{Latencies: []int{}},
		Proxy:      proxy,
	}
}

func (s *Sequencer) newRun() *runScope {
	s.runSeq++
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := tracing.TraceRun(ctx, id)
	return &runScope{
		seq:    s.runSeq,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		log:    s.logger.With("run_id", id, "run_seq", s.runSeq),
		timers: make(map[*stageTimer]struct{}),
		span:   span,
	}
}

// teardown cancels the current run: timers stop before anything else so
// no stale callback can fire, then every acquired resource is released.
func (s *Sequencer) teardown() {
	run := s.run
	if run == nil {
		return
	}
	s.run = nil
	run.closed = true
	for t := range run.timers {
		t.stopped = true
		t.timer.Stop()
	}
	run.timers = map[*stageTimer]struct{}{}
	run.cancel()

	if s.state.CurrentStage == domain.StageSpeaker {
		s.deps.Speaker.Stop()
	}
	s.deps.Devices.Release(run.audio)
	s.deps.Devices.Release(run.video)
	run.audio, run.video = nil, nil

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timings.TeardownTimeout)
	defer cancel()
	if run.messaging != nil {
		if err := run.messaging.Logout(ctx); err != nil {
			run.log.Debugw("messaging logout failed during teardown", "error", err)
		}
		run.messaging = nil
	}
	if run.transportOpen {
		s.deps.Transport.OnEvent(nil)
		if err := s.deps.Transport.CloseAll(ctx); err != nil {
			run.log.Debugw("transport close failed during teardown", "error", err)
		}
		run.transportOpen = false
	}

	if run.stageSpan != nil {
		run.stageSpan.SetStatus(codes.Error, "run cancelled")
		run.stageSpan.End()
		run.stageSpan = nil
	}
	run.span.End()
	run.log.Debugw("run torn down")
}

func (s *Sequencer) record(id domain.StageID) *domain.StageRecord {
	for i := range s.state.Stages {
		if s.state.Stages[i].ID == id {
			return &s.state.Stages[i]
		}
	}
	return nil
}

func (s *Sequencer) enterStage(run *runScope, id domain.StageID) {
	s.state.CurrentStage = id
	s.state.ViewStage = id
	if rec := s.record(id); rec != nil {
		rec.NotError = true
		rec.Extra = ""
		rec.Complete = false
	}
	run.stageStarted = s.deps.Clock.Now()
	_, run.stageSpan = tracing.TraceStage(run.ctx, string(id), id.Label())
	s.observer.StageEntered(run.id, id)
	run.log.Debugw("stage entered", "stage", id.Label())
}

// annotate records a verdict without completing the stage.
func (s *Sequencer) annotate(id domain.StageID, v domain.Verdict) {
	if rec := s.record(id); rec != nil {
		rec.NotError = v.NotError
		rec.Extra = v.Extra
	}
}

func (s *Sequencer) complete(run *runScope, id domain.StageID, v domain.Verdict) {
	rec := s.record(id)
	if rec == nil {
		return
	}
	rec.NotError = v.NotError
	rec.Extra = v.Extra
	rec.Complete = true

	elapsed := s.deps.Clock.Now().Sub(run.stageStarted)
	if run.stageSpan != nil {
		run.stageSpan.SetAttributes(attribute.Bool("stage.not_error", v.NotError))
		if !v.NotError {
			run.stageSpan.SetStatus(codes.Error, v.Extra)
		}
		run.stageSpan.End()
		run.stageSpan = nil
	}
	s.observer.StageCompleted(run.id, *rec, elapsed)
	run.log.Infow("stage completed",
		"stage", id.Label(),
		"not_error", v.NotError,
		"elapsed", elapsed,
	)
}

// advance moves to the stage immediately after the current one. Any other
// target is refused so stages can never be skipped or repeated.
func (s *Sequencer) advance(run *runScope, next domain.StageID) {
	want, ok := s.state.CurrentStage.Next()
	if !ok || want != next {
		run.log.Errorw("refusing out of order stage transition",
			"from", s.state.CurrentStage,
			"to", next,
		)
		return
	}
	switch next {
	case domain.StageCompatibility:
		s.runCompatibility(run)
	case domain.StageMicrophone:
		s.runMicrophone(run)
	case domain.StageSpeaker:
		s.runSpeaker(run)
	case domain.StageResolution:
		s.runResolution(run)
	case domain.StageConnectivity:
		s.runConnectivity(run)
	case domain.StageMessaging:
		s.runMessaging(run)
	case domain.StageReport:
		s.finishRun(run)
	}
}

func (s *Sequencer) finishRun(run *runScope) {
	s.state.CurrentStage = domain.StageReport
	s.state.ViewStage = domain.StageReport
	s.state.Testing = false
	s.state.FinishedAt = s.deps.Clock.Now()

	report := domain.NewReport(s.state)
	run.span.SetAttributes(attribute.Bool("run.passed", report.Passed))
	run.span.End()
	s.observer.RunFinished(report)
	run.log.Infow("diagnostics run finished",
		"passed", report.Passed,
		"failed_stages", len(report.Failed()),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
}

// Start tears down any current run and begins a fresh one. Proxy settings
// survive the restart; everything else returns to its initial value.
func (s *Sequencer) Start(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.teardown()
		s.resetState(s.state.Proxy)

		run := s.newRun()
		s.run = run
		s.state.RunID = run.id
		s.state.Testing = true
		s.state.StartedAt = s.deps.Clock.Now()

		for _, p := range s.cfg.Session.Problems() {
			run.log.Warnw("session configuration incomplete", "problem", p)
		}
		run.log.Infow("diagnostics run started",
			"channel", s.cfg.Session.Channel,
			"proxy_enabled", s.state.Proxy.Enabled,
			"proxy_mode", s.state.Proxy.Mode,
		)
		s.observer.RunStarted(run.id)
		s.advance(run, domain.StageCompatibility)
		return nil
	})
}

// Reset tears down any current run and restores the initial snapshot.
func (s *Sequencer) Reset(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.teardown()
		s.resetState(s.cfg.Proxy)
		return nil
	})
}

func (s *Sequencer) ResolveSpeaker(ctx context.Context) error {
	return s.decideSpeaker(ctx, true)
}

func (s *Sequencer) RejectSpeaker(ctx context.Context) error {
	return s.decideSpeaker(ctx, false)
}

func (s *Sequencer) decideSpeaker(ctx context.Context, heard bool) error {
	return s.do(ctx, func() error {
		run := s.run
		rec := s.record(domain.StageSpeaker)
		if run == nil || !s.state.Testing || s.state.CurrentStage != domain.StageSpeaker || rec.Complete {
			return fmt.Errorf("%w: no speaker decision pending", domain.ErrInvalidTransition)
		}
		s.deps.Speaker.Stop()
		v := EvaluateSpeaker(heard)
		if !v.NotError {
			run.log.Warnw("speaker reported not working", "code", domain.CodeSpeaker)
		}
		s.complete(run, domain.StageSpeaker, v)
		s.advance(run, domain.StageResolution)
		return nil
	})
}

// JumpToStage selects which stage a renderer shows. Only the current
// stage or a completed earlier stage may be selected. Selecting never
// re-runs a stage. A speaker decision advances on its own, so there is no
// forward jump out of the speaker stage.
func (s *Sequencer) JumpToStage(ctx context.Context, id domain.StageID) error {
	return s.do(ctx, func() error {
		cur := s.state.CurrentStage
		switch {
		case id == cur:
		case id.IsDiagnostic() && id.Ordinal() < cur.Ordinal() && s.record(id).Complete:
		default:
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cur, id)
		}
		s.state.ViewStage = id
		return nil
	})
}

func (s *Sequencer) SetProxy(ctx context.Context, settings domain.ProxySettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.do(ctx, func() error {
		if s.state.Testing {
			return domain.ErrRunInProgress
		}
		s.state.Proxy = settings
		return nil
	})
}

func (s *Sequencer) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.do(ctx, func() error {
		snap = s.state.Clone()
		return nil
	})
	return snap, err
}

// Subscribe returns a feed that always holds the newest snapshot. The
// current snapshot is delivered immediately. Call cancel to stop.
func (s *Sequencer) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)
	ok := s.enqueue(func() {
		s.subscribers[ch] = struct{}{}
		ch <- s.state.Clone()
	})
	if !ok {
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.enqueue(func() {
				if _, ok := s.subscribers[ch]; ok {
					delete(s.subscribers, ch)
					close(ch)
				}
			})
		})
	}
	return ch, cancel
}

// Close tears down the current run and stops the loop. Subscriber feeds
// are closed.
func (s *Sequencer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.do(context.Background(), func() error {
			s.teardown()
			for ch := range s.subscribers {
				delete(s.subscribers, ch)
				close(ch)
			}
			return nil
		})
		close(s.done)
		<-s.stopped
	})
	return err
}
