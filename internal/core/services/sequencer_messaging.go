package services

import (
	"context"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
)

func (s *Sequencer) runMessaging(run *runScope) {
	s.enterStage(run, domain.StageMessaging)
	s.state.RTMStatus = domain.PendingRTMStatus()
	run.tracker = NewProbeTracker(s.deps.Clock.Now)
	s.state.RTMMetrics = run.tracker.Metrics()

	client, err := s.deps.Messaging.NewClient(s.cfg.Session.AppID)
	if err != nil {
		run.log.Warnw("messaging client unavailable", "error", err)
		s.state.RTMStatus = domain.RTMStatus{
			Login:     domain.FlagFailed,
			Channel:   domain.FlagFailed,
			Messaging: domain.FlagFailed,
		}
		s.annotate(domain.StageMessaging, MessagingSetupFailure(err))
		s.finalizeMessaging(run)
		return
	}
	run.messaging = client
	run.channel = MessagingChannel(s.cfg.Session.Channel)

	client.OnMessage(func(m ports.InboundMessage) {
		s.post(run, func() { s.handleInbound(run, m) })
	})

	user, token := s.cfg.Session.MessagingUserID, s.cfg.Session.MessagingToken
	s.async(run, func(ctx context.Context) (func(), func()) {
		err := client.Login(ctx, user, token)
		return func() {
			if err != nil {
				run.log.Warnw("messaging login failed", "error", err, "code", domain.CodeMessagingLogin)
				s.state.RTMStatus.Login = domain.FlagFailed
				s.annotate(domain.StageMessaging, LoginFailure(err))
				s.finalizeMessaging(run)
				return
			}
			s.state.RTMStatus.Login = domain.FlagSuccess
			s.joinChannel(run)
		}, nil
	})
}

func (s *Sequencer) joinChannel(run *runScope) {
	client, channel := run.messaging, run.channel
	s.async(run, func(ctx context.Context) (func(), func()) {
		err := client.Subscribe(ctx, channel)
		return func() {
			if err != nil {
				run.log.Warnw("messaging channel join failed",
					"channel", channel,
					"error", err,
					"code", domain.CodeMessagingChannel,
				)
				s.state.RTMStatus.Channel = domain.FlagFailed
				s.state.RTMStatus.Messaging = domain.FlagFailed
				s.annotate(domain.StageMessaging, ChannelFailure(err))
				s.finalizeMessaging(run)
				return
			}
			s.state.RTMStatus.Channel = domain.FlagSuccess
			run.probeTicker = s.every(run, s.cfg.Timings.ProbeInterval, func() {
				s.emitProbe(run)
			})
			run.messagingDeadline = s.after(run, s.cfg.Timings.MessagingWindow, func() {
				s.finalizeMessaging(run)
			})
		}, nil
	})
}

func (s *Sequencer) emitProbe(run *runScope) {
	if run.finalized {
		return
	}
	probe := run.tracker.Next()
	client, channel := run.messaging, run.channel
	s.async(run, func(ctx context.Context) (func(), func()) {
		err := client.Publish(ctx, channel, ProbePayload(probe))
		return func() {
			if err != nil {
				run.log.Warnw("probe publish failed",
					"probe", probe.ID,
					"error", err,
					"code", domain.CodeMessagingPublish,
				)
				return
			}
			if run.finalized {
				return
			}
			run.tracker.MarkSent()
			s.state.RTMMetrics = run.tracker.Metrics()
		}, nil
	})
}

func (s *Sequencer) handleInbound(run *runScope, m ports.InboundMessage) {
	if run.finalized || m.Channel != run.channel {
		return
	}
	probe, ok := run.tracker.Match(m.Payload)
	if !ok {
		return
	}
	s.state.RTMMetrics = run.tracker.Metrics()
	s.observer.ProbeMatched(probe.Latency)
}

// finalizeMessaging records the messaging verdict and schedules the
// report. It runs once per run, whichever failure or deadline gets there
// first.
func (s *Sequencer) finalizeMessaging(run *runScope) {
	if run.finalized {
		return
	}
	run.finalized = true
	s.stop(run, run.probeTicker)
	s.stop(run, run.messagingDeadline)

	status := s.state.RTMStatus
	prior := s.record(domain.StageMessaging).Extra
	v := EvaluateMessaging(status, s.state.RTMMetrics, prior, s.cfg.Thresholds)
	if status.Login == domain.FlagSuccess && status.Channel == domain.FlagSuccess {
		if v.NotError {
			s.state.RTMStatus.Messaging = domain.FlagSuccess
		} else {
			s.state.RTMStatus.Messaging = domain.FlagFailed
		}
	}
	s.complete(run, domain.StageMessaging, v)

	if client := run.messaging; client != nil {
		run.messaging = nil
		log := run.log
		s.background(func(ctx context.Context) {
			if err := client.Logout(ctx); err != nil {
				log.Debugw("messaging logout failed", "error", err)
			}
		})
	}

	s.after(run, s.cfg.Timings.FinalizeDelay, func() {
		s.advance(run, domain.StageReport)
		s.after(run, s.cfg.Timings.ChartTeardown, func() {
			s.state.RenderChart = false
		})
	})
}
