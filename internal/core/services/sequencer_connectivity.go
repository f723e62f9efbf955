package services

import (
	"context"
	"math"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
)

func (s *Sequencer) runConnectivity(run *runScope) {
	s.enterStage(run, domain.StageConnectivity)
	s.state.Series = domain.SampleSeries{
		Bitrate:    []domain.BitrateRow{},
		PacketLoss: []domain.PacketLossRow{},
	}

	id := s.cfg.Session
	receiver := ports.TransportConfig{
		AppID:       id.AppID,
		Channel:     id.Channel,
		Participant: id.ReceiverID,
		Token:       id.ReceiverToken,
		Proxy:       s.state.Proxy,
	}
	sender := receiver
	sender.Participant = id.SenderID
	sender.Token = id.SenderToken

	s.deps.Transport.OnEvent(func(ev ports.TransportEvent) {
		s.post(run, func() { s.handleTransportEvent(run, ev) })
	})
	run.transportOpen = true

	s.async(run, func(ctx context.Context) (func(), func()) {
		err := s.deps.Transport.OpenReceiver(ctx, receiver)
		if err == nil {
			err = s.deps.Transport.OpenSender(ctx, sender)
		}
		return func() {
			if err != nil {
				run.log.Warnw("transport session failed", "error", err, "code", domain.CodeNetwork)
				s.closeTransport(run)
				s.complete(run, domain.StageConnectivity, TransportFailure(err))
				s.after(run, s.cfg.Timings.ConnectivitySettle, func() {
					s.advance(run, domain.StageMessaging)
				})
				return
			}
			s.state.RenderChart = true
			run.connectivityActive = true
			run.statsTicker = s.every(run, s.cfg.Timings.StatsInterval, func() {
				s.sampleTransport(run)
			})
			run.connectivityDeadline = s.after(run, s.cfg.Timings.ConnectivityWindow, func() {
				s.endConnectivity(run)
			})
		}, nil
	})
}

// sampleTransport skips a tick while the previous sample is in flight.
func (s *Sequencer) sampleTransport(run *runScope) {
	if run.statsInFlight || !run.connectivityActive {
		return
	}
	run.statsInFlight = true
	s.async(run, func(ctx context.Context) (func(), func()) {
		stats, err := s.deps.Transport.SampleStats(ctx)
		return func() {
			run.statsInFlight = false
			if !run.connectivityActive {
				return
			}
			if err != nil {
				run.log.Warnw("failed to sample transport stats", "error", err)
				return
			}
			s.state.Series.Append(
				domain.MetricOf(toKbps(stats.VideoBitrate)),
				domain.MetricOf(toKbps(stats.AudioBitrate)),
				domain.MetricOf(stats.VideoPacketLoss),
				domain.MetricOf(stats.AudioPacketLoss),
			)
			s.observer.TransportSampled(stats)
		}, nil
	})
}

// toKbps converts bits per second to kbps with two decimals.
func toKbps(bps float64) float64 {
	return math.Round(bps/1000*100) / 100
}

func (s *Sequencer) endConnectivity(run *runScope) {
	run.connectivityActive = false
	s.stop(run, run.statsTicker)
	s.after(run, s.cfg.Timings.ConnectivitySettle, func() {
		v := EvaluateConnectivity(s.state.Series, s.cfg.Thresholds)
		if !v.NotError {
			run.log.Warnw("connectivity check failed", "samples", s.state.Series.Len(), "code", domain.CodeNetwork)
		}
		s.closeTransport(run)
		s.complete(run, domain.StageConnectivity, v)
		s.advance(run, domain.StageMessaging)
	})
}

func (s *Sequencer) handleTransportEvent(run *runScope, ev ports.TransportEvent) {
	if s.state.CurrentStage != domain.StageConnectivity || !run.connectivityActive {
		return
	}
	var left bool
	switch ev.Type {
	case ports.EventParticipantLeft:
		left = true
	case ports.EventConnectionStateChanged:
		switch ev.State {
		case ports.StateDisconnecting, ports.StateDisconnected, ports.StateFailed:
		default:
			return
		}
	default:
		return
	}

	run.connectivityActive = false
	s.stop(run, run.statsTicker)
	s.stop(run, run.connectivityDeadline)
	run.log.Warnw("connection lost during connectivity check",
		"event", ev.Type,
		"state", ev.State,
		"participant", ev.Participant,
		"error", domain.ErrDisconnect,
	)
	s.closeTransport(run)
	s.complete(run, domain.StageConnectivity, DisconnectVerdict(left))
	s.after(run, s.cfg.Timings.ConnectivitySettle, func() {
		s.advance(run, domain.StageMessaging)
	})
}

func (s *Sequencer) closeTransport(run *runScope) {
	if !run.transportOpen {
		return
	}
	run.transportOpen = false
	s.deps.Transport.OnEvent(nil)
	log := run.log
	s.background(func(ctx context.Context) {
		if err := s.deps.Transport.CloseAll(ctx); err != nil {
			log.Debugw("transport close failed", "error", err)
		}
	})
}
