package services

import (
	"context"

	"preflight/internal/core/domain"
)

func (s *Sequencer) runCompatibility(run *runScope) {
	s.enterStage(run, domain.StageCompatibility)
	s.after(run, s.cfg.Timings.CompatibilitySettle, func() {
		s.async(run, func(ctx context.Context) (func(), func()) {
			supported := s.deps.Capabilities.CheckSystemRequirements(ctx)
			return func() {
				if !supported {
					run.log.Warnw("system requirements not met", "code", domain.CodeBrowserUnsupported)
				}
				s.complete(run, domain.StageCompatibility, EvaluateCompatibility(supported))
				s.advance(run, domain.StageMicrophone)
			}, nil
		})
	})
}

func (s *Sequencer) runMicrophone(run *runScope) {
	s.enterStage(run, domain.StageMicrophone)
	s.state.InputVolume = 0
	s.async(run, func(ctx context.Context) (func(), func()) {
		h, err := s.deps.Devices.AcquireAudio(ctx)
		if err != nil {
			return func() {
				run.log.Warnw("microphone acquisition failed",
					"error", err,
					"code", domain.CodeMicrophoneAccess,
				)
				s.complete(run, domain.StageMicrophone, MicrophoneFailure(err))
				s.after(run, s.cfg.Timings.MicrophoneAdvance, func() {
					s.advance(run, domain.StageSpeaker)
				})
			}, nil
		}
		return func() {
			run.audio = h
			s.sampleMicrophone(run)
		}, func() { s.deps.Devices.Release(h) }
	})
}

func (s *Sequencer) sampleMicrophone(run *runScope) {
	run.volumes = run.volumes[:0]
	run.sampling = true
	run.micTicker = s.every(run, s.cfg.Timings.MicrophoneCadence, func() {
		if run.volumeInFlight {
			return
		}
		run.volumeInFlight = true
		h := run.audio
		s.async(run, func(ctx context.Context) (func(), func()) {
			level, err := s.deps.Devices.SampleVolume(ctx, h)
			return func() {
				run.volumeInFlight = false
				if !run.sampling {
					return
				}
				if err != nil {
					run.log.Debugw("volume sample failed", "error", err)
					return
				}
				level = min(max(level, 0), 100)
				run.volumes = append(run.volumes, level)
				s.state.InputVolume = level
			}, nil
		})
	})

	s.after(run, s.cfg.Timings.MicrophoneWindow, func() {
		run.sampling = false
		s.stop(run, run.micTicker)
		s.deps.Devices.Release(run.audio)
		run.audio = nil

		mean := MeanVolume(run.volumes)
		v := EvaluateMicrophone(mean, s.cfg.Thresholds)
		if !v.NotError {
			run.log.Warnw("microphone input too quiet",
				"mean_volume", mean,
				"samples", len(run.volumes),
				"code", domain.CodeMicrophoneVolume,
			)
		}
		s.complete(run, domain.StageMicrophone, v)
		s.after(run, s.cfg.Timings.MicrophoneAdvance, func() {
			s.advance(run, domain.StageSpeaker)
		})
	})
}

// runSpeaker starts the reference sample and waits for a user decision.
func (s *Sequencer) runSpeaker(run *runScope) {
	s.enterStage(run, domain.StageSpeaker)
	s.async(run, func(ctx context.Context) (func(), func()) {
		err := s.deps.Speaker.Play(ctx)
		return func() {
			if err != nil {
				run.log.Warnw("reference sample playback failed", "error", err)
			}
		}, nil
	})
}

func (s *Sequencer) runResolution(run *runScope) {
	s.enterStage(run, domain.StageResolution)
	for i := range s.state.Profiles {
		s.state.Profiles[i].Status = domain.ProfilePending
	}
	s.probeProfile(run, 0)
}

// probeProfile checks profiles one at a time; the next one starts only
// after the previous device has been released.
func (s *Sequencer) probeProfile(run *runScope, i int) {
	if i >= len(s.state.Profiles) {
		s.finishResolution(run)
		return
	}
	profile := s.state.Profiles[i]
	s.async(run, func(ctx context.Context) (func(), func()) {
		h, err := s.deps.Devices.AcquireVideo(ctx, profile)
		if err != nil {
			return func() {
				run.log.Debugw("video profile unavailable",
					"resolution", profile.Resolution,
					"error", err,
					"code", domain.CodeCameraAccess,
				)
				s.state.Profiles[i].Status = domain.ProfileReject
				s.probeProfile(run, i+1)
			}, nil
		}
		return func() {
			run.video = h
			s.after(run, s.cfg.Timings.ResolutionSettle, func() {
				s.measureProfile(run, i)
			})
		}, func() { s.deps.Devices.Release(h) }
	})
}

func (s *Sequencer) measureProfile(run *runScope, i int) {
	profile := s.state.Profiles[i]
	h := run.video
	s.async(run, func(ctx context.Context) (func(), func()) {
		size, err := s.deps.Devices.NegotiatedFrameArea(ctx, h)
		return func() {
			status := domain.ProfileReject
			switch {
			case err != nil:
				run.log.Debugw("no frame for video profile", "resolution", profile.Resolution, "error", err)
			case size.Area() != profile.Area():
				run.log.Debugw("video profile negotiated a different size",
					"resolution", profile.Resolution,
					"width", size.Width,
					"height", size.Height,
				)
			default:
				status = domain.ProfileResolve
			}
			s.state.Profiles[i].Status = status
			s.deps.Devices.Release(h)
			run.video = nil
			s.probeProfile(run, i+1)
		}, nil
	})
}

func (s *Sequencer) finishResolution(run *runScope) {
	v := EvaluateResolution(s.state.Profiles, s.cfg.Thresholds)
	if !v.NotError {
		run.log.Warnw("too few resolutions supported", "code", domain.CodeResolution)
	}
	s.complete(run, domain.StageResolution, v)
	s.after(run, s.cfg.Timings.ResolutionAdvance, func() {
		s.advance(run, domain.StageConnectivity)
	})
}
