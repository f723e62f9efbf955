package webrtc

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rtpMTU = 1200

// syntheticSource writes random payload frames onto a local track at a
// fixed bitrate.
type syntheticSource struct {
	track      *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer
	interval   time.Duration
	samples    uint32
	frame      []byte
	keyframe   atomic.Bool
	nacks      atomic.Int64
}

func newAudioSource(participant string, bitrate int) (*syntheticSource, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		participant,
	)
	if err != nil {
		return nil, err
	}
	// 20ms Opus frames
	return newSource(track, &codecs.OpusPayloader{}, 48000, 20*time.Millisecond, bitrate), nil
}

func newVideoSource(participant string, bitrate int) (*syntheticSource, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video",
		participant,
	)
	if err != nil {
		return nil, err
	}
	// 30 fps
	return newSource(track, &codecs.VP8Payloader{EnablePictureID: true}, 90000, time.Second/30, bitrate), nil
}

func newSource(track *webrtc.TrackLocalStaticRTP, payloader rtp.Payloader, clockRate uint32, interval time.Duration, bitrate int) *syntheticSource {
	frameBytes := int(float64(bitrate) / 8 * interval.Seconds())
	frame := make([]byte, max(frameBytes, 1)*3)
	rand.Read(frame)
	return &syntheticSource{
		track:      track,
		packetizer: rtp.NewPacketizer(rtpMTU, 0, 0, payloader, rtp.NewRandomSequencer(), clockRate),
		interval:   interval,
		samples:    uint32(float64(clockRate) * interval.Seconds()),
		frame:      frame,
	}
}

// frameSize is one frame's share of the bitrate; a requested keyframe is
// three times larger.
func (s *syntheticSource) frameSize() int {
	n := len(s.frame) / 3
	if s.keyframe.CompareAndSwap(true, false) {
		n = len(s.frame)
	}
	return n
}

func (s *syntheticSource) run(ctx context.Context, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, packet := range s.packetizer.Packetize(s.frame[:s.frameSize()], s.samples) {
			if err := s.track.WriteRTP(packet); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				logger.Debugw("failed to write synthetic RTP",
					"track_id", s.track.ID(),
					"error", err,
				)
			}
		}
	}
}

// readRTCP drains the sender's RTCP so interceptors keep working, and
// answers picture loss with a keyframe.
func (s *syntheticSource) readRTCP(sender *webrtc.RTPSender, logger *zap.SugaredLogger) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				s.keyframe.Store(true)
			case *rtcp.TransportLayerNack:
				s.nacks.Add(int64(len(p.Nacks)))
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					logger.Debugw("received receiver report",
						"track_id", s.track.ID(),
						"fraction_lost", float64(report.FractionLost)/256,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}
