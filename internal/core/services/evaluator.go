package services

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"preflight/internal/core/domain"
)

// QualityBand is the minimum bitrate pair, in kbps, for a quality level.
type QualityBand struct {
	MinVideoBitrate float64
	MinAudioBitrate float64
}

type Thresholds struct {
	MinimumVolume          float64
	MinimumSuccessRate     float64
	KeyResolutionsRequired int
	MessagingSuccessRate   int

	Fair      QualityBand
	Good      QualityBand
	Excellent QualityBand
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinimumVolume:          10,
		MinimumSuccessRate:     0.6,
		KeyResolutionsRequired: 2,
		MessagingSuccessRate:   70,
		Fair:                   QualityBand{MinVideoBitrate: 100, MinAudioBitrate: 10},
		Good:                   QualityBand{MinVideoBitrate: 500, MinAudioBitrate: 20},
		Excellent:              QualityBand{MinVideoBitrate: 1000, MinAudioBitrate: 25},
	}
}

type ConnectionQuality string

const (
	QualityPoor      ConnectionQuality = "Poor"
	QualityFair      ConnectionQuality = "Fair"
	QualityGood      ConnectionQuality = "Good"
	QualityExcellent ConnectionQuality = "Excellent"
)

const (
	extraCompatible       = "Fully supported"
	extraIncompatible     = "Some functions may be limited"
	extraMicrophoneLow    = "Can barely hear you. Please check your microphone."
	extraMicrophoneOK     = "Microphone works well!"
	extraMicrophoneFailed = "Microphone access failed: "
	extraSpeakerOK        = "Speaker works well"
	extraSpeakerFailed    = "Speaker not working properly"
	extraInsufficientData = "Poor connection: insufficient data"
	extraNoTransmission   = "<strong>Connection failed: No data transmission</strong>"
	extraUserLeft         = "User disconnected during test"
	extraConnectionLost   = "Unexpected connection lost"
	extraNoMessages       = "No RTM messages were sent during test"
	extraLoginOrJoin      = "RTM login or channel join failed"
)

// roundHalfUp rounds like JavaScript's Math.round.
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

func EvaluateCompatibility(supported bool) domain.Verdict {
	if supported {
		return domain.Verdict{NotError: true, Extra: extraCompatible}
	}
	return domain.Verdict{NotError: false, Extra: extraIncompatible}
}

// MeanVolume averages integer volume samples; no samples yields zero.
func MeanVolume(samples []int) float64 {
	if len(samples) == 0 {
		return 0
	}
	total := 0
	for _, s := range samples {
		total += s
	}
	return float64(total) / float64(len(samples))
}

func EvaluateMicrophone(meanVolume float64, th Thresholds) domain.Verdict {
	if meanVolume < th.MinimumVolume {
		return domain.Verdict{NotError: false, Extra: extraMicrophoneLow}
	}
	return domain.Verdict{NotError: true, Extra: extraMicrophoneOK}
}

func MicrophoneFailure(err error) domain.Verdict {
	return domain.Verdict{NotError: false, Extra: extraMicrophoneFailed + domain.ErrorReason(err)}
}

func EvaluateSpeaker(heard bool) domain.Verdict {
	if heard {
		return domain.Verdict{NotError: true, Extra: extraSpeakerOK}
	}
	return domain.Verdict{NotError: false, Extra: extraSpeakerFailed}
}

// EvaluateResolution passes when enough key resolutions were supported or
// the overall success rate reaches the minimum.
func EvaluateResolution(profiles []domain.VideoProfile, th Thresholds) domain.Verdict {
	supported, keys := 0, 0
	lines := make([]string, 0, len(profiles))
	for _, p := range profiles {
		text := "Not Supported"
		if p.Status == domain.ProfileResolve {
			text = "Supported"
			supported++
			if p.IsKey() {
				keys++
			}
		}
		lines = append(lines, p.Dimensions()+" "+text)
	}

	total := len(profiles)
	rate := 0.0
	if total > 0 {
		rate = float64(supported) / float64(total)
	}
	pct := roundHalfUp(rate * 100)

	ok := keys >= th.KeyResolutionsRequired || rate >= th.MinimumSuccessRate
	summary := fmt.Sprintf("Too few resolutions supported: %d/%d (%d%%)", supported, total, pct)
	if ok {
		summary = fmt.Sprintf("Summary: %d/%d resolutions supported (%d%%)", supported, total, pct)
	}
	return domain.Verdict{
		NotError: ok,
		Extra:    strings.Join(lines, "<br/>") + "<br/><br/><strong>" + summary + "</strong>",
	}
}

// ClassifyQuality maps the last bitrate pair, in kbps, onto a quality band.
func ClassifyQuality(videoKbps, audioKbps float64, th Thresholds) ConnectionQuality {
	switch {
	case videoKbps < th.Fair.MinVideoBitrate || audioKbps < th.Fair.MinAudioBitrate:
		return QualityPoor
	case videoKbps < th.Good.MinVideoBitrate || audioKbps < th.Good.MinAudioBitrate:
		return QualityFair
	case videoKbps > th.Excellent.MinVideoBitrate && audioKbps > th.Excellent.MinAudioBitrate:
		return QualityExcellent
	default:
		return QualityGood
	}
}

// EvaluateConnectivity looks only at the most recent sample. Fewer than
// two samples is treated as insufficient data.
func EvaluateConnectivity(series domain.SampleSeries, th Thresholds) domain.Verdict {
	if len(series.Bitrate) <= 1 || len(series.PacketLoss) <= 1 {
		return domain.Verdict{NotError: false, Extra: extraInsufficientData}
	}
	bitrate := series.Bitrate[len(series.Bitrate)-1]
	loss := series.PacketLoss[len(series.PacketLoss)-1]

	video, audio := bitrate.VideoBitrate, bitrate.AudioBitrate
	if !video.Valid || !audio.Valid || video.Value <= 0 || audio.Value <= 0 {
		return domain.Verdict{NotError: false, Extra: extraNoTransmission}
	}

	quality := ClassifyQuality(video.Value, audio.Value, th)
	extra := fmt.Sprintf(
		"Video Bitrate: %s kbps</br>Audio Bitrate: %s kbps</br>Video Packet Loss: %s %%</br>Audio Packet Loss: %s %%</br><strong>Connection Quality: %s</strong>",
		video, audio, lossPercent(loss.VideoPacketLoss), lossPercent(loss.AudioPacketLoss), quality,
	)
	return domain.Verdict{NotError: true, Extra: extra}
}

func lossPercent(m domain.Metric) string {
	if !m.Valid {
		return m.String()
	}
	return strconv.FormatFloat(m.Value*100, 'f', 2, 64)
}

// DisconnectVerdict is recorded when the connectivity stage loses its
// remote participant or its connection.
func DisconnectVerdict(participantLeft bool) domain.Verdict {
	if participantLeft {
		return domain.Verdict{NotError: false, Extra: extraUserLeft}
	}
	return domain.Verdict{NotError: false, Extra: extraConnectionLost}
}

// TransportFailure is recorded when a session cannot be opened.
func TransportFailure(err error) domain.Verdict {
	return domain.Verdict{NotError: false, Extra: domain.ErrorReason(err)}
}

// EvaluateMessaging decides the messaging stage. priorExtra is the text
// recorded by an earlier login or join failure.
func EvaluateMessaging(status domain.RTMStatus, metrics domain.RTMMetrics, priorExtra string, th Thresholds) domain.Verdict {
	if status.Login != domain.FlagSuccess || status.Channel != domain.FlagSuccess {
		if priorExtra == "" {
			priorExtra = extraLoginOrJoin
		}
		return domain.Verdict{NotError: false, Extra: priorExtra}
	}
	if metrics.MessagesSent <= 0 {
		return domain.Verdict{NotError: false, Extra: extraNoMessages}
	}

	rate := roundHalfUp(float64(metrics.MessagesReceived) / float64(metrics.MessagesSent) * 100)
	if rate >= th.MessagingSuccessRate {
		return domain.Verdict{NotError: true, Extra: fmt.Sprintf(
			"RTM Login: Success</br>Channel Join: Success</br>Messages Sent: %d</br>Messages Received: %d</br>Success Rate: %d%%</br>Average Latency: %dms</br><strong>RTM functionality working well</strong>",
			metrics.MessagesSent, metrics.MessagesReceived, rate, metrics.AvgLatency,
		)}
	}
	return domain.Verdict{NotError: false, Extra: fmt.Sprintf(
		"RTM messaging has issues</br>Success Rate: %d%% (below %d%% threshold)</br>Messages Sent: %d</br>Messages Received: %d",
		rate, th.MessagingSuccessRate, metrics.MessagesSent, metrics.MessagesReceived,
	)}
}

func LoginFailure(err error) domain.Verdict {
	return domain.Verdict{NotError: false, Extra: "Login failed: " + domain.ErrorReason(err)}
}

func ChannelFailure(err error) domain.Verdict {
	return domain.Verdict{NotError: false, Extra: "Channel join failed: " + domain.ErrorReason(err)}
}

func MessagingSetupFailure(err error) domain.Verdict {
	return domain.Verdict{NotError: false, Extra: "RTM test failed: " + domain.ErrorReason(err)}
}
