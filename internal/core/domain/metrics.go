package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const missingMetric = "-"

// Metric is a numeric sample that may be missing. Missing values are
// rendered as "-" on the wire.
type Metric struct {
	Value float64
	Valid bool
}

func MetricOf(v float64) Metric {
	return Metric{Value: v, Valid: true}
}

// MissingMetric is the sentinel for an unavailable sample.
var MissingMetric = Metric{}

func (m Metric) String() string {
	if !m.Valid {
		return missingMetric
	}
	return strconv.FormatFloat(m.Value, 'f', -1, 64)
}

func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte(`"-"`), nil
	}
	return []byte(strconv.FormatFloat(m.Value, 'f', -1, 64)), nil
}

func (m *Metric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`"-"`)) {
		*m = MissingMetric
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = MetricOf(v)
	return nil
}

// BitrateRow holds one connectivity sample in kbps.
type BitrateRow struct {
	Index        int    `json:"index"`
	VideoBitrate Metric `json:"tVideoBitrate"`
	AudioBitrate Metric `json:"tAudioBitrate"`
}

// PacketLossRow holds one connectivity sample as a loss fraction.
type PacketLossRow struct {
	Index           int    `json:"index"`
	VideoPacketLoss Metric `json:"tVideoPacketLoss"`
	AudioPacketLoss Metric `json:"tAudioPacketLoss"`
}

// SampleSeries is the time series collected during the connectivity stage.
// Row indices start at 1 and increase by one per sample.
type SampleSeries struct {
	Bitrate    []BitrateRow    `json:"bitrate"`
	PacketLoss []PacketLossRow `json:"packetLoss"`
}

// Append records one sample, assigning the next index to both rows.
func (s *SampleSeries) Append(videoKbps, audioKbps, videoLoss, audioLoss Metric) int {
	idx := len(s.Bitrate) + 1
	s.Bitrate = append(s.Bitrate, BitrateRow{Index: idx, VideoBitrate: videoKbps, AudioBitrate: audioKbps})
	s.PacketLoss = append(s.PacketLoss, PacketLossRow{Index: idx, VideoPacketLoss: videoLoss, AudioPacketLoss: audioLoss})
	return idx
}

func (s SampleSeries) Len() int {
	return len(s.Bitrate)
}

func (s SampleSeries) Clone() SampleSeries {
	return SampleSeries{
		Bitrate:    append(make([]BitrateRow, 0, len(s.Bitrate)), s.Bitrate...),
		PacketLoss: append(make([]PacketLossRow, 0, len(s.PacketLoss)), s.PacketLoss...),
	}
}

// TransportStats is a raw sample taken from the receiving session.
// Bitrates are in bits per second, losses are fractions in [0,1].
type TransportStats struct {
	VideoBitrate    float64 `json:"videoBitrate"`
	AudioBitrate    float64 `json:"audioBitrate"`
	VideoPacketLoss float64 `json:"videoPacketLoss"`
	AudioPacketLoss float64 `json:"audioPacketLoss"`
}
