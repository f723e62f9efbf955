package monitoring

import (
	"testing"
	"time"

	"preflight/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_RunLifecycle(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RunStarted("run-1")
	assert.Equal(t, 1.0, promtest.ToFloat64(c.runsStarted))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.runActive))

	c.StageEntered("run-1", domain.StageConnectivity)
	assert.Equal(t, 4.0, promtest.ToFloat64(c.currentStage))

	c.TransportSampled(domain.TransportStats{VideoBitrate: 812000, AudioBitrate: 48000, VideoPacketLoss: 0.02})
	assert.Equal(t, 812.0, promtest.ToFloat64(c.bitrate.WithLabelValues("video")))
	assert.Equal(t, 48.0, promtest.ToFloat64(c.bitrate.WithLabelValues("audio")))
	assert.Equal(t, 0.02, promtest.ToFloat64(c.packetLoss.WithLabelValues("video")))

	record := domain.StageRecord{ID: domain.StageConnectivity, Label: domain.StageConnectivity.Label(), NotError: false, Complete: true}
	c.StageCompleted("run-1", record, 24*time.Second)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.stageResults.WithLabelValues(record.Label, "fail")))
	assert.Equal(t, 1, promtest.CollectAndCount(c.stageDuration))

	c.ProbeMatched(40 * time.Millisecond)
	assert.Equal(t, 1, promtest.CollectAndCount(c.messagingLatency))

	c.RunFinished(domain.Report{RunID: "run-1", Passed: false})
	assert.Equal(t, 1.0, promtest.ToFloat64(c.runsFinished.WithLabelValues("fail")))
	assert.Equal(t, 0.0, promtest.ToFloat64(c.runActive))
	assert.Equal(t, 6.0, promtest.ToFloat64(c.currentStage))
}

func TestPrometheusCollector_NewRunClearsTransportGauges(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())
	c.TransportSampled(domain.TransportStats{VideoBitrate: 1000})
	assert.Equal(t, 2, promtest.CollectAndCount(c.bitrate))

	c.RunStarted("run-2")
	assert.Equal(t, 0, promtest.CollectAndCount(c.bitrate))
}
