package monitoring

import (
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports run progress and results. It is driven as
// a run observer, so every method must return quickly.
type PrometheusCollector struct {
	// Counters
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	stageResults *prometheus.CounterVec

	// Histograms
	stageDuration    *prometheus.HistogramVec
	messagingLatency prometheus.Histogram

	// Gauges
	runActive    prometheus.Gauge
	currentStage prometheus.Gauge
	bitrate      *prometheus.GaugeVec
	packetLoss   *prometheus.GaugeVec
}

var _ ports.RunObserver = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics with reg. A
// nil registerer uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "preflight_runs_started_total",
			Help: "Total number of diagnostic runs started",
		}),

		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "preflight_runs_finished_total",
			Help: "Total number of diagnostic runs that reached the report",
		}, []string{"result"}),

		stageResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "preflight_stage_results_total",
			Help: "Stage verdicts by stage and result",
		}, []string{"stage", "result"}),

		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "preflight_stage_duration_seconds",
			Help:    "Time from entering a stage to its verdict",
			Buckets: []float64{0.5, 1, 2, 4, 8, 12, 16, 24, 32},
		}, []string{"stage"}),

		messagingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "preflight_messaging_latency_seconds",
			Help:    "Round trip time of messaging probes",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),

		runActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "preflight_run_active",
			Help: "1 while a diagnostic run is in progress",
		}),

		currentStage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "preflight_current_stage",
			Help: "Ordinal of the stage being executed, -1 when idle",
		}),

		bitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "preflight_transport_bitrate_kbps",
			Help: "Last sampled receive bitrate in kbps",
		}, []string{"kind"}),

		packetLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "preflight_transport_packet_loss_ratio",
			Help: "Last sampled packet loss ratio",
		}, []string{"kind"}),
	}
}

func result(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

func (p *PrometheusCollector) RunStarted(runID string) {
	p.runsStarted.Inc()
	p.runActive.Set(1)
	p.currentStage.Set(float64(domain.StageIdle.Ordinal()))
	p.bitrate.Reset()
	p.packetLoss.Reset()
}

func (p *PrometheusCollector) StageEntered(runID string, stage domain.StageID) {
	p.currentStage.Set(float64(stage.Ordinal()))
}

func (p *PrometheusCollector) StageCompleted(runID string, record domain.StageRecord, elapsed time.Duration) {
	p.stageResults.WithLabelValues(record.Label, result(record.NotError)).Inc()
	p.stageDuration.WithLabelValues(record.Label).Observe(elapsed.Seconds())
}

func (p *PrometheusCollector) TransportSampled(stats domain.TransportStats) {
	p.bitrate.WithLabelValues("video").Set(stats.VideoBitrate / 1000)
	p.bitrate.WithLabelValues("audio").Set(stats.AudioBitrate / 1000)
	p.packetLoss.WithLabelValues("video").Set(stats.VideoPacketLoss)
	p.packetLoss.WithLabelValues("audio").Set(stats.AudioPacketLoss)
}

func (p *PrometheusCollector) ProbeMatched(latency time.Duration) {
	p.messagingLatency.Observe(latency.Seconds())
}

func (p *PrometheusCollector) RunFinished(report domain.Report) {
	p.runsFinished.WithLabelValues(result(report.Passed)).Inc()
	p.runActive.Set(0)
	p.currentStage.Set(float64(domain.StageReport.Ordinal()))
}
