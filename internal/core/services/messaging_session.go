package services

import (
	"fmt"
	"strings"
	"time"

	"preflight/internal/core/domain"
)

const probePayloadPrefix = "RTM Test Message "

// MessagingChannel derives the messaging channel from the media channel.
func MessagingChannel(channel string) string {
	return channel + "_rtm"
}

// ProbePayload is the text published for a probe.
func ProbePayload(p domain.MessagingProbe) string {
	return probePayloadPrefix + p.ID
}

// ProbeTracker records emitted probes and matches echoes back to them.
// It is not safe for concurrent use; the sequencer owns it.
type ProbeTracker struct {
	now     func() time.Time
	probes  []domain.MessagingProbe
	count   int
	metrics domain.RTMMetrics
}

func NewProbeTracker(now func() time.Time) *ProbeTracker {
	return &ProbeTracker{
		now:     now,
		metrics: domain.RTMMetrics{Latencies: []int{}},
	}
}

// Next creates and records the next probe. The id embeds the creation
// time in Unix milliseconds and a per-stage counter.
func (t *ProbeTracker) Next() domain.MessagingProbe {
	t.count++
	sentAt := t.now()
	p := domain.MessagingProbe{
		ID:     fmt.Sprintf("test_%d_%d", sentAt.UnixMilli(), t.count),
		SentAt: sentAt,
	}
	t.probes = append(t.probes, p)
	return p
}

// MarkSent counts a probe whose publish succeeded.
func (t *ProbeTracker) MarkSent() {
	t.metrics.MessagesSent++
	t.updateRate()
}

// Match finds the earliest unmatched probe whose id occurs in payload and
// records its latency. Each probe matches at most once.
func (t *ProbeTracker) Match(payload string) (domain.MessagingProbe, bool) {
	for i := range t.probes {
		p := &t.probes[i]
		if p.Matched() || !strings.Contains(payload, p.ID) {
			continue
		}
		p.ReceivedAt = t.now()
		p.Latency = p.ReceivedAt.Sub(p.SentAt)

		t.metrics.MessagesReceived++
		t.metrics.Latencies = append(t.metrics.Latencies, int(p.Latency.Milliseconds()))
		total := 0
		for _, l := range t.metrics.Latencies {
			total += l
		}
		t.metrics.AvgLatency = roundHalfUp(float64(total) / float64(len(t.metrics.Latencies)))
		t.updateRate()
		return *p, true
	}
	return domain.MessagingProbe{}, false
}

func (t *ProbeTracker) updateRate() {
	if t.metrics.MessagesSent == 0 {
		return
	}
	rate := roundHalfUp(float64(t.metrics.MessagesReceived) / float64(t.metrics.MessagesSent) * 100)
	if rate > 100 {
		rate = 100
	}
	t.metrics.SuccessRate = rate
}

func (t *ProbeTracker) Metrics() domain.RTMMetrics {
	return t.metrics.Clone()
}

func (t *ProbeTracker) Probes() []domain.MessagingProbe {
	return append([]domain.MessagingProbe(nil), t.probes...)
}
