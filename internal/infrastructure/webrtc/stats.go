package webrtc

import (
	"sync"
	"time"

	"preflight/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// trackCounter accumulates one remote track over the current interval.
type trackCounter struct {
	kind     webrtc.RTPCodecType
	started  bool
	lastSeq  uint16
	bytes    uint64
	received uint64
	expected uint64
}

func (c *trackCounter) observe(seq uint16, size int) {
	c.bytes += uint64(size)
	c.received++
	if !c.started {
		c.started = true
		c.lastSeq = seq
		c.expected++
		return
	}
	diff := seq - c.lastSeq
	if diff == 0 || diff > 0x8000 {
		// duplicate or late packet, already expected
		return
	}
	c.expected += uint64(diff)
	c.lastSeq = seq
}

func (c *trackCounter) loss() float64 {
	if c.expected == 0 || c.received >= c.expected {
		return 0
	}
	return float64(c.expected-c.received) / float64(c.expected)
}

func (c *trackCounter) reset() {
	c.bytes, c.received, c.expected = 0, 0, 0
}

// StatsTracker turns observed RTP packets into interval statistics.
// Bitrates are summed over all tracks of a kind; loss is the worst track.
type StatsTracker struct {
	mu         sync.Mutex
	now        func() time.Time
	tracks     map[uint32]*trackCounter
	lastSample time.Time
}

func NewStatsTracker(now func() time.Time) *StatsTracker {
	if now == nil {
		now = time.Now
	}
	return &StatsTracker{
		now:        now,
		tracks:     make(map[uint32]*trackCounter),
		lastSample: now(),
	}
}

// Observe records one packet of size payload bytes on track ssrc.
func (s *StatsTracker) Observe(ssrc uint32, kind webrtc.RTPCodecType, seq uint16, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tracks[ssrc]
	if !ok {
		c = &trackCounter{kind: kind}
		s.tracks[ssrc] = c
	}
	c.observe(seq, size)
}

// Sample returns the statistics since the previous sample and starts a
// new interval.
func (s *StatsTracker) Sample() domain.TransportStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	elapsed := now.Sub(s.lastSample).Seconds()
	s.lastSample = now

	var stats domain.TransportStats
	var videoBytes, audioBytes uint64
	for _, c := range s.tracks {
		switch c.kind {
		case webrtc.RTPCodecTypeVideo:
			videoBytes += c.bytes
			stats.VideoPacketLoss = max(stats.VideoPacketLoss, c.loss())
		case webrtc.RTPCodecTypeAudio:
			audioBytes += c.bytes
			stats.AudioPacketLoss = max(stats.AudioPacketLoss, c.loss())
		}
		c.reset()
	}
	if elapsed > 0 {
		stats.VideoBitrate = float64(videoBytes*8) / elapsed
		stats.AudioBitrate = float64(audioBytes*8) / elapsed
	}
	return stats
}
