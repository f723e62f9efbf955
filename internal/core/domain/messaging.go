package domain

import "time"

type FlagState string

const (
	FlagPending FlagState = "pending"
	FlagSuccess FlagState = "success"
	FlagFailed  FlagState = "failed"
)

// RTMStatus tracks the three phases of the messaging stage.
type RTMStatus struct {
	Login     FlagState `json:"login"`
	Channel   FlagState `json:"channel"`
	Messaging FlagState `json:"messaging"`
}

func PendingRTMStatus() RTMStatus {
	return RTMStatus{Login: FlagPending, Channel: FlagPending, Messaging: FlagPending}
}

// RTMMetrics aggregates probe results. AvgLatency is in milliseconds and
// SuccessRate is a whole percentage.
type RTMMetrics struct {
	MessagesSent     int   `json:"messagesSent"`
	MessagesReceived int   `json:"messagesReceived"`
	SuccessRate      int   `json:"successRate"`
	AvgLatency       int   `json:"avgLatency"`
	Latencies        []int `json:"latencies"`
}

func (m RTMMetrics) Clone() RTMMetrics {
	m.Latencies = append(make([]int, 0, len(m.Latencies)), m.Latencies...)
	return m
}

// MessagingProbe is one message emitted during the messaging stage.
type MessagingProbe struct {
	ID         string        `json:"id"`
	SentAt     time.Time     `json:"sentAt"`
	ReceivedAt time.Time     `json:"receivedAt,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
}

func (p MessagingProbe) Matched() bool {
	return !p.ReceivedAt.IsZero()
}
