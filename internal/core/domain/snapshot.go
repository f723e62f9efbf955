package domain

import (
	"fmt"
	"time"
)

type ProxyMode string

const (
	ProxyModeDefault ProxyMode = "default"
	ProxyModeFixed   ProxyMode = "fixed"
)

// ProxySettings parameterizes how transport sessions connect.
type ProxySettings struct {
	Enabled bool      `json:"isEnabled"`
	Mode    ProxyMode `json:"mode"`
}

// ServerModes returns the proxy server and TURN modes for the settings.
// Both are zero when the proxy is disabled.
func (p ProxySettings) ServerModes() (proxyServer, turnMode int) {
	if !p.Enabled {
		return 0, 0
	}
	if p.Mode == ProxyModeFixed {
		return 2, 2
	}
	return 3, 3
}

func (p ProxySettings) Validate() error {
	switch p.Mode {
	case ProxyModeDefault, ProxyModeFixed:
		return nil
	default:
		return fmt.Errorf("unknown proxy mode %q", p.Mode)
	}
}

// Snapshot is the complete observable state handed to renderers.
type Snapshot struct {
	RunID        string         `json:"runId"`
	CurrentStage StageID        `json:"currentTestSuite"`
	ViewStage    StageID        `json:"viewTestSuite"`
	Testing      bool           `json:"testing"`
	RenderChart  bool           `json:"renderChart"`
	InputVolume  int            `json:"inputVolume"`
	Stages       []StageRecord  `json:"testSuites"`
	Profiles     []VideoProfile `json:"profiles"`
	Series       SampleSeries   `json:"series"`
	RTMStatus    RTMStatus      `json:"rtmStatus"`
	RTMMetrics   RTMMetrics     `json:"rtmMetrics"`
	Proxy        ProxySettings  `json:"proxy"`
	StartedAt    time.Time      `json:"startedAt,omitempty"`
	FinishedAt   time.Time      `json:"finishedAt,omitempty"`
}

// Stage returns the record for id.
func (s Snapshot) Stage(id StageID) (StageRecord, bool) {
	for _, rec := range s.Stages {
		if rec.ID == id {
			return rec, true
		}
	}
	return StageRecord{}, false
}

// Clone deep copies the slices so the result can leave the owning goroutine.
func (s Snapshot) Clone() Snapshot {
	s.Stages = append([]StageRecord(nil), s.Stages...)
	s.Profiles = append([]VideoProfile(nil), s.Profiles...)
	s.Series = s.Series.Clone()
	s.RTMMetrics = s.RTMMetrics.Clone()
	return s
}

// Report is the consolidated outcome of a finished run.
type Report struct {
	RunID      string         `json:"runId"`
	Passed     bool           `json:"passed"`
	Complete   bool           `json:"complete"`
	Stages     []StageRecord  `json:"testSuites"`
	Profiles   []VideoProfile `json:"profiles"`
	RTMMetrics RTMMetrics     `json:"rtmMetrics"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// NewReport derives a report from a snapshot. A run passes when every
// stage completed without error.
func NewReport(s Snapshot) Report {
	s = s.Clone()
	r := Report{
		RunID:      s.RunID,
		Complete:   s.CurrentStage == StageReport,
		Stages:     s.Stages,
		Profiles:   s.Profiles,
		RTMMetrics: s.RTMMetrics,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	r.Passed = r.Complete
	for _, rec := range s.Stages {
		if !rec.Complete || !rec.NotError {
			r.Passed = false
		}
	}
	return r
}

// Failed lists the stages that completed with an error.
func (r Report) Failed() []StageRecord {
	var failed []StageRecord
	for _, rec := range r.Stages {
		if rec.Complete && !rec.NotError {
			failed = append(failed, rec)
		}
	}
	return failed
}
