package domain

import "fmt"

// StageID identifies a diagnostic stage. Ordinal stages are "0".."5";
// "final" is the report view and "-1" means no run has started.
type StageID string

const (
	StageIdle          StageID = "-1"
	StageCompatibility StageID = "0"
	StageMicrophone    StageID = "1"
	StageSpeaker       StageID = "2"
	StageResolution    StageID = "3"
	StageConnectivity  StageID = "4"
	StageMessaging     StageID = "5"
	StageReport        StageID = "final"
)

// StageOrder lists the diagnostic stages in execution order.
var StageOrder = []StageID{
	StageCompatibility,
	StageMicrophone,
	StageSpeaker,
	StageResolution,
	StageConnectivity,
	StageMessaging,
}

var stageLabels = map[StageID]string{
	StageCompatibility: "browser_compatibility",
	StageMicrophone:    "microphone",
	StageSpeaker:       "speaker",
	StageResolution:    "resolution",
	StageConnectivity:  "connection",
	StageMessaging:     "rtm_messaging",
}

// Ordinal returns the position of the stage in StageOrder. The report
// stage sorts after every diagnostic stage; unknown and idle return -1.
func (id StageID) Ordinal() int {
	if id == StageReport {
		return len(StageOrder)
	}
	for i, s := range StageOrder {
		if s == id {
			return i
		}
	}
	return -1
}

// Label is the stage's stable display key.
func (id StageID) Label() string {
	if l, ok := stageLabels[id]; ok {
		return l
	}
	if id == StageReport {
		return "test_report"
	}
	return string(id)
}

func (id StageID) IsDiagnostic() bool {
	_, ok := stageLabels[id]
	return ok
}

// Next returns the stage following id. The last diagnostic stage is
// followed by the report stage.
func (id StageID) Next() (StageID, bool) {
	ord := id.Ordinal()
	switch {
	case id == StageIdle:
		return StageCompatibility, true
	case ord < 0 || id == StageReport:
		return "", false
	case ord == len(StageOrder)-1:
		return StageReport, true
	default:
		return StageOrder[ord+1], true
	}
}

// ParseStageID validates a stage identifier received from outside.
func ParseStageID(raw string) (StageID, error) {
	id := StageID(raw)
	if id == StageReport || id == StageIdle || id.IsDiagnostic() {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, raw)
}

// StageRecord is the observable state of one diagnostic stage.
type StageRecord struct {
	ID       StageID `json:"id"`
	Label    string  `json:"label"`
	NotError bool    `json:"notError"`
	Complete bool    `json:"complete"`
	Extra    string  `json:"extra"`
}

// InitialStages returns the six stage records in their pre-run state.
func InitialStages() []StageRecord {
	records := make([]StageRecord, 0, len(StageOrder))
	for _, id := range StageOrder {
		records = append(records, StageRecord{
			ID:       id,
			Label:    id.Label(),
			NotError: true,
		})
	}
	return records
}

// Verdict is the outcome an evaluator assigns to a stage.
type Verdict struct {
	NotError bool
	Extra    string
}
