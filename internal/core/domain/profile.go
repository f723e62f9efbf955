package domain

import "fmt"

type ProfileStatus string

const (
	ProfilePending ProfileStatus = "pending"
	ProfileResolve ProfileStatus = "resolve"
	ProfileReject  ProfileStatus = "reject"
)

// VideoProfile is one resolution probed during the resolution stage.
type VideoProfile struct {
	Resolution string        `json:"resolution"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Status     ProfileStatus `json:"status"`
}

func (p VideoProfile) Area() int {
	return p.Width * p.Height
}

func (p VideoProfile) Dimensions() string {
	return fmt.Sprintf("%d * %d", p.Width, p.Height)
}

// KeyResolutions are the frame sizes that weigh into the resolution
// verdict independently of the overall success rate.
var KeyResolutions = []FrameSize{
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
	{Width: 1920, Height: 1080},
}

func (p VideoProfile) IsKey() bool {
	for _, k := range KeyResolutions {
		if k.Width == p.Width && k.Height == p.Height {
			return true
		}
	}
	return false
}

// DefaultProfiles returns the resolutions probed by a run, all pending.
func DefaultProfiles() []VideoProfile {
	return []VideoProfile{
		{Resolution: "120p_1", Width: 160, Height: 120, Status: ProfilePending},
		{Resolution: "144p_1", Width: 256, Height: 144, Status: ProfilePending},
		{Resolution: "240p_1", Width: 320, Height: 240, Status: ProfilePending},
		{Resolution: "360p_1", Width: 640, Height: 360, Status: ProfilePending},
		{Resolution: "480p_1", Width: 640, Height: 480, Status: ProfilePending},
		{Resolution: "720p_1", Width: 1280, Height: 720, Status: ProfilePending},
		{Resolution: "1080p_1", Width: 1920, Height: 1080, Status: ProfilePending},
	}
}

// FrameSize is the negotiated size of a captured video frame.
type FrameSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (f FrameSize) Area() int {
	return f.Width * f.Height
}
