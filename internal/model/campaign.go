package model

import "time"

type CampaignState string

const (
	CampaignIdle     CampaignState = "idle"
	CampaignRunning  CampaignState = "running"
	CampaignStopping CampaignState = "stopping"
	CampaignStopped  CampaignState = "stopped"
)

type Profile string

const (
	ProfileEfficient  Profile = "efficient"
	ProfileCasual     Profile = "casual"
	ProfileMobile     Profile = "mobile"
	ProfileResearcher Profile = "researcher"
)

// AllProfiles is the rotation used when a campaign does not pick its own.
func AllProfiles() []Profile {
	return []Profile{ProfileEfficient, ProfileCasual, ProfileMobile, ProfileResearcher}
}

func (p Profile) Valid() bool {
	switch p {
	case ProfileEfficient, ProfileCasual, ProfileMobile, ProfileResearcher:
		return true
	default:
		return false
	}
}

// Features are forwarded to the worker untouched; the orchestrator only
// stores them.
type Features struct {
	ProxyRotation       bool `json:"proxyRotation"`
	FingerprintRotation bool `json:"fingerprintRotation"`
	NaturalScrolling    bool `json:"naturalScrolling"`
	InternalNavigation  bool `json:"internalNavigation"`
}

type Campaign struct {
	ID                    string        `json:"id"`
	TargetURL             string        `json:"targetUrl"`
	LaunchRatePerMinute   int           `json:"launchRatePerMinute"`
	MaxConcurrentSessions int           `json:"maxConcurrentSessions"`
	Features              Features      `json:"features"`
	Profiles              []Profile     `json:"profiles,omitempty"`
	State                 CampaignState `json:"state"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// TickInterval is the admission period derived from the launch rate.
func (c Campaign) TickInterval() time.Duration {
	if c.LaunchRatePerMinute <= 0 {
		return 0
	}
	return time.Duration(60000/c.LaunchRatePerMinute) * time.Millisecond
}

type CampaignView struct {
	Campaign Campaign      `json:"campaign"`
	Stats    CampaignStats `json:"stats"`
	Health   HealthState   `json:"health"`
}
