package model

type CampaignStats struct {
	ActiveSessions     int     `json:"activeSessions"`
	TotalLaunched      int     `json:"totalLaunched"`
	SuccessfulSessions int     `json:"successfulSessions"`
	FailedSessions     int     `json:"failedSessions"`
	SuccessRate        float64 `json:"successRate"`
	Counters
	DistinctIdentities int `json:"distinctIdentities"`
}

type HealthState string

const (
	HealthUnknown     HealthState = "unknown"
	HealthLive        HealthState = "live"
	HealthUnreachable HealthState = "unreachable"
)

type StatsSnapshot struct {
	CampaignID string        `json:"campaignId"`
	AtMs       int64         `json:"atMs"`
	Reason     string        `json:"reason,omitempty"`
	Stats      CampaignStats `json:"stats"`
}
