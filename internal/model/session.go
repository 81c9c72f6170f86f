package model

import "time"

type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionLaunching SessionState = "launching"
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type Identity struct {
	ProxyRef       string `json:"proxyRef"`
	FingerprintRef string `json:"fingerprintRef"`
}

func (i Identity) Key() string {
	return i.ProxyRef + "|" + i.FingerprintRef
}

type Counters struct {
	PageViews     int `json:"pageViews"`
	Interactions  int `json:"interactions"`
	ScrollActions int `json:"scrollActions"`
	Navigations   int `json:"navigations"`
}

func (c Counters) Add(o Counters) Counters {
	return Counters{
		PageViews:     c.PageViews + o.PageViews,
		Interactions:  c.Interactions + o.Interactions,
		ScrollActions: c.ScrollActions + o.ScrollActions,
		Navigations:   c.Navigations + o.Navigations,
	}
}

type SessionResult struct {
	Success  bool     `json:"success"`
	TimedOut bool     `json:"timedOut,omitempty"`
	Error    string   `json:"error,omitempty"`
	Counters Counters `json:"counters"`
}

type Session struct {
	ID              string         `json:"id"`
	WorkerSessionID string         `json:"workerSessionId,omitempty"`
	CampaignID      string         `json:"campaignId,omitempty"`
	Identity        Identity       `json:"identity"`
	Profile         Profile        `json:"profile"`
	StartedAt       time.Time      `json:"startedAt"`
	State           SessionState   `json:"state"`
	Result          *SessionResult `json:"result,omitempty"`
}
