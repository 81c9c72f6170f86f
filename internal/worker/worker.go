package worker

import (
	"context"
	"errors"

	"campaign_engine/internal/model"
)

// ErrLaunchRejected marks a synchronous refusal of POST /sessions.
var ErrLaunchRejected = errors.New("launch rejected by worker")

type StartRequest struct {
	TargetURL   string         `json:"targetUrl"`
	Profile     model.Profile  `json:"profile"`
	Identity    model.Identity `json:"identity"`
	Features    model.Features `json:"features"`
	CallbackURL string         `json:"callbackUrl,omitempty"`
}

type SessionStatus struct {
	SessionID string         `json:"sessionId"`
	State     string         `json:"state"`
	Success   bool           `json:"success"`
	Counters  model.Counters `json:"counters"`
	Error     string         `json:"error,omitempty"`
}

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

func (s SessionStatus) Terminal() bool {
	switch s.State {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

func (s SessionStatus) Result() model.SessionResult {
	return model.SessionResult{
		Success:  s.State == StatusCompleted && s.Success,
		TimedOut: s.State == StatusTimeout,
		Error:    s.Error,
		Counters: s.Counters,
	}
}

// Prober is the slice of the worker the health monitor needs.
type Prober interface {
	Health(ctx context.Context) error
}

type Client interface {
	Prober
	StartSession(ctx context.Context, req StartRequest) (string, error)
	GetSession(ctx context.Context, sessionID string) (SessionStatus, error)
}
