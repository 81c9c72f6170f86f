package standard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"campaign_engine/internal/config"
	"campaign_engine/internal/worker"
)

// Client talks to the browser-automation worker over HTTP. Session starts
// are never retried because a retried POST could dispatch a session twice;
// polls and probes are safe to repeat.
type Client struct {
	cfg    config.WorkerConfig
	logger *zap.Logger

	dispatch *resty.Client
	poll     *resty.Client
}

func New(cfg config.WorkerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, logger: logger}
	c.dispatch = c.newClient(0)
	c.poll = c.newClient(cfg.Retry.Count)
	return c
}

type healthResp struct {
	OK bool `json:"ok"`
}

type startResp struct {
	SessionID string `json:"sessionId"`
}

type errorResp struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e errorResp) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

func (c *Client) Health(ctx context.Context) error {
	var resp healthResp
	r, err := c.dispatch.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("/health")
	if err != nil {
		return err
	}
	if r.IsError() {
		return fmt.Errorf("worker health: status %d", r.StatusCode())
	}
	if !resp.OK {
		return errors.New("worker health: ok=false")
	}
	return nil
}

func (c *Client) StartSession(ctx context.Context, req worker.StartRequest) (string, error) {
	var resp startResp
	var failure errorResp
	r, err := c.dispatch.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&failure).
		Post("/sessions")
	if err != nil {
		return "", fmt.Errorf("%w: %v", worker.ErrLaunchRejected, err)
	}
	if r.StatusCode() != http.StatusAccepted && r.StatusCode() != http.StatusOK && r.StatusCode() != http.StatusCreated {
		msg := failure.text()
		if msg == "" {
			msg = strings.TrimSpace(r.String())
		}
		return "", fmt.Errorf("%w: status %d: %s", worker.ErrLaunchRejected, r.StatusCode(), msg)
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		return "", fmt.Errorf("%w: empty sessionId", worker.ErrLaunchRejected)
	}
	return resp.SessionID, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (worker.SessionStatus, error) {
	var resp worker.SessionStatus
	var failure errorResp
	r, err := c.poll.R().
		SetContext(ctx).
		SetPathParam("sessionId", sessionID).
		SetResult(&resp).
		SetError(&failure).
		Get("/sessions/{sessionId}")
	if err != nil {
		return worker.SessionStatus{}, err
	}
	if r.IsError() {
		msg := failure.text()
		if msg == "" {
			msg = "get session failed"
		}
		return worker.SessionStatus{}, fmt.Errorf("status %d: %s", r.StatusCode(), msg)
	}
	if resp.SessionID == "" {
		resp.SessionID = sessionID
	}
	return resp, nil
}

func (c *Client) newClient(retries int) *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(c.cfg.BaseURL, "/")).
		SetTimeout(c.cfg.Timeout()).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(retries).
		SetRetryWaitTime(c.cfg.Retry.Wait()).
		SetRetryMaxWaitTime(c.cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		c.logger.Debug("worker request",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
		)
		return nil
	})
	return client
}
