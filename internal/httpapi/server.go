package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"campaign_engine/internal/config"
	"campaign_engine/internal/engine"
	"campaign_engine/internal/model"
	"campaign_engine/internal/notify"
	"campaign_engine/internal/store/sqlite"
	"campaign_engine/internal/worker"
	"campaign_engine/internal/ws"
)

const maskedSecret = "******"

// Store is what the API reads history and settings from. Live campaigns
// always come from the manager.
type Store interface {
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	ListCampaigns(ctx context.Context, limit int) ([]model.Campaign, error)
	ListSnapshots(ctx context.Context, campaignID string, limit int) ([]model.StatsSnapshot, error)
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
	UpsertEmailSettings(ctx context.Context, v model.EmailSettings) (model.EmailSettings, error)
}

type Options struct {
	Cfg     config.Config
	Manager *engine.Manager
	Store   Store
	Logger  *zap.Logger
}

type Server struct {
	cfg     config.Config
	manager *engine.Manager
	store   Store
	logger  *zap.Logger
	ws      *ws.Handler
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:     opts.Cfg,
		manager: opts.Manager,
		store:   opts.Store,
		logger:  opts.Logger,
	}
	s.ws = ws.NewHandler(s.lookupFeed, opts.Cfg.Server.Cors.AllowOrigins)
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.ws.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Server.Cors.AllowOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: s.cfg.Server.Cors.AllowCredentials,
			MaxAge:           600,
		}))

		r.Get("/campaigns", s.handleListCampaigns)
		r.Post("/campaigns", s.handleStartCampaign)
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetCampaign)
			r.Post("/stop", s.handleStopCampaign)
			r.Get("/activity", s.handleActivity)
			r.Get("/sessions", s.handleSessions)
			r.Get("/snapshots", s.handleSnapshots)
		})

		r.Post("/sessions/test", s.handleTestSession)

		r.Get("/worker/health", s.handleWorkerHealth)
		r.Post("/worker/sessions/{sessionId}/complete", s.handleCompletion)

		r.Get("/settings/email", s.handleGetEmailSettings)
		r.Post("/settings/email", s.handleSaveEmailSettings)
		r.Post("/settings/email/test", s.handleEmailTest)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) lookupFeed(id string) (ws.Feed, bool) {
	o, ok := s.manager.Get(id)
	if !ok {
		return nil, false
	}
	return o, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type startCampaignPayload struct {
	ID                    string          `json:"id,omitempty"`
	TargetURL             string          `json:"targetUrl"`
	LaunchRatePerMinute   int             `json:"launchRatePerMinute"`
	MaxConcurrentSessions int             `json:"maxConcurrentSessions"`
	Features              model.Features  `json:"features"`
	Profiles              []model.Profile `json:"profiles,omitempty"`
}

func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	var body startCampaignPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	o, err := s.manager.StartCampaign(r.Context(), model.Campaign{
		ID:                    body.ID,
		TargetURL:             body.TargetURL,
		LaunchRatePerMinute:   body.LaunchRatePerMinute,
		MaxConcurrentSessions: body.MaxConcurrentSessions,
		Features:              body.Features,
		Profiles:              body.Profiles,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeData(w, http.StatusCreated, o.View())
}

// handleListCampaigns returns live campaigns first, then stored history the
// manager no longer holds.
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	live := s.manager.List()
	out := make([]model.CampaignView, 0, len(live))
	seen := make(map[string]struct{}, len(live))
	for _, o := range live {
		v := o.View()
		seen[v.Campaign.ID] = struct{}{}
		out = append(out, v)
	}

	if s.store != nil && r.URL.Query().Get("history") != "" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		stored, err := s.store.ListCampaigns(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, c := range stored {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			out = append(out, s.storedView(r.Context(), c))
		}
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if o, ok := s.manager.Get(id); ok {
		writeData(w, http.StatusOK, o.View())
		return
	}
	if s.store != nil {
		c, err := s.store.GetCampaign(r.Context(), id)
		if err == nil {
			writeData(w, http.StatusOK, s.storedView(r.Context(), c))
			return
		}
		if !errors.Is(err, sqlite.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeError(w, http.StatusNotFound, engine.ErrCampaignNotFound)
}

func (s *Server) storedView(ctx context.Context, c model.Campaign) model.CampaignView {
	v := model.CampaignView{Campaign: c, Health: s.manager.Health()}
	if snaps, err := s.store.ListSnapshots(ctx, c.ID, 1); err == nil && len(snaps) > 0 {
		v.Stats = snaps[0].Stats
	}
	return v
}

// handleStopCampaign starts the drain. With ?wait=<ms> it also waits up to
// that long for the campaign to reach Stopped.
func (s *Server) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	o, err := s.manager.StopCampaign(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if ms, _ := strconv.Atoi(r.URL.Query().Get("wait")); ms > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(ms)*time.Millisecond)
		defer cancel()
		_ = o.Wait(ctx)
	}
	writeData(w, http.StatusAccepted, o.View())
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	o, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, engine.ErrCampaignNotFound)
		return
	}
	writeData(w, http.StatusOK, o.Activity())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	o, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, engine.ErrCampaignNotFound)
		return
	}
	writeData(w, http.StatusOK, o.Sessions())
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeData(w, http.StatusOK, []model.StatsSnapshot{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	snaps, err := s.store.ListSnapshots(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snaps == nil {
		snaps = []model.StatsSnapshot{}
	}
	writeData(w, http.StatusOK, snaps)
}

type testSessionPayload struct {
	TargetURL string        `json:"targetUrl"`
	Profile   model.Profile `json:"profile,omitempty"`
	TimeoutMs int           `json:"timeoutMs,omitempty"`
}

func (s *Server) handleTestSession(w http.ResponseWriter, r *http.Request) {
	var body testSessionPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := 2 * time.Minute
	if body.TimeoutMs > 0 {
		timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	sess, err := s.manager.TestSingleSession(ctx, body.TargetURL, body.Profile)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (s *Server) handleWorkerHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"state": s.manager.Health()})
}

type completionPayload struct {
	Success  bool           `json:"success"`
	TimedOut bool           `json:"timedOut,omitempty"`
	Error    string         `json:"error,omitempty"`
	Counters model.Counters `json:"counters"`
}

// handleCompletion is the worker's push callback. Unknown sessions are
// acknowledged too; the worker has nothing useful to do with a rejection.
// accepted is true only once a session has actually been settled.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var body completionPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.manager.CompleteSession(chi.URLParam(r, "sessionId"), model.SessionResult{
		Success:  body.Success && !body.TimedOut,
		TimedOut: body.TimedOut,
		Error:    body.Error,
		Counters: body.Counters,
	})
	held := errors.Is(err, engine.ErrCompletionHeld)
	if err != nil && !held && !errors.Is(err, engine.ErrDuplicateCompletion) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"accepted": err == nil, "held": held})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
	SMTPHost *string `json:"smtpHost,omitempty"`
	SMTPPort *int    `json:"smtpPort,omitempty"`
}

func (s *Server) handleGetEmailSettings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeData(w, http.StatusOK, model.EmailSettings{})
		return
	}
	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, maskSettings(val))
}

func (s *Server) handleSaveEmailSettings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("storage disabled"))
		return
	}
	var body emailSettingsPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	current, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	next := current
	if body.Enabled != nil {
		next.Enabled = *body.Enabled
	}
	if body.Email != nil {
		next.Email = strings.TrimSpace(*body.Email)
	}
	if body.AuthCode != nil {
		if ac := strings.TrimSpace(*body.AuthCode); ac != maskedSecret {
			next.AuthCode = ac
		}
	}
	if body.SMTPHost != nil {
		next.SMTPHost = strings.TrimSpace(*body.SMTPHost)
	}
	if body.SMTPPort != nil {
		next.SMTPPort = *body.SMTPPort
	}
	if next.Enabled {
		if err := notify.ValidateEmailSettings(next); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	saved, err := s.store.UpsertEmailSettings(r.Context(), next)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, maskSettings(saved))
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("storage disabled"))
		return
	}
	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	now := time.Now()
	err = notify.SendCampaignSummaryEmail(ctx, val, []notify.CampaignStoppedEvent{{
		AtMs: now.UnixMilli(),
		Campaign: model.Campaign{
			ID:        "test",
			TargetURL: "https://example.com/",
			State:     model.CampaignStopped,
		},
		Stats: model.CampaignStats{TotalLaunched: 1, SuccessfulSessions: 1, SuccessRate: 1},
	}})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func maskSettings(v model.EmailSettings) model.EmailSettings {
	if v.AuthCode != "" {
		v.AuthCode = maskedSecret
	}
	return v
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrCampaignNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrCampaignExists), errors.Is(err, engine.ErrIdentityExhausted):
		return http.StatusConflict
	case errors.Is(err, engine.ErrWorkerUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, worker.ErrLaunchRejected):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
