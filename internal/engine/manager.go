package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"campaign_engine/internal/config"
	"campaign_engine/internal/logbus"
	"campaign_engine/internal/model"
	"campaign_engine/internal/notify"
	"campaign_engine/internal/worker"
)

// Store is the slice of persistence the manager writes to. Failures are
// logged; a campaign never stops because its row could not be saved.
type Store interface {
	UpsertCampaign(ctx context.Context, c model.Campaign) error
	AppendSnapshot(ctx context.Context, s model.StatsSnapshot) error
}

type ManagerOptions struct {
	Config   config.Config
	Worker   worker.Client
	Health   HealthWatcher
	Store    Store
	Notifier notify.Notifier
	Logger   *zap.Logger
}

type testResult struct {
	res model.SessionResult
}

// heldCompletion tracks a pushed completion stashed by every party that had
// a launch outstanding when it arrived. It is a duplicate once all of them
// drop it unclaimed.
type heldCompletion struct {
	holders int
	routed  bool
}

// Manager owns every campaign orchestrator in the process, keyed by campaign
// id, and routes worker completions to whichever one launched the session.
type Manager struct {
	cfg      config.Config
	worker   worker.Client
	health   HealthWatcher
	store    Store
	notifier notify.Notifier
	logger   *zap.Logger
	limiter  *rate.Limiter
	pool     []model.Identity
	testIDs  *IdentityAllocator

	mu        sync.RWMutex
	campaigns map[string]*Orchestrator

	testMu      sync.Mutex
	testWaiters map[string]chan testResult
	testEarly   map[string]model.SessionResult
	testPending int

	heldMu sync.Mutex
	held   map[string]*heldCompletion

	unsubscribe func()
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := opts.Config
	pool := BuildIdentityPool(cfg.Identities.Proxies, cfg.Identities.Fingerprints, cfg.Identities.PoolSize)
	m := &Manager{
		cfg:         cfg,
		worker:      opts.Worker,
		health:      opts.Health,
		store:       opts.Store,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		pool:        pool,
		testIDs:     NewIdentityAllocator(pool),
		campaigns:   make(map[string]*Orchestrator),
		testWaiters: make(map[string]chan testResult),
		testEarly:   make(map[string]model.SessionResult),
		held:        make(map[string]*heldCompletion),
	}
	if cfg.Limits.LaunchQPS > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.Limits.LaunchQPS), max(cfg.Limits.LaunchBurst, 1))
	}
	if opts.Health != nil {
		m.unsubscribe = opts.Health.Subscribe(m.onHealth)
	}
	return m
}

// Close detaches from the health monitor. Campaigns are left alone; use
// StopAll for those.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m *Manager) Health() model.HealthState {
	if m.health == nil {
		return model.HealthUnknown
	}
	return m.health.State()
}

// StartCampaign creates and starts a new orchestrator. Validation failures
// wrap ErrInvalidConfig and leave nothing behind.
func (m *Manager) StartCampaign(ctx context.Context, c model.Campaign) (*Orchestrator, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.TargetURL = strings.TrimSpace(c.TargetURL)
	c.State = model.CampaignIdle
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}

	m.mu.Lock()
	if prev, ok := m.campaigns[c.ID]; ok && prev.State() != model.CampaignStopped {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCampaignExists, c.ID)
	}
	o := NewOrchestrator(Options{
		Campaign:         c,
		Worker:           m.worker,
		Health:           m.health,
		Identities:       NewIdentityAllocator(m.pool),
		Bus:              logbus.New(m.cfg.Limits.ActivityCapacity).WithSink(m.logger.Named("activity").With(zap.String("campaignId", c.ID))),
		Logger:           m.logger,
		Limiter:          m.limiter,
		CallbackURL:      m.cfg.CallbackURL(),
		PollInterval:     m.cfg.Worker.PollInterval(),
		SessionTimeout:   m.cfg.Limits.SessionTimeout(),
		DrainTimeout:     m.cfg.Limits.DrainTimeout(),
		MaxConcurrentCap: m.cfg.Limits.MaxConcurrentCap,
		OnStateChange:    m.persistCampaign,
		OnStopped:        m.campaignStopped,
		OnEarlyResolved:  m.resolveHeld,
	})
	if err := o.Start(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.campaigns[c.ID] = o
	m.pruneStoppedLocked()
	m.mu.Unlock()

	m.logger.Info("campaign started", zap.String("campaignId", c.ID), zap.String("targetUrl", c.TargetURL))
	return o, nil
}

// StopCampaign begins the drain and returns immediately. Stopping an already
// stopping or stopped campaign is a no-op.
func (m *Manager) StopCampaign(id string) (*Orchestrator, error) {
	o, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	o.Stop()
	return o, nil
}

func (m *Manager) Get(id string) (*Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.campaigns[strings.TrimSpace(id)]
	return o, ok
}

// List returns campaigns newest first.
func (m *Manager) List() []*Orchestrator {
	m.mu.RLock()
	out := make([]*Orchestrator, 0, len(m.campaigns))
	for _, o := range m.campaigns {
		out = append(out, o)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Campaign().CreatedAt.After(out[j].Campaign().CreatedAt)
	})
	return out
}

// StopAll stops every running campaign and waits for all of them to drain.
func (m *Manager) StopAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, o := range m.List() {
		g.Go(func() error {
			o.Stop()
			return o.Wait(gctx)
		})
	}
	return g.Wait()
}

// CompleteSession routes a pushed completion. The owner is found by worker
// session id: a campaign pool, then a waiting test session, then anyone with
// a launch still in flight whose response may not have arrived yet. A
// completion only held that way returns ErrCompletionHeld; if every holder
// later drops it, it is logged as a duplicate then.
func (m *Manager) CompleteSession(workerID string, res model.SessionResult) error {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return errors.New("empty session id")
	}
	campaigns := m.List()
	for _, o := range campaigns {
		if err := o.Complete(workerID, res); err == nil {
			return nil
		}
	}
	if m.deliverTest(workerID, res) {
		return nil
	}

	m.heldMu.Lock()
	if _, ok := m.held[workerID]; ok {
		m.heldMu.Unlock()
		m.logger.Warn("duplicate completion discarded", zap.String("workerSessionId", workerID), zap.String("reason", "already held"))
		return fmt.Errorf("%w: %s", ErrDuplicateCompletion, workerID)
	}
	h := &heldCompletion{}
	m.held[workerID] = h
	m.heldMu.Unlock()

	for _, o := range campaigns {
		m.heldMu.Lock()
		h.holders++
		m.heldMu.Unlock()
		completed, held := o.Defer(workerID, res)
		if completed {
			m.heldMu.Lock()
			if m.held[workerID] == h {
				delete(m.held, workerID)
			}
			m.heldMu.Unlock()
			return nil
		}
		if !held {
			m.heldMu.Lock()
			h.holders--
			m.heldMu.Unlock()
		}
	}

	m.testMu.Lock()
	if ch, ok := m.testWaiters[workerID]; ok {
		delete(m.testWaiters, workerID)
		m.testMu.Unlock()
		m.resolveHeld(workerID, true)
		ch <- testResult{res: res}
		return nil
	}
	if m.testPending > 0 {
		m.heldMu.Lock()
		h.holders++
		m.heldMu.Unlock()
		m.testEarly[workerID] = res
	}
	m.testMu.Unlock()

	m.heldMu.Lock()
	if m.held[workerID] != h {
		// claimed by a launch response while we were routing
		m.heldMu.Unlock()
		return nil
	}
	h.routed = true
	if n := h.holders; n > 0 {
		m.heldMu.Unlock()
		m.logger.Debug("completion held for pending launch", zap.String("workerSessionId", workerID), zap.Int("holders", n))
		return fmt.Errorf("%w: %s", ErrCompletionHeld, workerID)
	}
	delete(m.held, workerID)
	m.heldMu.Unlock()
	m.logger.Warn("duplicate completion discarded", zap.String("workerSessionId", workerID))
	return fmt.Errorf("%w: %s", ErrDuplicateCompletion, workerID)
}

func (m *Manager) deliverTest(workerID string, res model.SessionResult) bool {
	m.testMu.Lock()
	ch, ok := m.testWaiters[workerID]
	if ok {
		delete(m.testWaiters, workerID)
	}
	m.testMu.Unlock()
	if ok {
		ch <- testResult{res: res}
	}
	return ok
}

// resolveHeld is told by each holder what became of a held completion.
func (m *Manager) resolveHeld(workerID string, consumed bool) {
	m.heldMu.Lock()
	h, ok := m.held[workerID]
	if !ok {
		m.heldMu.Unlock()
		return
	}
	if consumed {
		delete(m.held, workerID)
		m.heldMu.Unlock()
		return
	}
	h.holders--
	if h.holders > 0 || !h.routed {
		m.heldMu.Unlock()
		return
	}
	delete(m.held, workerID)
	m.heldMu.Unlock()
	m.logger.Warn("duplicate completion discarded", zap.String("workerSessionId", workerID), zap.String("reason", "never claimed"))
}

// pruneStoppedLocked forgets the oldest stopped campaigns beyond the
// retention limit. Their rows and final snapshots stay in the store.
func (m *Manager) pruneStoppedLocked() {
	keep := m.cfg.Limits.RetainStopped
	if keep <= 0 {
		return
	}
	var stopped []*Orchestrator
	for _, o := range m.campaigns {
		if o.State() == model.CampaignStopped {
			stopped = append(stopped, o)
		}
	}
	if len(stopped) <= keep {
		return
	}
	sort.Slice(stopped, func(i, j int) bool {
		return stopped[i].Campaign().UpdatedAt.Before(stopped[j].Campaign().UpdatedAt)
	})
	for _, o := range stopped[:len(stopped)-keep] {
		delete(m.campaigns, o.ID())
	}
}

// TestSingleSession launches one session outside any campaign and blocks
// until the worker reports its outcome or ctx ends. Campaign stats and
// ceilings are not involved.
func (m *Manager) TestSingleSession(ctx context.Context, targetURL string, profile model.Profile) (model.Session, error) {
	if profile == "" {
		profile = model.ProfileEfficient
	}
	probe := model.Campaign{TargetURL: strings.TrimSpace(targetURL), LaunchRatePerMinute: 1, MaxConcurrentSessions: 1, Profiles: []model.Profile{profile}}
	if err := validateCampaign(probe, 0); err != nil {
		return model.Session{}, err
	}
	if h := m.Health(); h != model.HealthLive {
		return model.Session{}, fmt.Errorf("%w: health %s", ErrWorkerUnreachable, h)
	}
	id, err := m.testIDs.Allocate(preferFor(profile))
	if err != nil {
		return model.Session{}, err
	}
	defer func() {
		if err := m.testIDs.Release(id); err != nil {
			m.logger.Error("release test identity", zap.Error(err))
		}
	}()

	s := model.Session{
		ID:        uuid.NewString(),
		Identity:  id,
		Profile:   profile,
		StartedAt: time.Now(),
		State:     model.SessionLaunching,
	}
	callback := m.cfg.CallbackURL()

	m.testMu.Lock()
	m.testPending++
	m.testMu.Unlock()
	workerID, err := m.worker.StartSession(ctx, worker.StartRequest{
		TargetURL:   probe.TargetURL,
		Profile:     profile,
		Identity:    id,
		CallbackURL: callback,
	})
	ch := make(chan testResult, 1)
	m.testMu.Lock()
	m.testPending--
	var early *model.SessionResult
	if err == nil {
		if res, ok := m.testEarly[workerID]; ok {
			delete(m.testEarly, workerID)
			early = &res
		} else if callback != "" {
			m.testWaiters[workerID] = ch
		}
	}
	var dropped []string
	if m.testPending == 0 {
		for wid := range m.testEarly {
			dropped = append(dropped, wid)
		}
		m.testEarly = make(map[string]model.SessionResult)
	}
	m.testMu.Unlock()
	if early != nil {
		m.resolveHeld(workerID, true)
	}
	for _, wid := range dropped {
		m.resolveHeld(wid, false)
	}
	if err != nil {
		return s, err
	}
	s.WorkerSessionID = workerID

	var res model.SessionResult
	switch {
	case early != nil:
		res = *early
	case callback != "":
		select {
		case r := <-ch:
			res = r.res
		case <-ctx.Done():
			m.testMu.Lock()
			delete(m.testWaiters, workerID)
			m.testMu.Unlock()
			return s, ctx.Err()
		}
	default:
		res, err = m.pollTest(ctx, workerID)
		if err != nil {
			return s, err
		}
	}

	s.Result = &res
	if res.Success {
		s.State = model.SessionCompleted
	} else {
		s.State = model.SessionFailed
	}
	m.logger.Info("test session finished",
		zap.String("workerSessionId", workerID),
		zap.Bool("success", res.Success),
		zap.Int("pageViews", res.Counters.PageViews),
	)
	return s, nil
}

func (m *Manager) pollTest(ctx context.Context, workerID string) (model.SessionResult, error) {
	ticker := time.NewTicker(m.cfg.Worker.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return model.SessionResult{}, ctx.Err()
		case <-ticker.C:
		}
		st, err := m.worker.GetSession(ctx, workerID)
		if err != nil {
			m.logger.Debug("poll test session", zap.String("workerSessionId", workerID), zap.Error(err))
			continue
		}
		if st.Terminal() {
			return st.Result(), nil
		}
	}
}

func (m *Manager) onHealth(prev, next model.HealthState) {
	for _, o := range m.List() {
		if o.State() == model.CampaignRunning || o.State() == model.CampaignStopping {
			o.NoteHealth(prev, next)
		}
	}
}

func (m *Manager) persistCampaign(c model.Campaign) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpsertCampaign(ctx, c); err != nil {
		m.logger.Warn("persist campaign", zap.String("campaignId", c.ID), zap.Error(err))
	}
}

func (m *Manager) campaignStopped(c model.Campaign, stats model.CampaignStats) {
	snap := model.StatsSnapshot{CampaignID: c.ID, AtMs: time.Now().UnixMilli(), Reason: "final", Stats: stats}
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.AppendSnapshot(ctx, snap); err != nil {
			m.logger.Warn("persist final snapshot", zap.String("campaignId", c.ID), zap.Error(err))
		}
		cancel()
	}
	if m.notifier != nil {
		m.notifier.NotifyCampaignStopped(context.Background(), notify.CampaignStoppedEvent{Campaign: c, Stats: stats, AtMs: snap.AtMs})
	}
}
