package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"campaign_engine/internal/logbus"
	"campaign_engine/internal/model"
	"campaign_engine/internal/utils"
	"campaign_engine/internal/worker"
)

// Message types pushed on a campaign's bus next to the retained log entries.
const (
	TypeStats         = "stats"
	TypeCampaignState = "campaign_state"
	TypeHealth        = "health"
)

type Options struct {
	Campaign   model.Campaign
	Worker     worker.Client
	Health     HealthSource
	Identities *IdentityAllocator
	Bus        *logbus.Bus
	Logger     *zap.Logger

	// Limiter is shared by every campaign in the process; nil means no cap.
	Limiter *rate.Limiter
	// CallbackURL is sent with every launch. Empty switches to polling.
	CallbackURL    string
	PollInterval   time.Duration
	SessionTimeout time.Duration
	DrainTimeout   time.Duration
	// MaxConcurrentCap bounds MaxConcurrentSessions; 0 leaves it unbounded.
	MaxConcurrentCap int

	OnStateChange func(model.Campaign)
	OnStopped     func(model.Campaign, model.CampaignStats)
	// OnEarlyResolved reports what became of a completion held by Defer.
	OnEarlyResolved func(workerID string, consumed bool)
}

// Orchestrator runs one campaign: a single tick loop admits sessions, the
// worker reports completions back through Complete (or a poller), and Stop
// drains whatever is still in flight.
type Orchestrator struct {
	worker         worker.Client
	health         HealthSource
	ids            *IdentityAllocator
	pool           *SessionPool
	stats          *StatsAggregator
	bus            *logbus.Bus
	logger         *zap.Logger
	limiter        *rate.Limiter
	callback       string
	pollEvery      time.Duration
	sessionTimeout time.Duration
	drainTimeout   time.Duration
	maxCap         int

	onStateChange func(model.Campaign)
	onStopped     func(model.Campaign, model.CampaignStats)

	mu        sync.Mutex
	campaign  model.Campaign
	cancel    context.CancelFunc
	launchCtx context.Context

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	tickDone   chan struct{}
	dispatches sync.WaitGroup
	wg         sync.WaitGroup
	done       chan struct{}

	// tick goroutine only
	profileIdx int
	lastSkip   string
}

func NewOrchestrator(opts Options) *Orchestrator {
	c := opts.Campaign
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if len(c.Profiles) == 0 {
		c.Profiles = model.AllProfiles()
	}
	if c.State == "" {
		c.State = model.CampaignIdle
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if opts.Bus == nil {
		opts.Bus = logbus.New(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Identities == nil {
		opts.Identities = NewIdentityAllocator(BuildIdentityPool(nil, nil, 0))
	}
	pool := NewSessionPool(c.MaxConcurrentSessions)
	pool.OnEarlyResolved(opts.OnEarlyResolved)
	return &Orchestrator{
		worker:         opts.Worker,
		health:         opts.Health,
		ids:            opts.Identities,
		pool:           pool,
		stats:          NewStatsAggregator(),
		bus:            opts.Bus,
		logger:         opts.Logger.With(zap.String("campaignId", c.ID)),
		limiter:        opts.Limiter,
		callback:       opts.CallbackURL,
		pollEvery:      opts.PollInterval,
		sessionTimeout: opts.SessionTimeout,
		drainTimeout:   opts.DrainTimeout,
		maxCap:         opts.MaxConcurrentCap,
		onStateChange:  opts.OnStateChange,
		onStopped:      opts.OnStopped,
		campaign:       c,
		done:           make(chan struct{}),
	}
}

func (o *Orchestrator) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.campaign.ID
}

func (o *Orchestrator) Campaign() model.Campaign {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.campaign
	c.Profiles = append([]model.Profile(nil), c.Profiles...)
	return c
}

func (o *Orchestrator) State() model.CampaignState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.campaign.State
}

func (o *Orchestrator) Snapshot() model.CampaignStats {
	return o.stats.Snapshot()
}

func (o *Orchestrator) View() model.CampaignView {
	v := model.CampaignView{Campaign: o.Campaign(), Stats: o.Snapshot(), Health: model.HealthUnknown}
	if o.health != nil {
		v.Health = o.health.State()
	}
	return v
}

func (o *Orchestrator) Activity() []logbus.Message {
	return o.bus.Snapshot()
}

func (o *Orchestrator) Bus() *logbus.Bus {
	return o.bus
}

// Sessions lists in-flight sessions, reservations included.
func (o *Orchestrator) Sessions() []model.Session {
	return o.pool.Sessions()
}

func (o *Orchestrator) CurrentCount() int {
	return o.pool.CurrentCount()
}

// Start validates the campaign and begins ticking. A rejected campaign stays
// Idle.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if err := validateCampaign(o.campaign, o.maxCap); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.worker == nil || o.health == nil {
		o.mu.Unlock()
		return errors.New("orchestrator requires a worker client and a health source")
	}
	if o.campaign.State != model.CampaignIdle {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, o.campaign.State)
	}
	o.campaign.State = model.CampaignRunning
	o.campaign.UpdatedAt = time.Now()
	tickCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.launchCtx = tickCtx
	o.lifeCtx, o.lifeCancel = context.WithCancel(context.Background())
	o.tickDone = make(chan struct{})
	c := o.campaign
	o.mu.Unlock()

	go o.runTicks(tickCtx, c.TickInterval())
	if o.sessionTimeout > 0 {
		o.wg.Add(1)
		go o.reap()
	}

	o.bus.Log("info", "campaign", "campaign started", map[string]any{
		"targetUrl":             c.TargetURL,
		"launchRatePerMinute":   c.LaunchRatePerMinute,
		"maxConcurrentSessions": c.MaxConcurrentSessions,
		"identities":            o.ids.Size(),
	})
	o.stateChanged(c)
	return nil
}

// Stop cancels future ticks and drains in the background. It is a no-op
// unless the campaign is Running.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.campaign.State != model.CampaignRunning {
		o.mu.Unlock()
		return
	}
	o.campaign.State = model.CampaignStopping
	o.campaign.UpdatedAt = time.Now()
	o.cancel()
	c := o.campaign
	o.mu.Unlock()

	o.bus.Log("info", "campaign", "campaign stopping", map[string]any{"inFlight": o.pool.CurrentCount()})
	o.stateChanged(c)
	go o.finish()
}

// Wait blocks until the campaign is Stopped or ctx ends. A campaign that was
// never started returns at once.
func (o *Orchestrator) Wait(ctx context.Context) error {
	if o.State() == model.CampaignIdle {
		return nil
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the campaign reaches Stopped.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Complete settles the session the worker knows as workerID. Unknown ids
// return ErrDuplicateCompletion and change nothing. The stop drain does not
// finish until the settle below has run.
func (o *Orchestrator) Complete(workerID string, res model.SessionResult) error {
	s, err := o.pool.Complete(workerID, res)
	if err != nil {
		return err
	}
	o.settle(s, res)
	return nil
}

// Defer handles a completion that may have overtaken its own launch
// response. completed means it settled a session here; held means it waits
// for a launch response still outstanding.
func (o *Orchestrator) Defer(workerID string, res model.SessionResult) (completed, held bool) {
	s, completed, err := o.pool.Defer(workerID, res)
	if err != nil {
		return false, false
	}
	if completed {
		o.settle(s, res)
		return true, false
	}
	return false, true
}

// NoteHealth records a worker health transition in the campaign's feed.
func (o *Orchestrator) NoteHealth(prev, next model.HealthState) {
	level := "info"
	if next != model.HealthLive {
		level = "warn"
	}
	o.bus.Log(level, "health", "worker health changed", map[string]any{"from": prev, "to": next})
	o.bus.Publish(TypeHealth, map[string]any{"state": next})
}

func (o *Orchestrator) runTicks(ctx context.Context, interval time.Duration) {
	defer close(o.tickDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if h := o.health.State(); h != model.HealthLive {
		o.skip("health:"+string(h), "warn", "worker not live, launch skipped", map[string]any{"health": h})
		return
	}
	c := o.Campaign()
	if o.pool.CurrentCount() >= c.MaxConcurrentSessions {
		o.skip("capacity", "", "", nil)
		return
	}

	var reservation *rate.Reservation
	if o.limiter != nil {
		reservation = o.limiter.Reserve()
		if !reservation.OK() || reservation.Delay() > 0 {
			reservation.Cancel()
			o.skip("rate", "", "", nil)
			return
		}
	}

	profile := c.Profiles[o.profileIdx%len(c.Profiles)]
	id, err := o.ids.Allocate(preferFor(profile))
	if err != nil {
		if reservation != nil {
			reservation.Cancel()
		}
		o.skip("identity", "warn", "identity pool exhausted, launch skipped", map[string]any{"held": o.ids.Held()})
		return
	}

	s := model.Session{
		ID:         uuid.NewString(),
		CampaignID: c.ID,
		Identity:   id,
		Profile:    profile,
		StartedAt:  time.Now(),
	}
	if err := o.pool.Register(s); err != nil {
		o.release(id)
		if reservation != nil {
			reservation.Cancel()
		}
		o.logger.Warn("register session", zap.Error(err))
		return
	}
	o.profileIdx++
	o.lastSkip = ""

	o.dispatches.Add(1)
	go o.dispatch(c, s)
}

// skip logs an activity entry only when the reason for skipping changes, so
// a long outage does not flush the ring. An empty level skips silently.
func (o *Orchestrator) skip(reason, level, msg string, fields map[string]any) {
	if reason == o.lastSkip {
		return
	}
	o.lastSkip = reason
	if level != "" {
		o.bus.Log(level, "scheduler", msg, fields)
	}
}

func (o *Orchestrator) dispatch(c model.Campaign, s model.Session) {
	defer o.dispatches.Done()

	o.mu.Lock()
	ctx := o.launchCtx
	running := o.campaign.State == model.CampaignRunning
	o.mu.Unlock()
	if !running {
		o.pool.Abort(s.ID)
		o.release(s.Identity)
		return
	}

	// Stop cancels ctx, so a launch racing it never reaches the worker.
	workerID, err := o.worker.StartSession(ctx, worker.StartRequest{
		TargetURL:   c.TargetURL,
		Profile:     s.Profile,
		Identity:    s.Identity,
		Features:    c.Features,
		CallbackURL: o.callback,
	})
	if err != nil && ctx.Err() != nil {
		o.pool.Abort(s.ID)
		o.release(s.Identity)
		o.bus.Log("info", "launch", "launch cancelled by stop", map[string]any{"sessionId": s.ID})
		return
	}
	if err != nil {
		o.pool.Abort(s.ID)
		o.release(s.Identity)
		o.stats.RecordLaunchAttempt(false)
		o.bus.Log("warn", "launch", "session launch rejected", map[string]any{
			"sessionId": s.ID,
			"profile":   s.Profile,
			"proxy":     s.Identity.ProxyRef,
			"error":     err.Error(),
		})
		o.publishStats("")
		return
	}

	o.stats.RecordLaunchAttempt(true)
	active, early, err := o.pool.Activate(s.ID, workerID)
	if err != nil {
		// the reservation is gone; nothing holds the identity any more
		o.logger.Error("activate session", zap.String("workerSessionId", workerID), zap.Error(err))
		o.release(s.Identity)
		o.stats.RecordCompletion(s.Identity, model.SessionResult{Error: err.Error()})
		return
	}
	o.bus.Log("info", "launch", "session launched", map[string]any{
		"sessionId":       active.ID,
		"workerSessionId": workerID,
		"profile":         active.Profile,
		"proxy":           active.Identity.ProxyRef,
		"fingerprint":     active.Identity.FingerprintRef,
	})
	if early != nil {
		o.settle(active, *early)
		return
	}
	o.publishStats("")

	if o.callback == "" {
		o.wg.Add(1)
		go o.poll(workerID)
	}
}

func (o *Orchestrator) poll(workerID string) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.lifeCtx.Done():
			return
		case <-ticker.C:
		}
		if !o.pool.Has(workerID) {
			return
		}
		st, err := o.worker.GetSession(o.lifeCtx, workerID)
		if err != nil {
			if o.lifeCtx.Err() == nil {
				o.logger.Debug("poll session", zap.String("workerSessionId", workerID), zap.Error(err))
			}
			continue
		}
		if !st.Terminal() {
			if st.State == worker.StatusRunning {
				o.pool.MarkActive(workerID)
			}
			continue
		}
		if err := o.Complete(workerID, st.Result()); err != nil {
			o.logger.Debug("poll completion dropped", zap.String("workerSessionId", workerID), zap.Error(err))
		}
		return
	}
}

func (o *Orchestrator) reap() {
	defer o.wg.Done()
	every := min(o.sessionTimeout/4, time.Second)
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-o.lifeCtx.Done():
			return
		case now := <-ticker.C:
			for _, s := range o.pool.Expire(now, o.sessionTimeout) {
				o.settle(s, model.SessionResult{TimedOut: true, Error: ErrSessionTimeout.Error()})
			}
		}
	}
}

func (o *Orchestrator) finish() {
	<-o.tickDone
	o.dispatches.Wait()

	ctx := context.Background()
	if o.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.drainTimeout)
		defer cancel()
	}
	if err := o.pool.DrainAndWait(ctx); err != nil {
		left := o.pool.EvictLaunched()
		o.bus.Log("warn", "campaign", "drain timed out, abandoning sessions", map[string]any{"sessions": len(left)})
		for _, s := range left {
			o.settle(s, model.SessionResult{TimedOut: true, Error: ErrSessionTimeout.Error()})
		}
		// completions already past the pool are still settling
		_ = o.pool.DrainAndWait(context.Background())
	}

	o.lifeCancel()
	o.wg.Wait()

	stats := o.stats.Snapshot()
	o.mu.Lock()
	o.campaign.State = model.CampaignStopped
	o.campaign.UpdatedAt = time.Now()
	c := o.campaign
	o.mu.Unlock()

	o.bus.Log("info", "campaign", "campaign stopped", map[string]any{
		"totalLaunched": stats.TotalLaunched,
		"successful":    stats.SuccessfulSessions,
		"failed":        stats.FailedSessions,
	})
	o.stateChanged(c)
	o.publishStats("final")
	if o.onStopped != nil {
		o.onStopped(c, stats)
	}
	o.bus.Close()
	close(o.done)
}

// settle accounts for a session the pool has already removed.
func (o *Orchestrator) settle(s model.Session, res model.SessionResult) {
	defer o.pool.Settled()
	if !res.Success && res.Error == "" {
		res.Error = ErrSessionFailed.Error()
	}
	o.release(s.Identity)
	o.stats.RecordCompletion(s.Identity, res)

	fields := map[string]any{
		"sessionId":       s.ID,
		"workerSessionId": s.WorkerSessionID,
		"profile":         s.Profile,
		"pageViews":       res.Counters.PageViews,
		"interactions":    res.Counters.Interactions,
		"scrollActions":   res.Counters.ScrollActions,
		"navigations":     res.Counters.Navigations,
	}
	switch {
	case res.Success:
		o.bus.Log("info", "session", "session completed", fields)
	case res.TimedOut:
		fields["error"] = res.Error
		o.bus.Log("warn", "session", "session timed out", fields)
	default:
		fields["error"] = res.Error
		o.bus.Log("warn", "session", "session failed", fields)
	}
	o.publishStats("")
}

func (o *Orchestrator) release(id model.Identity) {
	if err := o.ids.Release(id); err != nil {
		o.bus.Log("error", "identity", "identity release failed", map[string]any{"error": err.Error()})
	}
}

func (o *Orchestrator) publishStats(reason string) {
	o.bus.Publish(TypeStats, model.StatsSnapshot{
		CampaignID: o.ID(),
		AtMs:       time.Now().UnixMilli(),
		Reason:     reason,
		Stats:      o.stats.Snapshot(),
	})
}

func (o *Orchestrator) stateChanged(c model.Campaign) {
	o.bus.Publish(TypeCampaignState, c)
	if o.onStateChange != nil {
		o.onStateChange(c)
	}
}

// preferFor steers the mobile profile towards handheld fingerprints and the
// rest away from them. It is a preference only.
func preferFor(p model.Profile) func(model.Identity) bool {
	mobile := p == model.ProfileMobile
	return func(id model.Identity) bool {
		return utils.IsMobileFingerprint(id.FingerprintRef) == mobile
	}
}

func validateCampaign(c model.Campaign, maxCap int) error {
	if c.LaunchRatePerMinute <= 0 {
		return fmt.Errorf("%w: launchRatePerMinute must be > 0", ErrInvalidConfig)
	}
	if c.LaunchRatePerMinute > 60000 {
		return fmt.Errorf("%w: launchRatePerMinute must be <= 60000", ErrInvalidConfig)
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("%w: maxConcurrentSessions must be > 0", ErrInvalidConfig)
	}
	if maxCap > 0 && c.MaxConcurrentSessions > maxCap {
		return fmt.Errorf("%w: maxConcurrentSessions must be <= %d", ErrInvalidConfig, maxCap)
	}
	u, err := url.Parse(strings.TrimSpace(c.TargetURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: targetUrl must be an absolute http(s) URL", ErrInvalidConfig)
	}
	for _, p := range c.Profiles {
		if !p.Valid() {
			return fmt.Errorf("%w: unknown profile %q", ErrInvalidConfig, p)
		}
	}
	return nil
}
