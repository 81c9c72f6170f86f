package engine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"campaign_engine/internal/logbus"
	"campaign_engine/internal/model"
	"campaign_engine/internal/worker"
)

func TestStartRejectsInvalidCampaign(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Campaign)
	}{
		{"zero rate", func(c *model.Campaign) { c.LaunchRatePerMinute = 0 }},
		{"rate too high", func(c *model.Campaign) { c.LaunchRatePerMinute = 60001 }},
		{"zero ceiling", func(c *model.Campaign) { c.MaxConcurrentSessions = 0 }},
		{"ceiling over cap", func(c *model.Campaign) { c.MaxConcurrentSessions = 6 }},
		{"relative url", func(c *model.Campaign) { c.TargetURL = "/landing" }},
		{"ftp url", func(c *model.Campaign) { c.TargetURL = "ftp://example.com/file" }},
		{"unknown profile", func(c *model.Campaign) { c.Profiles = []model.Profile{"speedrunner"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeWorker()
			o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
				tt.mutate(&opts.Campaign)
				opts.MaxConcurrentCap = 5
			})
			require.ErrorIs(t, o.Start(), ErrInvalidConfig)
			assert.Equal(t, model.CampaignIdle, o.State())
			require.NoError(t, o.Wait(context.Background()))
			assert.Zero(t, w.posts.Load())
		})
	}
}

func TestStartTwice(t *testing.T) {
	o := newTestOrchestrator(newFakeWorker(), newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.DrainTimeout = 20 * time.Millisecond
	})
	require.NoError(t, o.Start())
	require.ErrorIs(t, o.Start(), ErrAlreadyStarted)
	stopAndWait(t, o)
	require.ErrorIs(t, o.Start(), ErrAlreadyStarted)
}

func TestCeilingIsNeverExceeded(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWorker()
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 3
		opts.DrainTimeout = 30 * time.Millisecond
	})
	require.NoError(t, o.Start())

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.LessOrEqual(t, o.CurrentCount(), 3)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, int64(3), w.posts.Load())
	assert.Equal(t, 3, o.Snapshot().ActiveSessions)

	stopAndWait(t, o)
	assert.Equal(t, model.CampaignStopped, o.State())
	assert.Equal(t, 0, o.CurrentCount())
	assert.Equal(t, int64(3), w.posts.Load())

	s := o.Snapshot()
	assert.Equal(t, 3, s.TotalLaunched)
	assert.Equal(t, 3, s.FailedSessions)
	assert.Equal(t, 0, s.ActiveSessions)
	requireLedger(t, s)
	assert.Equal(t, 1, countLogs(o.Activity(), "drain timed out, abandoning sessions"))
}

func TestStopDrainsInFlightSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWorker()
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 2
	})
	require.NoError(t, o.Start())
	require.Eventually(t, func() bool {
		s := o.Sessions()
		return len(s) == 2 && s[0].WorkerSessionID != "" && s[1].WorkerSessionID != ""
	}, time.Second, 2*time.Millisecond)

	o.Stop()
	assert.Equal(t, model.CampaignStopping, o.State())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, model.CampaignStopping, o.State())

	for _, s := range o.Sessions() {
		require.NoError(t, o.Complete(s.WorkerSessionID, model.SessionResult{Success: true, Counters: model.Counters{PageViews: 2}}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))

	assert.Equal(t, model.CampaignStopped, o.State())
	assert.Equal(t, int64(2), w.posts.Load())
	s := o.Snapshot()
	assert.Equal(t, 2, s.SuccessfulSessions)
	assert.Equal(t, 4, s.PageViews)
	assert.InDelta(t, 1.0, s.SuccessRate, 1e-9)
	requireLedger(t, s)

	// stopping again changes nothing
	o.Stop()
	assert.Equal(t, model.CampaignStopped, o.State())
}

func TestNoLaunchWhileWorkerUnreachable(t *testing.T) {
	w := newFakeWorker()
	h := newFakeHealth(model.HealthUnreachable)
	o := newTestOrchestrator(w, h, func(opts *Options) {
		opts.DrainTimeout = 20 * time.Millisecond
	})
	require.NoError(t, o.Start())
	defer stopAndWait(t, o)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, w.posts.Load())
	assert.Equal(t, 1, countLogs(o.Activity(), "worker not live, launch skipped"))

	h.Set(model.HealthLive)
	require.Eventually(t, func() bool { return w.posts.Load() > 0 }, time.Second, 2*time.Millisecond)
}

func TestHealthLossMidRunStopsLaunches(t *testing.T) {
	w := newFakeWorker()
	h := newFakeHealth(model.HealthLive)
	o := newTestOrchestrator(w, h, func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1000
		opts.DrainTimeout = 20 * time.Millisecond
	})
	require.NoError(t, o.Start())
	defer stopAndWait(t, o)

	require.Eventually(t, func() bool { return w.posts.Load() >= 3 }, time.Second, 2*time.Millisecond)
	h.Set(model.HealthUnreachable)
	time.Sleep(30 * time.Millisecond)
	settled := w.posts.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, w.posts.Load())
}

func TestLaunchRateIsHonored(t *testing.T) {
	w := newFakeWorker()
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.LaunchRatePerMinute = 600
		opts.Campaign.MaxConcurrentSessions = 100
		opts.DrainTimeout = 20 * time.Millisecond
	})
	require.NoError(t, o.Start())
	time.Sleep(550 * time.Millisecond)
	posts := w.posts.Load()
	stopAndWait(t, o)

	assert.GreaterOrEqual(t, posts, int64(3))
	assert.LessOrEqual(t, posts, int64(6))
}

func TestSharedLimiterCapsLaunches(t *testing.T) {
	w := newFakeWorker()
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 100
		opts.Limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
		opts.DrainTimeout = 20 * time.Millisecond
	})
	require.NoError(t, o.Start())
	time.Sleep(250 * time.Millisecond)
	posts := w.posts.Load()
	stopAndWait(t, o)

	assert.GreaterOrEqual(t, posts, int64(2))
	assert.LessOrEqual(t, posts, int64(4))
}

func TestIdentityPoolSmallerThanCeiling(t *testing.T) {
	w := newFakeWorker()
	ids := NewIdentityAllocator([]model.Identity{{ProxyRef: "direct", FingerprintRef: "desktop-chrome-windows"}})
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 2
		opts.Identities = ids
		opts.DrainTimeout = 20 * time.Millisecond
	})
	require.NoError(t, o.Start())
	defer stopAndWait(t, o)

	require.Eventually(t, func() bool { return w.posts.Load() == 1 && len(o.Sessions()) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), w.posts.Load())
	assert.Equal(t, 1, countLogs(o.Activity(), "identity pool exhausted, launch skipped"))

	require.Eventually(t, func() bool {
		s := o.Sessions()
		return len(s) == 1 && s[0].WorkerSessionID != ""
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, o.Complete(o.Sessions()[0].WorkerSessionID, model.SessionResult{Success: true}))
	require.Eventually(t, func() bool { return w.posts.Load() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, o.Snapshot().DistinctIdentities)
}

func TestSynchronousRejectCountsAsFailed(t *testing.T) {
	w := newFakeWorker()
	w.reject.Store(true)
	ids := NewIdentityAllocator(BuildIdentityPool(nil, nil, 0))
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1
		opts.Identities = ids
	})
	require.NoError(t, o.Start())
	require.Eventually(t, func() bool { return o.Snapshot().FailedSessions >= 3 }, time.Second, 2*time.Millisecond)
	stopAndWait(t, o)

	s := o.Snapshot()
	assert.Equal(t, s.TotalLaunched, s.FailedSessions)
	assert.Zero(t, s.ActiveSessions)
	assert.Zero(t, o.CurrentCount())
	assert.Zero(t, ids.Held())
	assert.Positive(t, countLogs(o.Activity(), "session launch rejected"))
}

func TestCompletionBeforeLaunchResponse(t *testing.T) {
	w := newFakeWorker()
	var o *Orchestrator
	w.setOnAccept(func(id string) {
		completed, held := o.Defer(id, model.SessionResult{Success: true, Counters: model.Counters{PageViews: 1}})
		assert.False(t, completed)
		assert.True(t, held)
	})
	o = newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1
	})
	require.NoError(t, o.Start())
	require.Eventually(t, func() bool { return o.Snapshot().SuccessfulSessions >= 2 }, time.Second, 2*time.Millisecond)
	stopAndWait(t, o)

	s := o.Snapshot()
	assert.Zero(t, s.ActiveSessions)
	assert.Equal(t, s.TotalLaunched, s.SuccessfulSessions)
	assert.Equal(t, s.SuccessfulSessions, s.PageViews)
}

func TestUnknownCompletionIsRejected(t *testing.T) {
	o := newTestOrchestrator(newFakeWorker(), newFakeHealth(model.HealthLive), nil)
	require.ErrorIs(t, o.Complete("w-404", model.SessionResult{Success: true}), ErrDuplicateCompletion)
	completed, held := o.Defer("w-404", model.SessionResult{Success: true})
	assert.False(t, completed)
	assert.False(t, held)
	assert.Equal(t, model.CampaignStats{}, o.Snapshot())
}

func TestPollModeCompletesSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWorker()
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1
		opts.CallbackURL = ""
		opts.PollInterval = 5 * time.Millisecond
		opts.DrainTimeout = 50 * time.Millisecond
	})
	require.NoError(t, o.Start())

	require.Eventually(t, func() bool {
		s := o.Sessions()
		return len(s) == 1 && s[0].State == model.SessionActive
	}, time.Second, 2*time.Millisecond)
	req, ok := w.request("w-1")
	require.True(t, ok)
	assert.Empty(t, req.CallbackURL)
	assert.True(t, req.Features.NaturalScrolling)

	w.finish("w-1", worker.SessionStatus{State: worker.StatusCompleted, Success: true, Counters: model.Counters{PageViews: 3}})
	require.Eventually(t, func() bool { return o.Snapshot().SuccessfulSessions == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 3, o.Snapshot().PageViews)

	stopAndWait(t, o)
	requireLedger(t, o.Snapshot())
}

func TestCallbackURLIsForwarded(t *testing.T) {
	w := newFakeWorker()
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1
		opts.Campaign.Profiles = []model.Profile{model.ProfileMobile}
		opts.DrainTimeout = 20 * time.Millisecond
	})
	require.NoError(t, o.Start())
	defer stopAndWait(t, o)

	require.Eventually(t, func() bool { _, ok := w.request("w-1"); return ok }, time.Second, 2*time.Millisecond)
	req, _ := w.request("w-1")
	assert.Equal(t, "http://orchestrator.test/api/v1/worker", req.CallbackURL)
	assert.Equal(t, model.ProfileMobile, req.Profile)
	assert.Equal(t, "mobile-safari-ios", req.Identity.FingerprintRef)
}

func TestStuckSessionsTimeOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWorker()
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1
		opts.SessionTimeout = 40 * time.Millisecond
	})
	require.NoError(t, o.Start())

	require.Eventually(t, func() bool { return o.Snapshot().FailedSessions >= 1 }, time.Second, 2*time.Millisecond)
	assert.Positive(t, countLogs(o.Activity(), "session timed out"))
	require.ErrorIs(t, o.Complete("w-1", model.SessionResult{Success: true}), ErrDuplicateCompletion)

	// the freed slot is reused
	require.Eventually(t, func() bool { return w.posts.Load() >= 2 }, time.Second, 2*time.Millisecond)
	stopAndWait(t, o)
	requireLedger(t, o.Snapshot())
}

func TestLedgerHoldsUnderChurn(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWorker()
	var o *Orchestrator
	var pushes sync.WaitGroup
	w.setOnAccept(func(id string) {
		pushes.Add(1)
		go func() {
			defer pushes.Done()
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			res := model.SessionResult{Success: rand.Intn(3) > 0, Counters: model.Counters{PageViews: 1}}
			if o.Complete(id, res) != nil {
				o.Defer(id, res)
			}
		}()
	})
	var final model.CampaignStats
	o = newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 5
		opts.DrainTimeout = 200 * time.Millisecond
		opts.OnStopped = func(_ model.Campaign, s model.CampaignStats) { final = s }
	})
	require.NoError(t, o.Start())

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		requireLedger(t, o.Snapshot())
		require.LessOrEqual(t, o.CurrentCount(), 5)
		time.Sleep(time.Millisecond)
	}
	stopAndWait(t, o)

	// the stats handed out at Stopped already hold every settled session
	requireLedger(t, final)
	assert.Zero(t, final.ActiveSessions)
	assert.Equal(t, final, o.Snapshot())

	pushes.Wait()
	s := o.Snapshot()
	assert.Equal(t, final, s)
	assert.Zero(t, o.CurrentCount())
	assert.Positive(t, s.TotalLaunched)
}

func TestFinalSnapshotWaitsForSettlingCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWorker()
	ids := NewIdentityAllocator(BuildIdentityPool(nil, nil, 0))
	var final model.CampaignStats
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1
		opts.Identities = ids
		opts.OnStopped = func(_ model.Campaign, s model.CampaignStats) { final = s }
	})
	require.NoError(t, o.Start())
	require.Eventually(t, func() bool {
		s := o.Sessions()
		return len(s) == 1 && s[0].WorkerSessionID != ""
	}, time.Second, 2*time.Millisecond)
	wid := o.Sessions()[0].WorkerSessionID
	o.Stop()

	// stall the completion inside its settle by holding the allocator
	ids.mu.Lock()
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		assert.NoError(t, o.Complete(wid, model.SessionResult{Success: true, Counters: model.Counters{PageViews: 2}}))
	}()
	require.Eventually(t, func() bool { return o.CurrentCount() == 0 }, time.Second, time.Millisecond)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Wait(short), context.DeadlineExceeded)
	assert.Equal(t, model.CampaignStopping, o.State())

	ids.mu.Unlock()
	<-delivered
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, o.Wait(ctx))

	assert.Equal(t, 1, final.SuccessfulSessions)
	assert.Equal(t, 2, final.PageViews)
	assert.Zero(t, final.ActiveSessions)
	requireLedger(t, final)
	assert.Equal(t, final, o.Snapshot())
	assert.Zero(t, ids.Held())
}

func TestStopCancelsLaunchInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWorker()
	w.setGate(make(chan struct{}))
	ids := NewIdentityAllocator(BuildIdentityPool(nil, nil, 0))
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1
		opts.Identities = ids
	})
	require.NoError(t, o.Start())
	require.Eventually(t, func() bool { return w.posts.Load() == 1 }, time.Second, 2*time.Millisecond)

	stopAndWait(t, o)
	assert.Equal(t, int64(1), w.posts.Load())
	assert.Equal(t, model.CampaignStats{}, o.Snapshot())
	assert.Zero(t, o.CurrentCount())
	assert.Zero(t, ids.Held())
	assert.Equal(t, 1, countLogs(o.Activity(), "launch cancelled by stop"))
}

func TestFixedDelaySessionsAtTwoConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWorker()
	var o *Orchestrator
	var pushes sync.WaitGroup
	w.setOnAccept(func(id string) {
		pushes.Add(1)
		go func() {
			defer pushes.Done()
			time.Sleep(250 * time.Millisecond)
			res := model.SessionResult{Success: true, Counters: model.Counters{PageViews: 1}}
			if o.Complete(id, res) != nil {
				o.Defer(id, res)
			}
		}()
	})
	// 600/min is the one-per-second scenario at ten times speed
	o = newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.LaunchRatePerMinute = 600
		opts.Campaign.MaxConcurrentSessions = 2
		opts.DrainTimeout = 2 * time.Second
	})
	require.NoError(t, o.Start())

	deadline := time.Now().Add(550 * time.Millisecond)
	for time.Now().Before(deadline) {
		s := o.Snapshot()
		require.LessOrEqual(t, s.ActiveSessions, 2)
		require.LessOrEqual(t, o.CurrentCount(), 2)
		time.Sleep(2 * time.Millisecond)
	}
	launched := o.Snapshot().TotalLaunched
	// ticks at 100..500ms; the 300ms tick finds both slots busy
	assert.GreaterOrEqual(t, launched, 3)
	assert.LessOrEqual(t, launched, 5)

	stopAndWait(t, o)
	pushes.Wait()
	s := o.Snapshot()
	assert.Zero(t, s.ActiveSessions)
	assert.Equal(t, s.TotalLaunched, s.SuccessfulSessions)
	assert.Equal(t, s.TotalLaunched, s.PageViews)
}

func TestStatsArePublished(t *testing.T) {
	w := newFakeWorker()
	o := newTestOrchestrator(w, newFakeHealth(model.HealthLive), func(opts *Options) {
		opts.Campaign.MaxConcurrentSessions = 1
		opts.Bus = logbus.New(50)
		opts.DrainTimeout = 20 * time.Millisecond
	})
	ch, cancel := o.Bus().Subscribe(256)
	defer cancel()

	require.NoError(t, o.Start())
	stopAndWait(t, o)

	// the bus closes once the campaign is stopped, which ends the range
	var sawRunning, sawStopped, sawFinal bool
	for msg := range ch {
		switch msg.Type {
		case TypeCampaignState:
			c := msg.Data.(model.Campaign)
			sawRunning = sawRunning || c.State == model.CampaignRunning
			sawStopped = sawStopped || c.State == model.CampaignStopped
		case TypeStats:
			snap := msg.Data.(model.StatsSnapshot)
			if snap.Reason == "final" {
				sawFinal = true
				assert.Equal(t, o.Snapshot(), snap.Stats)
			}
		}
	}
	assert.True(t, sawRunning)
	assert.True(t, sawStopped)
	assert.True(t, sawFinal)
}

func TestNoteHealthPublishes(t *testing.T) {
	o := newTestOrchestrator(newFakeWorker(), newFakeHealth(model.HealthLive), nil)
	ch, cancel := o.Bus().Subscribe(8)
	defer cancel()

	o.NoteHealth(model.HealthLive, model.HealthUnreachable)
	assert.Equal(t, 1, countLogs(o.Activity(), "worker health changed"))

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Contains(t, types, TypeHealth)
}
