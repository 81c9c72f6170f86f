package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"campaign_engine/internal/model"
	"campaign_engine/internal/worker"
)

// HealthSource is what a campaign reads before each launch.
type HealthSource interface {
	State() model.HealthState
}

// HealthWatcher adds transition notifications.
type HealthWatcher interface {
	HealthSource
	Subscribe(fn func(prev, next model.HealthState)) func()
}

type HealthOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// FailureThreshold is how many consecutive failed probes it takes to
	// leave Live. Leaving Unknown always takes one.
	FailureThreshold int
	Logger           *zap.Logger
}

// HealthMonitor polls the worker's liveness probe independent of any
// campaign. It is the only writer of its state.
type HealthMonitor struct {
	probe     worker.Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int
	logger    *zap.Logger

	state   atomic.Value // model.HealthState
	running atomic.Bool

	mu       sync.Mutex
	failures int
	lastErr  string
	nextSub  int
	subs     map[int]func(prev, next model.HealthState)
	wg       sync.WaitGroup
}

func NewHealthMonitor(probe worker.Prober, opts HealthOptions) *HealthMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &HealthMonitor{
		probe:     probe,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		threshold: opts.FailureThreshold,
		logger:    opts.Logger,
		subs:      make(map[int]func(prev, next model.HealthState)),
	}
	m.state.Store(model.HealthUnknown)
	return m
}

func (m *HealthMonitor) State() model.HealthState {
	if v, ok := m.state.Load().(model.HealthState); ok {
		return v
	}
	return model.HealthUnknown
}

func (m *HealthMonitor) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *HealthMonitor) Subscribe(fn func(prev, next model.HealthState)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start probes once immediately and then on every interval until ctx ends.
func (m *HealthMonitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.running.Store(false)
		m.ProbeOnce(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeOnce(ctx)
			}
		}
	}()
}

// Wait blocks until a started monitor has exited.
func (m *HealthMonitor) Wait() {
	m.wg.Wait()
}

func (m *HealthMonitor) ProbeOnce(ctx context.Context) model.HealthState {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe.Health(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return m.State()
	}

	m.mu.Lock()
	prev := m.State()
	next := prev
	if err == nil {
		m.failures = 0
		m.lastErr = ""
		next = model.HealthLive
	} else {
		m.failures++
		m.lastErr = err.Error()
		if prev != model.HealthLive || m.failures >= m.threshold {
			next = model.HealthUnreachable
		}
	}
	m.state.Store(next)
	var subs []func(prev, next model.HealthState)
	if next != prev {
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	failures := m.failures
	m.mu.Unlock()

	if next != prev {
		fields := []zap.Field{zap.String("from", string(prev)), zap.String("to", string(next))}
		if err != nil {
			fields = append(fields, zap.Error(err), zap.Int("failures", failures))
		}
		m.logger.Info("worker health changed", fields...)
		for _, fn := range subs {
			fn(prev, next)
		}
	} else if err != nil {
		m.logger.Debug("worker probe failed", zap.Error(err), zap.Int("failures", failures))
	}
	return next
}
