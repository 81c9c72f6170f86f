package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"campaign_engine/internal/logbus"
	"campaign_engine/internal/model"
	"campaign_engine/internal/worker"
)

type fakeWorker struct {
	posts  atomic.Int64
	reject atomic.Bool

	mu        sync.Mutex
	seq       int
	requests  map[string]worker.StartRequest
	statuses  map[string]worker.SessionStatus
	healthErr error
	// onAccept runs after the session exists on the worker but before its
	// id is returned to the caller.
	onAccept func(id string)
	// gate, when set, holds every launch until it is closed or the caller's
	// context ends.
	gate chan struct{}
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		requests: make(map[string]worker.StartRequest),
		statuses: make(map[string]worker.SessionStatus),
	}
}

func (f *fakeWorker) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeWorker) StartSession(ctx context.Context, req worker.StartRequest) (string, error) {
	f.posts.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.reject.Load() {
		return "", fmt.Errorf("%w: status 429: no browser slot", worker.ErrLaunchRejected)
	}
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("w-%d", f.seq)
	f.requests[id] = req
	f.statuses[id] = worker.SessionStatus{SessionID: id, State: worker.StatusRunning}
	hook := f.onAccept
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (f *fakeWorker) GetSession(_ context.Context, id string) (worker.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return worker.SessionStatus{}, fmt.Errorf("status 404: session not found")
	}
	return st, nil
}

func (f *fakeWorker) setOnAccept(fn func(id string)) {
	f.mu.Lock()
	f.onAccept = fn
	f.mu.Unlock()
}

func (f *fakeWorker) setGate(ch chan struct{}) {
	f.mu.Lock()
	f.gate = ch
	f.mu.Unlock()
}

func (f *fakeWorker) setHealthErr(err error) {
	f.mu.Lock()
	f.healthErr = err
	f.mu.Unlock()
}

func (f *fakeWorker) finish(id string, st worker.SessionStatus) {
	f.mu.Lock()
	st.SessionID = id
	f.statuses[id] = st
	f.mu.Unlock()
}

func (f *fakeWorker) request(id string) (worker.StartRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	return r, ok
}

// idsFor returns worker session ids whose launch targeted url.
func (f *fakeWorker) idsFor(url string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, r := range f.requests {
		if r.TargetURL == url {
			out = append(out, id)
		}
	}
	return out
}

type fakeHealth struct {
	mu    sync.Mutex
	state model.HealthState
	next  int
	subs  map[int]func(prev, next model.HealthState)
}

func newFakeHealth(s model.HealthState) *fakeHealth {
	return &fakeHealth{state: s, subs: make(map[int]func(prev, next model.HealthState))}
}

func (h *fakeHealth) State() model.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHealth) Subscribe(fn func(prev, next model.HealthState)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *fakeHealth) Set(s model.HealthState) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	var subs []func(prev, next model.HealthState)
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	if prev == s {
		return
	}
	for _, fn := range subs {
		fn(prev, s)
	}
}

func testCampaign() model.Campaign {
	return model.Campaign{
		TargetURL:             "https://example.com/landing",
		LaunchRatePerMinute:   6000,
		MaxConcurrentSessions: 3,
		Features:              model.Features{NaturalScrolling: true},
	}
}

func newTestOrchestrator(w *fakeWorker, h HealthSource, mutate func(*Options)) *Orchestrator {
	opts := Options{
		Campaign:    testCampaign(),
		Worker:      w,
		Health:      h,
		CallbackURL: "http://orchestrator.test/api/v1/worker",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewOrchestrator(opts)
}

func stopAndWait(t *testing.T, o *Orchestrator) {
	t.Helper()
	o.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
}

func countLogs(msgs []logbus.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if d, ok := m.Data.(logbus.LogData); ok && d.Msg == text {
			n++
		}
	}
	return n
}

func requireLedger(t *testing.T, s model.CampaignStats) {
	t.Helper()
	require.Equal(t, s.TotalLaunched-s.ActiveSessions, s.SuccessfulSessions+s.FailedSessions, "%+v", s)
}
