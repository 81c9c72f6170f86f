package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"campaign_engine/internal/model"
)

const maxEarlyCompletions = 64

// SessionPool is the authority on how many sessions of one campaign are in
// flight. A slot is reserved (Pending) at admission, bound to the worker's
// session id on acceptance (Launching) and freed on completion, abort or
// expiry. A session removed by completion or expiry stays settling until the
// caller reports Settled, and DrainAndWait waits for those too.
type SessionPool struct {
	max   int
	count atomic.Int64

	mu       sync.Mutex
	sessions map[string]*model.Session
	byWorker map[string]string
	pending  int
	settling int
	ch       chan struct{}

	// completions that arrived before the dispatch that produced them returned
	early      map[string]model.SessionResult
	earlyOrder []string
	onEarly    func(workerID string, consumed bool)
}

func NewSessionPool(max int) *SessionPool {
	return &SessionPool{
		max:      max,
		sessions: make(map[string]*model.Session),
		byWorker: make(map[string]string),
		early:    make(map[string]model.SessionResult),
		ch:       make(chan struct{}),
	}
}

func (p *SessionPool) Max() int { return p.max }

// OnEarlyResolved is told when a held completion is consumed by Activate or
// dropped unclaimed. Set it before the pool is shared.
func (p *SessionPool) OnEarlyResolved(fn func(workerID string, consumed bool)) {
	p.onEarly = fn
}

// CurrentCount includes reserved slots that have not been accepted yet.
func (p *SessionPool) CurrentCount() int {
	return int(p.count.Load())
}

func (p *SessionPool) Register(s model.Session) error {
	p.mu.Lock()
	if len(p.sessions) >= p.max {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d/%d", ErrCapacityExceeded, len(p.sessions), p.max)
	}
	if _, ok := p.sessions[s.ID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("session %s already registered", s.ID)
	}
	s.State = model.SessionPending
	s.Result = nil
	p.sessions[s.ID] = &s
	p.pending++
	p.count.Store(int64(len(p.sessions)))
	p.mu.Unlock()
	p.signalChanged()
	return nil
}

// Activate binds a reserved slot to the worker's session id. If the worker's
// completion overtook its own acceptance, the session is settled right here
// and the stashed result is returned.
func (p *SessionPool) Activate(id, workerID string) (model.Session, *model.SessionResult, error) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok || s.State != model.SessionPending {
		p.mu.Unlock()
		return model.Session{}, nil, fmt.Errorf("session %s is not pending", id)
	}
	p.pending--
	s.WorkerSessionID = workerID
	s.State = model.SessionLaunching

	res, early := p.early[workerID]
	if early {
		p.dropEarlyLocked(workerID)
		p.finishLocked(s, res)
	} else {
		p.byWorker[workerID] = id
	}
	dropped := p.resetEarlyLocked()
	out := *s
	p.mu.Unlock()
	p.signalChanged()
	if early && p.onEarly != nil {
		p.onEarly(workerID, true)
	}
	p.reportDropped(dropped)

	if early {
		return out, &res, nil
	}
	return out, nil, nil
}

// Abort frees a reservation whose dispatch never reached the worker.
func (p *SessionPool) Abort(id string) (model.Session, bool) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok || s.State != model.SessionPending {
		p.mu.Unlock()
		return model.Session{}, false
	}
	p.pending--
	delete(p.sessions, id)
	p.count.Store(int64(len(p.sessions)))
	dropped := p.resetEarlyLocked()
	out := *s
	p.mu.Unlock()
	p.signalChanged()
	p.reportDropped(dropped)
	return out, true
}

// Complete removes the session owning workerID and returns it in its
// terminal state. Unknown ids (duplicates, late callbacks after an expiry)
// yield ErrDuplicateCompletion.
func (p *SessionPool) Complete(workerID string, res model.SessionResult) (model.Session, error) {
	p.mu.Lock()
	id, ok := p.byWorker[workerID]
	if !ok {
		p.mu.Unlock()
		return model.Session{}, fmt.Errorf("%w: %s", ErrDuplicateCompletion, workerID)
	}
	s := p.sessions[id]
	p.finishLocked(s, res)
	out := *s
	p.mu.Unlock()
	p.signalChanged()
	return out, nil
}

// Defer is the fallback for a completion nobody owned when it arrived. If
// the worker id has since been bound it is completed here. Otherwise the
// result is held for Activate, but only while a dispatch is outstanding.
func (p *SessionPool) Defer(workerID string, res model.SessionResult) (model.Session, bool, error) {
	p.mu.Lock()
	if id, ok := p.byWorker[workerID]; ok {
		s := p.sessions[id]
		p.finishLocked(s, res)
		out := *s
		p.mu.Unlock()
		p.signalChanged()
		return out, true, nil
	}
	if p.pending == 0 {
		p.mu.Unlock()
		return model.Session{}, false, fmt.Errorf("%w: %s", ErrDuplicateCompletion, workerID)
	}
	if _, ok := p.early[workerID]; !ok {
		p.earlyOrder = append(p.earlyOrder, workerID)
	}
	p.early[workerID] = res
	var dropped []string
	for len(p.earlyOrder) > maxEarlyCompletions {
		dropped = append(dropped, p.earlyOrder[0])
		delete(p.early, p.earlyOrder[0])
		p.earlyOrder = p.earlyOrder[1:]
	}
	p.mu.Unlock()
	p.reportDropped(dropped)
	return model.Session{}, false, nil
}

// Settled marks one removed session as fully accounted for by the caller.
func (p *SessionPool) Settled() {
	p.mu.Lock()
	if p.settling > 0 {
		p.settling--
	}
	p.mu.Unlock()
	p.signalChanged()
}

// Pending is the number of reservations still waiting on the worker.
func (p *SessionPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// MarkActive records that the worker reported the session as running.
func (p *SessionPool) MarkActive(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byWorker[workerID]
	if !ok {
		return false
	}
	p.sessions[id].State = model.SessionActive
	return true
}

func (p *SessionPool) Has(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byWorker[workerID]
	return ok
}

// Expire removes launched sessions older than timeout. Reservations are left
// alone: their dispatch goroutine resolves them.
func (p *SessionPool) Expire(now time.Time, timeout time.Duration) []model.Session {
	if timeout <= 0 {
		return nil
	}
	return p.evict(func(s *model.Session) bool {
		return s.State != model.SessionPending && now.Sub(s.StartedAt) >= timeout
	})
}

// EvictLaunched removes every launched session regardless of age.
func (p *SessionPool) EvictLaunched() []model.Session {
	return p.evict(func(s *model.Session) bool {
		return s.State != model.SessionPending
	})
}

func (p *SessionPool) evict(match func(*model.Session) bool) []model.Session {
	p.mu.Lock()
	var out []model.Session
	for id, s := range p.sessions {
		if !match(s) {
			continue
		}
		delete(p.byWorker, s.WorkerSessionID)
		delete(p.sessions, id)
		out = append(out, *s)
	}
	p.settling += len(out)
	p.count.Store(int64(len(p.sessions)))
	p.mu.Unlock()
	if len(out) > 0 {
		p.signalChanged()
	}
	return out
}

// DrainAndWait returns once the pool is empty and every removed session has
// settled, or ctx ends.
func (p *SessionPool) DrainAndWait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.sessions) == 0 && p.settling == 0 {
			p.mu.Unlock()
			return nil
		}
		ch := p.ch
		p.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sessions returns a copy of the in-flight sessions, oldest first.
func (p *SessionPool) Sessions() []model.Session {
	p.mu.Lock()
	out := make([]model.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (p *SessionPool) finishLocked(s *model.Session, res model.SessionResult) {
	r := res
	s.Result = &r
	if res.Success {
		s.State = model.SessionCompleted
	} else {
		s.State = model.SessionFailed
	}
	delete(p.byWorker, s.WorkerSessionID)
	delete(p.sessions, s.ID)
	p.settling++
	p.count.Store(int64(len(p.sessions)))
}

// resetEarlyLocked clears the stash once no dispatch is outstanding and
// returns the worker ids nobody claimed.
func (p *SessionPool) resetEarlyLocked() []string {
	if p.pending != 0 {
		return nil
	}
	dropped := p.earlyOrder
	p.early = make(map[string]model.SessionResult)
	p.earlyOrder = nil
	return dropped
}

func (p *SessionPool) reportDropped(ids []string) {
	if p.onEarly == nil {
		return
	}
	for _, id := range ids {
		p.onEarly(id, false)
	}
}

func (p *SessionPool) dropEarlyLocked(workerID string) {
	delete(p.early, workerID)
	for i, id := range p.earlyOrder {
		if id == workerID {
			p.earlyOrder = append(p.earlyOrder[:i], p.earlyOrder[i+1:]...)
			break
		}
	}
}

func (p *SessionPool) signalChanged() {
	p.mu.Lock()
	ch := p.ch
	p.ch = make(chan struct{})
	p.mu.Unlock()
	close(ch)
}
