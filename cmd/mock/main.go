package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"campaign_engine/internal/model"
	"campaign_engine/internal/worker"
)

// A stand-in for the browser-automation worker. It speaks the same HTTP
// contract and either sleeps through a session or drives a real headless
// browser with -browser.
func main() {
	addr := flag.String("addr", ":8080", "listen address")
	minMs := flag.Int("min-ms", 2000, "shortest simulated session")
	maxMs := flag.Int("max-ms", 8000, "longest simulated session")
	failRate := flag.Float64("fail-rate", 0.1, "share of sessions that end failed")
	rejectRate := flag.Float64("reject-rate", 0, "share of launches refused synchronously")
	useBrowser := flag.Bool("browser", false, "visit targets with a headless browser")
	headless := flag.Bool("headless", true, "run the browser without a window")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &mockWorker{
		minDur:     time.Duration(*minMs) * time.Millisecond,
		maxDur:     time.Duration(*maxMs) * time.Millisecond,
		failRate:   *failRate,
		rejectRate: *rejectRate,
		sessions:   make(map[string]*mockSession),
		push: resty.New().
			SetTimeout(5*time.Second).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(3).
			SetRetryWaitTime(300 * time.Millisecond),
	}
	w.healthy.Store(true)
	if *useBrowser {
		w.browser = newVisitor(*headless)
		defer w.browser.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", w.handleHealth)
	mux.HandleFunc("POST /admin/health", w.handleToggleHealth)
	mux.HandleFunc("POST /sessions", w.handleStart)
	mux.HandleFunc("GET /sessions/{id}", w.handleGet)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("mock worker listening on %s (browser=%v)", *addr, *useBrowser)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	w.wg.Wait()
}

type mockSession struct {
	req    worker.StartRequest
	status worker.SessionStatus
}

type mockWorker struct {
	minDur     time.Duration
	maxDur     time.Duration
	failRate   float64
	rejectRate float64
	browser    *visitor
	push       *resty.Client

	healthy atomic.Bool

	mu       sync.Mutex
	sessions map[string]*mockSession
	wg       sync.WaitGroup
}

func (w *mockWorker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	ok := w.healthy.Load()
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(rw, code, map[string]any{"ok": ok})
}

// POST /admin/health?ok=false makes the probe fail until it is flipped back.
func (w *mockWorker) handleToggleHealth(rw http.ResponseWriter, r *http.Request) {
	ok, err := strconv.ParseBool(r.URL.Query().Get("ok"))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "ok must be true or false"})
		return
	}
	w.healthy.Store(ok)
	log.Printf("health set to %v", ok)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": ok})
}

func (w *mockWorker) handleStart(rw http.ResponseWriter, r *http.Request) {
	var req worker.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if req.TargetURL == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "targetUrl is required"})
		return
	}
	if !w.healthy.Load() {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"error": "worker unavailable"})
		return
	}
	if w.rejectRate > 0 && rand.Float64() < w.rejectRate {
		writeJSON(rw, http.StatusTooManyRequests, map[string]any{"error": "no browser slot"})
		return
	}

	id := uuid.NewString()
	s := &mockSession{req: req, status: worker.SessionStatus{SessionID: id, State: worker.StatusRunning}}
	w.mu.Lock()
	w.sessions[id] = s
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(id, req)
	}()
	writeJSON(rw, http.StatusAccepted, map[string]any{"sessionId": id})
}

func (w *mockWorker) handleGet(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.mu.Lock()
	s, ok := w.sessions[id]
	var status worker.SessionStatus
	if ok {
		status = s.status
	}
	w.mu.Unlock()
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	writeJSON(rw, http.StatusOK, status)
}

func (w *mockWorker) run(id string, req worker.StartRequest) {
	var status worker.SessionStatus
	if w.browser != nil {
		status = w.browser.Visit(context.Background(), req, w.maxDur)
	} else {
		status = w.simulate(req)
	}
	status.SessionID = id

	w.mu.Lock()
	if s, ok := w.sessions[id]; ok {
		s.status = status
	}
	w.mu.Unlock()
	log.Printf("session %s %s pageViews=%d", id, status.State, status.Counters.PageViews)

	if req.CallbackURL != "" {
		w.deliver(req.CallbackURL, status)
	}
}

func (w *mockWorker) simulate(req worker.StartRequest) worker.SessionStatus {
	d := w.minDur
	if w.maxDur > w.minDur {
		d += time.Duration(rand.Int63n(int64(w.maxDur - w.minDur)))
	}
	time.Sleep(d)

	c := model.Counters{PageViews: 1}
	if req.Features.NaturalScrolling {
		c.ScrollActions = 2 + rand.Intn(6)
	}
	if req.Features.InternalNavigation {
		c.Navigations = rand.Intn(3)
		c.PageViews += c.Navigations
	}
	if req.Profile == model.ProfileResearcher {
		c.Interactions = 1 + rand.Intn(4)
	}

	if rand.Float64() < w.failRate {
		return worker.SessionStatus{State: worker.StatusFailed, Counters: c, Error: "simulated failure"}
	}
	return worker.SessionStatus{State: worker.StatusCompleted, Success: true, Counters: c}
}

type completion struct {
	Success  bool           `json:"success"`
	TimedOut bool           `json:"timedOut,omitempty"`
	Error    string         `json:"error,omitempty"`
	Counters model.Counters `json:"counters"`
}

func (w *mockWorker) deliver(callbackURL string, status worker.SessionStatus) {
	body := completion{
		Success:  status.State == worker.StatusCompleted && status.Success,
		TimedOut: status.State == worker.StatusTimeout,
		Error:    status.Error,
		Counters: status.Counters,
	}
	r, err := w.push.R().
		SetPathParam("sessionId", status.SessionID).
		SetBody(body).
		Post(callbackURL + "/sessions/{sessionId}/complete")
	if err != nil {
		log.Printf("callback %s: %v", status.SessionID, err)
		return
	}
	if r.IsError() {
		log.Printf("callback %s: status %d", status.SessionID, r.StatusCode())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
