package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"campaign_engine/internal/logbus"
	"campaign_engine/internal/model"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
	// TypeHello is the first frame on every connection: the campaign as it is
	// right now, before the activity replay.
	TypeHello = "hello"
)

// Feed is one campaign's push surface.
type Feed interface {
	Bus() *logbus.Bus
	View() model.CampaignView
}

type Lookup func(campaignID string) (Feed, bool)

type Handler struct {
	lookup       Lookup
	allowOrigins []string
	upgrader     websocket.Upgrader
}

func NewHandler(lookup Lookup, allowOrigins []string) *Handler {
	h := &Handler{
		lookup:       lookup,
		allowOrigins: allowOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("campaignId"))
	if id == "" {
		http.Error(w, "campaignId is required", http.StatusBadRequest)
		return
	}
	feed, ok := h.lookup(id)
	if !ok {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	bus := feed.Bus()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(logbus.Message{Type: TypeHello, Time: time.Now().UnixMilli(), Data: feed.View()}); err != nil {
		return
	}
	for _, msg := range bus.Snapshot() {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}

	ch, cancel := bus.Subscribe(256)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
