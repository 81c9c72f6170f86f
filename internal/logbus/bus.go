package logbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TypeLog is the only message type kept in the ring. Every other type is
// pushed to subscribers and then forgotten.
const TypeLog = "log"

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level    string         `json:"level"`
	Category string         `json:"category"`
	Msg      string         `json:"msg"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Bus is a bounded, overwrite-oldest activity ring with fan-out to
// subscribers. Slow subscribers drop messages rather than block writers.
type Bus struct {
	mu     sync.RWMutex
	ring   []Message
	head   int
	size   int
	subs   map[chan Message]struct{}
	closed bool
	sink   *zap.Logger
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 20
	}
	return &Bus{
		ring: make([]Message, capacity),
		subs: make(map[chan Message]struct{}),
	}
}

// WithSink mirrors retained entries to a process logger.
func (b *Bus) WithSink(l *zap.Logger) *Bus {
	b.mu.Lock()
	b.sink = l
	b.mu.Unlock()
	return b
}

func (b *Bus) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ring)
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Snapshot returns retained entries oldest first.
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, 0, b.size)
	start := (b.head - b.size + len(b.ring)) % len(b.ring)
	for i := 0; i < b.size; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(typ string, data any) {
	msg := Message{
		Type: typ,
		Time: time.Now().UnixMilli(),
		Data: data,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if typ == TypeLog {
		b.ring[b.head] = msg
		b.head = (b.head + 1) % len(b.ring)
		if b.size < len(b.ring) {
			b.size++
		}
	}
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	sink := b.sink
	b.mu.Unlock()

	if sink != nil && typ == TypeLog {
		if d, ok := data.(LogData); ok {
			mirror(sink, d)
		}
	}
}

func (b *Bus) Log(level, category, message string, fields map[string]any) {
	b.Publish(TypeLog, LogData{Level: level, Category: category, Msg: message, Fields: fields})
}

func mirror(l *zap.Logger, d LogData) {
	zf := make([]zap.Field, 0, len(d.Fields)+1)
	zf = append(zf, zap.String("category", d.Category))
	for k, v := range d.Fields {
		zf = append(zf, zap.Any(k, v))
	}
	switch d.Level {
	case "debug":
		l.Debug(d.Msg, zf...)
	case "warn":
		l.Warn(d.Msg, zf...)
	case "error":
		l.Error(d.Msg, zf...)
	default:
		l.Info(d.Msg, zf...)
	}
}
