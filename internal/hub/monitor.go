package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/gorilla/websocket"
)

// outboundQueueSize bounds each monitor's send channel; a monitor slower
// than this is dropped rather than blocking the emitter (§5 backpressure).
const outboundQueueSize = 256

// Monitor is one connected observer client.
type Monitor struct {
	ID   string
	conn *websocket.Conn

	send chan []byte

	mu            sync.RWMutex
	topics        map[event.Topic]bool
	filters       event.Filters
	lastHeartbeat time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newMonitor(id string, conn *websocket.Conn) *Monitor {
	return &Monitor{
		ID:            id,
		conn:          conn,
		send:          make(chan []byte, outboundQueueSize),
		topics:        map[event.Topic]bool{},
		lastHeartbeat: time.Now().UTC(),
		closed:        make(chan struct{}),
	}
}

func (m *Monitor) setSubscription(topics []event.Topic, filters event.Filters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = map[event.Topic]bool{}
	for _, t := range topics {
		m.topics[t] = true
	}
	m.filters = filters
}

func (m *Monitor) touchHeartbeat() {
	m.mu.Lock()
	m.lastHeartbeat = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Monitor) staleSince(threshold time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastHeartbeat) > threshold
}

// wants reports whether e's topics intersect the subscription and every
// declared filter passes.
func (m *Monitor) wants(e event.Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.topics) > 0 {
		matched := false
		for _, t := range e.Topics() {
			if m.topics[t] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return m.filters.Passes(e)
}

// enqueue attempts a non-blocking send; returns false if the monitor's
// queue is full (the caller should drop/disconnect this monitor).
func (m *Monitor) enqueue(payload []byte) bool {
	select {
	case m.send <- payload:
		return true
	default:
		return false
	}
}

func (m *Monitor) close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		close(m.send)
		_ = m.conn.Close()
	})
}

// writePump drains the send channel to the websocket connection until
// closed.
func (m *Monitor) writePump() {
	for payload := range m.send {
		_ = m.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func encodeFrame(t string, v any) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data any     `json:"data,omitempty"`
	}{Type: t, Data: v})
}
