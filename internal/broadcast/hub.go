// Package broadcast fans session events out to live listeners on a
// best-effort basis.
package broadcast

import (
	"log/slog"
	"sync"
	"time"
)

// Event types emitted on a session stream.
const (
	TypeToolInputStart      = "tool-input-start"
	TypeToolOutputAvailable = "tool-output-available"
	TypeTextDelta           = "text-delta"
	TypeAssistantMessage    = "assistant-message"
	TypeError               = "error"
	TypeFinish              = "finish"
)

// Graph mutation events, published on GraphSession.
const (
	TypeNodeCreated = "NODE_CREATED"
	TypeNodeUpdated = "NODE_UPDATED"
	TypeEdgeCreated = "EDGE_CREATED"
	TypeEdgeUpdated = "EDGE_UPDATED"
	TypeEdgeDeleted = "EDGE_DELETED"
)

// GraphSession is the reserved stream for graph mutation events.
const GraphSession = "graph"

const defaultBuffer = 64

// Event is one message on a session stream.
type Event struct {
	Type       string    `json:"type"`
	Delta      string    `json:"delta,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Status     string    `json:"status,omitempty"`
	ErrorText  string    `json:"errorText,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type subscriber struct {
	ch chan Event
}

// Hub delivers events per session. Each subscriber has a bounded queue;
// when it is full the event is dropped for that subscriber and a warning
// is logged. Broadcast never blocks the caller.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Broadcast sends ev to every current subscriber of sessionID. Events from
// one caller reach each subscriber in the order they were broadcast.
func (h *Hub) Broadcast(sessionID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("dropping event for slow subscriber", "session", sessionID, "type", ev.Type)
		}
	}
}

// Subscribe registers a listener for sessionID. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[sessionID], sub)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers reports how many listeners sessionID has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
