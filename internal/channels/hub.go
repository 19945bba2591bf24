// Package channels maintains one push channel per connected agent.
// Elicitations and expert escalations are delivered through it instead
// of being polled for; notifications for offline agents are held until
// the agent connects.
package channels

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Notification is the small message object pushed to an agent. Subsystems
// exchange these through the hub rather than sharing mutable state.
type Notification struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

const (
	// NotifyElicitation announces a pending elicitation to its target.
	NotifyElicitation = "elicitation"
	// NotifyEscalation asks a command-validator expert for a verdict.
	NotifyEscalation = "escalation"
	// NotifyTask announces a delegated task to the selected expert.
	NotifyTask = "task"
	// NotifyTaskFailed tells a requester its queued task expired.
	NotifyTaskFailed = "task_failed"
)

// maxPendingPerAgent caps held notifications for an offline agent.
const maxPendingPerAgent = 256

// Hub tracks the active connection (if any) and pending notifications
// for every agent.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*agentConn
	pending map[string][]*Notification
	logger  *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		conns:   make(map[string]*agentConn),
		pending: make(map[string][]*Notification),
		logger:  slog.With("component", "channels"),
	}
}

// Notify pushes a notification to an agent. Returns true if the agent
// had an active channel and the message was queued for delivery; false
// if the notification was held pending.
func (h *Hub) Notify(agentID string, n *Notification) bool {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("notification marshal failed", "type", n.Type, "error", err)
		return false
	}

	h.mu.RLock()
	conn := h.conns[agentID]
	h.mu.RUnlock()

	if conn != nil && conn.enqueue(data) {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	queue := h.pending[agentID]
	if len(queue) >= maxPendingPerAgent {
		// Oldest first out: a stale notification is worth less than a
		// fresh one.
		queue = queue[1:]
	}
	h.pending[agentID] = append(queue, n)
	return false
}

// IsConnected reports whether the agent has an active channel.
func (h *Hub) IsConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[agentID] != nil
}

// ConnectedCount returns the number of active channels.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// attach registers a new connection for agentID, replacing any previous
// one, and flushes held notifications onto it.
func (h *Hub) attach(agentID string, c *agentConn) {
	h.mu.Lock()
	old := h.conns[agentID]
	h.conns[agentID] = c
	held := h.pending[agentID]
	delete(h.pending, agentID)
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	for _, n := range held {
		data, err := json.Marshal(n)
		if err != nil {
			continue
		}
		c.enqueue(data)
	}
	h.logger.Info("agent channel attached", "agent", agentID, "flushed", len(held))
}

// detach removes a connection if it is still the current one.
func (h *Hub) detach(agentID string, c *agentConn) {
	h.mu.Lock()
	if h.conns[agentID] == c {
		delete(h.conns, agentID)
	}
	h.mu.Unlock()
	h.logger.Info("agent channel detached", "agent", agentID)
}
