// Package elicitation lets one agent ask another a structured question
// and wait for the answer. Pending elicitations are pushed to their
// target, bound by deadline, and answered with an HMAC-signed response
// under a key derived for exactly that elicitation and responder.
package elicitation

import (
	"bytes"
	"container/heap"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/channels"
	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
)

// Status is the elicitation lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusResponded Status = "RESPONDED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Elicitation is one outstanding question.
type Elicitation struct {
	ID        string          `json:"id"`
	FromAgent string          `json:"from_agent"`
	ToAgent   string          `json:"to_agent"`
	Payload   json.RawMessage `json:"payload"`
	Schema    json.RawMessage `json:"schema,omitempty"`
	Nonce     string          `json:"nonce"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline"`

	compiled *jsonschema.Schema
	key      []byte
	respCh   chan *Response
	heapIdx  int
}

// Response is a signed answer to an elicitation.
type Response struct {
	ElicitationID string          `json:"elicitation_id"`
	FromAgent     string          `json:"from_agent"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// deadlineHeap orders live elicitations by deadline.
type deadlineHeap []*Elicitation

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIdx = i; h[j].heapIdx = j }
func (h *deadlineHeap) Push(x interface{}) { e := x.(*Elicitation); e.heapIdx = len(*h); *h = append(*h, e) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// maxPayloadSize bounds elicitation and response payloads.
const maxPayloadSize = 1 << 20

// Limits bound elicitation creation.
type Limits struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutstanding int // per creating agent
	CreatePerMin   int // per creating agent
}

// Manager owns every live elicitation. One mutex guards the map, the
// deadline heap, and the per-agent outstanding counts; state changes
// and their event appends happen inside the same critical section so
// the log never shows an impossible ordering.
type Manager struct {
	mu          sync.Mutex
	byID        map[string]*Elicitation
	deadlines   deadlineHeap
	outstanding map[string]int

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	// nonces remembers spent nonces past their elicitation's lifetime
	// so a captured response cannot be replayed after expiry.
	nonces *gocache.Cache

	auth   *auth.Authenticator
	log    *eventlog.Store
	hub    *channels.Hub
	secret []byte
	limits Limits

	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewManager builds the manager and starts its deadline loop.
func NewManager(a *auth.Authenticator, log *eventlog.Store, hub *channels.Hub, secret []byte, limits Limits) *Manager {
	if limits.DefaultTimeout <= 0 {
		limits.DefaultTimeout = 30 * time.Second
	}
	if limits.MaxTimeout <= 0 {
		limits.MaxTimeout = 300 * time.Second
	}
	if limits.MaxOutstanding <= 0 {
		limits.MaxOutstanding = 20
	}
	if limits.CreatePerMin <= 0 {
		limits.CreatePerMin = 100
	}
	m := &Manager{
		byID:        make(map[string]*Elicitation),
		outstanding: make(map[string]int),
		limiters:    make(map[string]*rate.Limiter),
		nonces:      gocache.New(10*time.Minute, time.Minute),
		auth:        a,
		log:         log,
		hub:         hub,
		secret:      secret,
		limits:      limits,
		stop:        make(chan struct{}),
		logger:      slog.With("component", "elicitation"),
	}
	go m.deadlineLoop()
	return m
}

// Create registers an elicitation from one agent to another and pushes
// it to the target. A zero timeout is a deadline already in the past
// and resolves as an immediate Timeout; anything past the maximum is
// refused. Callers that want the default pass DefaultTimeout.
func (m *Manager) Create(fromAgent, toAgent string, payload, schema json.RawMessage, timeout time.Duration) (*Elicitation, error) {
	if err := m.auth.Authorize(fromAgent, perms.EventsWrite); err != nil {
		return nil, err
	}
	if toAgent == "" || toAgent == fromAgent {
		return nil, errs.New(errs.KindInvalidPayload, "elicitation needs a distinct target agent")
	}
	if m.auth.Lookup(toAgent) == nil {
		return nil, errs.New(errs.KindNotFound, "target agent %s is not authenticated", toAgent)
	}
	if timeout == 0 {
		return nil, errs.New(errs.KindTimeout, "elicitation deadline of 0s has already passed")
	}
	if timeout < 0 || timeout > m.limits.MaxTimeout {
		return nil, errs.New(errs.KindInvalidPayload,
			"timeout must be within (0, %s], got %s", m.limits.MaxTimeout, timeout)
	}
	if len(payload) > maxPayloadSize {
		return nil, errs.New(errs.KindInvalidPayload, "elicitation payload exceeds %d bytes", maxPayloadSize)
	}
	if !m.allowCreate(fromAgent) {
		return nil, errs.RateLimited(time.Minute, "elicitation create rate exceeded for %s", fromAgent)
	}

	var compiled *jsonschema.Schema
	if len(schema) > 0 {
		var err error
		compiled, err = compileSchema(schema)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidPayload, err, "invalid response schema")
		}
	}

	now := time.Now()
	e := &Elicitation{
		ID:        uuid.NewString(),
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Payload:   payload,
		Schema:    schema,
		Nonce:     uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		compiled:  compiled,
		respCh:    make(chan *Response, 1),
	}
	e.key = ResponseKey(m.secret, e.ID, e.ToAgent, e.Nonce)

	m.mu.Lock()
	if m.outstanding[fromAgent] >= m.limits.MaxOutstanding {
		m.mu.Unlock()
		return nil, errs.New(errs.KindRateLimited,
			"agent %s already has %d outstanding elicitations", fromAgent, m.limits.MaxOutstanding)
	}
	m.byID[e.ID] = e
	heap.Push(&m.deadlines, e)
	m.outstanding[fromAgent]++
	m.emitLocked(eventlog.KindElicitationCreated, map[string]interface{}{
		"id":       e.ID,
		"from":     e.FromAgent,
		"to":       e.ToAgent,
		"nonce":    e.Nonce,
		"deadline": e.Deadline.Format(time.RFC3339Nano),
		"payload":  json.RawMessage(payload),
		"schema":   json.RawMessage(schema),
	})
	m.mu.Unlock()

	elicitationsCreated.Inc()
	outstandingGauge.Inc()
	m.push(e)
	cp := *e
	return &cp, nil
}

// push delivers the elicitation over the target's channel and records
// delivery. An offline target keeps PENDING; the hub flushes it when
// the agent connects.
func (m *Manager) push(e *Elicitation) {
	note, err := json.Marshal(e)
	if err != nil {
		return
	}
	delivered := m.hub.Notify(e.ToAgent, &channels.Notification{
		Type:    channels.NotifyElicitation,
		ID:      e.ID,
		From:    e.FromAgent,
		Payload: note,
	})
	if !delivered {
		return
	}

	m.mu.Lock()
	if e.Status == StatusPending {
		e.Status = StatusDelivered
		m.emitLocked(eventlog.KindElicitationDelivered, map[string]interface{}{
			"id": e.ID, "to": e.ToAgent,
		})
	}
	m.mu.Unlock()
}

// Respond accepts the target agent's answer. The signature is
// HMAC-SHA256 over the response payload under the elicitation's derived
// key: only the agent the key was derived for can produce it, and a
// spent nonce is refused for the replay window even after the
// elicitation itself is gone.
func (m *Manager) Respond(fromAgent, elicitationID string, payload json.RawMessage, nonce, signature string) error {
	if err := m.auth.Authorize(fromAgent, perms.EventsWrite); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return errs.New(errs.KindInvalidPayload, "response payload exceeds %d bytes", maxPayloadSize)
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return errs.New(errs.KindInvalidPayload, "malformed response signature")
	}

	nonceKey := elicitationID + ":" + nonce
	if _, spent := m.nonces.Get(nonceKey); spent {
		return errs.New(errs.KindConflictState, "response nonce already used")
	}

	m.mu.Lock()
	e, ok := m.byID[elicitationID]
	if !ok {
		// Late or bogus: the elicitation was never created, or it
		// already expired, was cancelled, or was answered. Rejected and
		// recorded either way.
		m.emitLocked(eventlog.KindSecurityAlert, map[string]interface{}{
			"reason": "response to unknown or closed elicitation",
			"id":     elicitationID,
			"agent":  fromAgent,
		})
		m.mu.Unlock()
		return errs.New(errs.KindNotFound, "elicitation %s not found", elicitationID)
	}
	if e.Status != StatusPending && e.Status != StatusDelivered {
		m.mu.Unlock()
		return errs.New(errs.KindConflictState, "elicitation %s is %s", elicitationID, e.Status)
	}
	if e.ToAgent != fromAgent {
		m.mu.Unlock()
		return errs.New(errs.KindUnauthorized, "elicitation %s is not addressed to %s", elicitationID, fromAgent)
	}
	if nonce != e.Nonce {
		m.mu.Unlock()
		return errs.New(errs.KindInvalidPayload, "response nonce mismatch")
	}
	if time.Now().After(e.Deadline) {
		m.mu.Unlock()
		return errs.New(errs.KindTimeout, "elicitation %s is past its deadline", elicitationID)
	}

	if !hmac.Equal(sig, responseMAC(e.key, elicitationID, fromAgent, nonce, payload)) {
		m.emitLocked(eventlog.KindSecurityAlert, map[string]interface{}{
			"reason": "elicitation response signature mismatch",
			"id":     elicitationID,
			"agent":  fromAgent,
		})
		m.mu.Unlock()
		return errs.New(errs.KindUnauthenticated, "response signature mismatch")
	}

	if e.compiled != nil {
		if err := validateAgainst(e.compiled, payload); err != nil {
			m.mu.Unlock()
			return errs.Wrap(errs.KindInvalidPayload, err, "response violates schema")
		}
	}

	resp := &Response{
		ElicitationID: elicitationID,
		FromAgent:     fromAgent,
		Payload:       payload,
		ReceivedAt:    time.Now(),
	}
	e.Status = StatusResponded
	m.retireLocked(e)
	m.emitLocked(eventlog.KindElicitationResponded, map[string]interface{}{
		"id":      e.ID,
		"from":    fromAgent,
		"payload": json.RawMessage(payload),
	})
	ch := e.respCh
	requester := e.FromAgent
	m.mu.Unlock()

	m.nonces.SetDefault(nonceKey, struct{}{})
	elicitationsResponded.Inc()
	outstandingGauge.Dec()

	ch <- resp
	close(ch)

	note, err := json.Marshal(resp)
	if err == nil {
		m.hub.Notify(requester, &channels.Notification{
			Type:    channels.NotifyElicitation,
			ID:      elicitationID,
			From:    fromAgent,
			Payload: note,
		})
	}
	return nil
}

// Await blocks the creator until the elicitation resolves or ctx ends.
// A closed future without a response means the elicitation expired or
// was cancelled.
func (m *Manager) Await(ctx context.Context, agentID, elicitationID string) (*Response, error) {
	m.mu.Lock()
	e, ok := m.byID[elicitationID]
	if !ok {
		m.mu.Unlock()
		return nil, errs.New(errs.KindNotFound, "elicitation %s not found", elicitationID)
	}
	if e.FromAgent != agentID {
		m.mu.Unlock()
		return nil, errs.New(errs.KindUnauthorized, "elicitation %s was not created by %s", elicitationID, agentID)
	}
	ch := e.respCh
	m.mu.Unlock()

	select {
	case resp, open := <-ch:
		if !open {
			return nil, errs.New(errs.KindTimeout, "elicitation %s expired", elicitationID)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, ctx.Err(), "await elicitation %s", elicitationID)
	}
}

// Cancel withdraws a pending elicitation. Only the creator may cancel.
func (m *Manager) Cancel(agentID, elicitationID string) error {
	m.mu.Lock()
	e, ok := m.byID[elicitationID]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.KindNotFound, "elicitation %s not found", elicitationID)
	}
	if e.FromAgent != agentID {
		m.mu.Unlock()
		return errs.New(errs.KindUnauthorized, "elicitation %s was not created by %s", elicitationID, agentID)
	}
	if e.Status != StatusPending && e.Status != StatusDelivered {
		m.mu.Unlock()
		return errs.New(errs.KindConflictState, "elicitation %s is %s", elicitationID, e.Status)
	}
	e.Status = StatusCancelled
	m.retireLocked(e)
	m.emitLocked(eventlog.KindElicitationCancelled, map[string]interface{}{
		"id": e.ID, "by": agentID,
	})
	ch := e.respCh
	m.mu.Unlock()

	close(ch)
	outstandingGauge.Dec()
	return nil
}

// Pending lists live elicitations addressed to agentID, oldest first.
func (m *Manager) Pending(agentID string) []Elicitation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Elicitation
	for _, e := range m.byID {
		if e.ToAgent == agentID && (e.Status == StatusPending || e.Status == StatusDelivered) {
			out = append(out, *e)
		}
	}
	return out
}

// DefaultTimeout returns the deadline applied when a creator does not
// name one.
func (m *Manager) DefaultTimeout() time.Duration { return m.limits.DefaultTimeout }

// OutstandingCount returns the number of live elicitations created by
// agentID.
func (m *Manager) OutstandingCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding[agentID]
}

// Stop terminates the deadline loop.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Manager) deadlineLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireDue(time.Now())
		case <-m.stop:
			return
		}
	}
}

// expireDue pops every elicitation whose deadline has passed. Retired
// entries may still sit in the heap; they are skipped.
func (m *Manager) expireDue(now time.Time) {
	var closed []chan *Response

	m.mu.Lock()
	for m.deadlines.Len() > 0 {
		head := m.deadlines[0]
		if head.Deadline.After(now) {
			break
		}
		heap.Pop(&m.deadlines)
		if _, live := m.byID[head.ID]; !live {
			continue
		}
		head.Status = StatusExpired
		delete(m.byID, head.ID)
		m.outstanding[head.FromAgent]--
		if m.outstanding[head.FromAgent] <= 0 {
			delete(m.outstanding, head.FromAgent)
		}
		m.emitLocked(eventlog.KindElicitationExpired, map[string]interface{}{
			"id": head.ID, "from": head.FromAgent, "to": head.ToAgent,
		})
		closed = append(closed, head.respCh)
		m.logger.Info("elicitation expired", "id", head.ID, "to", head.ToAgent)
	}
	m.mu.Unlock()

	for _, ch := range closed {
		close(ch)
		elicitationsExpired.Inc()
		outstandingGauge.Dec()
	}
}

// retireLocked removes a resolved elicitation from the live set. The
// heap entry is left to be skipped by expireDue. Caller holds m.mu.
func (m *Manager) retireLocked(e *Elicitation) {
	delete(m.byID, e.ID)
	m.outstanding[e.FromAgent]--
	if m.outstanding[e.FromAgent] <= 0 {
		delete(m.outstanding, e.FromAgent)
	}
}

// emitLocked appends an elicitation event while holding m.mu, keeping
// log order consistent with state order.
func (m *Manager) emitLocked(kind eventlog.Kind, payload map[string]interface{}) {
	if m.log == nil {
		return
	}
	data, err := eventlog.EncodePayload(payload)
	if err != nil {
		return
	}
	if _, _, err := m.log.Append(&eventlog.Event{
		Kind:        kind,
		AggregateID: "elicitations",
		Payload:     data,
	}, auth.SystemAgentID); err != nil {
		m.logger.Warn("event append failed", "kind", kind, "error", err)
	}
}

func (m *Manager) allowCreate(agentID string) bool {
	m.limMu.Lock()
	lim, ok := m.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(m.limits.CreatePerMin)/60.0), m.limits.CreatePerMin)
		m.limiters[agentID] = lim
	}
	m.limMu.Unlock()
	return lim.Allow()
}

// responseMAC computes the signature a responder must present:
// HMAC-SHA256 over id || responder || nonce || payload under the
// elicitation's derived key.
func responseMAC(key []byte, elicitationID, fromAgent, nonce string, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(elicitationID))
	mac.Write([]byte(fromAgent))
	mac.Write([]byte(nonce))
	mac.Write(payload)
	return mac.Sum(nil)
}

// ResponseKey derives the expected response key for one elicitation:
// bound to the elicitation id, the responding agent, and the nonce, so
// a signature produced for any other triple fails verification.
func ResponseKey(secret []byte, elicitationID, toAgent, nonce string) []byte {
	info := fmt.Sprintf("lighthouse-elicit:%s:%s:%s", elicitationID, toAgent, nonce)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		panic(err)
	}
	return key
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("elicitation://schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("elicitation://schema.json")
}

func validateAgainst(sch *jsonschema.Schema, payload json.RawMessage) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
