// Package experts tracks live expert agents and dispatches work to
// them. Experts register over a challenge/response handshake, prove
// liveness with heartbeats, and receive tasks matched to their declared
// capabilities.
package experts

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
)

// Status is an expert's availability.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusOffline   Status = "OFFLINE"
)

// CapCommandValidator is the capability the speed layer escalates to.
const CapCommandValidator = "command-validator"

// Expert is one registered expert agent. All fields are guarded by the
// registry mutex; Snapshot returns copies.
type Expert struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Status       Status   `json:"status"`
	// Load counts assigned tasks; Capacity bounds it. An expert at
	// capacity is BUSY and ineligible until a task completes.
	Load     int `json:"load"`
	Capacity int `json:"capacity"`
	// Weight scales load for selection: score = Load / Weight.
	Weight        float64   `json:"weight"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastUsed      time.Time `json:"last_used,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

func (e *Expert) hasCapability(cap string) bool {
	for _, c := range e.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// pendingRegistration is an issued, unanswered challenge.
type pendingRegistration struct {
	challenge    []byte
	capabilities []string
	weight       float64
	capacity     int
	issuedAt     time.Time
}

// Registry is the process-wide expert table.
type Registry struct {
	mu      sync.RWMutex
	experts map[string]*Expert
	// byCapability indexes expert ids per capability for O(1) candidate
	// lookup.
	byCapability map[string]map[string]struct{}
	pending      map[string]*pendingRegistration

	auth   *auth.Authenticator
	log    *eventlog.Store
	secret []byte

	heartbeatEvery time.Duration
	missedLimit    int

	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewRegistry builds the registry and starts its liveness sweeper.
func NewRegistry(a *auth.Authenticator, log *eventlog.Store, secret []byte, heartbeatEvery time.Duration, missedLimit int) *Registry {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 10 * time.Second
	}
	if missedLimit <= 0 {
		missedLimit = 3
	}
	r := &Registry{
		experts:        make(map[string]*Expert),
		byCapability:   make(map[string]map[string]struct{}),
		pending:        make(map[string]*pendingRegistration),
		auth:           a,
		log:            log,
		secret:         secret,
		heartbeatEvery: heartbeatEvery,
		missedLimit:    missedLimit,
		stop:           make(chan struct{}),
		logger:         slog.With("component", "experts"),
	}
	go r.sweepLoop()
	return r
}

// BeginRegistration starts the handshake: the caller must already be an
// authenticated expert. The returned challenge must be answered with
// its HMAC under the expert's derived key.
func (r *Registry) BeginRegistration(agentID string, capabilities []string, weight float64, capacity int) (string, error) {
	if err := r.auth.Authorize(agentID, perms.ExpertCoordinate); err != nil {
		return "", err
	}
	if len(capabilities) == 0 {
		return "", errs.New(errs.KindInvalidPayload, "expert must declare at least one capability")
	}
	if weight <= 0 {
		weight = 1
	}
	if capacity <= 0 {
		capacity = 1
	}

	challenge := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return "", errs.Wrap(errs.KindTransient, err, "generate challenge")
	}

	r.mu.Lock()
	r.pending[agentID] = &pendingRegistration{
		challenge:    challenge,
		capabilities: capabilities,
		weight:       weight,
		capacity:     capacity,
		issuedAt:     time.Now(),
	}
	r.mu.Unlock()

	return base64.RawURLEncoding.EncodeToString(challenge), nil
}

// CompleteRegistration verifies the challenge response and activates
// the expert. The response is HMAC-SHA256(challenge, K) where K is the
// agent's derived key; a key derived for any other agent id fails. On
// success it also mints the expert token bound to the agent id, the
// credential expert calls must present from then on.
func (r *Registry) CompleteRegistration(agentID, response string) (*Expert, string, error) {
	respMAC, err := base64.RawURLEncoding.DecodeString(response)
	if err != nil {
		return nil, "", errs.New(errs.KindInvalidPayload, "malformed challenge response")
	}

	r.mu.Lock()
	pend, ok := r.pending[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, "", errs.New(errs.KindConflictState, "no registration in progress for %s", agentID)
	}
	delete(r.pending, agentID)
	r.mu.Unlock()

	mac := hmac.New(sha256.New, ExpertKey(r.secret, agentID))
	mac.Write(pend.challenge)
	if !hmac.Equal(respMAC, mac.Sum(nil)) {
		return nil, "", errs.New(errs.KindUnauthenticated, "challenge response mismatch for %s", agentID)
	}

	now := time.Now()
	expert := &Expert{
		AgentID:       agentID,
		Capabilities:  pend.capabilities,
		Status:        StatusAvailable,
		Capacity:      pend.capacity,
		Weight:        pend.weight,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	r.mu.Lock()
	r.experts[agentID] = expert
	for _, c := range expert.Capabilities {
		if r.byCapability[c] == nil {
			r.byCapability[c] = make(map[string]struct{})
		}
		r.byCapability[c][agentID] = struct{}{}
	}
	r.mu.Unlock()

	expertsOnline.Inc()
	r.logger.Info("expert registered", "agent", agentID, "capabilities", expert.Capabilities)
	r.emit(eventlog.KindExpertRegistered, map[string]interface{}{
		"agent_id":     agentID,
		"capabilities": expert.Capabilities,
	})
	cp := *expert
	return &cp, r.mintToken(agentID, now), nil
}

// mintToken issues the expert bearer token: agent_id:issued_unix:MAC,
// MAC'd under a key derived for exactly this agent.
func (r *Registry) mintToken(agentID string, issued time.Time) string {
	base := fmt.Sprintf("%s:%d", agentID, issued.Unix())
	mac := hmac.New(sha256.New, expertTokenKey(r.secret, agentID))
	mac.Write([]byte(base))
	return base + ":" + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks an expert bearer token: well formed, bound to
// agentID, MAC intact, and the expert still registered. This is the
// credential check for expert calls after registration.
func (r *Registry) VerifyToken(agentID, token string) error {
	i := strings.LastIndexByte(token, ':')
	if i < 0 {
		return errs.New(errs.KindUnauthenticated, "malformed expert token")
	}
	base, sig := token[:i], token[i+1:]

	j := strings.LastIndexByte(base, ':')
	if j < 0 || base[:j] != agentID {
		return errs.New(errs.KindUnauthenticated, "expert token is not bound to %s", agentID)
	}
	if _, err := strconv.ParseInt(base[j+1:], 10, 64); err != nil {
		return errs.New(errs.KindUnauthenticated, "malformed expert token")
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return errs.New(errs.KindUnauthenticated, "malformed expert token")
	}

	mac := hmac.New(sha256.New, expertTokenKey(r.secret, agentID))
	mac.Write([]byte(base))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errs.New(errs.KindUnauthenticated, "expert token MAC mismatch for %s", agentID)
	}

	r.mu.RLock()
	_, registered := r.experts[agentID]
	r.mu.RUnlock()
	if !registered {
		return errs.New(errs.KindUnauthenticated, "expert %s is not registered", agentID)
	}
	return nil
}

// Heartbeat refreshes an expert's liveness. An OFFLINE expert that
// beats again comes back AVAILABLE (or BUSY if it still holds tasks).
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	expert, ok := r.experts[agentID]
	if !ok {
		return errs.New(errs.KindNotFound, "expert %s is not registered", agentID)
	}
	expert.LastHeartbeat = time.Now()
	if expert.Status == StatusOffline {
		if expert.Load >= expert.Capacity {
			expert.Status = StatusBusy
		} else {
			expert.Status = StatusAvailable
		}
		expertsOnline.Inc()
		r.logger.Info("expert back online", "agent", agentID)
	}
	return nil
}

// Deregister removes an expert explicitly.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	expert, ok := r.experts[agentID]
	if ok {
		r.removeLocked(expert)
	}
	r.mu.Unlock()

	if ok && expert.Status != StatusOffline {
		expertsOnline.Dec()
	}
}

// Snapshot returns copies of every registered expert.
func (r *Registry) Snapshot() []Expert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Expert, 0, len(r.experts))
	for _, e := range r.experts {
		out = append(out, *e)
	}
	return out
}

// OnlineCount returns the number of experts currently not OFFLINE.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.experts {
		if e.Status != StatusOffline {
			n++
		}
	}
	return n
}

// Stop terminates the sweeper.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
}

// acquire selects the least-loaded available expert for a capability
// and takes one slot on it. Ties on score break toward the expert idle
// longest. Returns nil when no expert can take the task right now.
func (r *Registry) acquire(capability string) *Expert {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Expert
	for id := range r.byCapability[capability] {
		e := r.experts[id]
		if e == nil || e.Status == StatusOffline || e.Load >= e.Capacity {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		bs, es := float64(best.Load)/best.Weight, float64(e.Load)/e.Weight
		if es < bs || (es == bs && e.LastUsed.Before(best.LastUsed)) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	best.Load++
	best.LastUsed = time.Now()
	if best.Load >= best.Capacity {
		best.Status = StatusBusy
	}
	cp := *best
	return &cp
}

// release returns a task slot to an expert.
func (r *Registry) release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expert, ok := r.experts[agentID]
	if !ok {
		return
	}
	if expert.Load > 0 {
		expert.Load--
	}
	if expert.Status == StatusBusy && expert.Load < expert.Capacity {
		expert.Status = StatusAvailable
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stop:
			return
		}
	}
}

// sweep transitions experts that missed too many beats to OFFLINE and
// drops stale pending challenges.
func (r *Registry) sweep(now time.Time) {
	cutoff := now.Add(-time.Duration(r.missedLimit) * r.heartbeatEvery)

	var wentOffline []string
	r.mu.Lock()
	for id, e := range r.experts {
		if e.Status != StatusOffline && e.LastHeartbeat.Before(cutoff) {
			e.Status = StatusOffline
			wentOffline = append(wentOffline, id)
		}
	}
	for id, p := range r.pending {
		if now.Sub(p.issuedAt) > time.Minute {
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, id := range wentOffline {
		expertsOnline.Dec()
		r.logger.Warn("expert missed heartbeats, marking offline", "agent", id)
		r.emit(eventlog.KindExpertOffline, map[string]interface{}{"agent_id": id})
	}
}

// removeLocked detaches an expert from the table and indices. Caller
// holds the write lock.
func (r *Registry) removeLocked(e *Expert) {
	delete(r.experts, e.AgentID)
	for _, c := range e.Capabilities {
		if set := r.byCapability[c]; set != nil {
			delete(set, e.AgentID)
			if len(set) == 0 {
				delete(r.byCapability, c)
			}
		}
	}
}

func (r *Registry) emit(kind eventlog.Kind, payload map[string]interface{}) {
	if r.log == nil {
		return
	}
	data, err := eventlog.EncodePayload(payload)
	if err != nil {
		return
	}
	if _, _, err := r.log.Append(&eventlog.Event{
		Kind:        kind,
		AggregateID: "experts",
		Payload:     data,
	}, auth.SystemAgentID); err != nil {
		r.logger.Warn("event append failed", "kind", kind, "error", err)
	}
}

// ExpertKey derives the per-expert registration key from the broker
// secret, bound to the agent id so a response signed for one agent
// cannot complete another's handshake.
func ExpertKey(secret []byte, agentID string) []byte {
	return deriveKey(secret, "lighthouse-expert:"+agentID)
}

// expertTokenKey derives the key expert bearer tokens are MAC'd under.
// Separate from the handshake key so a captured challenge response can
// never double as a token.
func expertTokenKey(secret []byte, agentID string) []byte {
	return deriveKey(secret, "lighthouse-expert-token:"+agentID)
}

func deriveKey(secret []byte, info string) []byte {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		// SHA-256 HKDF cannot fail on a 32-byte read.
		panic(err)
	}
	return key
}
