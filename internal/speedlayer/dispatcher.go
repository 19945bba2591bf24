package speedlayer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/circuit"
	"github.com/lighthouse/broker/internal/config"
	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
)

// Options configures the dispatcher.
type Options struct {
	CacheSize     int
	CacheTTL      time.Duration
	Policy        *PolicyEngine
	Escalator     Escalator
	ExpertTimeout time.Duration
	// FallbackPolicy is "safe_allow" or "always_block".
	FallbackPolicy string
	// RateLimits maps role name to its token bucket; the "default"
	// entry covers roles without one.
	RateLimits map[string]config.Rate
}

// Dispatcher walks a validation request through the tiers. Each tier
// sits behind its own circuit breaker so a sick tier degrades to the
// next one instead of stalling the walk.
type Dispatcher struct {
	auth   *auth.Authenticator
	log    *eventlog.Store
	cache  *decisionCache
	policy *PolicyEngine

	escalator     Escalator
	expertTimeout time.Duration
	fallback      string

	memBreaker    *circuit.Breaker
	policyBreaker *circuit.Breaker
	expertBreaker *circuit.Breaker

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	limits   map[string]config.Rate

	logger *slog.Logger
}

// New builds the dispatcher. Policy defaults to the built-in rule set;
// Escalator may be nil, in which case escalations go straight to the
// fallback policy.
func New(a *auth.Authenticator, log *eventlog.Store, opts Options) (*Dispatcher, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.ExpertTimeout <= 0 {
		opts.ExpertTimeout = 30 * time.Second
	}
	if opts.FallbackPolicy == "" {
		opts.FallbackPolicy = "safe_allow"
	}
	if opts.Policy == nil {
		p, err := NewPolicyEngine("")
		if err != nil {
			return nil, err
		}
		opts.Policy = p
	}

	cache, err := newDecisionCache(opts.CacheSize, opts.CacheTTL)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		auth:          a,
		log:           log,
		cache:         cache,
		policy:        opts.Policy,
		escalator:     opts.Escalator,
		expertTimeout: opts.ExpertTimeout,
		fallback:      opts.FallbackPolicy,
		memBreaker:    circuit.New(circuit.DefaultConfig("speedlayer-memory")),
		policyBreaker: circuit.New(circuit.DefaultConfig("speedlayer-policy")),
		expertBreaker: circuit.New(circuit.Config{
			Name: "speedlayer-expert",
			// Experts time out in tens of seconds; trip fast and keep
			// the open window short so recovery is noticed.
			Cooldown:    15 * time.Second,
			ReadyToTrip: func(c circuit.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
		limiters: make(map[string]*rate.Limiter),
		limits:   opts.RateLimits,
		logger:   slog.With("component", "speedlayer"),
	}, nil
}

// SetEscalator wires the expert tier in after construction. The expert
// dispatcher itself needs the speed layer's event trail, so the two are
// linked late by the composition root.
func (d *Dispatcher) SetEscalator(e Escalator) { d.escalator = e }

// Validate decides one tool call. The decision, the deciding tier, and
// the reason come back in the Result; the full walk is recorded on the
// event log under one correlation id.
func (d *Dispatcher) Validate(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	if err := d.auth.Authorize(req.AgentID, perms.CommandExecute); err != nil {
		return nil, err
	}
	if !d.allow(req.AgentID) {
		return nil, errs.RateLimited(time.Second, "validation rate limit exceeded for %s", req.AgentID)
	}
	if req.ToolName == "" {
		return nil, errs.New(errs.KindInvalidPayload, "tool name is required")
	}
	if req.Fingerprint == "" {
		req.Fingerprint = Fingerprint(req.ToolName, req.ToolInput)
	}

	correlationID := uuid.NewString()
	d.emit(eventlog.KindCommandReceived, correlationID, "", map[string]interface{}{
		"agent_id":    req.AgentID,
		"tool_name":   req.ToolName,
		"fingerprint": req.Fingerprint,
	})

	res := d.decide(ctx, req, correlationID)
	res.Fingerprint = req.Fingerprint
	res.CorrelationID = correlationID
	res.Latency = time.Since(start)

	kind := eventlog.KindCommandBlocked
	if res.Decision == Approve {
		kind = eventlog.KindCommandApproved
	}
	d.emit(kind, correlationID, "", map[string]interface{}{
		"agent_id":    req.AgentID,
		"tool_name":   req.ToolName,
		"fingerprint": req.Fingerprint,
		"decision":    string(res.Decision),
		"tier":        string(res.Tier),
		"reason":      res.Reason,
	})

	validationsTotal.WithLabelValues(string(res.Tier), string(res.Decision)).Inc()
	validationLatency.WithLabelValues(string(res.Tier)).Observe(res.Latency.Seconds())
	return res, nil
}

func (d *Dispatcher) decide(ctx context.Context, req *Request, correlationID string) *Result {
	// Tier 1: memory.
	var hit *cacheEntry
	if err := d.memBreaker.Execute(func() error {
		if e, ok := d.cache.get(req.Fingerprint); ok {
			hit = &e
		}
		return nil
	}); err == nil && hit != nil {
		cacheHits.Inc()
		return &Result{Decision: hit.decision, Reason: hit.reason, Tier: TierMemory}
	}
	cacheMisses.Inc()

	// Tier 2: policy rules.
	var (
		pd      Decision
		preason string
		pok     bool
	)
	if err := d.policyBreaker.Execute(func() error {
		pd, preason, pok = d.policy.Evaluate(req.ToolName, req.ToolInput)
		return nil
	}); err == nil && pok {
		d.cache.put(req.Fingerprint, pd, preason)
		return &Result{Decision: pd, Reason: preason, Tier: TierPolicy}
	}

	// Tier 3: expert escalation.
	escalationsTotal.Inc()
	d.emit(eventlog.KindCommandEscalated, correlationID, "", map[string]interface{}{
		"agent_id":    req.AgentID,
		"tool_name":   req.ToolName,
		"fingerprint": req.Fingerprint,
	})

	if d.escalator != nil {
		var (
			ed      Decision
			ereason string
		)
		err := d.expertBreaker.Execute(func() error {
			ectx, cancel := context.WithTimeout(ctx, d.expertTimeout)
			defer cancel()
			var eerr error
			ed, ereason, eerr = d.escalator.Escalate(ectx, req, correlationID)
			return eerr
		})
		if err == nil {
			d.cache.put(req.Fingerprint, ed, ereason)
			return &Result{Decision: ed, Reason: ereason, Tier: TierExpert}
		}
		d.logger.Warn("escalation failed",
			"agent", req.AgentID, "tool", req.ToolName, "error", err)
	}

	// Fallback. Never cached: the next identical call should get a real
	// verdict once the expert tier recovers.
	fallbacksTotal.Inc()
	if d.fallback == "safe_allow" && d.policy.IsSafe(req.ToolName) {
		return &Result{Decision: Approve, Reason: "expert unavailable, safelisted tool", Tier: TierFallback}
	}
	return &Result{Decision: Block, Reason: "expert unavailable", Tier: TierFallback}
}

// ReloadPolicy re-reads the rule file. Exposed for the admin surface.
func (d *Dispatcher) ReloadPolicy() error { return d.policy.Reload() }

// CacheLen returns the number of live cached decisions.
func (d *Dispatcher) CacheLen() int { return d.cache.len() }

// BreakerStates reports the state of each tier's breaker for health
// snapshots.
func (d *Dispatcher) BreakerStates() map[string]string {
	return map[string]string{
		"memory": d.memBreaker.State().String(),
		"policy": d.policyBreaker.State().String(),
		"expert": d.expertBreaker.State().String(),
	}
}

// allow applies the caller's per-role token bucket. Limiters are minted
// lazily per agent from the role's configured rate.
func (d *Dispatcher) allow(agentID string) bool {
	if d.limits == nil {
		return true
	}
	identity := d.auth.Lookup(agentID)
	if identity == nil {
		return false
	}

	d.limMu.Lock()
	lim, ok := d.limiters[agentID]
	if !ok {
		r, have := d.limits[string(identity.Role)]
		if !have {
			r, have = d.limits["default"]
		}
		if !have {
			d.limMu.Unlock()
			return true
		}
		lim = rate.NewLimiter(rate.Limit(r.PerSecond), r.Burst)
		d.limiters[agentID] = lim
	}
	d.limMu.Unlock()
	return lim.Allow()
}

// emit appends one speed-layer event as the system agent.
func (d *Dispatcher) emit(kind eventlog.Kind, correlationID, causationID string, payload map[string]interface{}) {
	if d.log == nil {
		return
	}
	data, err := eventlog.EncodePayload(payload)
	if err != nil {
		return
	}
	if _, _, err := d.log.Append(&eventlog.Event{
		Kind:          kind,
		AggregateID:   "commands",
		Payload:       data,
		CorrelationID: correlationID,
		CausationID:   causationID,
	}, auth.SystemAgentID); err != nil {
		d.logger.Warn("event append failed", "kind", kind, "error", err)
	}
}
