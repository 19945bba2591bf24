// Package broker is the composition root: it owns the authenticator,
// the event log, and every subsystem built on them, in dependency
// order, and tears them down in reverse.
package broker

import (
	"log/slog"
	"time"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/channels"
	"github.com/lighthouse/broker/internal/config"
	"github.com/lighthouse/broker/internal/elicitation"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/experts"
	"github.com/lighthouse/broker/internal/projection"
	"github.com/lighthouse/broker/internal/speedlayer"
)

// Broker wires the subsystems together. Exactly one exists per
// process; every subsystem shares the one Authenticator and the one
// event log.
type Broker struct {
	cfg *config.Config

	Auth         *auth.Authenticator
	Sessions     *auth.SessionValidator
	Log          *eventlog.Store
	Hub          *channels.Hub
	Speed        *speedlayer.Dispatcher
	Experts      *experts.Registry
	Tasks        *experts.Dispatcher
	Elicitations *elicitation.Manager
	Projection   *projection.Projection

	startedAt time.Time
	logger    *slog.Logger
}

// New builds the broker bottom-up: authenticator first, then the log
// (which authorizes through it), then everything that appends to the
// log. The caller has already verified the broker secret is present.
func New(cfg *config.Config) (*Broker, error) {
	secret := []byte(cfg.BrokerSecret)

	a := auth.New(secret, cfg.TokenTTL())

	store, err := eventlog.Open(eventlog.Options{
		DataDir:       cfg.Storage.DataDir,
		NodeID:        cfg.Storage.NodeID,
		Secret:        secret,
		MaxEventSize:  cfg.Storage.MaxEventSize,
		SegmentSize:   cfg.Storage.SegmentSize,
		SubBufferSize: cfg.Subscription.BufferSize,
		SystemAgentID: auth.SystemAgentID,
	}, a)
	if err != nil {
		return nil, err
	}
	a.AttachLog(store)

	sessions := auth.NewSessionValidator(a, cfg.SessionTTL())
	hub := channels.NewHub()

	policy, err := speedlayer.NewPolicyEngine(cfg.SpeedLayer.PolicyRulesPath)
	if err != nil {
		store.Close()
		return nil, err
	}
	speed, err := speedlayer.New(a, store, speedlayer.Options{
		CacheSize:      cfg.SpeedLayer.MemoryCacheSize,
		CacheTTL:       time.Duration(cfg.SpeedLayer.CacheTTLSeconds) * time.Second,
		Policy:         policy,
		ExpertTimeout:  cfg.ExpertTimeout(),
		FallbackPolicy: cfg.SpeedLayer.FallbackPolicy,
		RateLimits:     cfg.RateLimits,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := experts.NewRegistry(a, store, secret,
		time.Duration(cfg.Experts.HeartbeatSeconds)*time.Second,
		cfg.Experts.MissedBeatsLimit)
	tasks := experts.NewDispatcher(registry, hub, store, a, cfg.Experts.QueueDepth)
	speed.SetEscalator(tasks)

	elic := elicitation.NewManager(a, store, hub, secret, elicitation.Limits{
		DefaultTimeout: time.Duration(cfg.Elicitation.DefaultTimeoutSeconds) * time.Second,
		MaxTimeout:     time.Duration(cfg.Elicitation.MaxTimeoutSeconds) * time.Second,
		MaxOutstanding: cfg.Elicitation.MaxOutstanding,
		CreatePerMin:   cfg.Elicitation.CreatePerMinute,
	})
	if err := elic.Rebuild(); err != nil {
		slog.Warn("elicitation rebuild failed, starting empty", "error", err)
	}

	proj, err := projection.New(store, a)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Broker{
		cfg:          cfg,
		Auth:         a,
		Sessions:     sessions,
		Log:          store,
		Hub:          hub,
		Speed:        speed,
		Experts:      registry,
		Tasks:        tasks,
		Elicitations: elic,
		Projection:   proj,
		startedAt:    time.Now(),
		logger:       slog.With("component", "broker"),
	}, nil
}

// Health is a point-in-time snapshot of every subsystem.
type Health struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	HeadSequence  uint64            `json:"head_sequence"`
	AppliedSeq    uint64            `json:"projection_applied_seq"`
	Identities    int               `json:"identities"`
	Sessions      int               `json:"sessions"`
	ExpertsOnline int               `json:"experts_online"`
	TasksQueued   int               `json:"tasks_queued"`
	Channels      int               `json:"channels"`
	CachedVerdicts int              `json:"cached_verdicts"`
	Breakers      map[string]string `json:"breakers"`
}

// Health reports overall status: degraded when any validation tier's
// breaker is not closed.
func (b *Broker) Health() Health {
	breakers := b.Speed.BreakerStates()
	status := "ok"
	for _, s := range breakers {
		if s != "CLOSED" {
			status = "degraded"
			break
		}
	}
	return Health{
		Status:         status,
		UptimeSeconds:  int64(time.Since(b.startedAt).Seconds()),
		HeadSequence:   b.Log.HeadSequence(),
		AppliedSeq:     b.Projection.AppliedSequence(),
		Identities:     b.Auth.ActiveCount(),
		Sessions:       b.Sessions.ActiveCount(),
		ExpertsOnline:  b.Experts.OnlineCount(),
		TasksQueued:    b.Tasks.PendingCount(),
		Channels:       b.Hub.ConnectedCount(),
		CachedVerdicts: b.Speed.CacheLen(),
		Breakers:       breakers,
	}
}

// Close shuts the subsystems down in reverse construction order and
// flushes the log.
func (b *Broker) Close() error {
	b.Projection.Stop()
	b.Elicitations.Stop()
	b.Tasks.Stop()
	b.Experts.Stop()
	b.Sessions.Stop()
	err := b.Log.Close()
	b.logger.Info("broker stopped")
	return err
}
