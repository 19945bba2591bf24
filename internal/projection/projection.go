// Package projection materializes the event log into a read-only,
// version-aware view of the project: current file contents, point-in-
// time history, named snapshots, and expert annotations. The view is
// derived solely from replay and is never mutated directly.
package projection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/eventlog"
)

// FileVersion is one version of one path.
type FileVersion struct {
	Path       string    `json:"path"`
	Content    []byte    `json:"content"`
	ModifiedBy string    `json:"modified_by"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Annotation is an expert note pinned to a line.
type Annotation struct {
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a named marker; contents at the snapshot are
// reconstructed from history up to its sequence.
type Snapshot struct {
	Name     string    `json:"name"`
	Sequence uint64    `json:"sequence"`
	TakenBy  string    `json:"taken_by"`
	TakenAt  time.Time `json:"taken_at"`
}

type fileModifiedPayload struct {
	Path    string `cbor:"path"`
	Content []byte `cbor:"content"`
}

type annotationPayload struct {
	Path    string `cbor:"path"`
	Line    int    `cbor:"line"`
	Message string `cbor:"message"`
}

type snapshotPayload struct {
	Name string `cbor:"name"`
}

// Projection holds the materialized views. Reads take the read lock;
// the tail loop is the only writer, so a path flips atomically from one
// version to the next and readers never see partial state.
type Projection struct {
	mu          sync.RWMutex
	current     map[string]*FileVersion
	history     map[string][]*FileVersion // sequence-ordered
	annotations map[string][]Annotation
	snapshots   map[string]*Snapshot
	appliedSeq  uint64

	log  *eventlog.Store
	auth *auth.Authenticator

	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

var projectionKinds = []eventlog.Kind{
	eventlog.KindFileModified,
	eventlog.KindAnnotationAdded,
	eventlog.KindSnapshotTaken,
}

// New replays the log into a fresh projection and starts tailing live
// events. Call Stop on shutdown.
func New(log *eventlog.Store, a *auth.Authenticator) (*Projection, error) {
	p := &Projection{
		current:     make(map[string]*FileVersion),
		history:     make(map[string][]*FileVersion),
		annotations: make(map[string][]Annotation),
		snapshots:   make(map[string]*Snapshot),
		log:         log,
		auth:        a,
		stop:        make(chan struct{}),
		logger:      slog.With("component", "projection"),
	}
	if err := p.catchUp(); err != nil {
		return nil, err
	}
	go p.tailLoop()
	return p, nil
}

// catchUp replays everything past appliedSeq.
func (p *Projection) catchUp() error {
	events, err := p.log.QueryAll(eventlog.Filter{
		Kinds:   projectionKinds,
		FromSeq: p.appliedSeq + 1,
	}, auth.SystemAgentID)
	if err != nil {
		return err
	}
	for _, e := range events {
		p.apply(e)
	}
	return nil
}

// tailLoop keeps the projection current. A dropped subscription is
// recovered by re-querying from the last applied sequence, so the view
// stays complete even after backpressure.
func (p *Projection) tailLoop() {
	for {
		sub, err := p.log.Subscribe(eventlog.Filter{Kinds: projectionKinds}, auth.SystemAgentID)
		if err != nil {
			p.logger.Error("projection subscribe failed", "error", err)
			return
		}
		if err := p.catchUp(); err != nil {
			p.logger.Error("projection catch-up failed", "error", err)
		}

		closed := p.consume(sub)
		sub.Close()
		if !closed {
			return
		}
		// Dropped: back off briefly, then resubscribe and re-sync.
		select {
		case <-time.After(100 * time.Millisecond):
		case <-p.stop:
			return
		}
	}
}

// consume applies events until the subscription closes (returns true)
// or Stop is called (returns false).
func (p *Projection) consume(sub *eventlog.Subscription) bool {
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return true
			}
			p.apply(e)
		case <-p.stop:
			return false
		}
	}
}

// apply folds one event into the views. Events at or below appliedSeq
// are duplicates from re-sync and are skipped.
func (p *Projection) apply(e *eventlog.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.Sequence <= p.appliedSeq {
		return
	}
	p.appliedSeq = e.Sequence

	switch e.Kind {
	case eventlog.KindFileModified:
		var body fileModifiedPayload
		if err := eventlog.DecodePayload(e.Payload, &body); err != nil || body.Path == "" {
			return
		}
		v := &FileVersion{
			Path:       body.Path,
			Content:    body.Content,
			ModifiedBy: e.AgentID,
			Sequence:   e.Sequence,
			Timestamp:  e.Timestamp,
		}
		p.current[body.Path] = v
		p.history[body.Path] = append(p.history[body.Path], v)

	case eventlog.KindAnnotationAdded:
		var body annotationPayload
		if err := eventlog.DecodePayload(e.Payload, &body); err != nil || body.Path == "" {
			return
		}
		p.annotations[body.Path] = append(p.annotations[body.Path], Annotation{
			Path:      body.Path,
			Line:      body.Line,
			Author:    e.AgentID,
			Message:   body.Message,
			Timestamp: e.Timestamp,
		})

	case eventlog.KindSnapshotTaken:
		var body snapshotPayload
		if err := eventlog.DecodePayload(e.Payload, &body); err != nil || body.Name == "" {
			return
		}
		p.snapshots[body.Name] = &Snapshot{
			Name:     body.Name,
			Sequence: e.Sequence,
			TakenBy:  e.AgentID,
			TakenAt:  e.Timestamp,
		}
	}
}

// Stop halts the tail loop.
func (p *Projection) Stop() {
	p.once.Do(func() { close(p.stop) })
}
