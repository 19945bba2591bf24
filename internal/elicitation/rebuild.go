package elicitation

import (
	"container/heap"
	"time"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/eventlog"
)

// createdPayload mirrors the ELICITATION_CREATED event body.
type createdPayload struct {
	ID       string `cbor:"id"`
	From     string `cbor:"from"`
	To       string `cbor:"to"`
	Nonce    string `cbor:"nonce"`
	Deadline string `cbor:"deadline"`
	Payload  []byte `cbor:"payload"`
	Schema   []byte `cbor:"schema"`
}

type lifecyclePayload struct {
	ID string `cbor:"id"`
}

// Rebuild reconstructs live elicitations from the event log after a
// restart: every created elicitation without a terminal event comes
// back PENDING with its key re-derived; ones already past deadline are
// expired on the next sweep. Futures do not survive a restart, so
// waiters must re-Await.
func (m *Manager) Rebuild() error {
	events, err := m.log.QueryAll(eventlog.Filter{
		AggregateID: "elicitations",
	}, auth.SystemAgentID)
	if err != nil {
		return err
	}

	live := make(map[string]*createdPayload)
	for _, ev := range events {
		switch ev.Kind {
		case eventlog.KindElicitationCreated:
			var p createdPayload
			if err := eventlog.DecodePayload(ev.Payload, &p); err != nil {
				m.logger.Warn("skipping undecodable elicitation event", "event", ev.ID, "error", err)
				continue
			}
			live[p.ID] = &p
		case eventlog.KindElicitationResponded,
			eventlog.KindElicitationExpired,
			eventlog.KindElicitationCancelled:
			var p lifecyclePayload
			if err := eventlog.DecodePayload(ev.Payload, &p); err == nil {
				delete(live, p.ID)
			}
		}
	}

	restored := 0
	m.mu.Lock()
	for _, p := range live {
		deadline, err := time.Parse(time.RFC3339Nano, p.Deadline)
		if err != nil {
			continue
		}
		e := &Elicitation{
			ID:        p.ID,
			FromAgent: p.From,
			ToAgent:   p.To,
			Payload:   p.Payload,
			Schema:    p.Schema,
			Nonce:     p.Nonce,
			Status:    StatusPending,
			Deadline:  deadline,
			key:       ResponseKey(m.secret, p.ID, p.To, p.Nonce),
			respCh:    make(chan *Response, 1),
		}
		if len(p.Schema) > 0 {
			if sch, err := compileSchema(p.Schema); err == nil {
				e.compiled = sch
			}
		}
		m.byID[e.ID] = e
		heap.Push(&m.deadlines, e)
		m.outstanding[e.FromAgent]++
		restored++
	}
	m.mu.Unlock()

	if restored > 0 {
		m.logger.Info("elicitations rebuilt from log", "restored", restored)
	}
	return nil
}
