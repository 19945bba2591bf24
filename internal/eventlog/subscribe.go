package eventlog

import (
	"github.com/google/uuid"

	"github.com/lighthouse/broker/internal/perms"
)

// Subscription is a live push stream of newly appended events matching
// a filter. The channel buffer is bounded: a subscriber that falls
// behind until the buffer is full is dropped, its channel closed, and a
// SUBSCRIBER_DROPPED event appended.
type Subscription struct {
	ID      string
	AgentID string
	filter  Filter
	ch      chan *Event
	store   *Store
	dropped bool
}

// Events is the receive side of the subscription. The channel closes
// when the subscription is cancelled or dropped.
func (sub *Subscription) Events() <-chan *Event { return sub.ch }

// Close detaches the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.store.removeSub(sub, false)
}

// Subscribe registers a push stream for events matching f. Events
// appended after the call are delivered in sequence order.
func (s *Store) Subscribe(f Filter, agentID string) (*Subscription, error) {
	if err := s.auth.Authorize(agentID, perms.EventsRead); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		AgentID: agentID,
		filter:  f,
		ch:      make(chan *Event, s.subBuf),
		store:   s,
	}

	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

// publish fans a freshly appended event out to matching subscribers.
// Called with the writer lock held so deliveries land in sequence
// order; sends are non-blocking, so a slow subscriber overflows and is
// dropped rather than stalling the append path.
func (s *Store) publish(e *Event) {
	var overflowed []*Subscription

	s.subMu.Lock()
	for sub := range s.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	s.subMu.Unlock()

	for _, sub := range overflowed {
		s.removeSub(sub, true)
	}
}

// removeSub detaches a subscription. When dropped is set the removal is
// recorded in the log for audit.
func (s *Store) removeSub(sub *Subscription, dropped bool) {
	s.subMu.Lock()
	_, present := s.subs[sub]
	if present {
		delete(s.subs, sub)
		close(sub.ch)
		sub.dropped = dropped
	}
	s.subMu.Unlock()

	if !present || !dropped {
		return
	}

	subscriberDrops.Inc()
	s.logger.Warn("subscriber dropped: buffer full",
		"subscription", sub.ID, "agent", sub.AgentID)

	payload, err := EncodePayload(map[string]string{
		"subscription_id": sub.ID,
		"agent_id":        sub.AgentID,
		"reason":          "buffer full",
	})
	if err != nil {
		return
	}
	// Appended from a goroutine: publish() may already be running on
	// the append path and Append takes the writer lock.
	go func() {
		_, _, err := s.Append(&Event{
			Kind:        KindSubscriberDropped,
			AggregateID: "subscriptions",
			Payload:     payload,
		}, s.systemAgent)
		if err != nil {
			s.logger.Error("failed to log subscriber drop", "error", err)
		}
	}()
}
