package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
	"github.com/lighthouse/broker/internal/speedlayer"
)

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Token   string `json:"token"`
		Role    string `json:"role"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	identity, err := s.b.Auth.Authenticate(req.AgentID, req.Token, perms.Role(req.Role))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.b.Sessions.CreateSession(req.AgentID, clientIP(r), r.UserAgent())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_token": token})
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	// The middleware already validated; answer with the live session.
	sess, err := s.b.Sessions.Validate(
		r.Header.Get("X-Session-Token"), agentFrom(r), clientIP(r), r.UserAgent())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":    sess.SessionID,
		"agent_id":      sess.AgentID,
		"created_at":    sess.CreatedAt,
		"last_activity": sess.LastActivity,
	})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.b.Sessions.Revoke(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	s.b.Auth.Invalidate(agentFrom(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string `json:"agent_id"`
		Role       string `json:"role"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.b.Auth.CreateToken(agentFrom(r), req.AgentID,
		perms.Role(req.Role), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.b.Auth.Authorize(agentFrom(r), perms.Admin); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.b.Speed.ReloadPolicy(); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInvalidPayload, err, "reload policy"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// eventBody is the wire form of an event: payload as base64 so binary
// CBOR bodies survive JSON transport.
type eventBody struct {
	Kind          string `json:"kind"`
	AggregateID   string `json:"aggregate_id"`
	Payload       string `json:"payload"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

func (b *eventBody) toEvent() (*eventlog.Event, error) {
	payload, err := base64.StdEncoding.DecodeString(b.Payload)
	if err != nil {
		return nil, errs.New(errs.KindInvalidPayload, "payload must be base64")
	}
	return &eventlog.Event{
		Kind:          eventlog.Kind(b.Kind),
		AggregateID:   b.AggregateID,
		Payload:       payload,
		CorrelationID: b.CorrelationID,
		CausationID:   b.CausationID,
	}, nil
}

func (s *Server) handleStoreEvent(w http.ResponseWriter, r *http.Request) {
	var req eventBody
	if !s.decode(w, r, &req) {
		return
	}
	e, err := req.toEvent()
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, seq, err := s.b.Log.Append(e, agentFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "sequence": seq})
}

func (s *Server) handleStoreBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []eventBody `json:"events"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	events := make([]*eventlog.Event, 0, len(req.Events))
	for i := range req.Events {
		e, err := req.Events[i].toEvent()
		if err != nil {
			s.writeError(w, err)
			return
		}
		events = append(events, e)
	}
	ids, err := s.b.Log.AppendBatch(events, agentFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids})
}

// wireEvent is the JSON view of a stored event.
type wireEvent struct {
	ID            string    `json:"id"`
	Sequence      uint64    `json:"sequence"`
	Kind          string    `json:"kind"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       string    `json:"payload"`
	AgentID       string    `json:"agent_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
}

func toWire(e *eventlog.Event) wireEvent {
	return wireEvent{
		ID:            e.ID,
		Sequence:      e.Sequence,
		Kind:          string(e.Kind),
		AggregateID:   e.AggregateID,
		Payload:       base64.StdEncoding.EncodeToString(e.Payload),
		AgentID:       e.AgentID,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
	}
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	f := eventlog.Filter{
		AggregateID: r.URL.Query().Get("aggregate_id"),
		FromSeq:     queryUint64(r, "from_seq"),
		ToSeq:       queryUint64(r, "to_seq"),
		Limit:       queryInt(r, "limit", 500),
	}
	for _, k := range r.URL.Query()["kind"] {
		f.Kinds = append(f.Kinds, eventlog.Kind(k))
	}

	events, err := s.b.Log.QueryAll(f, agentFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]wireEvent, len(events))
	for i, e := range events {
		out[i] = toWire(e)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func (s *Server) handleValidateCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolName  string                 `json:"tool_name"`
		ToolInput map[string]interface{} `json:"tool_input"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.b.Speed.Validate(r.Context(), &speedlayer.Request{
		AgentID:   agentFrom(r),
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision":       res.Decision,
		"reason":         res.Reason,
		"tier":           res.Tier,
		"fingerprint":    res.Fingerprint,
		"correlation_id": res.CorrelationID,
		"latency_ms":     float64(res.Latency.Microseconds()) / 1000.0,
	})
}
