package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/lighthouse/broker/internal/eventlog"
)

func (s *Server) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capabilities []string `json:"capabilities"`
		Weight       float64  `json:"weight"`
		Capacity     int      `json:"capacity"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	challenge, err := s.b.Experts.BeginRegistration(agentFrom(r), req.Capabilities, req.Weight, req.Capacity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
}

func (s *Server) handleRegisterComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response string `json:"response"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	expert, token, err := s.b.Experts.CompleteRegistration(agentFrom(r), req.Response)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"expert":       expert,
		"expert_token": token,
	})
}

// requireExpertToken gates the calls only a registered expert may make:
// the token minted at registration is the sole acceptable credential,
// the session alone is not enough.
func (s *Server) requireExpertToken(w http.ResponseWriter, r *http.Request) bool {
	if err := s.b.Experts.VerifyToken(agentFrom(r), r.Header.Get("X-Expert-Token")); err != nil {
		s.writeError(w, err)
		return false
	}
	return true
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.b.Experts.Heartbeat(agentFrom(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListExperts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"experts": s.b.Experts.Snapshot()})
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capability     string          `json:"capability"`
		Payload        json.RawMessage `json:"payload"`
		TimeoutSeconds int             `json:"timeout_seconds"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	task, err := s.b.Tasks.Delegate(agentFrom(r), req.Capability, req.Payload,
		time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireExpertToken(w, r) {
		return
	}
	var req struct {
		Result json.RawMessage `json:"result"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.b.Tasks.Complete(agentFrom(r), mux.Vars(r)["id"], req.Result); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleElicit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToAgent        string          `json:"to_agent"`
		Payload        json.RawMessage `json:"payload"`
		Schema         json.RawMessage `json:"schema,omitempty"`
		TimeoutSeconds *int            `json:"timeout_seconds"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	// An absent timeout gets the default; an explicit 0 is a deadline
	// already in the past and fails as such.
	timeout := s.b.Elicitations.DefaultTimeout()
	if req.TimeoutSeconds != nil {
		timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}
	e, err := s.b.Elicitations.Create(agentFrom(r), req.ToAgent, req.Payload, req.Schema, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleRespondElicitation(w http.ResponseWriter, r *http.Request) {
	if !s.requireExpertToken(w, r) {
		return
	}
	var req struct {
		Payload   json.RawMessage `json:"payload"`
		Nonce     string          `json:"nonce"`
		Signature string          `json:"signature"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	err := s.b.Elicitations.Respond(agentFrom(r), mux.Vars(r)["id"], req.Payload, req.Nonce, req.Signature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAwaitElicitation(w http.ResponseWriter, r *http.Request) {
	resp, err := s.b.Elicitations.Await(r.Context(), agentFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelElicitation(w http.ResponseWriter, r *http.Request) {
	if err := s.b.Elicitations.Cancel(agentFrom(r), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingElicitations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": s.b.Elicitations.Pending(agentFrom(r)),
	})
}

// handleChannel upgrades to the agent's push channel. The session was
// validated by the middleware, so the hub can trust the agent id.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	s.b.Hub.HandleWebSocket(w, r, agentFrom(r))
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStreamEvents upgrades to a WebSocket carrying the live event
// feed for the caller's filter. Slow consumers are disconnected when
// the subscription buffer overflows.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	f := eventlog.Filter{AggregateID: r.URL.Query().Get("aggregate_id")}
	for _, k := range r.URL.Query()["kind"] {
		f.Kinds = append(f.Kinds, eventlog.Kind(k))
	}
	sub, err := s.b.Log.Subscribe(f, agentFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		return
	}
	defer func() {
		sub.Close()
		conn.Close()
	}()

	// Reader only notices disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for e := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(toWire(e)); err != nil {
			return
		}
	}
}
