// Package api exposes the broker's RPC surface as a JSON HTTP API plus
// the per-agent WebSocket push channel. Transport only: every decision
// is made by the subsystems behind it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lighthouse/broker/internal/broker"
	"github.com/lighthouse/broker/internal/errs"
)

type contextKey string

const agentKey contextKey = "agent"

// Server is the HTTP front of one broker.
type Server struct {
	b      *broker.Broker
	router *mux.Router
	http   *http.Server
	logger *slog.Logger
}

// New builds the server and its routes.
func New(b *broker.Broker, port int) *Server {
	s := &Server{
		b:      b,
		router: mux.NewRouter(),
		logger: slog.With("component", "api"),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	// Unauthenticated bootstrap surface.
	v1.HandleFunc("/auth/authenticate", s.handleAuthenticate).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)

	// Everything else runs behind session validation.
	authed := v1.NewRoute().Subrouter()
	authed.Use(s.sessionMiddleware)

	authed.HandleFunc("/sessions/validate", s.handleValidateSession).Methods(http.MethodPost)
	authed.HandleFunc("/sessions/{id}", s.handleRevokeSession).Methods(http.MethodDelete)
	authed.HandleFunc("/auth/invalidate", s.handleInvalidate).Methods(http.MethodPost)
	authed.HandleFunc("/admin/tokens", s.handleCreateToken).Methods(http.MethodPost)
	authed.HandleFunc("/admin/policy/reload", s.handleReloadPolicy).Methods(http.MethodPost)

	authed.HandleFunc("/events", s.handleStoreEvent).Methods(http.MethodPost)
	authed.HandleFunc("/events/batch", s.handleStoreBatch).Methods(http.MethodPost)
	authed.HandleFunc("/events", s.handleQueryEvents).Methods(http.MethodGet)
	authed.HandleFunc("/events/stream", s.handleStreamEvents).Methods(http.MethodGet)

	authed.HandleFunc("/commands/validate", s.handleValidateCommand).Methods(http.MethodPost)

	authed.HandleFunc("/experts/register/begin", s.handleRegisterBegin).Methods(http.MethodPost)
	authed.HandleFunc("/experts/register/complete", s.handleRegisterComplete).Methods(http.MethodPost)
	authed.HandleFunc("/experts/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	authed.HandleFunc("/experts", s.handleListExperts).Methods(http.MethodGet)

	authed.HandleFunc("/tasks", s.handleDelegate).Methods(http.MethodPost)
	authed.HandleFunc("/tasks/{id}/complete", s.handleCompleteTask).Methods(http.MethodPost)

	authed.HandleFunc("/elicitations", s.handleElicit).Methods(http.MethodPost)
	authed.HandleFunc("/elicitations/pending", s.handlePendingElicitations).Methods(http.MethodGet)
	authed.HandleFunc("/elicitations/{id}/respond", s.handleRespondElicitation).Methods(http.MethodPost)
	authed.HandleFunc("/elicitations/{id}/await", s.handleAwaitElicitation).Methods(http.MethodGet)
	authed.HandleFunc("/elicitations/{id}", s.handleCancelElicitation).Methods(http.MethodDelete)

	authed.HandleFunc("/project/files", s.handleListFiles).Methods(http.MethodGet)
	authed.HandleFunc("/project/files", s.handleRecordFile).Methods(http.MethodPost)
	authed.HandleFunc("/project/current/{path:.*}", s.handleCurrentFile).Methods(http.MethodGet)
	authed.HandleFunc("/project/history/{path:.*}", s.handleFileHistory).Methods(http.MethodGet)
	authed.HandleFunc("/project/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	authed.HandleFunc("/project/snapshots", s.handleTakeSnapshot).Methods(http.MethodPost)
	authed.HandleFunc("/project/snapshots/{name}/{path:.*}", s.handleSnapshotFile).Methods(http.MethodGet)
	authed.HandleFunc("/project/annotations/{path:.*}", s.handleAnnotations).Methods(http.MethodGet)
	authed.HandleFunc("/project/annotations", s.handleAddAnnotation).Methods(http.MethodPost)

	authed.HandleFunc("/channel", s.handleChannel).Methods(http.MethodGet)
}

// sessionMiddleware validates the session token against the caller's
// claimed agent id, source IP, and user agent, and stashes the agent id
// in the request context.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get("X-Agent-ID")
		token := r.Header.Get("X-Session-Token")
		if agentID == "" || token == "" {
			s.writeError(w, errs.New(errs.KindUnauthenticated, "missing X-Agent-ID or X-Session-Token"))
			return
		}
		if _, err := s.b.Sessions.Validate(token, agentID, clientIP(r), r.UserAgent()); err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey, agentID)))
	})
}

func agentFrom(r *http.Request) string {
	agentID, _ := r.Context().Value(agentKey).(string)
	return agentID
}

// clientIP strips the port from RemoteAddr. The broker fronts local
// adapters, so proxy headers are deliberately not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.b.Health()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, h)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindUnauthenticated, errs.KindInvalidSession:
		code = http.StatusUnauthorized
	case errs.KindUnauthorized:
		code = http.StatusForbidden
	case errs.KindInvalidPayload:
		code = http.StatusBadRequest
	case errs.KindRateLimited:
		code = http.StatusTooManyRequests
	case errs.KindNotFound:
		code = http.StatusNotFound
	case errs.KindConflictState:
		code = http.StatusConflict
	case errs.KindTimeout:
		code = http.StatusGatewayTimeout
	case errs.KindTransient:
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInvalidPayload, err, "decode request"))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryUint64(r *http.Request, key string) uint64 {
	n, _ := strconv.ParseUint(r.URL.Query().Get(key), 10, 64)
	return n
}
