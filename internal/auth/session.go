package auth

import (
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
)

// Session binds an authenticated agent to one client instance. Sessions
// are deliberately not persisted: after a broker restart agents simply
// re-authenticate and open fresh sessions.
type Session struct {
	SessionID      string
	AgentID        string
	Token          string
	CreatedAt      time.Time
	LastActivity   time.Time
	BoundIP        string
	BoundUserAgent string
}

// SessionValidator issues and checks short-lived session tokens, binds
// them to the caller's IP and user agent, and flags hijack attempts.
type SessionValidator struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID → session

	auth    *Authenticator
	idleTTL time.Duration
	stop    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// NewSessionValidator builds the validator and starts its idle-session
// sweeper. Call Stop on shutdown.
func NewSessionValidator(auth *Authenticator, idleTTL time.Duration) *SessionValidator {
	sv := &SessionValidator{
		sessions: make(map[string]*Session),
		auth:     auth,
		idleTTL:  idleTTL,
		stop:     make(chan struct{}),
		logger:   slog.With("component", "sessions"),
	}
	go sv.sweepLoop()
	return sv
}

// CreateSession opens a session for an authenticated agent. The token
// format is session_id:agent_id:created_at:MAC over those three fields
// under the broker secret.
func (sv *SessionValidator) CreateSession(agentID, ip, userAgent string) (string, error) {
	if sv.auth.Lookup(agentID) == nil {
		return "", errs.New(errs.KindUnauthenticated, "agent %s is not authenticated", agentID)
	}

	now := time.Now()
	sessionID := uuid.NewString()
	token := sv.tokenFor(sessionID, agentID, now.Unix())

	sess := &Session{
		SessionID:      sessionID,
		AgentID:        agentID,
		Token:          token,
		CreatedAt:      now,
		LastActivity:   now,
		BoundIP:        ip,
		BoundUserAgent: userAgent,
	}

	sv.mu.Lock()
	sv.sessions[sessionID] = sess
	sv.mu.Unlock()

	sv.auth.emit(eventlog.KindSessionCreated, "sessions", map[string]string{
		"session_id": sessionID,
		"agent_id":   agentID,
		"ip":         ip,
		"user_agent": userAgent,
	})
	return token, nil
}

// Validate checks a session token: MAC, agent binding, liveness, and
// the IP/user-agent pair the session was created from. A mismatch on
// IP or UA is treated as a hijack attempt: one event is emitted with
// both the bound and the presented values, and the call fails.
func (sv *SessionValidator) Validate(token, expectedAgentID, ip, userAgent string) (*Session, error) {
	sessionID, agentID, createdAt, err := sv.parseToken(token)
	if err != nil {
		return nil, err
	}
	if agentID != expectedAgentID {
		return nil, errs.New(errs.KindInvalidSession,
			"session belongs to a different agent")
	}
	if sv.auth.Lookup(agentID) == nil {
		return nil, errs.New(errs.KindUnauthenticated, "agent %s is not authenticated", agentID)
	}

	sv.mu.Lock()
	sess, ok := sv.sessions[sessionID]
	if !ok {
		sv.mu.Unlock()
		return nil, errs.New(errs.KindInvalidSession, "session %s is not active", sessionID)
	}
	if sess.CreatedAt.Unix() != createdAt {
		sv.mu.Unlock()
		return nil, errs.New(errs.KindInvalidSession, "session token timestamp mismatch")
	}
	if sess.BoundIP != ip || sess.BoundUserAgent != userAgent {
		boundIP, boundUA := sess.BoundIP, sess.BoundUserAgent
		sv.mu.Unlock()

		sv.auth.emit(eventlog.KindSessionHijackAttempt, "sessions", map[string]string{
			"session_id":   sessionID,
			"agent_id":     agentID,
			"bound_ip":     boundIP,
			"bound_ua":     boundUA,
			"presented_ip": ip,
			"presented_ua": userAgent,
		})
		sv.logger.Warn("session hijack attempt",
			"session", sessionID, "agent", agentID,
			"bound_ip", boundIP, "presented_ip", ip)
		return nil, errs.New(errs.KindInvalidSession,
			"session bound to a different client")
	}
	sess.LastActivity = time.Now()
	cp := *sess
	sv.mu.Unlock()

	return &cp, nil
}

// Revoke removes a session explicitly (logout).
func (sv *SessionValidator) Revoke(sessionID string) error {
	sv.mu.Lock()
	sess, ok := sv.sessions[sessionID]
	if ok {
		delete(sv.sessions, sessionID)
	}
	sv.mu.Unlock()

	if !ok {
		return errs.New(errs.KindNotFound, "session %s not found", sessionID)
	}
	sv.auth.emit(eventlog.KindSessionRevoked, "sessions", map[string]string{
		"session_id": sessionID,
		"agent_id":   sess.AgentID,
	})
	return nil
}

// ActiveCount returns the number of live sessions.
func (sv *SessionValidator) ActiveCount() int {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return len(sv.sessions)
}

// Stop terminates the sweeper goroutine.
func (sv *SessionValidator) Stop() {
	sv.once.Do(func() { close(sv.stop) })
}

func (sv *SessionValidator) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sv.sweep(time.Now())
		case <-sv.stop:
			return
		}
	}
}

// sweep garbage-collects idle sessions, emitting SESSION_EXPIRED for
// each one.
func (sv *SessionValidator) sweep(now time.Time) {
	var expired []*Session

	sv.mu.Lock()
	for id, sess := range sv.sessions {
		if now.Sub(sess.LastActivity) > sv.idleTTL {
			delete(sv.sessions, id)
			expired = append(expired, sess)
		}
	}
	sv.mu.Unlock()

	for _, sess := range expired {
		sv.auth.emit(eventlog.KindSessionExpired, "sessions", map[string]string{
			"session_id": sess.SessionID,
			"agent_id":   sess.AgentID,
		})
	}
}

func (sv *SessionValidator) tokenFor(sessionID, agentID string, createdAt int64) string {
	body := fmt.Sprintf("%s|%s|%d", sessionID, agentID, createdAt)
	sig := sv.auth.sign([]byte(body))
	return fmt.Sprintf("%s:%s:%d:%s",
		sessionID, agentID, createdAt, base64.RawURLEncoding.EncodeToString(sig))
}

func (sv *SessionValidator) parseToken(token string) (sessionID, agentID string, createdAt int64, err error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return "", "", 0, errs.New(errs.KindInvalidSession, "malformed session token")
	}
	sessionID, agentID = parts[0], parts[1]
	createdAt, perr := strconv.ParseInt(parts[2], 10, 64)
	if perr != nil {
		return "", "", 0, errs.New(errs.KindInvalidSession, "malformed session timestamp")
	}
	sig, derr := base64.RawURLEncoding.DecodeString(parts[3])
	if derr != nil {
		return "", "", 0, errs.New(errs.KindInvalidSession, "malformed session signature")
	}
	body := fmt.Sprintf("%s|%s|%d", sessionID, agentID, createdAt)
	if !hmac.Equal(sig, sv.auth.sign([]byte(body))) {
		return "", "", 0, errs.New(errs.KindInvalidSession, "session signature mismatch")
	}
	return sessionID, agentID, createdAt, nil
}
