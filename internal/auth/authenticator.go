// Package auth implements the coordinated authenticator and the session
// validator. Exactly one Authenticator exists per broker process; every
// subsystem that checks authorization holds a reference to it, and no
// subsystem keeps a private authentication table.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
)

// SystemAgentID is the broker's own identity, used for internal appends
// (audit events, expirations). It is the only identity created without
// a token, at construction time.
const SystemAgentID = "lighthouse-system"

// Identity is an authenticated agent. Owned by the Authenticator; lives
// until expiry or explicit invalidation.
type Identity struct {
	AgentID     string             `json:"agent_id"`
	Role        perms.Role         `json:"role"`
	Permissions []perms.Permission `json:"permissions"`
	IssuedAt    time.Time          `json:"issued_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Token       string             `json:"-"`
}

// expired reports whether the identity is past its expiry. The system
// identity never expires.
func (id *Identity) expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// Has reports whether the identity carries permission p.
func (id *Identity) Has(p perms.Permission) bool {
	for _, have := range id.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// tokenClaims is the signed body of an agent bearer token.
type tokenClaims struct {
	AgentID  string     `json:"aid"`
	Role     perms.Role `json:"role"`
	IssuedAt int64      `json:"iat"`
	Expires  int64      `json:"exp"`
}

// EventAppender is the slice of the event log the authenticator needs.
// The log is attached after construction because the store itself takes
// the authenticator as a dependency.
type EventAppender interface {
	Append(e *eventlog.Event, appendingAgent string) (string, uint64, error)
}

// Authenticator is the process-wide identity registry. The identity map
// is read-mostly: lookups take the read lock, authenticate/invalidate
// serialize on the write lock.
type Authenticator struct {
	mu         sync.RWMutex
	identities map[string]*Identity

	secret     []byte
	defaultTTL time.Duration

	logMu sync.RWMutex
	log   EventAppender

	logger *slog.Logger
}

// New constructs the authenticator and seeds the built-in system
// identity. This is the single construction path for identities without
// tokens; everything else goes through Authenticate.
func New(secret []byte, tokenTTL time.Duration) *Authenticator {
	a := &Authenticator{
		identities: make(map[string]*Identity),
		secret:     secret,
		defaultTTL: tokenTTL,
		logger:     slog.With("component", "auth"),
	}
	a.identities[SystemAgentID] = &Identity{
		AgentID:     SystemAgentID,
		Role:        perms.RoleSystem,
		Permissions: perms.ForRole(perms.RoleSystem),
		IssuedAt:    time.Now(),
		// Zero ExpiresAt: never expires.
	}
	return a
}

// AttachLog wires the event log in once it exists. Identity lifecycle
// events are only emitted after attachment.
func (a *Authenticator) AttachLog(log EventAppender) {
	a.logMu.Lock()
	a.log = log
	a.logMu.Unlock()
}

// Authenticate verifies an agent's bearer token and registers its
// identity. A token for an unknown or mismatched agent is refused; the
// authenticator never mints identities on miss.
func (a *Authenticator) Authenticate(agentID, token string, claimedRole perms.Role) (*Identity, error) {
	claims, err := a.verifyToken(token)
	if err != nil {
		return nil, err
	}
	if claims.AgentID != agentID {
		return nil, errs.New(errs.KindUnauthenticated, "token is not bound to agent %s", agentID)
	}
	if claims.Role != claimedRole {
		return nil, errs.New(errs.KindUnauthenticated,
			"role %s not permitted for agent %s", claimedRole, agentID)
	}
	if !claimedRole.Valid() {
		return nil, errs.New(errs.KindUnauthenticated, "unknown role %q", claimedRole)
	}

	identity := &Identity{
		AgentID:     agentID,
		Role:        claimedRole,
		Permissions: perms.ForRole(claimedRole),
		IssuedAt:    time.Unix(claims.IssuedAt, 0),
		ExpiresAt:   time.Unix(claims.Expires, 0),
		Token:       token,
	}

	a.mu.Lock()
	a.identities[agentID] = identity
	a.mu.Unlock()

	a.logger.Info("agent authenticated", "agent", agentID, "role", claimedRole)
	a.emit(eventlog.KindAgentJoined, "agents", map[string]string{
		"agent_id": agentID,
		"role":     string(claimedRole),
	})
	return identity, nil
}

// Lookup returns the agent's identity, or nil if it is unauthenticated
// or expired. O(1) under the read lock.
func (a *Authenticator) Lookup(agentID string) *Identity {
	a.mu.RLock()
	identity := a.identities[agentID]
	a.mu.RUnlock()

	if identity == nil || identity.expired(time.Now()) {
		return nil
	}
	return identity
}

// Authorize implements the authorization check used by every subsystem:
// Unauthenticated if the agent has no live identity, Unauthorized if
// its role lacks the permission.
func (a *Authenticator) Authorize(agentID string, p perms.Permission) error {
	identity := a.Lookup(agentID)
	if identity == nil {
		return errs.New(errs.KindUnauthenticated, "agent %s is not authenticated", agentID)
	}
	if !identity.Has(p) {
		a.emit(eventlog.KindSecurityAlert, "agents", map[string]string{
			"agent_id":   agentID,
			"permission": string(p),
			"reason":     "permission denied",
		})
		return errs.New(errs.KindUnauthorized, "agent %s lacks %s", agentID, p)
	}
	return nil
}

// Invalidate removes an identity and records the departure.
func (a *Authenticator) Invalidate(agentID string) {
	if agentID == SystemAgentID {
		return
	}
	a.mu.Lock()
	_, present := a.identities[agentID]
	delete(a.identities, agentID)
	a.mu.Unlock()

	if present {
		a.emit(eventlog.KindAgentLeft, "agents", map[string]string{"agent_id": agentID})
	}
}

// CreateToken mints a bearer token for a known agent. Only system-level
// callers (ADMIN permission) may bootstrap tokens.
func (a *Authenticator) CreateToken(callerAgentID, agentID string, role perms.Role, ttl time.Duration) (string, error) {
	if err := a.Authorize(callerAgentID, perms.Admin); err != nil {
		return "", err
	}
	if !role.Valid() {
		return "", errs.New(errs.KindInvalidPayload, "unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = a.defaultTTL
	}

	now := time.Now()
	claims := tokenClaims{
		AgentID:  agentID,
		Role:     role,
		IssuedAt: now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig := a.sign(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// ActiveCount returns the number of live identities.
func (a *Authenticator) ActiveCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.identities)
}

func (a *Authenticator) verifyToken(token string) (*tokenClaims, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return nil, errs.New(errs.KindUnauthenticated, "malformed token")
	}
	body, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, errs.New(errs.KindUnauthenticated, "malformed token body")
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return nil, errs.New(errs.KindUnauthenticated, "malformed token signature")
	}
	if !hmac.Equal(sig, a.sign(body)) {
		return nil, errs.New(errs.KindUnauthenticated, "token signature mismatch")
	}

	var claims tokenClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, errs.New(errs.KindUnauthenticated, "undecodable token claims")
	}
	if time.Now().Unix() > claims.Expires {
		return nil, errs.New(errs.KindUnauthenticated, "token expired")
	}
	return &claims, nil
}

func (a *Authenticator) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// emit appends an audit event as the system agent. Best effort: a log
// that is not yet attached or a failed append never blocks auth.
func (a *Authenticator) emit(kind eventlog.Kind, aggregate string, payload map[string]string) {
	a.logMu.RLock()
	log := a.log
	a.logMu.RUnlock()
	if log == nil {
		return
	}
	data, err := eventlog.EncodePayload(payload)
	if err != nil {
		return
	}
	if _, _, err := log.Append(&eventlog.Event{
		Kind:        kind,
		AggregateID: aggregate,
		Payload:     data,
	}, SystemAgentID); err != nil {
		a.logger.Warn("audit append failed", "kind", kind, "error", err)
	}
}
