package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	return New(testSecret, time.Hour)
}

// mintAndAuthenticate bootstraps an identity the way an operator would:
// a token minted by the system identity, presented by the agent.
func mintAndAuthenticate(t *testing.T, a *Authenticator, agentID string, role perms.Role) *Identity {
	t.Helper()
	token, err := a.CreateToken(SystemAgentID, agentID, role, time.Hour)
	require.NoError(t, err)
	identity, err := a.Authenticate(agentID, token, role)
	require.NoError(t, err)
	return identity
}

func TestSystemIdentitySeeded(t *testing.T) {
	a := newTestAuth(t)

	sys := a.Lookup(SystemAgentID)
	require.NotNil(t, sys)
	assert.Equal(t, perms.RoleSystem, sys.Role)
	assert.True(t, sys.Has(perms.Admin))
}

func TestAuthenticateHappyPath(t *testing.T) {
	a := newTestAuth(t)

	identity := mintAndAuthenticate(t, a, "builder-1", perms.RoleBuilder)
	assert.Equal(t, "builder-1", identity.AgentID)
	assert.True(t, identity.Has(perms.CommandExecute))
	assert.False(t, identity.Has(perms.Admin))

	// Validity window comes from the token's claims.
	assert.WithinDuration(t, time.Now(), identity.IssuedAt, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(time.Hour), identity.ExpiresAt, 5*time.Second)

	assert.NotNil(t, a.Lookup("builder-1"))
}

func TestNoAutoAuthentication(t *testing.T) {
	a := newTestAuth(t)

	// An unknown agent is never minted an identity on miss.
	assert.Nil(t, a.Lookup("stranger"))

	_, err := a.Authenticate("stranger", "not-a-token", perms.RoleBuilder)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
	assert.Nil(t, a.Lookup("stranger"))
}

func TestAuthenticateRejectsMismatchedAgent(t *testing.T) {
	a := newTestAuth(t)

	token, err := a.CreateToken(SystemAgentID, "builder-1", perms.RoleBuilder, time.Hour)
	require.NoError(t, err)

	_, err = a.Authenticate("builder-2", token, perms.RoleBuilder)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestAuthenticateRejectsRoleEscalation(t *testing.T) {
	a := newTestAuth(t)

	token, err := a.CreateToken(SystemAgentID, "builder-1", perms.RoleBuilder, time.Hour)
	require.NoError(t, err)

	_, err = a.Authenticate("builder-1", token, perms.RoleAdmin)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestAuthorize(t *testing.T) {
	a := newTestAuth(t)
	mintAndAuthenticate(t, a, "expert-1", perms.RoleExpert)

	assert.NoError(t, a.Authorize("expert-1", perms.ShadowWrite))
	assert.ErrorIs(t, a.Authorize("expert-1", perms.FilesystemWrite), errs.ErrUnauthorized)
	assert.ErrorIs(t, a.Authorize("nobody", perms.EventsRead), errs.ErrUnauthenticated)
}

func TestCreateTokenRequiresAdmin(t *testing.T) {
	a := newTestAuth(t)
	mintAndAuthenticate(t, a, "builder-1", perms.RoleBuilder)

	_, err := a.CreateToken("builder-1", "other", perms.RoleBuilder, time.Hour)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestInvalidate(t *testing.T) {
	a := newTestAuth(t)
	mintAndAuthenticate(t, a, "builder-1", perms.RoleBuilder)

	a.Invalidate("builder-1")
	assert.Nil(t, a.Lookup("builder-1"))

	// The system identity cannot be invalidated.
	a.Invalidate(SystemAgentID)
	assert.NotNil(t, a.Lookup(SystemAgentID))
}

func TestExpiredTokenRefused(t *testing.T) {
	a := newTestAuth(t)

	token, err := a.CreateToken(SystemAgentID, "builder-1", perms.RoleBuilder, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond) // claims carry unix-second expiry

	_, err = a.Authenticate("builder-1", token, perms.RoleBuilder)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAuth(t)
	mintAndAuthenticate(t, a, "builder-1", perms.RoleBuilder)

	sv := NewSessionValidator(a, time.Hour)
	defer sv.Stop()

	token, err := sv.CreateSession("builder-1", "127.0.0.1", "adapter/1.0")
	require.NoError(t, err)

	sess, err := sv.Validate(token, "builder-1", "127.0.0.1", "adapter/1.0")
	require.NoError(t, err)
	assert.Equal(t, "builder-1", sess.AgentID)
	assert.Equal(t, 1, sv.ActiveCount())

	require.NoError(t, sv.Revoke(sess.SessionID))
	_, err = sv.Validate(token, "builder-1", "127.0.0.1", "adapter/1.0")
	assert.ErrorIs(t, err, errs.ErrInvalidSession)
}

func TestSessionRequiresAuthentication(t *testing.T) {
	a := newTestAuth(t)
	sv := NewSessionValidator(a, time.Hour)
	defer sv.Stop()

	_, err := sv.CreateSession("ghost", "127.0.0.1", "adapter/1.0")
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestSessionHijackDetection(t *testing.T) {
	a := newTestAuth(t)
	mintAndAuthenticate(t, a, "builder-1", perms.RoleBuilder)

	sv := NewSessionValidator(a, time.Hour)
	defer sv.Stop()

	token, err := sv.CreateSession("builder-1", "127.0.0.1", "adapter/1.0")
	require.NoError(t, err)

	// Same token, different source: refused and flagged.
	_, err = sv.Validate(token, "builder-1", "10.0.0.9", "adapter/1.0")
	assert.ErrorIs(t, err, errs.ErrInvalidSession)

	_, err = sv.Validate(token, "builder-1", "127.0.0.1", "curl/8.0")
	assert.ErrorIs(t, err, errs.ErrInvalidSession)

	// The original client keeps working.
	_, err = sv.Validate(token, "builder-1", "127.0.0.1", "adapter/1.0")
	assert.NoError(t, err)
}

func TestSessionTokenTamperRefused(t *testing.T) {
	a := newTestAuth(t)
	mintAndAuthenticate(t, a, "builder-1", perms.RoleBuilder)
	mintAndAuthenticate(t, a, "builder-2", perms.RoleBuilder)

	sv := NewSessionValidator(a, time.Hour)
	defer sv.Stop()

	token, err := sv.CreateSession("builder-1", "127.0.0.1", "adapter/1.0")
	require.NoError(t, err)

	// The token is bound to its agent: presenting it as another agent
	// fails before any table lookup.
	_, err = sv.Validate(token, "builder-2", "127.0.0.1", "adapter/1.0")
	assert.ErrorIs(t, err, errs.ErrInvalidSession)

	_, err = sv.Validate(token+"x", "builder-1", "127.0.0.1", "adapter/1.0")
	assert.ErrorIs(t, err, errs.ErrInvalidSession)
}

func TestIdleSessionSweep(t *testing.T) {
	a := newTestAuth(t)
	mintAndAuthenticate(t, a, "builder-1", perms.RoleBuilder)

	sv := NewSessionValidator(a, 10*time.Millisecond)
	defer sv.Stop()

	_, err := sv.CreateSession("builder-1", "127.0.0.1", "adapter/1.0")
	require.NoError(t, err)
	require.Equal(t, 1, sv.ActiveCount())

	time.Sleep(30 * time.Millisecond)
	sv.sweep(time.Now())
	assert.Equal(t, 0, sv.ActiveCount())
}

func TestAuditEventsEmitted(t *testing.T) {
	a := newTestAuth(t)

	dir := t.TempDir()
	store, err := eventlog.Open(eventlog.Options{
		DataDir: dir,
		NodeID:  "n",
		Secret:  testSecret,
	}, a)
	require.NoError(t, err)
	defer store.Close()
	a.AttachLog(store)

	mintAndAuthenticate(t, a, "builder-1", perms.RoleBuilder)
	a.Invalidate("builder-1")

	events, err := store.QueryAll(eventlog.Filter{AggregateID: "agents"}, SystemAgentID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.KindAgentJoined, events[0].Kind)
	assert.Equal(t, eventlog.KindAgentLeft, events[1].Kind)
}
