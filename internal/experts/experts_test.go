package experts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/channels"
	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/perms"
	"github.com/lighthouse/broker/internal/speedlayer"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestAuth(t *testing.T, agents ...string) *auth.Authenticator {
	t.Helper()
	a := auth.New(testSecret, time.Hour)
	for _, id := range agents {
		token, err := a.CreateToken(auth.SystemAgentID, id, perms.RoleExpert, time.Hour)
		require.NoError(t, err)
		_, err = a.Authenticate(id, token, perms.RoleExpert)
		require.NoError(t, err)
	}
	return a
}

func newTestRegistry(t *testing.T, a *auth.Authenticator) *Registry {
	t.Helper()
	r := NewRegistry(a, nil, testSecret, 10*time.Second, 3)
	t.Cleanup(r.Stop)
	return r
}

// answer computes the correct challenge response for an agent.
func answer(agentID, challenge string) string {
	raw, _ := base64.RawURLEncoding.DecodeString(challenge)
	mac := hmac.New(sha256.New, ExpertKey(testSecret, agentID))
	mac.Write(raw)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func register(t *testing.T, r *Registry, agentID string, capacity int, caps ...string) *Expert {
	t.Helper()
	expert, _ := registerWithToken(t, r, agentID, capacity, caps...)
	return expert
}

func registerWithToken(t *testing.T, r *Registry, agentID string, capacity int, caps ...string) (*Expert, string) {
	t.Helper()
	if len(caps) == 0 {
		caps = []string{CapCommandValidator}
	}
	challenge, err := r.BeginRegistration(agentID, caps, 1, capacity)
	require.NoError(t, err)
	expert, token, err := r.CompleteRegistration(agentID, answer(agentID, challenge))
	require.NoError(t, err)
	return expert, token
}

func TestRegistrationHandshake(t *testing.T) {
	a := newTestAuth(t, "expert-1")
	r := newTestRegistry(t, a)

	expert, token := registerWithToken(t, r, "expert-1", 2)
	assert.Equal(t, StatusAvailable, expert.Status)
	assert.Equal(t, 2, expert.Capacity)
	assert.Equal(t, 1, r.OnlineCount())
	assert.NotEmpty(t, token)
}

func TestExpertTokenBinding(t *testing.T) {
	a := newTestAuth(t, "expert-1", "expert-2")
	r := newTestRegistry(t, a)

	_, token := registerWithToken(t, r, "expert-1", 1)
	require.NoError(t, r.VerifyToken("expert-1", token))

	// Bound to the agent id: no other expert can present it.
	register(t, r, "expert-2", 1)
	assert.ErrorIs(t, r.VerifyToken("expert-2", token), errs.ErrUnauthenticated)

	// Tampering breaks the MAC.
	assert.ErrorIs(t, r.VerifyToken("expert-1", token+"x"), errs.ErrUnauthenticated)
	assert.ErrorIs(t, r.VerifyToken("expert-1", "garbage"), errs.ErrUnauthenticated)

	// Deregistration revokes it.
	r.Deregister("expert-1")
	assert.ErrorIs(t, r.VerifyToken("expert-1", token), errs.ErrUnauthenticated)
}

func TestRegistrationWrongKeyRefused(t *testing.T) {
	a := newTestAuth(t, "expert-1", "expert-2")
	r := newTestRegistry(t, a)

	challenge, err := r.BeginRegistration("expert-1", []string{CapCommandValidator}, 1, 1)
	require.NoError(t, err)

	// A response signed under another agent's derived key fails.
	_, _, err = r.CompleteRegistration("expert-1", answer("expert-2", challenge))
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)

	// The challenge is consumed either way.
	_, _, err = r.CompleteRegistration("expert-1", answer("expert-1", challenge))
	assert.ErrorIs(t, err, errs.ErrConflictState)
}

func TestRegistrationRequiresCoordinatePermission(t *testing.T) {
	a := auth.New(testSecret, time.Hour)
	token, err := a.CreateToken(auth.SystemAgentID, "builder-1", perms.RoleBuilder, time.Hour)
	require.NoError(t, err)
	_, err = a.Authenticate("builder-1", token, perms.RoleBuilder)
	require.NoError(t, err)
	r := newTestRegistry(t, a)

	_, err = r.BeginRegistration("builder-1", []string{CapCommandValidator}, 1, 1)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestHeartbeatAndSweep(t *testing.T) {
	a := newTestAuth(t, "expert-1")
	r := newTestRegistry(t, a)
	register(t, r, "expert-1", 1)

	require.NoError(t, r.Heartbeat("expert-1"))
	assert.ErrorIs(t, r.Heartbeat("unknown"), errs.ErrNotFound)

	// Three missed beats at 10s each: sweeping 31s in the future marks
	// the expert offline.
	r.sweep(time.Now().Add(31 * time.Second))
	assert.Equal(t, 0, r.OnlineCount())

	// A fresh beat brings it back.
	require.NoError(t, r.Heartbeat("expert-1"))
	assert.Equal(t, 1, r.OnlineCount())
}

func TestAcquirePrefersLeastLoaded(t *testing.T) {
	a := newTestAuth(t, "expert-1", "expert-2")
	r := newTestRegistry(t, a)
	register(t, r, "expert-1", 5)
	register(t, r, "expert-2", 5)

	first := r.acquire(CapCommandValidator)
	require.NotNil(t, first)
	second := r.acquire(CapCommandValidator)
	require.NotNil(t, second)

	// With equal weights the second acquisition must go to the other
	// expert.
	assert.NotEqual(t, first.AgentID, second.AgentID)
}

func TestAcquireBusyAtCapacity(t *testing.T) {
	a := newTestAuth(t, "expert-1")
	r := newTestRegistry(t, a)
	register(t, r, "expert-1", 1)

	e := r.acquire(CapCommandValidator)
	require.NotNil(t, e)
	assert.Equal(t, StatusBusy, e.Status)

	assert.Nil(t, r.acquire(CapCommandValidator))

	r.release("expert-1")
	assert.NotNil(t, r.acquire(CapCommandValidator))
}

func TestDelegateAssignsImmediately(t *testing.T) {
	a := newTestAuth(t, "expert-1", "requester-1")
	r := newTestRegistry(t, a)
	register(t, r, "expert-1", 1)

	d := NewDispatcher(r, channels.NewHub(), nil, a, 10)
	defer d.Stop()

	task, err := d.Delegate("requester-1", CapCommandValidator, json.RawMessage(`{"q":1}`), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TaskAssigned, task.Status)
	assert.Equal(t, "expert-1", task.ExpertID)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDelegateQueuesWhenBusyThenDrains(t *testing.T) {
	a := newTestAuth(t, "expert-1", "requester-1")
	r := newTestRegistry(t, a)
	register(t, r, "expert-1", 1)

	d := NewDispatcher(r, channels.NewHub(), nil, a, 10)
	defer d.Stop()

	first, err := d.Delegate("requester-1", CapCommandValidator, nil, time.Minute)
	require.NoError(t, err)
	require.Equal(t, TaskAssigned, first.Status)

	second, err := d.Delegate("requester-1", CapCommandValidator, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, second.Status)
	assert.Equal(t, 1, d.PendingCount())

	// Completing the first task frees the slot and drains the queue.
	require.NoError(t, d.Complete("expert-1", first.ID, json.RawMessage(`{}`)))
	assert.Equal(t, 0, d.PendingCount())

	d.mu.Lock()
	drained := d.tasks[second.ID]
	d.mu.Unlock()
	require.NotNil(t, drained)
	assert.Equal(t, TaskAssigned, drained.Status)
}

func TestCompleteByWrongExpertRefused(t *testing.T) {
	a := newTestAuth(t, "expert-1", "expert-2", "requester-1")
	r := newTestRegistry(t, a)
	register(t, r, "expert-1", 1)
	register(t, r, "expert-2", 1)

	d := NewDispatcher(r, channels.NewHub(), nil, a, 10)
	defer d.Stop()

	task, err := d.Delegate("requester-1", CapCommandValidator, nil, time.Minute)
	require.NoError(t, err)

	wrong := "expert-1"
	if task.ExpertID == "expert-1" {
		wrong = "expert-2"
	}
	assert.ErrorIs(t, d.Complete(wrong, task.ID, nil), errs.ErrConflictState)
	assert.ErrorIs(t, d.Complete(task.ExpertID, "no-such-task", nil), errs.ErrNotFound)
}

func TestDelegateQueueOverflowRefused(t *testing.T) {
	a := newTestAuth(t, "requester-1")
	r := newTestRegistry(t, a)

	d := NewDispatcher(r, channels.NewHub(), nil, a, 1)
	defer d.Stop()

	_, err := d.Delegate("requester-1", CapCommandValidator, nil, time.Minute)
	require.NoError(t, err)
	_, err = d.Delegate("requester-1", CapCommandValidator, nil, time.Minute)
	assert.ErrorIs(t, err, errs.ErrTransient)
}

func TestEscalateRoundTrip(t *testing.T) {
	a := newTestAuth(t, "expert-1", "builder-1")
	r := newTestRegistry(t, a)
	register(t, r, "expert-1", 1)

	d := NewDispatcher(r, channels.NewHub(), nil, a, 10)
	defer d.Stop()

	// Stand in for the expert: watch for the assigned task and answer it.
	go func() {
		for i := 0; i < 100; i++ {
			d.mu.Lock()
			var id string
			for tid, task := range d.tasks {
				if task.Status == TaskAssigned && task.ExpertID == "expert-1" {
					id = tid
				}
			}
			d.mu.Unlock()
			if id != "" {
				_ = d.Complete("expert-1", id, json.RawMessage(`{"decision":"BLOCK","reason":"dangerous"}`))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	decision, reason, err := d.Escalate(context.Background(), &speedlayer.Request{
		AgentID:  "builder-1",
		ToolName: "Bash",
	}, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, speedlayer.Block, decision)
	assert.Equal(t, "dangerous", reason)
}

func TestEscalateTimesOutWithoutExperts(t *testing.T) {
	a := newTestAuth(t, "builder-1")
	r := newTestRegistry(t, a)

	d := NewDispatcher(r, channels.NewHub(), nil, a, 10)
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := d.Escalate(ctx, &speedlayer.Request{AgentID: "builder-1", ToolName: "Bash"}, "corr-2")
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Equal(t, 0, d.PendingCount())
}

func TestExpireOverdueReleasesSlotAndNotifies(t *testing.T) {
	a := newTestAuth(t, "expert-1", "requester-1")
	r := newTestRegistry(t, a)
	register(t, r, "expert-1", 1)

	hub := channels.NewHub()
	d := NewDispatcher(r, hub, nil, a, 10)
	defer d.Stop()

	task, err := d.Delegate("requester-1", CapCommandValidator, nil, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, TaskAssigned, task.Status)

	d.expireOverdue(time.Now().Add(time.Second))

	d.mu.Lock()
	_, still := d.tasks[task.ID]
	d.mu.Unlock()
	assert.False(t, still)

	// The expert's slot is free again.
	assert.NotNil(t, r.acquire(CapCommandValidator))
}
