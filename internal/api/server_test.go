package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/broker"
	"github.com/lighthouse/broker/internal/config"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/experts"
	"github.com/lighthouse/broker/internal/perms"
)

const testBrokerSecret = "test-secret-0123456789abcdef"

type testEnv struct {
	b   *broker.Broker
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.BrokerSecret = testBrokerSecret

	b, err := broker.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	s := New(b, cfg.Server.Port)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{b: b, srv: srv}
}

// do issues one JSON request, optionally with session headers.
func (e *testEnv) do(t *testing.T, method, path string, body interface{}, agentID, session string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if agentID != "" {
		req.Header.Set("X-Agent-ID", agentID)
		req.Header.Set("X-Session-Token", session)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// bootstrap authenticates an agent end to end and returns its session
// token.
func (e *testEnv) bootstrap(t *testing.T, agentID string, role perms.Role) string {
	t.Helper()

	token, err := e.b.Auth.CreateToken(auth.SystemAgentID, agentID, role, time.Hour)
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/v1/auth/authenticate", map[string]string{
		"agent_id": agentID,
		"token":    token,
		"role":     string(role),
	}, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/sessions", map[string]string{
		"agent_id": agentID,
	}, "", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		SessionToken string `json:"session_token"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.SessionToken)
	return out.SessionToken
}

// signChallenge answers a registration challenge the way a real expert
// adapter would, using its derived key.
func signChallenge(t *testing.T, agentID, challenge string) string {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(challenge)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, experts.ExpertKey([]byte(testBrokerSecret), agentID))
	mac.Write(raw)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/healthz", nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h broker.Health
	decodeBody(t, resp, &h)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "CLOSED", h.Breakers["expert"])
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/v1/auth/authenticate", map[string]string{
		"agent_id": "builder-1",
		"token":    "garbage",
		"role":     string(perms.RoleBuilder),
	}, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionRequiredForProtectedRoutes(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/v1/events", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/events", nil, "builder-1", "forged-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventStoreAndQuery(t *testing.T) {
	e := newTestEnv(t)
	session := e.bootstrap(t, "builder-1", perms.RoleBuilder)

	payload, err := eventlog.EncodePayload(map[string]string{"path": "main.go"})
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/v1/events", map[string]string{
		"kind":         string(eventlog.KindFileModified),
		"aggregate_id": "project",
		"payload":      base64.StdEncoding.EncodeToString(payload),
	}, "builder-1", session)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var stored struct {
		ID       string `json:"id"`
		Sequence uint64 `json:"sequence"`
	}
	decodeBody(t, resp, &stored)
	assert.NotEmpty(t, stored.ID)
	assert.NotZero(t, stored.Sequence)

	resp = e.do(t, http.MethodGet, "/v1/events?aggregate_id=project", nil, "builder-1", session)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var queried struct {
		Events []wireEvent `json:"events"`
	}
	decodeBody(t, resp, &queried)
	require.Len(t, queried.Events, 1)
	assert.Equal(t, stored.ID, queried.Events[0].ID)
	assert.Equal(t, "builder-1", queried.Events[0].AgentID)

	raw, err := base64.StdEncoding.DecodeString(queried.Events[0].Payload)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, eventlog.DecodePayload(raw, &body))
	assert.Equal(t, "main.go", body["path"])
}

func TestEventBatch(t *testing.T) {
	e := newTestEnv(t)
	session := e.bootstrap(t, "builder-1", perms.RoleBuilder)

	var events []map[string]string
	for i := 0; i < 3; i++ {
		payload, err := eventlog.EncodePayload(map[string]int{"n": i})
		require.NoError(t, err)
		events = append(events, map[string]string{
			"kind":         string(eventlog.KindCommandReceived),
			"aggregate_id": "commands",
			"payload":      base64.StdEncoding.EncodeToString(payload),
		})
	}
	resp := e.do(t, http.MethodPost, "/v1/events/batch", map[string]interface{}{
		"events": events,
	}, "builder-1", session)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		IDs []string `json:"ids"`
	}
	decodeBody(t, resp, &out)
	assert.Len(t, out.IDs, 3)
}

func TestValidateCommandEndpoint(t *testing.T) {
	e := newTestEnv(t)
	session := e.bootstrap(t, "builder-1", perms.RoleBuilder)

	resp := e.do(t, http.MethodPost, "/v1/commands/validate", map[string]interface{}{
		"tool_name":  "Read",
		"tool_input": map[string]string{"path": "/tmp/x"},
	}, "builder-1", session)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Decision    string `json:"decision"`
		Reason      string `json:"reason"`
		Tier        string `json:"tier"`
		Fingerprint string `json:"fingerprint"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "APPROVE", out.Decision)
	assert.Equal(t, "POLICY", out.Tier)
	assert.NotEmpty(t, out.Fingerprint)

	// Destructive commands are blocked by the rule tier.
	resp = e.do(t, http.MethodPost, "/v1/commands/validate", map[string]interface{}{
		"tool_name":  "Bash",
		"tool_input": map[string]string{"command": "rm -rf /etc"},
	}, "builder-1", session)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &out)
	assert.Equal(t, "BLOCK", out.Decision)
}

func TestProjectFileRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	builderSession := e.bootstrap(t, "builder-1", perms.RoleBuilder)
	expertSession := e.bootstrap(t, "expert-1", perms.RoleExpert)

	resp := e.do(t, http.MethodPost, "/v1/project/files", map[string]string{
		"path":    "cmd/main.go",
		"content": base64.StdEncoding.EncodeToString([]byte("package main")),
	}, "builder-1", builderSession)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The projection tails the log; give it a moment to fold the event.
	require.Eventually(t, func() bool {
		return e.b.Projection.AppliedSequence() >= e.b.Log.HeadSequence()
	}, 2*time.Second, 5*time.Millisecond)

	resp = e.do(t, http.MethodGet, "/v1/project/current/cmd/main.go", nil, "expert-1", expertSession)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var file struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	decodeBody(t, resp, &file)
	assert.Equal(t, "cmd/main.go", file.Path)
	raw, err := base64.StdEncoding.DecodeString(file.Content)
	require.NoError(t, err)
	assert.Equal(t, "package main", string(raw))

	// Builders cannot read the shadow view.
	resp = e.do(t, http.MethodGet, "/v1/project/current/cmd/main.go", nil, "builder-1", builderSession)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestExpertRegistrationFlow(t *testing.T) {
	e := newTestEnv(t)
	session := e.bootstrap(t, "expert-1", perms.RoleExpert)

	resp := e.do(t, http.MethodPost, "/v1/experts/register/begin", map[string]interface{}{
		"capabilities": []string{"command-validator"},
		"capacity":     2,
	}, "expert-1", session)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var began struct {
		Challenge string `json:"challenge"`
	}
	decodeBody(t, resp, &began)
	require.NotEmpty(t, began.Challenge)

	resp = e.do(t, http.MethodPost, "/v1/experts/register/complete", map[string]string{
		"response": signChallenge(t, "expert-1", began.Challenge),
	}, "expert-1", session)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var completed struct {
		Expert struct {
			AgentID string `json:"agent_id"`
		} `json:"expert"`
		ExpertToken string `json:"expert_token"`
	}
	decodeBody(t, resp, &completed)
	assert.Equal(t, "expert-1", completed.Expert.AgentID)
	require.NotEmpty(t, completed.ExpertToken)
	require.NoError(t, e.b.Experts.VerifyToken("expert-1", completed.ExpertToken))

	resp = e.do(t, http.MethodGet, "/v1/experts", nil, "expert-1", session)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed struct {
		Experts []struct {
			AgentID string `json:"agent_id"`
			Status  string `json:"status"`
		} `json:"experts"`
	}
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Experts, 1)
	assert.Equal(t, "expert-1", listed.Experts[0].AgentID)
	assert.Equal(t, "AVAILABLE", listed.Experts[0].Status)

	resp = e.do(t, http.MethodPost, "/v1/experts/heartbeat", nil, "expert-1", session)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestExpertCallsRequireExpertToken(t *testing.T) {
	e := newTestEnv(t)
	session := e.bootstrap(t, "expert-1", perms.RoleExpert)

	// Without the token minted at registration, the session alone does
	// not open the expert endpoints.
	resp := e.do(t, http.MethodPost, "/v1/tasks/some-task/complete",
		map[string]interface{}{"result": map[string]string{}}, "expert-1", session)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/elicitations/some-id/respond",
		map[string]string{"payload": "{}", "nonce": "n", "signature": "s"}, "expert-1", session)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionHijackGetsUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	session := e.bootstrap(t, "builder-1", perms.RoleBuilder)

	// Same token presented with a different user agent.
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-Agent-ID", "builder-1")
	req.Header.Set("X-Session-Token", session)
	req.Header.Set("User-Agent", "impostor/1.0")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminTokenMintViaAPI(t *testing.T) {
	e := newTestEnv(t)
	adminSession := e.bootstrap(t, "admin-1", perms.RoleAdmin)

	resp := e.do(t, http.MethodPost, "/v1/admin/tokens", map[string]interface{}{
		"agent_id":    "builder-2",
		"role":        string(perms.RoleBuilder),
		"ttl_seconds": 3600,
	}, "admin-1", adminSession)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var minted struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &minted)

	resp = e.do(t, http.MethodPost, "/v1/auth/authenticate", map[string]string{
		"agent_id": "builder-2",
		"token":    minted.Token,
		"role":     string(perms.RoleBuilder),
	}, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Builders cannot mint.
	builderSession := e.bootstrap(t, "builder-3", perms.RoleBuilder)
	resp = e.do(t, http.MethodPost, "/v1/admin/tokens", map[string]interface{}{
		"agent_id": "x",
		"role":     string(perms.RoleBuilder),
	}, "builder-3", builderSession)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	e := newTestEnv(t)
	session := e.bootstrap(t, "builder-1", perms.RoleBuilder)

	// Unknown event kind → 400.
	resp := e.do(t, http.MethodPost, "/v1/events", map[string]string{
		"kind":         "NOT_A_KIND",
		"aggregate_id": "x",
		"payload":      "",
	}, "builder-1", session)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Revoking an unknown session → 404.
	resp = e.do(t, http.MethodDelete, fmt.Sprintf("/v1/sessions/%s", "nope"), nil, "builder-1", session)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
