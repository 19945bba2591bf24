package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse/broker/internal/auth"
	"github.com/lighthouse/broker/internal/errs"
	"github.com/lighthouse/broker/internal/eventlog"
	"github.com/lighthouse/broker/internal/perms"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	auth *auth.Authenticator
	log  *eventlog.Store
	proj *Projection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	a := auth.New(testSecret, time.Hour)
	authenticate := func(id string, role perms.Role) {
		token, err := a.CreateToken(auth.SystemAgentID, id, role, time.Hour)
		require.NoError(t, err)
		_, err = a.Authenticate(id, token, role)
		require.NoError(t, err)
	}
	authenticate("builder-1", perms.RoleBuilder)
	authenticate("expert-1", perms.RoleExpert)

	store, err := eventlog.Open(eventlog.Options{
		DataDir: t.TempDir(),
		NodeID:  "n",
		Secret:  testSecret,
	}, a)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p, err := New(store, a)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	return &fixture{auth: a, log: store, proj: p}
}

// waitApplied blocks until the projection has folded the log head.
func (f *fixture) waitApplied(t *testing.T) {
	t.Helper()
	head := f.log.HeadSequence()
	require.Eventually(t, func() bool {
		return f.proj.AppliedSequence() >= head
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReplayOnConstruction(t *testing.T) {
	a := auth.New(testSecret, time.Hour)
	for id, role := range map[string]perms.Role{
		"builder-1": perms.RoleBuilder,
		"expert-1":  perms.RoleExpert,
	} {
		token, err := a.CreateToken(auth.SystemAgentID, id, role, time.Hour)
		require.NoError(t, err)
		_, err = a.Authenticate(id, token, role)
		require.NoError(t, err)
	}

	store, err := eventlog.Open(eventlog.Options{
		DataDir: t.TempDir(),
		NodeID:  "n",
		Secret:  testSecret,
	}, a)
	require.NoError(t, err)
	defer store.Close()

	data, err := eventlog.EncodePayload(fileModifiedPayload{Path: "main.go", Content: []byte("v1")})
	require.NoError(t, err)
	_, _, err = store.Append(&eventlog.Event{
		Kind:        eventlog.KindFileModified,
		AggregateID: "project",
		Payload:     data,
	}, "builder-1")
	require.NoError(t, err)

	// Events already in the log are visible immediately after New.
	p, err := New(store, a)
	require.NoError(t, err)
	defer p.Stop()

	v, err := p.Current("expert-1", "main.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v.Content)
	assert.Equal(t, "builder-1", v.ModifiedBy)
}

func TestFileHistoryAndCurrent(t *testing.T) {
	f := newFixture(t)

	_, err := f.proj.RecordFileModified("builder-1", "main.go", []byte("v1"))
	require.NoError(t, err)
	_, err = f.proj.RecordFileModified("builder-1", "main.go", []byte("v2"))
	require.NoError(t, err)
	_, err = f.proj.RecordFileModified("builder-1", "util.go", []byte("u1"))
	require.NoError(t, err)
	f.waitApplied(t)

	v, err := f.proj.Current("expert-1", "main.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v.Content)

	hist, err := f.proj.History("expert-1", "main.go")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, []byte("v1"), hist[0].Content)
	assert.Equal(t, []byte("v2"), hist[1].Content)
	assert.Less(t, hist[0].Sequence, hist[1].Sequence)

	paths, err := f.proj.List("expert-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "util.go"}, paths)

	_, err = f.proj.Current("expert-1", "missing.go")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAsOf(t *testing.T) {
	f := newFixture(t)

	_, err := f.proj.RecordFileModified("builder-1", "main.go", []byte("v1"))
	require.NoError(t, err)
	f.waitApplied(t)

	v1, err := f.proj.Current("expert-1", "main.go")
	require.NoError(t, err)
	between := v1.Timestamp.Add(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, err = f.proj.RecordFileModified("builder-1", "main.go", []byte("v2"))
	require.NoError(t, err)
	f.waitApplied(t)

	got, err := f.proj.AsOf("expert-1", "main.go", between)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Content)

	got, err = f.proj.AsOf("expert-1", "main.go", time.Now())
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Content)

	_, err = f.proj.AsOf("expert-1", "main.go", v1.Timestamp.Add(-time.Hour))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSnapshotsPinVersions(t *testing.T) {
	f := newFixture(t)

	_, err := f.proj.RecordFileModified("builder-1", "main.go", []byte("v1"))
	require.NoError(t, err)
	f.waitApplied(t)

	_, err = f.proj.TakeSnapshot(auth.SystemAgentID, "release-1")
	require.NoError(t, err)
	f.waitApplied(t)

	_, err = f.proj.RecordFileModified("builder-1", "main.go", []byte("v2"))
	require.NoError(t, err)
	f.waitApplied(t)

	// The snapshot still sees the old content.
	v, err := f.proj.SnapshotFile("expert-1", "release-1", "main.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v.Content)

	snaps, err := f.proj.Snapshots("expert-1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "release-1", snaps[0].Name)

	// Names are unique.
	_, err = f.proj.TakeSnapshot(auth.SystemAgentID, "release-1")
	assert.ErrorIs(t, err, errs.ErrConflictState)

	_, err = f.proj.SnapshotFile("expert-1", "release-1", "later.go")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAnnotations(t *testing.T) {
	f := newFixture(t)

	_, err := f.proj.RecordFileModified("builder-1", "main.go", []byte("v1"))
	require.NoError(t, err)

	_, err = f.proj.AddAnnotation("expert-1", "main.go", 12, "unchecked error here")
	require.NoError(t, err)
	f.waitApplied(t)

	notes, err := f.proj.Annotations("expert-1", "main.go")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, 12, notes[0].Line)
	assert.Equal(t, "expert-1", notes[0].Author)
	assert.Equal(t, "unchecked error here", notes[0].Message)
}

func TestPermissionBoundaries(t *testing.T) {
	f := newFixture(t)

	// Experts never touch the real filesystem.
	_, err := f.proj.RecordFileModified("expert-1", "main.go", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	// Builders never write to the shadow view.
	_, err = f.proj.AddAnnotation("builder-1", "main.go", 1, "note")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	// Snapshots need ADMIN.
	_, err = f.proj.TakeSnapshot("expert-1", "release-1")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	// Unauthenticated agents read nothing.
	_, err = f.proj.List("ghost")
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}
