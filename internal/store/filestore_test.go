package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agent-platform/control-api/internal/models"
	appErr "github.com/agent-platform/control-api/pkg/errors"
	"github.com/agent-platform/control-api/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init(logger.Options{Level: "error", Format: "console"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	fs, err := Open(path)
	require.NoError(t, err)
	return fs, path
}

func testDeployment(id, userID string, status models.Status) *models.Deployment {
	now := time.Now().UTC()
	return &models.Deployment{
		ID:             id,
		UserID:         userID,
		Kind:           models.KindAgent,
		Endpoint:       "https://agents.example.com/webhook/" + id,
		ExternalID:     id,
		Status:         status,
		CreatedAt:      now,
		LastReconciled: now,
	}
}

func TestOpenSeedsAdmin(t *testing.T) {
	fs, _ := newTestStore(t)

	u, err := fs.GetUser(context.Background(), "admin")
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, u.Role)

	isAdmin, err := fs.IsAdmin(context.Background(), "admin")
	require.NoError(t, err)
	require.True(t, isAdmin)
}

func TestReloadRoundTrip(t *testing.T) {
	fs, path := newTestStore(t)
	ctx := context.Background()

	_, err := fs.UpsertUser(ctx, "alice", "", "")
	require.NoError(t, err)
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-alice-1", "alice", models.StatusRunning)))

	reopened, err := Open(path)
	require.NoError(t, err)

	d, err := reopened.GetDeployment(ctx, "agent-alice-1")
	require.NoError(t, err)
	require.Equal(t, "alice", d.UserID)
	require.Equal(t, models.StatusRunning, d.Status)

	u, err := reopened.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, models.RoleUser, u.Role)
}

func TestListPreservesInsertionOrder(t *testing.T) {
	fs, path := newTestStore(t)
	ctx := context.Background()

	_, err := fs.UpsertUser(ctx, "alice", "", "")
	require.NoError(t, err)

	ids := []string{"agent-alice-3", "agent-alice-1", "agent-alice-2"}
	for _, id := range ids {
		require.NoError(t, fs.CreateDeployment(ctx, testDeployment(id, "alice", models.StatusRunning)))
	}

	got, err := fs.ListDeployments(ctx, "alice", false)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, id := range ids {
		require.Equal(t, id, got[i].ID)
	}

	// Deleting from the middle keeps the remaining order, across a reload too.
	require.NoError(t, fs.DeleteDeployment(ctx, "agent-alice-1"))

	reopened, err := Open(path)
	require.NoError(t, err)
	got, err = reopened.ListDeployments(ctx, "alice", false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "agent-alice-3", got[0].ID)
	require.Equal(t, "agent-alice-2", got[1].ID)
}

func TestListScoping(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	for _, uid := range []string{"alice", "bob"} {
		_, err := fs.UpsertUser(ctx, uid, "", "")
		require.NoError(t, err)
	}
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-alice-1", "alice", models.StatusRunning)))
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-bob-1", "bob", models.StatusRunning)))

	own, err := fs.ListDeployments(ctx, "alice", false)
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, "agent-alice-1", own[0].ID)

	all, err := fs.ListDeployments(ctx, "admin", true)
	require.NoError(t, err)
	require.Len(t, all, 2)

	anon, err := fs.ListDeployments(ctx, "", false)
	require.NoError(t, err)
	require.NotNil(t, anon)
	require.Empty(t, anon)
}

func TestUpsertUserKeepsExisting(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	u, err := fs.UpsertUser(ctx, "admin", "other@example.com", models.RoleUser)
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, u.Role)
	require.Equal(t, "admin@localhost", u.Email)

	created, err := fs.UpsertUser(ctx, "carol", "", "")
	require.NoError(t, err)
	require.Equal(t, "carol@example.com", created.Email)
	require.Equal(t, models.RoleUser, created.Role)
}

func TestCreateDeploymentRequiresKnownUser(t *testing.T) {
	fs, _ := newTestStore(t)

	err := fs.CreateDeployment(context.Background(), testDeployment("agent-ghost-1", "ghost", models.StatusRunning))
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestUpdateStatusTransitions(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	_, err := fs.UpsertUser(ctx, "alice", "", "")
	require.NoError(t, err)
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-alice-1", "alice", models.StatusProvisioning)))

	before, err := fs.GetDeployment(ctx, "agent-alice-1")
	require.NoError(t, err)

	require.NoError(t, fs.UpdateStatus(ctx, "agent-alice-1", models.StatusRunning))

	after, err := fs.GetDeployment(ctx, "agent-alice-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, after.Status)
	require.False(t, after.LastReconciled.Before(before.LastReconciled))

	// Nothing re-enters requested.
	err = fs.UpdateStatus(ctx, "agent-alice-1", models.StatusRequested)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	err = fs.UpdateStatus(ctx, "agent-alice-1", models.Status("bogus"))
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	err = fs.UpdateStatus(ctx, "missing", models.StatusRunning)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestUpdateDeployment(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	_, err := fs.UpsertUser(ctx, "alice", "", "")
	require.NoError(t, err)

	d := testDeployment("agent-alice-1", "alice", models.StatusRunning)
	require.NoError(t, fs.CreateDeployment(ctx, d))

	d.Endpoint = "https://agents.example.com/webhook/v2/agent-alice-1"
	require.NoError(t, fs.UpdateDeployment(ctx, d))

	got, err := fs.GetDeployment(ctx, "agent-alice-1")
	require.NoError(t, err)
	require.Equal(t, d.Endpoint, got.Endpoint)

	err = fs.UpdateDeployment(ctx, testDeployment("missing", "alice", models.StatusRunning))
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestDeleteDeploymentIdempotent(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	_, err := fs.UpsertUser(ctx, "alice", "", "")
	require.NoError(t, err)
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-alice-1", "alice", models.StatusRunning)))

	require.NoError(t, fs.DeleteDeployment(ctx, "agent-alice-1"))
	require.NoError(t, fs.DeleteDeployment(ctx, "agent-alice-1"))

	_, err = fs.GetDeployment(ctx, "agent-alice-1")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestFailedFlushKeepsLastCommittedState(t *testing.T) {
	fs, path := newTestStore(t)
	ctx := context.Background()

	_, err := fs.UpsertUser(ctx, "alice", "", "")
	require.NoError(t, err)
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-alice-1", "alice", models.StatusRunning)))

	// Replace the snapshot file with a directory so the rename step of the
	// next flush fails deterministically.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	err = fs.CreateDeployment(ctx, testDeployment("agent-alice-2", "alice", models.StatusRunning))
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInternal))

	// The rejected write must not be visible in memory.
	_, err = fs.GetDeployment(ctx, "agent-alice-2")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	d, err := fs.GetDeployment(ctx, "agent-alice-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, d.Status)
}

func TestStats(t *testing.T) {
	fs, _ := newTestStore(t)
	ctx := context.Background()

	for _, uid := range []string{"alice", "bob"} {
		_, err := fs.UpsertUser(ctx, uid, "", "")
		require.NoError(t, err)
	}
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-alice-1", "alice", models.StatusRunning)))
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-alice-2", "alice", models.StatusProvisioning)))
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-bob-1", "bob", models.StatusFailed)))
	require.NoError(t, fs.CreateDeployment(ctx, testDeployment("agent-bob-2", "bob", models.StatusStopped)))

	own, err := fs.Stats(ctx, "alice", false)
	require.NoError(t, err)
	require.Equal(t, 2, own.Total)
	require.Equal(t, 2, own.Active)
	require.Equal(t, 0, own.Failed)
	require.Nil(t, own.UniqueUsers)

	all, err := fs.Stats(ctx, "admin", true)
	require.NoError(t, err)
	require.Equal(t, 4, all.Total)
	require.Equal(t, 2, all.Active)
	require.Equal(t, 1, all.Failed)
	require.NotNil(t, all.UniqueUsers)
	require.Equal(t, 2, *all.UniqueUsers)
}
