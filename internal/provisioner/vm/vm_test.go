package vm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agent-platform/control-api/internal/provisioner"
	appErr "github.com/agent-platform/control-api/pkg/errors"
	"github.com/agent-platform/control-api/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init(logger.Options{Level: "error", Format: "console"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	return New(Options{StepDelay: 0, KeyDir: t.TempDir()})
}

func websiteSpec(id string) *provisioner.Spec {
	return &provisioner.Spec{
		DeploymentID: id,
		UserID:       "alice",
		Kind:         "website",
		WebsiteName:  "my-site",
		WebsiteType:  "static",
	}
}

func TestDeployCompletesViaPolling(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	res, err := b.Deploy(ctx, websiteSpec("website-alice-1"))
	require.NoError(t, err)
	require.False(t, res.Ready)
	require.Equal(t, provisioner.OutcomeCreated, res.Outcome)
	require.Regexp(t, `^http://203\.0\.113\.\d+$`, res.Endpoint)

	require.Eventually(t, func() bool {
		st, err := b.GetStatus(ctx, "website-alice-1")
		return err == nil && st == provisioner.StatusRunning
	}, time.Second, 5*time.Millisecond)

	// Key material is written per deployment.
	_, err = os.Stat(filepath.Join(b.opts.KeyDir, "website-alice-1", "id_rsa"))
	require.NoError(t, err)
}

func TestDeployReplacesRunningJob(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Deploy(ctx, websiteSpec("website-alice-1"))
	require.NoError(t, err)

	res, err := b.Deploy(ctx, websiteSpec("website-alice-1"))
	require.NoError(t, err)
	require.Equal(t, provisioner.OutcomeReplaced, res.Outcome)
}

func TestGetStatusUnknown(t *testing.T) {
	b := newTestBackend(t)

	st, err := b.GetStatus(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, provisioner.StatusNotFound, st)
}

func TestDeleteIdempotent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Deploy(ctx, websiteSpec("website-alice-1"))
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "website-alice-1"))

	st, err := b.GetStatus(ctx, "website-alice-1")
	require.NoError(t, err)
	require.Equal(t, provisioner.StatusNotFound, st)

	_, err = os.Stat(filepath.Join(b.opts.KeyDir, "website-alice-1"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, b.Delete(ctx, "website-alice-1"))
}

func TestRestart(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Deploy(ctx, websiteSpec("website-alice-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := b.GetStatus(ctx, "website-alice-1")
		return st == provisioner.StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Restart(ctx, "website-alice-1"))
	require.Eventually(t, func() bool {
		st, _ := b.GetStatus(ctx, "website-alice-1")
		return st == provisioner.StatusRunning
	}, time.Second, 5*time.Millisecond)

	err = b.Restart(ctx, "missing")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}
