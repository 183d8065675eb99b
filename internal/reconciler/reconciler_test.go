package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/agent-platform/control-api/internal/models"
	"github.com/agent-platform/control-api/internal/provisioner"
	"github.com/agent-platform/control-api/internal/store"
	appErr "github.com/agent-platform/control-api/pkg/errors"
	"github.com/agent-platform/control-api/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init(logger.Options{Level: "error", Format: "console"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type provisionerMock struct {
	mock.Mock
}

func (m *provisionerMock) Deploy(ctx context.Context, spec *provisioner.Spec) (*provisioner.DeployResult, error) {
	args := m.Called(ctx, spec)
	if res := args.Get(0); res != nil {
		return res.(*provisioner.DeployResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *provisionerMock) GetStatus(ctx context.Context, externalID string) (provisioner.Status, error) {
	args := m.Called(ctx, externalID)
	return args.Get(0).(provisioner.Status), args.Error(1)
}

func (m *provisionerMock) Delete(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

func (m *provisionerMock) Restart(ctx context.Context, externalID string) error {
	return m.Called(ctx, externalID).Error(0)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	return st
}

func agentSpec(userID string) *CreateSpec {
	return &CreateSpec{
		UserID:       userID,
		Kind:         models.KindAgent,
		Platform:     "telegram",
		Model:        "gpt-4o",
		BotToken:     "123:abc",
		OpenAIAPIKey: "sk-test",
	}
}

func TestCreateRunningImmediately(t *testing.T) {
	st := newTestStore(t)
	rec := New(st, provisioner.NewMock("agents.example.com"), time.Second)

	d, err := rec.Create(context.Background(), agentSpec("alice"))
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, d.Status)
	require.Contains(t, d.Endpoint, "https://agents.example.com/webhook/")
	require.NotEmpty(t, d.ExternalID)

	stored, err := st.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, stored.Status)

	// The user is created on first reference.
	u, err := st.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, models.RoleUser, u.Role)
}

func TestCreateAsyncReadiness(t *testing.T) {
	st := newTestStore(t)
	prov := &provisionerMock{}
	prov.On("Deploy", mock.Anything, mock.Anything).Return(&provisioner.DeployResult{
		ExternalID: "ext-1",
		Endpoint:   "http://203.0.113.10",
		Ready:      false,
		Outcome:    provisioner.OutcomeCreated,
	}, nil)
	rec := New(st, prov, time.Second)

	d, err := rec.Create(context.Background(), &CreateSpec{
		UserID:      "alice",
		Kind:        models.KindWebsite,
		WebsiteName: "my-site",
		WebsiteType: "static",
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusProvisioning, d.Status)
	require.Equal(t, "ext-1", d.ExternalID)
}

func TestCreateValidation(t *testing.T) {
	st := newTestStore(t)
	rec := New(st, provisioner.NewMock("agents.example.com"), time.Second)
	ctx := context.Background()

	_, err := rec.Create(ctx, &CreateSpec{UserID: "alice", Kind: "agent", OpenAIAPIKey: "sk-test"})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	_, err = rec.Create(ctx, &CreateSpec{UserID: "alice", Kind: "website"})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	_, err = rec.Create(ctx, &CreateSpec{UserID: "alice", Kind: "lambda"})
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestCreateDeployFailurePersistsNothing(t *testing.T) {
	st := newTestStore(t)
	prov := &provisionerMock{}
	prov.On("Deploy", mock.Anything, mock.Anything).
		Return(nil, appErr.New(appErr.CodeUnavailable, "cluster unreachable"))
	rec := New(st, prov, time.Second)

	_, err := rec.Create(context.Background(), agentSpec("alice"))
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))

	items, err := st.ListDeployments(context.Background(), "admin", true)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestCreateDeployTimeout(t *testing.T) {
	st := newTestStore(t)
	prov := &provisionerMock{}
	prov.On("Deploy", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-ctx.Done()
		})
	rec := New(st, prov, 20*time.Millisecond)

	_, err := rec.Create(context.Background(), agentSpec("alice"))
	require.True(t, appErr.IsCode(err, appErr.CodeDeadline))

	items, err := st.ListDeployments(context.Background(), "admin", true)
	require.NoError(t, err)
	require.Empty(t, items)
}

// createFailStore lets the deploy succeed and then rejects the record
// write, which must trigger a rollback delete of the external resource.
type createFailStore struct {
	store.Store
}

func (s *createFailStore) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	return appErr.New(appErr.CodeInternal, "store flush failed")
}

func TestCreateRollsBackOnStoreFailure(t *testing.T) {
	st := &createFailStore{Store: newTestStore(t)}
	prov := &provisionerMock{}
	prov.On("Deploy", mock.Anything, mock.Anything).Return(&provisioner.DeployResult{
		ExternalID: "ext-1", Endpoint: "https://x", Ready: true, Outcome: provisioner.OutcomeCreated,
	}, nil)
	prov.On("Delete", mock.Anything, "ext-1").Return(nil)
	rec := New(st, prov, time.Second)

	_, err := rec.Create(context.Background(), agentSpec("alice"))
	require.True(t, appErr.IsCode(err, appErr.CodeInternal))
	prov.AssertCalled(t, "Delete", mock.Anything, "ext-1")
}

func TestRefreshStatusReconcilesDrift(t *testing.T) {
	st := newTestStore(t)
	backend := provisioner.NewMock("agents.example.com")
	rec := New(st, backend, time.Second)
	ctx := context.Background()

	d, err := rec.Create(ctx, agentSpec("alice"))
	require.NoError(t, err)

	backend.SetStatus(d.ExternalID, provisioner.StatusStopped)
	got, err := rec.RefreshStatus(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusStopped, got.Status)

	backend.SetStatus(d.ExternalID, provisioner.StatusStarting)
	got, err = rec.RefreshStatus(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProvisioning, got.Status)

	backend.SetStatus(d.ExternalID, provisioner.StatusRunning)
	got, err = rec.RefreshStatus(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, got.Status)
}

func TestRefreshStatusVanishedResourceIsFailed(t *testing.T) {
	st := newTestStore(t)
	backend := provisioner.NewMock("agents.example.com")
	rec := New(st, backend, time.Second)
	ctx := context.Background()

	d, err := rec.Create(ctx, agentSpec("alice"))
	require.NoError(t, err)

	// Someone deleted the resource out from under us.
	require.NoError(t, backend.Delete(ctx, d.ExternalID))

	got, err := rec.RefreshStatus(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)

	// The record survives; only an explicit Remove deletes it.
	_, err = st.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
}

func TestRefreshStatusUnavailableVsTimeout(t *testing.T) {
	st := newTestStore(t)
	backend := provisioner.NewMock("agents.example.com")
	rec := New(st, backend, time.Second)
	ctx := context.Background()

	d, err := rec.Create(ctx, agentSpec("alice"))
	require.NoError(t, err)

	prov := &provisionerMock{}
	prov.On("GetStatus", mock.Anything, mock.Anything).
		Return(provisioner.Status(""), appErr.New(appErr.CodeUnavailable, "down"))
	_, err = New(st, prov, time.Second).RefreshStatus(ctx, d.ID)
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))

	slow := &provisionerMock{}
	slow.On("GetStatus", mock.Anything, mock.Anything).
		Return(provisioner.Status(""), context.DeadlineExceeded).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-ctx.Done()
		})
	_, err = New(st, slow, 20*time.Millisecond).RefreshStatus(ctx, d.ID)
	require.True(t, appErr.IsCode(err, appErr.CodeDeadline))
}

func TestRemoveIdempotent(t *testing.T) {
	st := newTestStore(t)
	backend := provisioner.NewMock("agents.example.com")
	rec := New(st, backend, time.Second)
	ctx := context.Background()

	d, err := rec.Create(ctx, agentSpec("alice"))
	require.NoError(t, err)

	require.NoError(t, rec.Remove(ctx, d.ID))
	_, err = st.GetDeployment(ctx, d.ID)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	// Removing again, and removing something that never existed, both
	// succeed: the desired end state holds.
	require.NoError(t, rec.Remove(ctx, d.ID))
	require.NoError(t, rec.Remove(ctx, "agent-alice-0-deadbeef"))
}

func TestRemoveToleratesGoneResource(t *testing.T) {
	st := newTestStore(t)
	prov := &provisionerMock{}
	prov.On("Deploy", mock.Anything, mock.Anything).Return(&provisioner.DeployResult{
		ExternalID: "ext-1", Endpoint: "https://x", Ready: true, Outcome: provisioner.OutcomeCreated,
	}, nil)
	prov.On("Delete", mock.Anything, "ext-1").
		Return(appErr.New(appErr.CodeNotFound, "already gone"))
	rec := New(st, prov, time.Second)
	ctx := context.Background()

	d, err := rec.Create(ctx, agentSpec("alice"))
	require.NoError(t, err)

	require.NoError(t, rec.Remove(ctx, d.ID))
	_, err = st.GetDeployment(ctx, d.ID)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestRestartOnlyTouchesRecord(t *testing.T) {
	st := newTestStore(t)
	backend := provisioner.NewMock("agents.example.com")
	rec := New(st, backend, time.Second)
	ctx := context.Background()

	d, err := rec.Create(ctx, agentSpec("alice"))
	require.NoError(t, err)

	require.NoError(t, rec.Restart(ctx, d.ID))

	after, err := st.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, after.Status)
	require.False(t, after.LastReconciled.Before(d.LastReconciled))

	// A refresh then observes the restart in flight.
	got, err := rec.RefreshStatus(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProvisioning, got.Status)

	err = rec.Restart(ctx, "missing")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

// gatedDeleteProvisioner blocks inside Delete until released, holding
// the deployment's lock open so a concurrent operation has to queue
// behind the removal.
type gatedDeleteProvisioner struct {
	provisioner.Provisioner
	entered chan struct{}
	release chan struct{}
}

func (p *gatedDeleteProvisioner) Delete(ctx context.Context, externalID string) error {
	close(p.entered)
	<-p.release
	return p.Provisioner.Delete(ctx, externalID)
}

func TestRemoveWinsOverConcurrentRefresh(t *testing.T) {
	st := newTestStore(t)
	gated := &gatedDeleteProvisioner{
		Provisioner: provisioner.NewMock("agents.example.com"),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	rec := New(st, gated, time.Second)
	ctx := context.Background()

	d, err := rec.Create(ctx, agentSpec("alice"))
	require.NoError(t, err)

	removeErr := make(chan error, 1)
	go func() { removeErr <- rec.Remove(ctx, d.ID) }()
	<-gated.entered

	// Remove now holds the deployment's lock; the refresh queues behind
	// it and must observe the record as gone, never a half-removed state.
	refreshErr := make(chan error, 1)
	go func() {
		_, err := rec.RefreshStatus(ctx, d.ID)
		refreshErr <- err
	}()
	close(gated.release)

	require.NoError(t, <-removeErr)
	require.True(t, appErr.IsCode(<-refreshErr, appErr.CodeNotFound))
}

func TestConcurrentCreatesGetUniqueIDs(t *testing.T) {
	st := newTestStore(t)
	rec := New(st, provisioner.NewMock("agents.example.com"), time.Second)

	const n = 8
	var wg sync.WaitGroup
	idCh := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := rec.Create(context.Background(), agentSpec("alice"))
			if err == nil {
				idCh <- d.ID
			}
		}()
	}
	wg.Wait()
	close(idCh)

	seen := map[string]bool{}
	for id := range idCh {
		require.False(t, seen[id], "duplicate deployment id %s", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
}
