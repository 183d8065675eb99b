// Package vm simulates website deployment onto freshly provisioned
// virtual machines. Provisioning runs as an explicit in-process job whose
// progress is only observable through polled GetStatus calls; there is no
// completion callback.
package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-platform/control-api/internal/provisioner"
	appErr "github.com/agent-platform/control-api/pkg/errors"
	"github.com/agent-platform/control-api/pkg/logger"
)

// Options configure the simulation.
type Options struct {
	// StepDelay is how long each provisioning step takes. Zero completes
	// every step immediately, which tests rely on.
	StepDelay time.Duration
	// KeyDir is where per-deployment SSH key material is written.
	// Defaults to <tmp>/ssh-keys.
	KeyDir string
}

var provisioningSteps = []string{
	"provisioning vm",
	"generating ssh keys",
	"waiting for vm",
	"installing node.js",
	"deploying website",
}

type job struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	status   provisioner.Status
	publicIP string
}

func (j *job) setStatus(st provisioner.Status) {
	j.mu.Lock()
	j.status = st
	j.mu.Unlock()
}

func (j *job) getStatus() provisioner.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Backend implements provisioner.Provisioner with simulated VMs.
type Backend struct {
	opts Options

	mu    sync.Mutex
	jobs  map[string]*job
	hosts int
}

var _ provisioner.Provisioner = (*Backend)(nil)

func New(opts Options) *Backend {
	if opts.KeyDir == "" {
		opts.KeyDir = filepath.Join(os.TempDir(), "ssh-keys")
	}
	return &Backend{opts: opts, jobs: map[string]*job{}}
}

// nextIP hands out addresses from the TEST-NET-3 documentation range.
func (b *Backend) nextIP() string {
	b.hosts++
	return fmt.Sprintf("203.0.113.%d", b.hosts%254+1)
}

// Deploy registers a provisioning job and returns immediately with
// Ready=false. The job walks the provisioning steps with the configured
// delay; callers observe completion via GetStatus.
func (b *Backend) Deploy(ctx context.Context, spec *provisioner.Spec) (*provisioner.DeployResult, error) {
	b.mu.Lock()
	outcome := provisioner.OutcomeCreated
	if prev, exists := b.jobs[spec.DeploymentID]; exists {
		prev.cancel()
		outcome = provisioner.OutcomeReplaced
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel, status: provisioner.StatusStarting, publicIP: b.nextIP()}
	b.jobs[spec.DeploymentID] = j
	b.mu.Unlock()

	if err := b.writeKeyMaterial(spec.DeploymentID); err != nil {
		cancel()
		b.removeJob(spec.DeploymentID)
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "write ssh key material failed")
	}

	go b.run(jobCtx, spec.DeploymentID, j)

	return &provisioner.DeployResult{
		ExternalID: spec.DeploymentID,
		Endpoint:   fmt.Sprintf("http://%s", j.publicIP),
		Ready:      false,
		Outcome:    outcome,
	}, nil
}

func (b *Backend) run(ctx context.Context, id string, j *job) {
	for _, step := range provisioningSteps {
		logger.L().Info("vm provisioning step", zap.String("deployment_id", id), zap.String("step", step))
		if !sleepCtx(ctx, b.opts.StepDelay) {
			return
		}
	}
	j.setStatus(provisioner.StatusRunning)
	logger.L().Info("vm provisioning complete", zap.String("deployment_id", id), zap.String("public_ip", j.publicIP))
}

// sleepCtx waits for d or until ctx is canceled; returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (b *Backend) writeKeyMaterial(id string) error {
	dir := filepath.Join(b.opts.KeyDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "id_rsa"), []byte("SIMULATED PRIVATE KEY\n"), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "id_rsa.pub"), []byte("SIMULATED PUBLIC KEY\n"), 0o644)
}

func (b *Backend) lookup(id string) *job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobs[id]
}

func (b *Backend) removeJob(id string) {
	b.mu.Lock()
	delete(b.jobs, id)
	b.mu.Unlock()
}

func (b *Backend) GetStatus(ctx context.Context, externalID string) (provisioner.Status, error) {
	j := b.lookup(externalID)
	if j == nil {
		return provisioner.StatusNotFound, nil
	}
	return j.getStatus(), nil
}

func (b *Backend) Delete(ctx context.Context, externalID string) error {
	j := b.lookup(externalID)
	if j == nil {
		return nil
	}
	j.cancel()
	b.removeJob(externalID)
	_ = os.RemoveAll(filepath.Join(b.opts.KeyDir, externalID))

	logger.L().Info("vm deployment deleted", zap.String("deployment_id", externalID))
	return nil
}

func (b *Backend) Restart(ctx context.Context, externalID string) error {
	j := b.lookup(externalID)
	if j == nil {
		return appErr.New(appErr.CodeNotFound, "vm deployment not found")
	}

	j.setStatus(provisioner.StatusStarting)
	go func() {
		if sleepCtx(context.Background(), b.opts.StepDelay) {
			j.setStatus(provisioner.StatusRunning)
		}
	}()
	return nil
}
