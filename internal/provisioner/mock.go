package provisioner

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-platform/control-api/pkg/logger"
)

// Mock is an in-memory backend for local development and tests. No real
// deployments occur; resources are ready immediately.
type Mock struct {
	domain string

	mu       sync.Mutex
	deployed map[string]Status
}

var _ Provisioner = (*Mock)(nil)

func NewMock(domain string) *Mock {
	logger.L().Info("using mock provisioner, no real deployments will occur")
	return &Mock{domain: domain, deployed: map[string]Status{}}
}

func (m *Mock) Deploy(ctx context.Context, spec *Spec) (*DeployResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := OutcomeCreated
	if _, exists := m.deployed[spec.DeploymentID]; exists {
		outcome = OutcomeReplaced
	}
	m.deployed[spec.DeploymentID] = StatusRunning

	logger.L().Info("mock deploy", zap.String("deployment_id", spec.DeploymentID), zap.String("kind", spec.Kind))
	return &DeployResult{
		ExternalID: spec.DeploymentID,
		Endpoint:   fmt.Sprintf("https://%s/webhook/%s", m.domain, spec.DeploymentID),
		Ready:      true,
		Outcome:    outcome,
	}, nil
}

func (m *Mock) GetStatus(ctx context.Context, externalID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.deployed[externalID]; ok {
		return st, nil
	}
	return StatusNotFound, nil
}

func (m *Mock) Delete(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.deployed, externalID)
	return nil
}

func (m *Mock) Restart(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deployed[externalID]; ok {
		m.deployed[externalID] = StatusStarting
	}
	return nil
}

// SetStatus overrides the observed status of a resource. Test hook.
func (m *Mock) SetStatus(externalID string, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployed[externalID] = st
}
