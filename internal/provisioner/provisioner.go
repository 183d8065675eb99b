package provisioner

import "context"

// Status is the backend-observed state of a provisioned resource.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusNotFound Status = "not_found"
)

// Outcome reports how a deploy resolved. A conflict with an existing
// resource is an explicit Replaced result rather than an error threaded
// through business logic.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeReplaced Outcome = "replaced"
)

// Spec carries everything a backend needs to provision one deployment.
// Credential fields pass through to the backend and are never persisted.
type Spec struct {
	DeploymentID string
	UserID       string
	Kind         string

	// Agent fields.
	Platform       string
	Model          string
	BotToken       string
	OpenAIAPIKey   string
	OpenAIEndpoint string

	// Website fields.
	WebsiteName string
	WebsiteType string
	CustomHTML  string
}

// DeployResult is returned by a successful Deploy. Ready=false signals
// asynchronous readiness: the resource exists but is still coming up and
// must be observed via GetStatus.
type DeployResult struct {
	ExternalID string
	Endpoint   string
	Ready      bool
	Outcome    Outcome
}

// Provisioner is the external capability that performs the actual
// infrastructure action. Implementations are selected once at process
// start and injected; they are never re-chosen per call.
type Provisioner interface {
	Deploy(ctx context.Context, spec *Spec) (*DeployResult, error)
	GetStatus(ctx context.Context, externalID string) (Status, error)
	// Delete tears the resource down. Deleting a resource that is already
	// gone returns nil.
	Delete(ctx context.Context, externalID string) error
	Restart(ctx context.Context, externalID string) error
}
