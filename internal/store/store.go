package store

import (
	"context"

	"github.com/agent-platform/control-api/internal/models"
)

// Store is the durable record-keeper for users and deployments. It is the
// single source of truth for ownership and lifecycle state; all mutation
// goes through this interface so that insertion order and per-user
// filtering are enforced in one place.
type Store interface {
	// UpsertUser creates the user if absent and returns the stored record.
	// An existing user is returned unchanged; the role is never downgraded.
	UpsertUser(ctx context.Context, id, email, role string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	IsAdmin(ctx context.Context, id string) (bool, error)

	// CreateDeployment inserts a record, or fully replaces one with the
	// same identifier.
	CreateDeployment(ctx context.Context, d *models.Deployment) error
	// UpdateDeployment replaces an existing record and fails with
	// not_found if no record with that identifier exists.
	UpdateDeployment(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, id string) (*models.Deployment, error)
	// ListDeployments returns all records in insertion order for admins,
	// only the caller's records otherwise, and an empty sequence for an
	// empty caller id.
	ListDeployments(ctx context.Context, callerID string, isAdmin bool) ([]models.Deployment, error)
	// UpdateStatus applies a lifecycle transition and stamps
	// last_reconciled_at.
	UpdateStatus(ctx context.Context, id string, status models.Status) error
	// TouchDeployment re-stamps last_reconciled_at without changing status.
	TouchDeployment(ctx context.Context, id string) error
	// DeleteDeployment removes a record. Deleting an absent record is a
	// success no-op.
	DeleteDeployment(ctx context.Context, id string) error

	Stats(ctx context.Context, callerID string, isAdmin bool) (*models.Stats, error)
}
