// Package reconciler drives a deployment through its lifecycle using an
// injected provisioner capability, keeping the store consistent with
// provisioner-observed reality.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agent-platform/control-api/internal/models"
	"github.com/agent-platform/control-api/internal/provisioner"
	"github.com/agent-platform/control-api/internal/store"
	appErr "github.com/agent-platform/control-api/pkg/errors"
	"github.com/agent-platform/control-api/pkg/logger"
)

// CreateSpec is the validated input for a new deployment. Credential
// fields are handed to the provisioner and never persisted.
type CreateSpec struct {
	UserID string `validate:"required"`
	Kind   string `validate:"required,oneof=agent website"`

	Platform       string `validate:"omitempty,oneof=telegram discord slack"`
	Model          string
	BotToken       string
	OpenAIAPIKey   string
	OpenAIEndpoint string `validate:"omitempty,url"`

	WebsiteName string
	WebsiteType string `validate:"omitempty,oneof=static nodejs react telegram openclaw"`
	CustomHTML  string
}

// Reconciler exposes idempotent lifecycle operations over the store and a
// provisioner chosen once at startup. Operations on the same deployment
// identifier are serialized; different identifiers never contend.
type Reconciler struct {
	store    store.Store
	prov     provisioner.Provisioner
	timeout  time.Duration
	validate *validator.Validate
	locks    *keyedMutex
}

func New(st store.Store, prov provisioner.Provisioner, timeout time.Duration) *Reconciler {
	return &Reconciler{
		store:    st,
		prov:     prov,
		timeout:  timeout,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		locks:    newKeyedMutex(),
	}
}

// newID builds a deployment identifier. The UUID-derived suffix keeps two
// requests from the same user in the same second from colliding.
func newID(kind, userID string) string {
	return fmt.Sprintf("%s-%s-%d-%s", kind, userID, time.Now().Unix(), uuid.NewString()[:8])
}

// timedOut distinguishes a bounded-wait expiry from a definitive
// provisioner failure so callers know the operation is safe to retry.
func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (r *Reconciler) validateSpec(spec *CreateSpec) error {
	if err := r.validate.Struct(spec); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "invalid deployment request")
	}
	switch spec.Kind {
	case models.KindAgent:
		if spec.BotToken == "" || spec.OpenAIAPIKey == "" {
			return appErr.New(appErr.CodeInvalid, "bot_token and openai_api_key are required for agents")
		}
	case models.KindWebsite:
		if spec.WebsiteName == "" {
			return appErr.New(appErr.CodeInvalid, "website_name is required for websites")
		}
	}
	return nil
}

// Create validates the spec, provisions the resource, and persists the
// record. On provisioner error or timeout nothing is persisted: from the
// caller's perspective either both the external resource and the record
// exist, or neither does.
func (r *Reconciler) Create(ctx context.Context, spec *CreateSpec) (*models.Deployment, error) {
	if err := r.validateSpec(spec); err != nil {
		return nil, err
	}

	if _, err := r.store.UpsertUser(ctx, spec.UserID, "", ""); err != nil {
		return nil, err
	}

	id := newID(spec.Kind, spec.UserID)
	logger.L().Info("creating deployment",
		zap.String("deployment_id", id),
		zap.String("user_id", spec.UserID),
		zap.String("kind", spec.Kind))

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	res, err := r.prov.Deploy(callCtx, &provisioner.Spec{
		DeploymentID:   id,
		UserID:         spec.UserID,
		Kind:           spec.Kind,
		Platform:       spec.Platform,
		Model:          spec.Model,
		BotToken:       spec.BotToken,
		OpenAIAPIKey:   spec.OpenAIAPIKey,
		OpenAIEndpoint: spec.OpenAIEndpoint,
		WebsiteName:    spec.WebsiteName,
		WebsiteType:    spec.WebsiteType,
		CustomHTML:     spec.CustomHTML,
	})
	cancel()
	if err != nil {
		if timedOut(callCtx, err) {
			return nil, appErr.Wrap(err, appErr.CodeDeadline, "provisioner deploy timed out")
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "deploy failed")
	}

	status := models.StatusRunning
	if !res.Ready {
		status = models.StatusProvisioning
	}

	now := time.Now().UTC()
	d := &models.Deployment{
		ID:             id,
		UserID:         spec.UserID,
		Kind:           spec.Kind,
		Platform:       spec.Platform,
		Model:          spec.Model,
		WebsiteName:    spec.WebsiteName,
		WebsiteType:    spec.WebsiteType,
		Endpoint:       res.Endpoint,
		ExternalID:     res.ExternalID,
		Status:         status,
		CreatedAt:      now,
		LastReconciled: now,
	}

	if err := r.store.CreateDeployment(ctx, d); err != nil {
		// The external resource exists but the record could not be
		// committed; tear it down so the caller sees neither. A lost
		// deploy confirmation can still leak the resource, which this
		// design knowingly does not resolve.
		rbCtx, rbCancel := context.WithTimeout(context.Background(), r.timeout)
		if derr := r.prov.Delete(rbCtx, res.ExternalID); derr != nil {
			logger.L().Error("rollback delete failed, external resource may be orphaned",
				zap.String("deployment_id", id), zap.Error(derr))
		}
		rbCancel()
		return nil, err
	}

	logger.L().Info("deployment created",
		zap.String("deployment_id", id),
		zap.String("status", string(status)),
		zap.String("outcome", string(res.Outcome)))
	return d, nil
}

// mapStatus translates a provisioner-observed status into the deployment
// lifecycle. A vanished external resource is recorded as failed; only an
// explicit Remove deletes the record.
func mapStatus(st provisioner.Status) models.Status {
	switch st {
	case provisioner.StatusRunning:
		return models.StatusRunning
	case provisioner.StatusStarting:
		return models.StatusProvisioning
	case provisioner.StatusStopped:
		return models.StatusStopped
	default:
		return models.StatusFailed
	}
}

// RefreshStatus re-queries the provisioner and reconciles any drift into
// the store, returning the refreshed record.
func (r *Reconciler) RefreshStatus(ctx context.Context, id string) (*models.Deployment, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	d, err := r.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	observed, err := r.prov.GetStatus(callCtx, d.ExternalID)
	cancel()
	if err != nil {
		if timedOut(callCtx, err) {
			return nil, appErr.Wrap(err, appErr.CodeDeadline, "provisioner status check timed out")
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "status check failed")
	}

	if err := r.store.UpdateStatus(ctx, id, mapStatus(observed)); err != nil {
		return nil, err
	}
	return r.store.GetDeployment(ctx, id)
}

// Remove deletes the external resource and then the record. A resource
// the provisioner no longer knows, or a record that is already gone, is
// success: the desired end state holds.
func (r *Reconciler) Remove(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	d, err := r.store.GetDeployment(ctx, id)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return nil
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err = r.prov.Delete(callCtx, d.ExternalID)
	cancel()
	if err != nil && !appErr.IsCode(err, appErr.CodeNotFound) {
		if timedOut(callCtx, err) {
			return appErr.Wrap(err, appErr.CodeDeadline, "provisioner delete timed out")
		}
		return appErr.Wrap(err, appErr.CodeUnavailable, "delete failed")
	}

	if err := r.store.DeleteDeployment(ctx, id); err != nil {
		return err
	}
	logger.L().Info("deployment removed", zap.String("deployment_id", id))
	return nil
}

// Restart asks the provisioner to restart the resource. Persisted status
// is untouched beyond re-stamping last_reconciled_at; the real status is
// only known after a subsequent RefreshStatus.
func (r *Reconciler) Restart(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	d, err := r.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err = r.prov.Restart(callCtx, d.ExternalID)
	cancel()
	if err != nil {
		if timedOut(callCtx, err) {
			return appErr.Wrap(err, appErr.CodeDeadline, "provisioner restart timed out")
		}
		return appErr.Wrap(err, appErr.CodeUnavailable, "restart failed")
	}

	if err := r.store.TouchDeployment(ctx, id); err != nil {
		return err
	}
	logger.L().Info("deployment restarted", zap.String("deployment_id", id))
	return nil
}
