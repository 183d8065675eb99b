package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/agent-platform/control-api/internal/models"
	appErr "github.com/agent-platform/control-api/pkg/errors"
	"github.com/agent-platform/control-api/pkg/logger"
)

// snapshot is the persisted state layout: two flat collections keyed by
// identifier plus an explicit insertion-order index, since JSON objects do
// not preserve key order.
type snapshot struct {
	Users           map[string]models.User       `json:"users"`
	Deployments     map[string]models.Deployment `json:"deployments"`
	DeploymentOrder []string                     `json:"deployment_order"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Users:       map[string]models.User{},
		Deployments: map[string]models.Deployment{},
	}
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		Users:           make(map[string]models.User, len(s.Users)),
		Deployments:     make(map[string]models.Deployment, len(s.Deployments)),
		DeploymentOrder: append([]string(nil), s.DeploymentOrder...),
	}
	for k, v := range s.Users {
		c.Users[k] = v
	}
	for k, v := range s.Deployments {
		c.Deployments[k] = v
	}
	return c
}

// FileStore is the concrete Store backed by an atomically-replaced JSON
// snapshot file. Every mutation is applied to a clone, flushed to stable
// storage, and only then swapped into memory, so a failed flush leaves
// both the file and the in-memory view at the last committed state.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	state *snapshot
}

var _ Store = (*FileStore)(nil)

// Open loads the snapshot at path (starting empty if it does not exist)
// and seeds the built-in admin user.
func Open(path string) (*FileStore, error) {
	fs := &FileStore{path: path, state: newSnapshot()}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, fs.state); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "corrupt store snapshot")
		}
		if fs.state.Users == nil {
			fs.state.Users = map[string]models.User{}
		}
		if fs.state.Deployments == nil {
			fs.state.Deployments = map[string]models.Deployment{}
		}
		logger.L().Info("store snapshot loaded",
			zap.String("path", path),
			zap.Int("deployments", len(fs.state.Deployments)),
			zap.Int("users", len(fs.state.Users)))
	case os.IsNotExist(err):
		logger.L().Info("starting with empty store", zap.String("path", path))
	default:
		return nil, appErr.Wrap(err, appErr.CodeInternal, "read store snapshot failed")
	}

	if _, ok := fs.state.Users["admin"]; !ok {
		next := fs.state.clone()
		next.Users["admin"] = models.User{
			ID:        "admin",
			Email:     "admin@localhost",
			Role:      models.RoleAdmin,
			CreatedAt: time.Now().UTC(),
		}
		if err := fs.commit(next); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// commit flushes next to stable storage and swaps it in. Callers must hold
// the write lock (or have exclusive access, as in Open).
func (fs *FileStore) commit(next *snapshot) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal store snapshot failed")
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(fs.path)+".tmp-*")
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "store flush failed")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return appErr.Wrap(err, appErr.CodeInternal, "store flush failed")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return appErr.Wrap(err, appErr.CodeInternal, "store flush failed")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return appErr.Wrap(err, appErr.CodeInternal, "store flush failed")
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return appErr.Wrap(err, appErr.CodeInternal, "store flush failed")
	}

	fs.state = next
	return nil
}

func (fs *FileStore) UpsertUser(ctx context.Context, id, email, role string) (*models.User, error) {
	if id == "" {
		return nil, appErr.New(appErr.CodeInvalid, "user id is required")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if u, ok := fs.state.Users[id]; ok {
		return &u, nil
	}

	if email == "" {
		email = fmt.Sprintf("%s@example.com", id)
	}
	if role == "" {
		role = models.RoleUser
	}
	u := models.User{ID: id, Email: email, Role: role, CreatedAt: time.Now().UTC()}

	next := fs.state.clone()
	next.Users[id] = u
	if err := fs.commit(next); err != nil {
		return nil, err
	}
	logger.L().Info("user created", zap.String("user_id", id), zap.String("role", role))
	return &u, nil
}

func (fs *FileStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	u, ok := fs.state.Users[id]
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "user not found")
	}
	return &u, nil
}

func (fs *FileStore) IsAdmin(ctx context.Context, id string) (bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	u, ok := fs.state.Users[id]
	return ok && u.Role == models.RoleAdmin, nil
}

func (fs *FileStore) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	if d == nil || d.ID == "" {
		return appErr.New(appErr.CodeInvalid, "deployment id is required")
	}
	if _, ok := fs.userExists(d.UserID); !ok {
		return appErr.New(appErr.CodeInvalid, "deployment references unknown user").WithMeta("user_id", d.UserID)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	next := fs.state.clone()
	if _, exists := next.Deployments[d.ID]; !exists {
		next.DeploymentOrder = append(next.DeploymentOrder, d.ID)
	}
	next.Deployments[d.ID] = *d
	if err := fs.commit(next); err != nil {
		return err
	}
	logger.L().Info("deployment stored", zap.String("deployment_id", d.ID), zap.String("user_id", d.UserID))
	return nil
}

func (fs *FileStore) userExists(id string) (models.User, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	u, ok := fs.state.Users[id]
	return u, ok
}

func (fs *FileStore) UpdateDeployment(ctx context.Context, d *models.Deployment) error {
	if d == nil || d.ID == "" {
		return appErr.New(appErr.CodeInvalid, "deployment id is required")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.state.Deployments[d.ID]; !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	next := fs.state.clone()
	next.Deployments[d.ID] = *d
	return fs.commit(next)
}

func (fs *FileStore) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	d, ok := fs.state.Deployments[id]
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return &d, nil
}

func (fs *FileStore) ListDeployments(ctx context.Context, callerID string, isAdmin bool) ([]models.Deployment, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	ordered := lo.FilterMap(fs.state.DeploymentOrder, func(id string, _ int) (models.Deployment, bool) {
		d, ok := fs.state.Deployments[id]
		return d, ok
	})

	if isAdmin {
		return ordered, nil
	}
	if callerID == "" {
		return []models.Deployment{}, nil
	}
	return lo.Filter(ordered, func(d models.Deployment, _ int) bool {
		return d.UserID == callerID
	}), nil
}

func (fs *FileStore) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	if !status.Valid() {
		return appErr.New(appErr.CodeInvalid, "unknown deployment status").WithMeta("status", string(status))
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, ok := fs.state.Deployments[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	if !d.Status.CanTransition(status) {
		return appErr.New(appErr.CodeInvalid, "illegal status transition").
			WithMeta("from", string(d.Status)).
			WithMeta("to", string(status))
	}

	d.Status = status
	d.LastReconciled = time.Now().UTC()

	next := fs.state.clone()
	next.Deployments[id] = d
	if err := fs.commit(next); err != nil {
		return err
	}
	logger.L().Info("deployment status updated", zap.String("deployment_id", id), zap.String("status", string(status)))
	return nil
}

func (fs *FileStore) TouchDeployment(ctx context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, ok := fs.state.Deployments[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	d.LastReconciled = time.Now().UTC()

	next := fs.state.clone()
	next.Deployments[id] = d
	return fs.commit(next)
}

func (fs *FileStore) DeleteDeployment(ctx context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.state.Deployments[id]; !ok {
		// Already absent: the desired end state holds.
		return nil
	}
	next := fs.state.clone()
	delete(next.Deployments, id)
	next.DeploymentOrder = lo.Without(next.DeploymentOrder, id)
	if err := fs.commit(next); err != nil {
		return err
	}
	logger.L().Info("deployment deleted", zap.String("deployment_id", id))
	return nil
}

func (fs *FileStore) Stats(ctx context.Context, callerID string, isAdmin bool) (*models.Stats, error) {
	visible, err := fs.ListDeployments(ctx, callerID, isAdmin)
	if err != nil {
		return nil, err
	}

	st := &models.Stats{
		Total: len(visible),
		Active: lo.CountBy(visible, func(d models.Deployment) bool {
			return d.Status == models.StatusRunning || d.Status == models.StatusProvisioning
		}),
		Failed: lo.CountBy(visible, func(d models.Deployment) bool {
			return d.Status == models.StatusFailed
		}),
	}

	if isAdmin {
		fs.mu.RLock()
		owners := lo.Uniq(lo.Map(lo.Values(fs.state.Deployments), func(d models.Deployment, _ int) string {
			return d.UserID
		}))
		fs.mu.RUnlock()
		n := len(owners)
		st.UniqueUsers = &n
	}
	return st, nil
}
