// Package registry holds the live service set. Lookup by id is the hot
// path for every trigger dispatch; mutations go through a writer lock
// and are mirrored to persistent storage.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wavs-labs/wavs/pkg/storage"
	"github.com/wavs-labs/wavs/pkg/types"
)

// Errors surfaced to callers.
var (
	ErrNotFound   = errors.New("service not found")
	ErrRegistered = errors.New("service already registered")
)

// Registry is the in-memory source of truth for services.
type Registry struct {
	mu       sync.RWMutex
	services map[types.ServiceID]*types.Service

	store  *storage.Store
	logger *slog.Logger
}

// New loads the persisted service set into memory.
func New(ctx context.Context, store *storage.Store, logger *slog.Logger) (*Registry, error) {
	services, err := store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}
	r := &Registry{
		services: make(map[types.ServiceID]*types.Service, len(services)),
		store:    store,
		logger:   logger.With("component", "registry"),
	}
	for _, svc := range services {
		r.services[svc.ID] = svc
	}
	r.logger.InfoContext(ctx, "registry loaded", "services", len(services))
	return r, nil
}

// Register persists and activates a new service.
func (r *Registry) Register(ctx context.Context, svc *types.Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.ID]; ok {
		return ErrRegistered
	}
	if err := r.store.SaveService(ctx, svc); err != nil {
		return fmt.Errorf("persist service: %w", err)
	}
	r.services[svc.ID] = svc
	r.logger.InfoContext(ctx, "service registered",
		"service_id", svc.ID, "hd_index", svc.HDIndex, "workflows", len(svc.Workflows))
	return nil
}

// Get returns a point-in-time snapshot of one service. Callers own the
// snapshot; later upgrades do not mutate it.
func (r *Registry) Get(id types.ServiceID) (*types.Service, error) {
	r.mu.RLock()
	svc, ok := r.services[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return svc, nil
}

// List returns the services ordered by HD index.
func (r *Registry) List() []*types.Service {
	r.mu.RLock()
	out := make([]*types.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].HDIndex < out[j].HDIndex })
	return out
}

// Pause stops new executions for a service. In-flight jobs complete.
func (r *Registry) Pause(ctx context.Context, id types.ServiceID) error {
	return r.setStatus(ctx, id, types.ServicePaused)
}

// Resume re-activates a paused service.
func (r *Registry) Resume(ctx context.Context, id types.ServiceID) error {
	return r.setStatus(ctx, id, types.ServiceActive)
}

func (r *Registry) setStatus(ctx context.Context, id types.ServiceID, status types.ServiceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return ErrNotFound
	}
	// Swap, never mutate: snapshots held by in-flight executions keep
	// the status they were dispatched with.
	next := svc.Clone()
	next.Status = status
	if err := r.store.UpdateService(ctx, next); err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	r.services[id] = next
	r.logger.InfoContext(ctx, "service status changed", "service_id", id, "status", status)
	return nil
}

// Delete removes a service and its storage namespace.
func (r *Registry) Delete(ctx context.Context, id types.ServiceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[id]; !ok {
		return ErrNotFound
	}
	if err := r.store.DeleteService(ctx, id); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	delete(r.services, id)
	r.logger.InfoContext(ctx, "service deleted", "service_id", id)
	return nil
}

// Upgrade replaces the workflow set and URI wholesale. The id and HD
// index are stable across upgrades.
func (r *Registry) Upgrade(ctx context.Context, id types.ServiceID, uri string, workflows map[types.WorkflowID]*types.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return ErrNotFound
	}
	next := svc.Clone()
	next.URI = uri
	next.Workflows = workflows
	if err := next.Validate(); err != nil {
		return fmt.Errorf("upgraded service invalid: %w", err)
	}
	if err := r.store.UpdateService(ctx, next); err != nil {
		return fmt.Errorf("persist upgrade: %w", err)
	}
	r.services[id] = next
	r.logger.InfoContext(ctx, "service upgraded",
		"service_id", id, "uri", uri, "workflows", len(workflows))
	return nil
}
