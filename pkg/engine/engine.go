// Package engine executes Wasm components in a bounded worker pool.
// Its inbound queue is the only point of backpressure in the system:
// every upstream send is non-blocking, and the engine alone decides
// whether to shed load.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wavs-labs/wavs/pkg/registry"
	"github.com/wavs-labs/wavs/pkg/storage"
	"github.com/wavs-labs/wavs/pkg/telemetry"
	"github.com/wavs-labs/wavs/pkg/types"
)

// Config sizes the pool.
type Config struct {
	// Workers is the pool size, typically the CPU count.
	Workers int
	// MaxQueue bounds the inbound queue; 0 keeps it unbounded. When
	// bounded, the oldest actions are shed first.
	MaxQueue int
}

// Engine is the execution subsystem.
type Engine struct {
	cfg      Config
	queue    *queue
	registry *registry.Registry
	store    *storage.Store
	invoker  Invoker
	sink     func(types.ChainMessage)
	tel      *telemetry.Provider
	logger   *slog.Logger

	cacheMu sync.RWMutex
	cache   map[types.Digest][]byte

	wg sync.WaitGroup
}

// New builds the engine. The sink receives every submittable result;
// it must never block (the dispatcher's inbound channel is unbounded).
func New(cfg Config, reg *registry.Registry, store *storage.Store, invoker Invoker, sink func(types.ChainMessage), tel *telemetry.Provider, logger *slog.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:      cfg,
		queue:    newQueue(cfg.MaxQueue),
		registry: reg,
		store:    store,
		invoker:  invoker,
		sink:     sink,
		tel:      tel,
		logger:   logger.With("component", "engine"),
		cache:    make(map[types.Digest][]byte),
	}
}

// Start launches the worker pool. Workers exit when Stop is called and
// the queue drains.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.logger.InfoContext(ctx, "engine started", "workers", e.cfg.Workers, "max_queue", e.cfg.MaxQueue)
}

// Stop closes the queue and waits for in-flight executions.
func (e *Engine) Stop() {
	e.queue.close()
	e.wg.Wait()
}

// Submit enqueues a trigger action. It never blocks.
func (e *Engine) Submit(action types.TriggerAction) {
	if dropped := e.queue.push(action); dropped > 0 {
		e.logger.Warn("engine queue shed oldest actions", "dropped", dropped)
	}
	if e.tel != nil {
		e.tel.QueueDelta(context.Background(), 1)
	}
}

// QueueDepth reports the current inbound queue depth.
func (e *Engine) QueueDepth() int {
	return e.queue.depth()
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	logger := e.logger.With("worker", id)
	for {
		action, ok := e.queue.pop()
		if !ok {
			return
		}
		if e.tel != nil {
			e.tel.QueueDelta(ctx, -1)
		}
		// Errors are local to one job; the worker always continues.
		e.runJob(ctx, logger, action)
	}
}

func (e *Engine) runJob(ctx context.Context, logger *slog.Logger, action types.TriggerAction) {
	start := time.Now()
	logger = logger.With(
		"service_id", action.ServiceID,
		"workflow_id", action.WorkflowID,
		"event_id", action.EventID,
	)

	svc, err := e.registry.Get(action.ServiceID)
	if err != nil {
		logger.Warn("dropping trigger for unknown service")
		return
	}
	if svc.Status != types.ServiceActive {
		logger.Warn("dropping trigger for paused service")
		return
	}
	workflow, ok := svc.Workflows[action.WorkflowID]
	if !ok {
		logger.Warn("dropping trigger for unknown workflow")
		return
	}

	wasm, err := e.component(workflow.Component.Source)
	if err != nil {
		logger.Error("component unavailable", "digest", workflow.Component.Source, "error", err)
		e.record(ctx, action, "component_missing", 0, start)
		return
	}

	result, err := e.invoker.Invoke(ctx, wasm, Job{Action: action, Service: svc, Workflow: workflow})
	if err != nil {
		outcome := "error"
		var budgetErr *BudgetError
		if errors.As(err, &budgetErr) {
			switch budgetErr.Code {
			case ErrFuelExhausted:
				outcome = "fuel_exhausted"
			case ErrTimeExhausted:
				outcome = "time_exhausted"
			default:
				outcome = "budget_exhausted"
			}
		}
		logger.Error("execution failed", "outcome", outcome, "error", err)
		e.record(ctx, action, outcome, result.FuelUsed, start)
		return
	}
	if !result.Submit {
		logger.Debug("execution skipped submission")
		e.record(ctx, action, "skipped", result.FuelUsed, start)
		return
	}

	e.record(ctx, action, "success", result.FuelUsed, start)
	if workflow.Submit.Kind == types.SubmitNone {
		logger.Debug("submit target is none, discarding payload")
		return
	}
	e.sink(types.ChainMessage{
		ServiceID:  action.ServiceID,
		WorkflowID: action.WorkflowID,
		Envelope: types.Envelope{
			EventID: action.EventID,
			Payload: result.Payload,
		},
		Manager: svc.Manager,
		Submit:  workflow.Submit,
		HDIndex: svc.HDIndex,
	})
}

func (e *Engine) record(ctx context.Context, action types.TriggerAction, outcome string, fuel uint64, start time.Time) {
	if e.tel == nil {
		return
	}
	e.tel.RecordExecution(ctx, action.ServiceID, action.WorkflowID, outcome, fuel, time.Since(start))
}

// component loads Wasm bytes through the immutable content-addressed
// cache.
func (e *Engine) component(digest types.Digest) ([]byte, error) {
	e.cacheMu.RLock()
	wasm, ok := e.cache[digest]
	e.cacheMu.RUnlock()
	if ok {
		return wasm, nil
	}
	wasm, err := e.store.GetComponent(digest)
	if err != nil {
		return nil, err
	}
	e.cacheMu.Lock()
	e.cache[digest] = wasm
	e.cacheMu.Unlock()
	return wasm, nil
}
