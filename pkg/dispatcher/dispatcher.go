// Package dispatcher routes messages between subsystems over unbounded
// queues. It owns no logic beyond routing: every message is forwarded
// immediately to its single downstream consumer, and no send ever
// blocks. Backpressure lives in the engine's queue alone.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wavs-labs/wavs/pkg/types"
)

// Engine is the downstream consumer of trigger actions.
type Engine interface {
	Submit(action types.TriggerAction)
	Stop()
}

// Submission is the downstream consumer of engine results.
type Submission interface {
	Submit(ctx context.Context, msg types.ChainMessage)
	Wait()
}

// TriggerSource is the upstream the dispatcher shuts down first.
type TriggerSource interface {
	Close()
}

// ingress is one unbounded inbound channel: the dispatcher owns the
// single receiving end; senders are cloned freely and never block.
type ingress[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	closed bool
}

func newIngress[T any]() *ingress[T] {
	i := &ingress[T]{}
	i.cond = sync.NewCond(&i.mu)
	return i
}

// send never blocks. Sends after close are dropped: a closed channel
// means shutdown is in progress.
func (i *ingress[T]) send(v T) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.buf = append(i.buf, v)
	i.cond.Signal()
	return true
}

func (i *ingress[T]) receive() (T, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for len(i.buf) == 0 && !i.closed {
		i.cond.Wait()
	}
	if len(i.buf) == 0 {
		var zero T
		return zero, false
	}
	v := i.buf[0]
	i.buf = i.buf[1:]
	return v, true
}

func (i *ingress[T]) close() {
	i.mu.Lock()
	i.closed = true
	i.cond.Broadcast()
	i.mu.Unlock()
}

// Dispatcher wires the subsystem graph.
type Dispatcher struct {
	triggers   *ingress[types.TriggerAction]
	results    *ingress[types.ChainMessage]
	source     TriggerSource
	engine     Engine
	submission Submission
	logger     *slog.Logger

	triggerLoopDone chan struct{}
	resultLoopDone  chan struct{}
	shutOnce        sync.Once
}

// New builds the dispatcher.
func New(source TriggerSource, engine Engine, submission Submission, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		triggers:        newIngress[types.TriggerAction](),
		results:         newIngress[types.ChainMessage](),
		source:          source,
		engine:          engine,
		submission:      submission,
		logger:          logger.With("component", "dispatcher"),
		triggerLoopDone: make(chan struct{}),
		resultLoopDone:  make(chan struct{}),
	}
}

// SubmitTrigger is called by the trigger manager. Non-blocking; always
// succeeds outside shutdown.
func (d *Dispatcher) SubmitTrigger(action types.TriggerAction) {
	if !d.triggers.send(action) {
		d.logger.Debug("trigger dropped during shutdown",
			"service_id", action.ServiceID, "event_id", action.EventID)
	}
}

// SubmitEngineResult is called by engine workers. Non-blocking.
func (d *Dispatcher) SubmitEngineResult(msg types.ChainMessage) {
	if !d.results.send(msg) {
		d.logger.Debug("engine result dropped during shutdown",
			"service_id", msg.ServiceID, "event_id", msg.Envelope.EventID)
	}
}

// Run starts the routing loops. Each loop forwards to exactly one
// downstream consumer and exits when its inbound channel closes.
func (d *Dispatcher) Run(ctx context.Context) {
	go func() {
		defer close(d.triggerLoopDone)
		for {
			action, ok := d.triggers.receive()
			if !ok {
				d.logger.Info("trigger channel closed, loop exiting")
				return
			}
			d.engine.Submit(action)
		}
	}()
	go func() {
		defer close(d.resultLoopDone)
		for {
			msg, ok := d.results.receive()
			if !ok {
				d.logger.Info("result channel closed, loop exiting")
				return
			}
			d.submission.Submit(ctx, msg)
		}
	}()
}

// Shutdown signals every owned subsystem leaves-first and waits for
// each to drain: trigger source, trigger queue, engine pool, result
// queue, submission tasks.
func (d *Dispatcher) Shutdown() {
	d.shutOnce.Do(func() {
		d.logger.Info("shutdown started")
		if d.source != nil {
			d.source.Close()
		}
		d.triggers.close()
		<-d.triggerLoopDone
		// Everything queued has been handed to the engine; drain it.
		d.engine.Stop()
		d.results.close()
		<-d.resultLoopDone
		d.submission.Wait()
		d.logger.Info("shutdown complete")
	})
}
