package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavs-labs/wavs/pkg/types"
)

type stubEngine struct {
	mu      sync.Mutex
	actions []types.TriggerAction
	stopped bool
}

func (e *stubEngine) Submit(action types.TriggerAction) {
	e.mu.Lock()
	e.actions = append(e.actions, action)
	e.mu.Unlock()
}

func (e *stubEngine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

type stubSubmission struct {
	mu   sync.Mutex
	msgs []types.ChainMessage
}

func (s *stubSubmission) Submit(_ context.Context, msg types.ChainMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *stubSubmission) Wait() {}

type stubSource struct {
	mu     sync.Mutex
	closed bool
}

func (s *stubSource) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func TestRoutesTriggersInOrder(t *testing.T) {
	engine := &stubEngine{}
	submission := &stubSubmission{}
	d := New(&stubSource{}, engine, submission, slog.Default())
	d.Run(context.Background())

	for i := uint64(0); i < 100; i++ {
		d.SubmitTrigger(types.TriggerAction{EventID: types.TickEventID("t", i)})
	}
	d.Shutdown()

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.actions, 100, "nothing dropped before shutdown")
	for i := uint64(0); i < 100; i++ {
		assert.Equal(t, types.TickEventID("t", i), engine.actions[i].EventID,
			"ingestion order preserved at %d", i)
	}
}

func TestRoutesResultsToSubmission(t *testing.T) {
	engine := &stubEngine{}
	submission := &stubSubmission{}
	d := New(&stubSource{}, engine, submission, slog.Default())
	d.Run(context.Background())

	msg := types.ChainMessage{ServiceID: "svc", WorkflowID: "wf"}
	d.SubmitEngineResult(msg)
	d.Shutdown()

	submission.mu.Lock()
	defer submission.mu.Unlock()
	require.Len(t, submission.msgs, 1)
	assert.Equal(t, types.ServiceID("svc"), submission.msgs[0].ServiceID)
}

func TestSubmitNeverBlocks(t *testing.T) {
	// No Run: nothing consumes, sends must still return immediately.
	d := New(&stubSource{}, &stubEngine{}, &stubSubmission{}, slog.Default())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			d.SubmitTrigger(types.TriggerAction{})
			d.SubmitEngineResult(types.ChainMessage{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher sends blocked")
	}
}

func TestShutdownOrderAndIdempotence(t *testing.T) {
	engine := &stubEngine{}
	submission := &stubSubmission{}
	source := &stubSource{}
	d := New(source, engine, submission, slog.Default())
	d.Run(context.Background())

	d.Shutdown()
	d.Shutdown() // second call is a no-op

	source.mu.Lock()
	assert.True(t, source.closed, "trigger source closed first")
	source.mu.Unlock()
	engine.mu.Lock()
	assert.True(t, engine.stopped, "engine drained")
	engine.mu.Unlock()

	// Sends after shutdown are dropped, not panics.
	d.SubmitTrigger(types.TriggerAction{})
	d.SubmitEngineResult(types.ChainMessage{})
}
