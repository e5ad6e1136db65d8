// Command wavs runs the operator node: trigger ingestion, the Wasm
// execution engine, and signed submission, wired through the
// dispatcher, plus the admin HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wavs-labs/wavs/pkg/chain"
	"github.com/wavs-labs/wavs/pkg/config"
	"github.com/wavs-labs/wavs/pkg/dispatcher"
	"github.com/wavs-labs/wavs/pkg/engine"
	"github.com/wavs-labs/wavs/pkg/keys"
	"github.com/wavs-labs/wavs/pkg/logging"
	"github.com/wavs-labs/wavs/pkg/registry"
	"github.com/wavs-labs/wavs/pkg/server"
	"github.com/wavs-labs/wavs/pkg/storage"
	"github.com/wavs-labs/wavs/pkg/submission"
	"github.com/wavs-labs/wavs/pkg/telemetry"
	"github.com/wavs-labs/wavs/pkg/trigger"
	"github.com/wavs-labs/wavs/pkg/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("node exited", "error", err)
		os.Exit(1)
	}
}

// triggerEvents adapts registry change notifications onto the trigger
// manager.
type triggerEvents struct {
	manager *trigger.Manager
}

func (e *triggerEvents) Added(svc *types.Service) error  { return e.manager.AddService(svc) }
func (e *triggerEvents) Removed(id types.ServiceID)      { e.manager.RemoveService(id) }
func (e *triggerEvents) Updated(svc *types.Service) error { return e.manager.UpdateService(svc) }

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.LogDirective, cfg.LogJSON)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:    "wavs",
		ServiceVersion: "0.4.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.TelemetryInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	reg, err := registry.New(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	if cfg.Mnemonic == "" {
		return errors.New("WAVS_MNEMONIC is required")
	}
	keyStore, err := keys.NewStore(cfg.Mnemonic, "")
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer keyStore.Close()

	clients := chain.NewClients(cfg.Chains)
	defer clients.Close()

	sub := submission.New(submission.Config{
		Gas:     submission.GasPolicy{Multiplier: cfg.GasMultiplier, Max: cfg.GasMax},
		Retries: cfg.SubmitRetries,
	}, keyStore, submission.EVMBackends(clients), tel, logger)

	var disp *dispatcher.Dispatcher

	sandbox := engine.NewSandbox(store, logger)
	eng := engine.New(engine.Config{
		Workers:  cfg.EngineWorkers,
		MaxQueue: cfg.EngineMaxQueue,
	}, reg, store, sandbox, func(msg types.ChainMessage) {
		disp.SubmitEngineResult(msg)
	}, tel, logger)

	triggers := trigger.NewManager(cfg.Chains, trigger.DefaultStreamFactory{Logger: logger},
		func(action types.TriggerAction) {
			disp.SubmitTrigger(action)
		}, logger)

	disp = dispatcher.New(triggers, eng, sub, logger)

	// Re-arm triggers for every persisted service.
	for _, svc := range reg.List() {
		if svc.Status != types.ServiceActive {
			continue
		}
		if err := triggers.AddService(svc); err != nil {
			logger.Error("trigger re-registration failed", "service_id", svc.ID, "error", err)
		}
	}

	eng.Start(ctx)
	disp.Run(ctx)

	srv := server.New(server.Config{
		Registry: reg,
		Store:    store,
		Keys:     keyStore,
		Events:   &triggerEvents{manager: triggers},
		Executor: testExecutor(reg, store, sandbox),
		JWTSecret: cfg.JWTSecret,
		DevMode:  cfg.DevMode,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("admin api listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin api failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	disp.Shutdown()
	return nil
}

// testExecutor runs one component with a caller-supplied input outside
// the trigger path. Dev mode only; nothing is submitted.
func testExecutor(reg *registry.Registry, store *storage.Store, sandbox *engine.Sandbox) server.TestExecutor {
	return func(ctx context.Context, serviceID types.ServiceID, workflowID types.WorkflowID, input []byte) ([]byte, bool, error) {
		svc, err := reg.Get(serviceID)
		if err != nil {
			return nil, false, err
		}
		workflow, ok := svc.Workflows[workflowID]
		if !ok {
			return nil, false, fmt.Errorf("workflow %s not found", workflowID)
		}
		wasm, err := store.GetComponent(workflow.Component.Source)
		if err != nil {
			return nil, false, err
		}
		action := types.TriggerAction{
			ServiceID:  serviceID,
			WorkflowID: workflowID,
			Data: types.TriggerData{EVMLog: &types.EVMLogData{
				Chain: "evm:test",
				Data:  input,
			}},
		}
		result, err := sandbox.Invoke(ctx, wasm, engine.Job{
			Action:   action,
			Service:  svc,
			Workflow: workflow,
		})
		if err != nil {
			return nil, false, err
		}
		return result.Payload, result.Submit, nil
	}
}
