package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wavs-labs/wavs/pkg/storage"
	"github.com/wavs-labs/wavs/pkg/types"
)

// Exit codes reserved for budget aborts issued from host calls.
const (
	exitFuelExhausted = 250
)

// Host call fuel costs. Component-internal compute is bounded by the
// wall-clock cap; fuel accounts the host surface.
const (
	fuelBase    = 1_000
	fuelKVRead  = 100
	fuelKVWrite = 500
	fuelConfig  = 10
	fuelHTTP    = 10_000
)

// ExecInput is the frame a component reads from stdin.
type ExecInput struct {
	ServiceID  types.ServiceID   `json:"service_id"`
	WorkflowID types.WorkflowID  `json:"workflow_id"`
	EventID    types.EventID     `json:"event_id"`
	Data       types.TriggerData `json:"data"`
}

// ExecOutput is the frame a component writes to stdout. Result is
// "submit", "skip", or "error".
type ExecOutput struct {
	Result  string        `json:"result"`
	Payload hexutil.Bytes `json:"payload,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Job is one execution: the trigger action plus the workflow snapshot
// it was dispatched against.
type Job struct {
	Action   types.TriggerAction
	Service  *types.Service
	Workflow *types.Workflow
}

// Result is what an invoker returns for one job.
type Result struct {
	// Submit is false for a graceful skip.
	Submit  bool
	Payload []byte
	// FuelUsed is reported to telemetry regardless of outcome.
	FuelUsed uint64
}

// Invoker executes one job inside a sandbox.
type Invoker interface {
	Invoke(ctx context.Context, wasm []byte, job Job) (Result, error)
}

// Sandbox runs Wasm components under wazero with deny-by-default
// capabilities: no filesystem, no ambient network, environment
// restricted to the component's declared keys. The component speaks
// the stdin/stdout frame protocol and reaches host capabilities
// through the "wavs" import module.
type Sandbox struct {
	store  *storage.Store
	http   *http.Client
	logger *slog.Logger
}

// NewSandbox builds the shared invoker. Each Invoke creates a fresh
// single-use runtime so components never share compiled state.
func NewSandbox(store *storage.Store, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		store:  store,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type hostState struct {
	meter     *Meter
	kv        *storage.ServiceKV
	config    map[string]string
	allowlist []string
	httpc     *http.Client
	budgetErr error
}

// Invoke satisfies Invoker.
func (s *Sandbox) Invoke(ctx context.Context, wasm []byte, job Job) (Result, error) {
	component := job.Workflow.Component
	budget := DefaultBudget()
	if component.FuelLimit > 0 {
		budget.FuelLimit = component.FuelLimit
	}
	if component.TimeLimitMs > 0 {
		budget.TimeLimit = time.Duration(component.TimeLimitMs) * time.Millisecond
	}
	if component.MaxMemoryBytes > 0 {
		budget.MemoryLimitBytes = component.MaxMemoryBytes
	}

	meter := NewMeter(budget.FuelLimit)
	state := &hostState{
		meter:     meter,
		kv:        s.store.KV(job.Service.ID),
		config:    component.Config,
		allowlist: component.HTTPAllowlist,
		httpc:     s.http,
	}

	ctx, cancel := context.WithTimeout(ctx, budget.TimeLimit)
	defer cancel()

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if budget.MemoryLimitBytes > 0 {
		pages := uint32(budget.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	defer func() { _ = r.Close(context.Background()) }()

	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	if err := instantiateHostModule(ctx, r, state); err != nil {
		return Result{FuelUsed: meter.Used()}, fmt.Errorf("host module: %w", err)
	}

	if err := meter.Charge(fuelBase); err != nil {
		return Result{FuelUsed: meter.Used()}, err
	}

	input, err := json.Marshal(ExecInput{
		ServiceID:  job.Action.ServiceID,
		WorkflowID: job.Action.WorkflowID,
		EventID:    job.Action.EventID,
		Data:       job.Action.Data,
	})
	if err != nil {
		return Result{FuelUsed: meter.Used()}, fmt.Errorf("encode input frame: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("component").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")
	for _, key := range component.EnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			modCfg = modCfg.WithEnv(key, v)
		}
	}

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		return Result{FuelUsed: meter.Used()}, fmt.Errorf("compile component: %w", err)
	}
	defer func() { _ = compiled.Close(context.Background()) }()

	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		// proc_exit(0) is a normal WASI ending; the frame decides.
		var exit *sys.ExitError
		if !errors.As(err, &exit) || exit.ExitCode() != 0 {
			return Result{FuelUsed: meter.Used()}, s.mapRunError(ctx, err, state, budget, stderr.Bytes())
		}
	}

	var out ExecOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{FuelUsed: meter.Used()}, fmt.Errorf("component wrote an invalid output frame: %w", err)
	}
	switch out.Result {
	case "submit":
		return Result{Submit: true, Payload: out.Payload, FuelUsed: meter.Used()}, nil
	case "skip":
		return Result{FuelUsed: meter.Used()}, nil
	case "error":
		return Result{FuelUsed: meter.Used()}, fmt.Errorf("component error: %s", out.Message)
	default:
		return Result{FuelUsed: meter.Used()}, fmt.Errorf("component returned unknown result %q", out.Result)
	}
}

// mapRunError distinguishes budget violations from component faults.
func (s *Sandbox) mapRunError(ctx context.Context, err error, state *hostState, budget Budget, stderr []byte) error {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case exitFuelExhausted:
			if state.budgetErr != nil {
				return state.budgetErr
			}
			return &BudgetError{Code: ErrFuelExhausted, Limit: int64(budget.FuelLimit), Consumed: int64(state.meter.Used())}
		case sys.ExitCodeDeadlineExceeded:
			return &BudgetError{
				Code:     ErrTimeExhausted,
				Limit:    budget.TimeLimit.Milliseconds(),
				Consumed: budget.TimeLimit.Milliseconds(),
			}
		default:
			return fmt.Errorf("component exited with code %d: %s", exit.ExitCode(), strings.TrimSpace(string(stderr)))
		}
	}
	if ctx.Err() != nil {
		return &BudgetError{
			Code:     ErrTimeExhausted,
			Limit:    budget.TimeLimit.Milliseconds(),
			Consumed: budget.TimeLimit.Milliseconds(),
		}
	}
	return fmt.Errorf("component trapped: %w", err)
}

// instantiateHostModule exports the "wavs" capability surface. Every
// call charges fuel; crossing the cap closes the module with the fuel
// exit code.
func instantiateHostModule(ctx context.Context, r wazero.Runtime, state *hostState) error {
	charge := func(ctx context.Context, m api.Module, n uint64) bool {
		if err := state.meter.Charge(n); err != nil {
			state.budgetErr = err
			_ = m.CloseWithExitCode(ctx, exitFuelExhausted)
			return false
		}
		return true
	}

	readString := func(m api.Module, ptr, length uint32) (string, bool) {
		b, ok := m.Memory().Read(ptr, length)
		if !ok {
			return "", false
		}
		return string(b), true
	}

	// writeResult copies value into the guest buffer and returns the
	// full value length so the guest can re-call with a larger buffer.
	writeResult := func(m api.Module, bufPtr, bufCap uint32, value []byte) int32 {
		n := uint32(len(value))
		if n > bufCap {
			n = bufCap
		}
		if n > 0 {
			if !m.Memory().Write(bufPtr, value[:n]) {
				return -3
			}
		}
		return int32(len(value))
	}

	_, err := r.NewHostModuleBuilder("wavs").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, bufPtr, bufCap uint32) int32 {
			if !charge(ctx, m, fuelConfig) {
				return -3
			}
			key, ok := readString(m, keyPtr, keyLen)
			if !ok {
				return -3
			}
			value, found := state.config[key]
			if !found {
				// Unknown keys return the missing marker, not an error.
				return -1
			}
			return writeResult(m, bufPtr, bufCap, []byte(value))
		}).
		Export("config_get").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, bufPtr, bufCap uint32) int32 {
			if !charge(ctx, m, fuelKVRead) {
				return -3
			}
			key, ok := readString(m, keyPtr, keyLen)
			if !ok {
				return -3
			}
			value, found, err := state.kv.Get(ctx, key)
			if err != nil {
				return -3
			}
			if !found {
				return -1
			}
			return writeResult(m, bufPtr, bufCap, value)
		}).
		Export("kv_get").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
			if !charge(ctx, m, fuelKVWrite) {
				return -3
			}
			key, ok := readString(m, keyPtr, keyLen)
			if !ok {
				return -3
			}
			value, ok := m.Memory().Read(valPtr, valLen)
			if !ok {
				return -3
			}
			if err := state.kv.Set(ctx, key, append([]byte(nil), value...)); err != nil {
				return -3
			}
			return 0
		}).
		Export("kv_set").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) int32 {
			if !charge(ctx, m, fuelKVWrite) {
				return -3
			}
			key, ok := readString(m, keyPtr, keyLen)
			if !ok {
				return -3
			}
			if err := state.kv.Delete(ctx, key); err != nil {
				return -3
			}
			return 0
		}).
		Export("kv_delete").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, urlPtr, urlLen, bufPtr, bufCap uint32) int32 {
			if !charge(ctx, m, fuelHTTP) {
				return -3
			}
			rawURL, ok := readString(m, urlPtr, urlLen)
			if !ok {
				return -3
			}
			if !hostAllowed(rawURL, state.allowlist) {
				return -2
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return -3
			}
			resp, err := state.httpc.Do(req)
			if err != nil {
				return -3
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(io.LimitReader(resp.Body, int64(bufCap)+1))
			if err != nil {
				return -3
			}
			return writeResult(m, bufPtr, bufCap, body)
		}).
		Export("http_get").
		Instantiate(ctx)
	return err
}

// hostAllowed matches the request host against the component's HTTP
// outbound allow-list. An empty list denies everything.
func hostAllowed(rawURL string, allowlist []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, allowed := range allowlist {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}
