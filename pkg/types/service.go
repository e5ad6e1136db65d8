package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ServiceStatus is the lifecycle state of a service.
type ServiceStatus string

const (
	ServiceActive ServiceStatus = "active"
	ServicePaused ServiceStatus = "paused"
)

// ServiceManagerRef names the on-chain contract that issues upgrade and
// validation authority for a service.
type ServiceManagerRef struct {
	Chain   ChainName      `json:"chain"`
	Address common.Address `json:"address"`
}

// Key returns the map key form "chain/0xaddress".
func (r ServiceManagerRef) Key() string {
	return string(r.Chain) + "/" + r.Address.Hex()
}

// Service is the deployment unit: a set of workflows plus the manager
// contract that governs it. The HD index is assigned at registration
// and is the bijective mapping from service to operator signing key.
type Service struct {
	ID        ServiceID                `json:"id"`
	Name      string                   `json:"name"`
	Status    ServiceStatus            `json:"status"`
	Workflows map[WorkflowID]*Workflow `json:"workflows"`
	Manager   ServiceManagerRef        `json:"service_manager"`
	URI       string                   `json:"uri"`
	HDIndex   uint32                   `json:"hd_index"`
}

// Workflow is the (trigger, component, submit) triple.
type Workflow struct {
	Trigger   Trigger   `json:"trigger"`
	Component Component `json:"component"`
	Submit    Submit    `json:"submit"`
}

// Component is a content-addressed Wasm blob plus its resource limits
// and host capability grants.
type Component struct {
	Source         Digest            `json:"source"`
	FuelLimit      uint64            `json:"fuel_limit"`
	TimeLimitMs    int64             `json:"time_limit_ms"`
	MaxMemoryBytes int64             `json:"max_memory_bytes"`
	HTTPAllowlist  []string          `json:"http_allowlist,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	EnvKeys        []string          `json:"env_keys,omitempty"`
}

// SubmitKind selects where an execution result goes.
type SubmitKind string

const (
	// SubmitNone discards results (test mode).
	SubmitNone SubmitKind = "none"
	// SubmitChain signs and sends directly to the service handler.
	SubmitChain SubmitKind = "chain"
	// SubmitAggregator signs a partial and posts a packet to an
	// aggregator endpoint.
	SubmitAggregator SubmitKind = "aggregator"
)

// Submit is a workflow's submit target.
type Submit struct {
	Kind SubmitKind `json:"kind"`
	// Chain and Address locate the service-handler contract for
	// direct submission.
	Chain   ChainName      `json:"chain,omitempty"`
	Address common.Address `json:"address,omitempty"`
	// AggregatorURL is the packet ingress endpoint.
	AggregatorURL string `json:"aggregator_url,omitempty"`
}

// Validate checks the submit target shape.
func (s Submit) Validate() error {
	switch s.Kind {
	case SubmitNone:
		return nil
	case SubmitChain:
		if s.Chain == "" || s.Address == (common.Address{}) {
			return fmt.Errorf("chain submit requires chain and handler address")
		}
		return nil
	case SubmitAggregator:
		if s.AggregatorURL == "" {
			return fmt.Errorf("aggregator submit requires an endpoint url")
		}
		return nil
	default:
		return fmt.Errorf("unknown submit kind %q", s.Kind)
	}
}

// Validate checks the whole service definition.
func (s *Service) Validate() error {
	if err := s.ID.Validate(); err != nil {
		return err
	}
	if s.Status != ServiceActive && s.Status != ServicePaused {
		return fmt.Errorf("unknown service status %q", s.Status)
	}
	if len(s.Workflows) == 0 {
		return fmt.Errorf("service %s has no workflows", s.ID)
	}
	for id, wf := range s.Workflows {
		if err := id.Validate(); err != nil {
			return err
		}
		if err := wf.Trigger.Validate(); err != nil {
			return fmt.Errorf("workflow %s: %w", id, err)
		}
		if err := wf.Component.Source.Validate(); err != nil {
			return fmt.Errorf("workflow %s: %w", id, err)
		}
		if err := wf.Submit.Validate(); err != nil {
			return fmt.Errorf("workflow %s: %w", id, err)
		}
	}
	return nil
}

// Clone deep-copies the service so upgrades can swap the workflow set
// without mutating snapshots held by in-flight executions.
func (s *Service) Clone() *Service {
	out := *s
	out.Workflows = make(map[WorkflowID]*Workflow, len(s.Workflows))
	for id, wf := range s.Workflows {
		w := *wf
		w.Component.HTTPAllowlist = append([]string(nil), wf.Component.HTTPAllowlist...)
		w.Component.EnvKeys = append([]string(nil), wf.Component.EnvKeys...)
		if wf.Component.Config != nil {
			w.Component.Config = make(map[string]string, len(wf.Component.Config))
			for k, v := range wf.Component.Config {
				w.Component.Config[k] = v
			}
		}
		out.Workflows[id] = &w
	}
	return &out
}
