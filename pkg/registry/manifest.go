package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wavs-labs/wavs/pkg/types"
)

// Manifest is the registration body for a service. The service id is
// derived from the canonical form of its identity fields (see ServiceID).
type Manifest struct {
	Name      string                         `json:"name"`
	Manager   types.ServiceManagerRef        `json:"service_manager"`
	URI       string                         `json:"uri"`
	Workflows map[types.WorkflowID]*types.Workflow `json:"workflows"`
}

const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "service_manager", "workflows"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 128},
		"uri": {"type": "string"},
		"service_manager": {
			"type": "object",
			"required": ["chain", "address"],
			"properties": {
				"chain": {"type": "string", "minLength": 1},
				"address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
			}
		},
		"workflows": {
			"type": "object",
			"minProperties": 1,
			"propertyNames": {"pattern": "^[a-z0-9][a-z0-9-]*$"},
			"additionalProperties": {
				"type": "object",
				"required": ["trigger", "component", "submit"],
				"properties": {
					"trigger": {"type": "object", "minProperties": 1, "maxProperties": 1},
					"component": {
						"type": "object",
						"required": ["source"],
						"properties": {
							"source": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
							"fuel_limit": {"type": "integer", "minimum": 0},
							"time_limit_ms": {"type": "integer", "minimum": 0},
							"max_memory_bytes": {"type": "integer", "minimum": 0}
						}
					},
					"submit": {
						"type": "object",
						"required": ["kind"],
						"properties": {
							"kind": {"enum": ["none", "chain", "aggregator"]}
						}
					}
				}
			}
		}
	}
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

// ParseManifest validates raw JSON against the manifest schema, then
// decodes and semantically validates it.
func ParseManifest(raw []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("manifest is not JSON: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for id, wf := range m.Workflows {
		if err := wf.Trigger.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", id, err)
		}
		if err := wf.Submit.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", id, err)
		}
	}
	return &m, nil
}

// ServiceID derives the content id of the manifest. Only the identity
// fields participate: name and manager. Workflows and URI change across
// upgrades while the id stays stable.
func (m *Manifest) ServiceID() (types.ServiceID, error) {
	return types.DeriveServiceID(map[string]any{
		"name":            m.Name,
		"service_manager": strings.ToLower(m.Manager.Key()),
	})
}

// Service materializes a new active service from the manifest. The HD
// index is assigned by persistence.
func (m *Manifest) Service() (*types.Service, error) {
	id, err := m.ServiceID()
	if err != nil {
		return nil, err
	}
	svc := &types.Service{
		ID:        id,
		Name:      m.Name,
		Status:    types.ServiceActive,
		Workflows: m.Workflows,
		Manager:   m.Manager,
		URI:       m.URI,
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	return svc, nil
}
