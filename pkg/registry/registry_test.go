package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavs-labs/wavs/pkg/storage"
	"github.com/wavs-labs/wavs/pkg/types"
)

func testRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r, err := New(context.Background(), store, slog.Default())
	require.NoError(t, err)
	return r, store
}

func manifestJSON(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"name": name,
		"service_manager": map[string]any{
			"chain":   "evm:local",
			"address": "0x00000000000000000000000000000000000000aa",
		},
		"uri": "ipfs://v1",
		"workflows": map[string]any{
			"main": map[string]any{
				"trigger": map[string]any{
					"cron": map[string]any{"interval_ms": 1000},
				},
				"component": map[string]any{
					"source":     string(types.DigestOf([]byte(name))),
					"fuel_limit": 100000,
				},
				"submit": map[string]any{"kind": "none"},
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestParseManifestValid(t *testing.T) {
	m, err := ParseManifest(manifestJSON(t, "oracle"))
	require.NoError(t, err)
	assert.Equal(t, "oracle", m.Name)

	svc, err := m.Service()
	require.NoError(t, err)
	assert.NoError(t, svc.ID.Validate())
	assert.Equal(t, types.ServiceActive, svc.Status)
}

func TestParseManifestRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"no workflows":    `{"name":"x","service_manager":{"chain":"evm:a","address":"0x00000000000000000000000000000000000000aa"},"workflows":{}}`,
		"bad address":     `{"name":"x","service_manager":{"chain":"evm:a","address":"nope"},"workflows":{"w":{}}}`,
		"bad workflow id": `{"name":"x","service_manager":{"chain":"evm:a","address":"0x00000000000000000000000000000000000000aa"},"workflows":{"BAD_ID":{"trigger":{"cron":{"interval_ms":1}},"component":{"source":"sha256:` + types.DigestOf([]byte("x")).Hex() + `"},"submit":{"kind":"none"}}}}`,
	}
	for name, raw := range cases {
		_, err := ParseManifest([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestManifestServiceIDStableAcrossWorkflowChanges(t *testing.T) {
	a, err := ParseManifest(manifestJSON(t, "svc"))
	require.NoError(t, err)
	idA, err := a.ServiceID()
	require.NoError(t, err)

	b, err := ParseManifest(manifestJSON(t, "svc"))
	require.NoError(t, err)
	b.URI = "ipfs://v2"
	b.Workflows["main"].Component.FuelLimit = 999
	idB, err := b.ServiceID()
	require.NoError(t, err)

	assert.Equal(t, idA, idB, "id is stable across upgrades")
}

func TestRegisterGetDelete(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	m, err := ParseManifest(manifestJSON(t, "svc"))
	require.NoError(t, err)
	svc, err := m.Service()
	require.NoError(t, err)

	require.NoError(t, r.Register(ctx, svc))
	assert.ErrorIs(t, r.Register(ctx, svc), ErrRegistered)

	got, err := r.Get(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, svc.Name, got.Name)

	assert.Len(t, r.List(), 1)

	require.NoError(t, r.Delete(ctx, svc.ID))
	_, err = r.Get(svc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPauseResume(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	m, err := ParseManifest(manifestJSON(t, "svc"))
	require.NoError(t, err)
	svc, err := m.Service()
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, svc))

	snapshot, err := r.Get(svc.ID)
	require.NoError(t, err)

	require.NoError(t, r.Pause(ctx, svc.ID))
	paused, err := r.Get(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ServicePaused, paused.Status)
	assert.Equal(t, types.ServiceActive, snapshot.Status, "earlier snapshot untouched")

	require.NoError(t, r.Resume(ctx, svc.ID))
	resumed, err := r.Get(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ServiceActive, resumed.Status)

	assert.ErrorIs(t, r.Pause(ctx, "0000000000000000000000000000000000000000000000000000000000000000"), ErrNotFound)
}

func TestUpgradeSwapsWorkflowsAtomically(t *testing.T) {
	r, store := testRegistry(t)
	ctx := context.Background()

	m, err := ParseManifest(manifestJSON(t, "svc"))
	require.NoError(t, err)
	svc, err := m.Service()
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, svc))

	snapshot, err := r.Get(svc.ID)
	require.NoError(t, err)

	next := map[types.WorkflowID]*types.Workflow{
		"v2-flow": {
			Trigger: types.Trigger{Cron: &types.CronTrigger{IntervalMs: 500}},
			Component: types.Component{
				Source:    types.DigestOf([]byte("v2")),
				FuelLimit: 1,
			},
			Submit: types.Submit{Kind: types.SubmitNone},
		},
	}
	require.NoError(t, r.Upgrade(ctx, svc.ID, "ipfs://v2", next))

	upgraded, err := r.Get(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://v2", upgraded.URI)
	assert.Contains(t, upgraded.Workflows, types.WorkflowID("v2-flow"))
	assert.Equal(t, svc.HDIndex, upgraded.HDIndex, "hd index stable")

	// The snapshot taken before the upgrade still sees v1.
	assert.Contains(t, snapshot.Workflows, types.WorkflowID("main"))
	assert.NotContains(t, snapshot.Workflows, types.WorkflowID("v2-flow"))

	// Persisted state matches.
	loaded, err := store.LoadService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://v2", loaded.URI)
}
