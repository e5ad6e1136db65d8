package storage

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavs-labs/wavs/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testService(t *testing.T, name string) *types.Service {
	t.Helper()
	id, err := types.DeriveServiceID(map[string]any{"name": name})
	require.NoError(t, err)
	return &types.Service{
		ID:     id,
		Name:   name,
		Status: types.ServiceActive,
		Manager: types.ServiceManagerRef{
			Chain:   "evm:local",
			Address: common.HexToAddress("0x01"),
		},
		Workflows: map[types.WorkflowID]*types.Workflow{
			"wf": {
				Trigger: types.Trigger{Cron: &types.CronTrigger{IntervalMs: 1000}},
				Component: types.Component{
					Source:    types.DigestOf([]byte(name)),
					FuelLimit: 1000,
				},
				Submit: types.Submit{Kind: types.SubmitNone},
			},
		},
	}
}

func TestComponentCASRoundTrip(t *testing.T) {
	s := openTestStore(t)

	wasm := []byte("\x00asm\x01\x00\x00\x00")
	digest, err := s.PutComponent(wasm)
	require.NoError(t, err)
	assert.True(t, s.HasComponent(digest))

	// Idempotent re-put.
	again, err := s.PutComponent(wasm)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	got, err := s.GetComponent(digest)
	require.NoError(t, err)
	assert.Equal(t, wasm, got)

	_, err = s.GetComponent(types.DigestOf([]byte("missing")))
	assert.Error(t, err)
}

func TestServiceHDIndexAssignment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testService(t, "a")
	b := testService(t, "b")
	require.NoError(t, s.SaveService(ctx, a))
	require.NoError(t, s.SaveService(ctx, b))

	assert.Equal(t, uint32(0), a.HDIndex)
	assert.Equal(t, uint32(1), b.HDIndex)

	// Duplicate id is rejected.
	dup := testService(t, "a")
	assert.Error(t, s.SaveService(ctx, dup))

	loaded, err := s.LoadService(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.HDIndex, loaded.HDIndex)
	assert.Equal(t, "b", loaded.Name)

	all, err := s.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestServiceUpdateAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	svc := testService(t, "svc")
	require.NoError(t, s.SaveService(ctx, svc))

	svc.Status = types.ServicePaused
	require.NoError(t, s.UpdateService(ctx, svc))

	loaded, err := s.LoadService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ServicePaused, loaded.Status)

	require.NoError(t, s.DeleteService(ctx, svc.ID))
	_, err = s.LoadService(ctx, svc.ID)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.ErrorIs(t, s.DeleteService(ctx, svc.ID), ErrServiceNotFound)
}

func TestKVNamespacing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice := s.KV("alice-service")
	bob := s.KV("bob-service")

	require.NoError(t, alice.Set(ctx, "shared-key", []byte("alice value")))
	require.NoError(t, bob.Set(ctx, "shared-key", []byte("bob value")))

	v, ok, err := alice.Get(ctx, "shared-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("alice value"), v)

	v, ok, err = bob.Get(ctx, "shared-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("bob value"), v)

	keys, err := alice.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared-key"}, keys)

	require.NoError(t, alice.Delete(ctx, "shared-key"))
	_, ok, err = alice.Get(ctx, "shared-key")
	require.NoError(t, err)
	assert.False(t, ok, "alice key gone")

	_, ok, err = bob.Get(ctx, "shared-key")
	require.NoError(t, err)
	assert.True(t, ok, "bob unaffected")
}
