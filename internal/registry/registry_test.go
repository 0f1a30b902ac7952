package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engineroom/internal/coordination"
	"engineroom/internal/engine"
)

const testRoot = "/engineroom"

func writeRecord(t *testing.T, store coordination.Store, rec *engine.Record) {
	t.Helper()
	data, err := rec.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Create(coordination.EngineNodePath(testRoot, rec.EngineID), data))
}

func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegistryInitialResync(t *testing.T) {
	store := coordination.NewMemoryStore()
	defer store.Close()

	writeRecord(t, store, engine.NewRecord("m1", engine.ImageSpec{Image: "img:v1", Port: 9000}))
	writeRecord(t, store, engine.NewRecord("m2", engine.ImageSpec{Image: "img:v2", Port: 9000}))

	reg := New(store, testRoot)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	rec, ok := reg.Get("m1")
	require.True(t, ok)
	assert.Equal(t, engine.StateProvisioning, rec.State)

	active := reg.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, "m1", active[0].EngineID)
	assert.Equal(t, "m2", active[1].EngineID)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistryFollowsWatchEvents(t *testing.T) {
	store := coordination.NewMemoryStore()
	defer store.Close()

	reg := New(store, testRoot)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	// Create after startup: the watch must pick it up.
	writeRecord(t, store, engine.NewRecord("m1", engine.ImageSpec{Image: "img:v1", Port: 9000}))
	eventually(t, func() bool {
		_, ok := reg.Get("m1")
		return ok
	}, "registry never saw the new engine")

	// CAS update: state change must propagate.
	nodePath := coordination.EngineNodePath(testRoot, "m1")
	data, version, err := store.Get(nodePath)
	require.NoError(t, err)
	rec, err := engine.Unmarshal(data)
	require.NoError(t, err)
	require.NoError(t, rec.Transition(engine.StateReady))
	rec.Endpoint = "10.0.0.5:9000"
	updated, err := rec.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Set(nodePath, updated, version))

	eventually(t, func() bool {
		got, ok := reg.Get("m1")
		return ok && got.State == engine.StateReady && got.Endpoint == "10.0.0.5:9000"
	}, "registry never saw the Ready transition")

	// Delete: the record must vanish.
	require.NoError(t, store.Delete(nodePath, -1))
	eventually(t, func() bool {
		_, ok := reg.Get("m1")
		return !ok
	}, "registry never dropped the deleted engine")
}

func TestRegistryResyncsAfterSessionExpiry(t *testing.T) {
	store := coordination.NewMemoryStore()
	defer store.Close()

	reg := New(store, testRoot)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	store.ExpireSession()

	// Write after the expiry: only a fresh subscription plus full resync can
	// observe this.
	writeRecord(t, store, engine.NewRecord("m1", engine.ImageSpec{Image: "img:v1", Port: 9000}))

	eventually(t, func() bool {
		_, ok := reg.Get("m1")
		return ok
	}, "registry did not recover after session expiry")
}

func TestRegistryNeverMutatesStore(t *testing.T) {
	store := coordination.NewMemoryStore()
	defer store.Close()

	writeRecord(t, store, engine.NewRecord("m1", engine.ImageSpec{Image: "img:v1", Port: 9000}))

	reg := New(store, testRoot)
	require.NoError(t, reg.Start(context.Background()))
	reg.Stop()

	// The record must still be in the store, untouched.
	data, _, err := store.Get(coordination.EngineNodePath(testRoot, "m1"))
	require.NoError(t, err)
	rec, err := engine.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, engine.StateProvisioning, rec.State)
}
