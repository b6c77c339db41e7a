package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/types"
)

func newTestDocStore(t *testing.T) *DocStore {
	t.Helper()
	ds, err := NewDocStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestDocStoreDefinitions(t *testing.T) {
	ds := newTestDocStore(t)

	v1 := &types.Definition{
		ID:        "def-1",
		Name:      "net-fund",
		Version:   "1.0.0",
		Owner:     "alice",
		CreatedAt: time.Now().Add(-time.Hour),
	}
	v2 := &types.Definition{
		ID:        "def-2",
		Name:      "net-fund",
		Version:   "1.1.0",
		Owner:     "alice",
		CreatedAt: time.Now(),
	}
	other := &types.Definition{
		ID:        "def-3",
		Name:      "sec-ops",
		Version:   "2.0.0",
		Owner:     "bob",
		CreatedAt: time.Now(),
	}
	for _, def := range []*types.Definition{v1, v2, other} {
		require.NoError(t, ds.PutDefinition(def))
	}

	got, err := ds.GetDefinition("net-fund", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "def-1", got.ID)

	_, err = ds.GetDefinition("net-fund", "9.9.9")
	assert.True(t, IsNotFound(err))

	latest, err := ds.LatestDefinition("net-fund")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Version)

	versions, err := ds.ListDefinitionVersions("net-fund")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	byOwner, err := ds.ListDefinitions(DefinitionFilter{Owner: "bob"})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, "sec-ops", byOwner[0].Name)

	byName, err := ds.ListDefinitions(DefinitionFilter{Name: "net-fund"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)
}

func TestDocStoreDeprecation(t *testing.T) {
	ds := newTestDocStore(t)

	def := &types.Definition{ID: "def-1", Name: "net-fund", Version: "1.0.0", CreatedAt: time.Now()}
	require.NoError(t, ds.PutDefinition(def))

	dep, err := ds.DeprecateDefinition("net-fund", "1.0.0")
	require.NoError(t, err)
	assert.True(t, dep.Deprecated)

	// Deprecated versions drop out of default listings.
	visible, err := ds.ListDefinitions(DefinitionFilter{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := ds.ListDefinitions(DefinitionFilter{IncludeDeprecated: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = ds.DeprecateDefinition("net-fund", "2.0.0")
	assert.True(t, IsNotFound(err))
}

func TestDocStoreArtifacts(t *testing.T) {
	ds := newTestDocStore(t)

	require.NoError(t, ds.PutArtifact("def-1", []byte("lab: topology")))
	content, err := ds.GetArtifact("def-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("lab: topology"), content)

	_, err = ds.GetArtifact("def-2")
	assert.True(t, IsNotFound(err))

	def := &types.Definition{ID: "def-1", Name: "net-fund", Version: "1.0.0"}
	require.NoError(t, ds.PutDefinition(def))
	require.NoError(t, ds.DeleteDefinition("net-fund", "1.0.0"))

	_, err = ds.GetArtifact("def-1")
	assert.True(t, IsNotFound(err), "artifact cache is dropped with the definition")
}

func TestDocStoreWorkerTemplates(t *testing.T) {
	ds := newTestDocStore(t)

	tmpl := &types.WorkerTemplate{
		Name:         "metal-large",
		InstanceType: "c5.metal",
		LicenseKind:  types.LicenseEnterprise,
		Capacity:     types.Resources{CPUCores: 96, MemoryMB: 196608, StorageGB: 900},
		PortRange:    types.PortRange{Lo: 20000, Hi: 20999},
		DrainTimeout: 2 * time.Hour,
	}
	require.NoError(t, ds.PutWorkerTemplate(tmpl))

	got, err := ds.GetWorkerTemplate("metal-large")
	require.NoError(t, err)
	assert.Equal(t, tmpl.Capacity, got.Capacity)
	assert.Equal(t, tmpl.DrainTimeout, got.DrainTimeout)

	_, err = ds.GetWorkerTemplate("missing")
	assert.True(t, IsNotFound(err))

	all, err := ds.ListWorkerTemplates()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDocStoreEvents(t *testing.T) {
	ds := newTestDocStore(t)

	base := time.Now().Add(-time.Hour)
	for i, agg := range []string{"i-1", "i-2", "i-1"} {
		e := events.New(events.SourceScheduler, events.TypeInstanceScheduled, agg, nil)
		e.OccurredAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, ds.AppendEvent(e))
	}

	all, err := ds.ListEvents(EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Occurrence order.
	assert.True(t, all[0].OccurredAt.Before(all[1].OccurredAt))
	assert.True(t, all[1].OccurredAt.Before(all[2].OccurredAt))

	scoped, err := ds.ListEvents(EventFilter{AggregateID: "i-1"})
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	for _, e := range scoped {
		assert.Equal(t, "i-1", e.AggregateID)
	}

	limited, err := ds.ListEvents(EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	since, err := ds.ListEvents(EventFilter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestDocStorePruneEvents(t *testing.T) {
	ds := newTestDocStore(t)

	old := events.New(events.SourceController, events.TypeWorkerStopped, "w-1", nil)
	old.OccurredAt = time.Now().Add(-48 * time.Hour)
	recent := events.New(events.SourceController, events.TypeWorkerRunning, "w-2", nil)
	recent.OccurredAt = time.Now()
	require.NoError(t, ds.AppendEvent(old))
	require.NoError(t, ds.AppendEvent(recent))

	pruned, err := ds.PruneEvents(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	left, err := ds.ListEvents(EventFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "w-2", left[0].AggregateID)

	// Index entries for pruned events are gone too.
	byAgg, err := ds.ListEvents(EventFilter{AggregateID: "w-1"})
	require.NoError(t, err)
	assert.Empty(t, byAgg)
}
