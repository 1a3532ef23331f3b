package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func openTemp(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), ".procrun", "registry.yaml"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestRegistry_LocalLifecycle(t *testing.T) {
	r := openTemp(t)

	_, ok, err := r.Lookup(Stop, "server", Local)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Record("server", Local, 4242))

	for _, ns := range []Namespace{Stop, Wait} {
		rec, ok, err := r.Lookup(ns, "server", Local)
		require.NoError(t, err)
		require.True(t, ok, "recorded in %s", ns)
		assert.Equal(t, Record{Name: "server", PID: 4242, Scope: Local}, rec)
	}

	// Local records never reach the document
	_, ok, err = r.Lookup(Stop, "server", Global)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Clear("server", Local))
	require.NoError(t, r.Clear("server", Local), "clearing twice is a no-op")

	_, ok, err = r.Lookup(Wait, "server", Local)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_RejectsLiveDuplicate(t *testing.T) {
	r := openTemp(t)
	self := os.Getpid()

	for _, scope := range []Scope{Local, Global} {
		require.NoError(t, r.Record("server", scope, self))

		err := r.Record("server", scope, 9999)
		assert.True(t, errors.Is(err, ErrAlreadyRunning), "%s scope", scope)

		rec, ok, err := r.Lookup(Stop, "server", scope)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, self, rec.PID, "existing entry is unchanged")
	}
}

func TestRegistry_OverwritesStaleRecord(t *testing.T) {
	r := openTemp(t)
	r.alive = func(int) bool { return false }

	require.NoError(t, r.Record("server", Global, 100))
	require.NoError(t, r.Record("server", Global, 200))

	rec, ok, err := r.Lookup(Wait, "server", Global)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 200, rec.PID)
}

func TestRegistry_GlobalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Record("server", Global, 1234))
	require.NoError(t, first.Record("worker", Local, 5678))
	require.NoError(t, first.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, map[string]int{"server": 1234}, doc.Stop)
	assert.Equal(t, map[string]int{"server": 1234}, doc.Wait)

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	rec, ok, err := second.LookupAny(Stop, "server")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{Name: "server", PID: 1234, Scope: Global}, rec)

	_, ok, err = second.LookupAny(Stop, "worker")
	require.NoError(t, err)
	assert.False(t, ok, "local records do not outlive their registry")

	require.NoError(t, second.Clear("server", Global))
	_, ok, err = second.Lookup(Wait, "server", Global)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_LookupAnyPrefersLocal(t *testing.T) {
	r := openTemp(t)
	r.alive = func(int) bool { return false }

	require.NoError(t, r.Record("server", Global, 1))
	require.NoError(t, r.Record("server", Local, 2))

	rec, ok, err := r.LookupAny(Stop, "server")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Local, rec.Scope)
	assert.Equal(t, 2, rec.PID)
}

func TestRegistry_ReleaseMatchesPID(t *testing.T) {
	r := openTemp(t)
	r.alive = func(int) bool { return false }

	require.NoError(t, r.Record("server", Global, 10))
	require.NoError(t, r.Record("server", Global, 11))

	// The earlier run finishing must not clear the newer record
	require.NoError(t, r.Release("server", Global, 10))
	rec, ok, err := r.Lookup(Stop, "server", Global)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11, rec.PID)

	require.NoError(t, r.Release("server", Global, 11))
	_, ok, err = r.Lookup(Stop, "server", Global)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_List(t *testing.T) {
	r := openTemp(t)
	r.alive = func(int) bool { return false }

	require.NoError(t, r.Record("web", Global, 3))
	require.NoError(t, r.Record("api", Global, 4))
	require.NoError(t, r.Record("build", Local, 5))

	records, err := r.List()
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{Name: "build", PID: 5, Scope: Local},
		{Name: "api", PID: 4, Scope: Global},
		{Name: "web", PID: 3, Scope: Global},
	}, records)
}

func TestRegistry_Closed(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "registry.yaml"))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, _, err = r.Lookup(Stop, "x", Local)
	assert.Error(t, err)
	assert.NoError(t, r.Clear("x", Local))
}
