package profile

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certforge/storage/memory"
)

func testClassConfig() map[string]string {
	return map[string]string{
		"enable":       "false",
		"request.type": "enrollment",
		"input.list":   "i1",
		"input.i1.name": "uid",
		"output.list":  "",
		"policy.list":  "p1",
		"policy.p1.class": "validityDefault",
		"policy.p1.param.validity.days": "180",
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	classes := NewClassRegistry()
	classes.Register("testClass", testClassConfig)
	r, err := NewRegistry(memory.NewStore(), "ca", classes, NewAuthenticatorRegistry())
	require.NoError(t, err)
	return r
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Create("caUserCert", "testClass")
	require.NoError(t, err)
	assert.Equal(t, "caUserCert", p.ID())
	assert.Equal(t, "testClass", p.ClassID())
	assert.False(t, p.Enabled())

	got, err := r.Get("caUserCert")
	require.NoError(t, err)
	assert.Same(t, p, got)

	assert.Equal(t, []string{"caUserCert"}, r.IDs())

	// Second create of the same id fails.
	_, err = r.Create("caUserCert", "testClass")
	require.Error(t, err)
}

func TestRegistry_CreateUnknownClass(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("x", "noSuchClass")
	require.ErrorIs(t, err, ErrUnknownClass)
	assert.Empty(t, r.IDs())
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_CommitRepublishes(t *testing.T) {
	r := newTestRegistry(t)
	before, err := r.Create("caUserCert", "testClass")
	require.NoError(t, err)

	cfg, err := r.Config("caUserCert")
	require.NoError(t, err)
	cfg["policy.p1.param.validity.days"] = "365"
	require.NoError(t, r.SetConfig("caUserCert", cfg))

	// Durable config changed, published object not yet.
	got, _ := r.Get("caUserCert")
	assert.Same(t, before, got)

	require.NoError(t, r.Commit("caUserCert"))
	after, _ := r.Get("caUserCert")
	assert.NotSame(t, before, after)
}

func TestRegistry_CommitBadConfigKeepsOldProfile(t *testing.T) {
	r := newTestRegistry(t)
	before, err := r.Create("caUserCert", "testClass")
	require.NoError(t, err)

	cfg, err := r.Config("caUserCert")
	require.NoError(t, err)
	cfg["policy.p1.param.validity.days"] = "not-a-number"
	require.NoError(t, r.SetConfig("caUserCert", cfg))

	require.Error(t, r.Commit("caUserCert"))

	// Readers still see the fully-initialized previous object.
	got, err := r.Get("caUserCert")
	require.NoError(t, err)
	assert.Same(t, before, got)
}

func TestRegistry_ConcurrentCommits(t *testing.T) {
	r := newTestRegistry(t)
	const n = 8
	for i := 0; i < n; i++ {
		_, err := r.Create(fmt.Sprintf("profile-%d", i), "testClass")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("profile-%d", i)
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, r.Commit(id))
			}()
			wg.Add(1)
			go func() {
				// Concurrent readers must always observe a whole profile.
				defer wg.Done()
				p, err := r.Get(id)
				if assert.NoError(t, err) {
					assert.NotNil(t, p.Chain())
					assert.Equal(t, id, p.ID())
				}
			}()
		}
	}
	wg.Wait()
}

func TestRegistry_EnableDisable(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("caUserCert", "testClass")
	require.NoError(t, err)

	require.NoError(t, r.Enable("caUserCert", "admin"))
	p, _ := r.Get("caUserCert")
	assert.True(t, p.Enabled())
	assert.Equal(t, "admin", p.EnabledBy())

	require.NoError(t, r.Disable("caUserCert"))
	p, _ = r.Get("caUserCert")
	assert.False(t, p.Enabled())
	assert.Empty(t, p.EnabledBy())
}

func TestRegistry_DeleteEnabledRefused(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("caUserCert", "testClass")
	require.NoError(t, err)
	require.NoError(t, r.Enable("caUserCert", "admin"))

	err = r.Delete("caUserCert")
	require.ErrorIs(t, err, ErrProfileInUse)
	_, err = r.Get("caUserCert")
	assert.NoError(t, err)
}

func TestRegistry_Delete(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("caUserCert", "testClass")
	require.NoError(t, err)

	require.NoError(t, r.Delete("caUserCert"))
	_, err = r.Get("caUserCert")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Config("caUserCert")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.IDs())
}

func TestRegistry_SurvivesReload(t *testing.T) {
	store := memory.NewStore()
	classes := NewClassRegistry()
	classes.Register("testClass", testClassConfig)
	auth := NewAuthenticatorRegistry()

	r, err := NewRegistry(store, "ca", classes, auth)
	require.NoError(t, err)
	_, err = r.Create("caUserCert", "testClass")
	require.NoError(t, err)
	require.NoError(t, r.Enable("caUserCert", "admin"))

	// A fresh registry over the same store republishes everything.
	r2, err := NewRegistry(store, "ca", classes, auth)
	require.NoError(t, err)
	p, err := r2.Get("caUserCert")
	require.NoError(t, err)
	assert.True(t, p.Enabled())
	assert.Equal(t, "admin", p.EnabledBy())
}

func TestRegistry_ScopesAreIsolated(t *testing.T) {
	store := memory.NewStore()
	classes := NewClassRegistry()
	classes.Register("testClass", testClassConfig)
	auth := NewAuthenticatorRegistry()

	ca, err := NewRegistry(store, "ca", classes, auth)
	require.NoError(t, err)
	kra, err := NewRegistry(store, "kra", classes, auth)
	require.NoError(t, err)

	_, err = ca.Create("shared-name", "testClass")
	require.NoError(t, err)

	_, err = kra.Get("shared-name")
	require.ErrorIs(t, err, ErrNotFound)
}
