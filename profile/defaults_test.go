package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certforge/storage/memory"
)

func TestDefaultClasses(t *testing.T) {
	classes, err := DefaultClasses()
	require.NoError(t, err)

	for _, id := range []string{"caUserCert", "caServerKeygen", "caRevocation"} {
		cfg, ok := classes[id]
		require.True(t, ok, "class %s missing", id)
		assert.Equal(t, "false", cfg["enable"], "%s must start disabled", id)
		assert.NotEmpty(t, cfg["request.type"], "%s has no request type", id)
	}

	// Every embedded profile class must build cleanly against the builtin
	// rule set.
	auth := NewAuthenticatorRegistry()
	for id, cfg := range classes {
		_, err := buildProfile(id, id, cfg, builtinRules(), auth)
		require.NoError(t, err, "class %s does not build", id)
	}
}

func TestRegisterDefaultClasses(t *testing.T) {
	classes := NewClassRegistry()
	require.NoError(t, RegisterDefaultClasses(classes))

	r, err := NewRegistry(memory.NewStore(), "ca", classes, NewAuthenticatorRegistry())
	require.NoError(t, err)

	p, err := r.Create("caUserCert", "caUserCert")
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	// The factory hands out copies: mutating one created config must not
	// bleed into the next instantiation.
	cfg, err := r.Config("caUserCert")
	require.NoError(t, err)
	cfg["enable"] = "true"
	require.NoError(t, r.SetConfig("caUserCert", cfg))

	p2, err := r.Create("caUserCert2", "caUserCert")
	require.NoError(t, err)
	assert.False(t, p2.Enabled())
}
