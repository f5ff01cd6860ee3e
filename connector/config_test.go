package connector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_PropsSingleHost(t *testing.T) {
	cfg := &Config{
		ID:            "KRA",
		Hosts:         []HostPort{{Host: "kra1.example.com", Port: 8443}},
		Enable:        true,
		Timeout:       30,
		URI:           "/kra/agent/generateKey",
		TransportCert: "AAAA",
		NickName:      "kraTransport",
	}

	props := string(cfg.marshalProps())
	assert.Contains(t, props, "KRA.host=kra1.example.com\n")
	assert.Contains(t, props, "KRA.port=8443\n")

	out, err := unmarshalProps("KRA", cfg.marshalProps())
	require.NoError(t, err)
	assert.Equal(t, cfg.Hosts, out.Hosts)
	assert.True(t, out.Enable)
	assert.Equal(t, "/kra/agent/generateKey", out.URI)
	assert.Equal(t, "kraTransport", out.NickName)
}

func TestConfig_PropsHostList(t *testing.T) {
	cfg := &Config{
		ID: "KRA",
		Hosts: []HostPort{
			{Host: "kra1.example.com", Port: 8443},
			{Host: "kra2.example.com", Port: 8443},
		},
		Enable:  true,
		Timeout: 30,
	}

	// Multiple hosts collapse into one space-separated host field; the
	// separate port field disappears.
	props := string(cfg.marshalProps())
	assert.Contains(t, props, "KRA.host=kra1.example.com:8443 kra2.example.com:8443\n")
	assert.False(t, strings.Contains(props, "KRA.port="))

	out, err := unmarshalProps("KRA", cfg.marshalProps())
	require.NoError(t, err)
	assert.Equal(t, cfg.Hosts, out.Hosts)
}

func TestConfig_UnmarshalDefaultsTimeout(t *testing.T) {
	out, err := unmarshalProps("KRA", []byte("KRA.host=kra1\nKRA.port=8443\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeoutSeconds, out.Timeout)
}

func TestConfig_UnmarshalRejectsBadInput(t *testing.T) {
	_, err := unmarshalProps("KRA", []byte("KRA.port=8443\n"))
	assert.Error(t, err, "missing host")

	_, err = unmarshalProps("KRA", []byte("KRA.host=kra1\nKRA.port=nope\n"))
	assert.Error(t, err, "bad port")

	_, err = unmarshalProps("KRA", []byte("KRA.host=kra1:8443 kra2\n"))
	assert.Error(t, err, "bad host list entry")

	_, err = unmarshalProps("KRA", []byte("KRA.host=kra1\nKRA.port=8443\nKRA.timeout=-3\n"))
	assert.Error(t, err, "bad timeout")
}

func TestConfig_ToInfo(t *testing.T) {
	single := &Config{ID: "KRA", Hosts: []HostPort{{Host: "kra1", Port: 8443}}}
	info := single.ToInfo()
	assert.Equal(t, "kra1", info.Host)
	assert.Equal(t, 8443, info.Port)
	assert.Nil(t, info.Hosts)

	multi := &Config{ID: "KRA", Hosts: []HostPort{{Host: "kra1", Port: 8443}, {Host: "kra2", Port: 9443}}}
	info = multi.ToInfo()
	assert.Equal(t, "kra1", info.Host)
	assert.Equal(t, []string{"kra1:8443", "kra2:9443"}, info.Hosts)
}

func TestConfig_HasHost(t *testing.T) {
	cfg := &Config{Hosts: []HostPort{{Host: "kra1", Port: 8443}}}
	assert.True(t, cfg.HasHost("kra1", 8443))
	assert.False(t, cfg.HasHost("kra1", 9443))
	assert.False(t, cfg.HasHost("kra2", 8443))
}
