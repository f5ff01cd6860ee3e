// Package connector provides the reconfigurable binding to a peer
// trust-infrastructure service (e.g. a key-recovery authority), with
// host-list failover, serialized reconfiguration, and the wire protocol
// for multi-party operations.
package connector

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotConfigured is returned when an operation references a
	// connector that has no stored configuration.
	ErrNotConfigured = errors.New("connector not configured")

	// ErrConflict is returned when a connector definition clashes with
	// existing trust material. No stored state is mutated.
	ErrConflict = errors.New("conflicting connector definition")

	// ErrHostNotFound is returned when removing a host:port that is not
	// in the list.
	ErrHostNotFound = errors.New("host not found in connector")

	// ErrStopped is returned when dispatching through a stopped
	// connector.
	ErrStopped = errors.New("connector is stopped")

	// ErrProtocol is returned when the peer response is malformed or
	// absent.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupportedCurve is returned before any remote call when the
	// requested named curve is not recognized.
	ErrUnsupportedCurve = errors.New("unsupported elliptic curve")
)

// DefaultTimeoutSeconds is the per-host call timeout applied when the
// config does not set one.
const DefaultTimeoutSeconds = 30

// HostPort is one failover alternative.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return fmt.Sprintf("%s:%d", hp.Host, hp.Port)
}

// Config is the durable shape of one connector. The hosts list is a set
// of alternatives in insertion order, not a weighted pool; all hosts
// sharing one Config share one transport certificate.
type Config struct {
	ID            string
	Hosts         []HostPort
	Enable        bool
	Local         bool
	Timeout       int // seconds
	URI           string
	TransportCert string // base64 DER
	NickName      string
	Failover      bool // request-time cross-host retry, explicit opt-in
}

// Info is the structured DTO mirroring Config for administrative
// add/remove/get operations. For multi-host configs, Host/Port describe
// the first entry and Hosts carries the full list.
type Info struct {
	ID            string   `json:"id"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Hosts         []string `json:"hosts,omitempty"`
	Enable        bool     `json:"enable"`
	Local         bool     `json:"local"`
	Timeout       int      `json:"timeout"`
	URI           string   `json:"uri"`
	TransportCert string   `json:"transport_cert"`
	NickName      string   `json:"nick_name"`
	Failover      bool     `json:"failover,omitempty"`
}

// ToInfo renders the config as its DTO.
func (c *Config) ToInfo() Info {
	info := Info{
		ID:            c.ID,
		Enable:        c.Enable,
		Local:         c.Local,
		Timeout:       c.Timeout,
		URI:           c.URI,
		TransportCert: c.TransportCert,
		NickName:      c.NickName,
		Failover:      c.Failover,
	}
	if len(c.Hosts) > 0 {
		info.Host = c.Hosts[0].Host
		info.Port = c.Hosts[0].Port
	}
	if len(c.Hosts) > 1 {
		for _, hp := range c.Hosts {
			info.Hosts = append(info.Hosts, hp.String())
		}
	}
	return info
}

// HasHost reports whether host:port is already in the list.
func (c *Config) HasHost(host string, port int) bool {
	for _, hp := range c.Hosts {
		if hp.Host == host && hp.Port == port {
			return true
		}
	}
	return false
}

// marshalProps renders the config in the durable property form:
// <id>.host/<id>.port for a single host, or a space-separated host:port
// list in <id>.host when multiple.
func (c *Config) marshalProps() []byte {
	var b strings.Builder
	p := c.ID + "."
	if len(c.Hosts) == 1 {
		fmt.Fprintf(&b, "%shost=%s\n", p, c.Hosts[0].Host)
		fmt.Fprintf(&b, "%sport=%d\n", p, c.Hosts[0].Port)
	} else {
		parts := make([]string, len(c.Hosts))
		for i, hp := range c.Hosts {
			parts[i] = hp.String()
		}
		fmt.Fprintf(&b, "%shost=%s\n", p, strings.Join(parts, " "))
	}
	fmt.Fprintf(&b, "%senable=%t\n", p, c.Enable)
	fmt.Fprintf(&b, "%slocal=%t\n", p, c.Local)
	fmt.Fprintf(&b, "%stimeout=%d\n", p, c.Timeout)
	fmt.Fprintf(&b, "%suri=%s\n", p, c.URI)
	fmt.Fprintf(&b, "%stransportCert=%s\n", p, c.TransportCert)
	fmt.Fprintf(&b, "%snickName=%s\n", p, c.NickName)
	fmt.Fprintf(&b, "%sfailover=%t\n", p, c.Failover)
	return []byte(b.String())
}

// unmarshalProps parses the durable property form back into a Config.
func unmarshalProps(id string, data []byte) (*Config, error) {
	props := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed property %q", ErrProtocol, line)
		}
		props[strings.TrimPrefix(strings.TrimSpace(k), id+".")] = strings.TrimSpace(v)
	}

	cfg := &Config{
		ID:            id,
		Enable:        props["enable"] == "true",
		Local:         props["local"] == "true",
		URI:           props["uri"],
		TransportCert: props["transportCert"],
		NickName:      props["nickName"],
		Failover:      props["failover"] == "true",
	}
	cfg.Timeout = DefaultTimeoutSeconds
	if raw := props["timeout"]; raw != "" {
		t, err := strconv.Atoi(raw)
		if err != nil || t <= 0 {
			return nil, fmt.Errorf("connector %s: invalid timeout %q", id, raw)
		}
		cfg.Timeout = t
	}

	hostField := props["host"]
	if hostField == "" {
		return nil, fmt.Errorf("connector %s: no host configured", id)
	}
	if strings.Contains(hostField, " ") || strings.Contains(hostField, ":") {
		for _, part := range strings.Fields(hostField) {
			hp, err := parseHostPort(part)
			if err != nil {
				return nil, fmt.Errorf("connector %s: %w", id, err)
			}
			cfg.Hosts = append(cfg.Hosts, hp)
		}
	} else {
		port, err := strconv.Atoi(props["port"])
		if err != nil || port <= 0 {
			return nil, fmt.Errorf("connector %s: invalid port %q", id, props["port"])
		}
		cfg.Hosts = []HostPort{{Host: hostField, Port: port}}
	}
	return cfg, nil
}

func parseHostPort(s string) (HostPort, error) {
	host, portRaw, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return HostPort{}, fmt.Errorf("malformed host:port %q", s)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port <= 0 {
		return HostPort{}, fmt.Errorf("malformed host:port %q", s)
	}
	return HostPort{Host: host, Port: port}, nil
}
