package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Connector is a live binding to one peer service, built from one
// committed Config. A Connector instance is immutable after construction:
// reconfiguration builds a new instance and the manager swaps the
// published reference whole.
type Connector struct {
	cfg     Config
	client  *http.Client
	started atomic.Bool
}

// newConnector builds a connector from a committed config. The instance
// starts stopped.
func newConnector(cfg Config) *Connector {
	return &Connector{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

// Config returns a copy of the config the connector was built from.
func (c *Connector) Config() Config {
	cfg := c.cfg
	cfg.Hosts = append([]HostPort(nil), c.cfg.Hosts...)
	return cfg
}

// Start makes the connector dispatchable. Idempotent.
func (c *Connector) Start() {
	c.started.Store(true)
}

// Stop makes the connector refuse dispatch. Idempotent; a no-op if
// already stopped.
func (c *Connector) Stop() {
	c.started.Store(false)
}

// Started reports whether the connector accepts dispatch.
func (c *Connector) Started() bool {
	return c.started.Load()
}

// send POSTs the urlencoded values to the peer and returns the decoded
// response values. Without the failover opt-in only the first configured
// host is tried; with it, each host is tried in insertion order until one
// answers.
func (c *Connector) send(ctx context.Context, values url.Values) (url.Values, error) {
	if !c.started.Load() {
		return nil, fmt.Errorf("connector %s: %w", c.cfg.ID, ErrStopped)
	}
	if !c.cfg.Enable {
		return nil, fmt.Errorf("connector %s: %w", c.cfg.ID, ErrStopped)
	}

	hosts := c.cfg.Hosts
	if !c.cfg.Failover && len(hosts) > 1 {
		hosts = hosts[:1]
	}

	var lastErr error
	for _, hp := range hosts {
		resp, err := c.sendTo(ctx, hp, values)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Connector) sendTo(ctx context.Context, hp HostPort, values url.Values) (url.Values, error) {
	endpoint := fmt.Sprintf("https://%s%s", hp, c.cfg.URI)
	if c.cfg.Local {
		endpoint = fmt.Sprintf("http://%s%s", hp, c.cfg.URI)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("connector %s: building request: %w", c.cfg.ID, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector %s: calling %s: %w", c.cfg.ID, hp, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connector %s: %w: peer returned HTTP %d", c.cfg.ID, ErrProtocol, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("connector %s: reading response: %w", c.cfg.ID, err)
	}
	parsed, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w: malformed response body: %v", c.cfg.ID, ErrProtocol, err)
	}
	return parsed, nil
}
