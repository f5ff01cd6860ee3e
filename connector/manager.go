package connector

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/jmcleod/certforge/storage"
)

const connectorSection = "connectors"

// Manager is the administrative processor owning connector configuration
// and the published live connector references. Every mutation follows the
// stop -> mutate -> replace -> start sequence and is serialized per
// connector id; dispatch always goes through a reference that was swapped
// whole, never a half-reconfigured instance.
type Manager struct {
	store  storage.Store
	logger *slog.Logger

	mu   sync.RWMutex
	live map[string]*Connector

	idMu sync.Mutex
	ids  map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the structured logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.With("component", "connector-manager")
	}
}

// NewManager creates a Manager over the given store and publishes a
// started connector for every stored config.
func NewManager(store storage.Store, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		store: store,
		live:  make(map[string]*Connector),
		ids:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "connector-manager")
	}

	keys, err := store.List(connectorSection)
	if err != nil {
		return nil, err
	}
	for _, id := range keys {
		cfg, err := m.loadConfig(id)
		if err != nil {
			return nil, fmt.Errorf("loading connector %s: %w", id, err)
		}
		conn := newConnector(*cfg)
		conn.Start()
		m.live[id] = conn
	}
	return m, nil
}

func (m *Manager) lockID(id string) *sync.Mutex {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	mu, ok := m.ids[id]
	if !ok {
		mu = &sync.Mutex{}
		m.ids[id] = mu
	}
	return mu
}

func (m *Manager) loadConfig(id string) (*Config, error) {
	data, err := m.store.Get(connectorSection, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("connector %s: %w", id, ErrNotConfigured)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalProps(id, data)
}

// Get returns the published live connector for id.
func (m *Manager) Get(id string) (*Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.live[id]
	if !ok {
		return nil, fmt.Errorf("connector %s: %w", id, ErrNotConfigured)
	}
	return conn, nil
}

// GetInfo returns the stored config DTO for id.
func (m *Manager) GetInfo(id string) (Info, error) {
	cfg, err := m.loadConfig(id)
	if err != nil {
		return Info{}, err
	}
	return cfg.ToInfo(), nil
}

// IDs returns the configured connector ids, sorted.
func (m *Manager) IDs() ([]string, error) {
	keys, err := m.store.List(connectorSection)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// stopConnector stops the published connector for id. Idempotent; a
// no-op when nothing is published.
func (m *Manager) stopConnector(id string) {
	m.mu.RLock()
	conn := m.live[id]
	m.mu.RUnlock()
	if conn != nil {
		conn.Stop()
	}
}

// replaceConnector re-instantiates the connector from the durably
// committed config and publishes it (stopped).
func (m *Manager) replaceConnector(id string) error {
	cfg, err := m.loadConfig(id)
	if err != nil {
		return err
	}
	conn := newConnector(*cfg)
	m.mu.Lock()
	m.live[id] = conn
	m.mu.Unlock()
	return nil
}

// startConnector starts the published connector for id.
func (m *Manager) startConnector(id string) {
	m.mu.RLock()
	conn := m.live[id]
	m.mu.RUnlock()
	if conn != nil {
		conn.Start()
	}
}

// AddConnector defines a connector or extends an existing one. When a
// config already exists with a different host:port, the new definition's
// transport certificate must match the stored one; a mismatch is a
// conflict and nothing is mutated. A matching certificate appends the new
// host:port through the host-list logic.
func (m *Manager) AddConnector(info Info) error {
	mu := m.lockID(info.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.loadConfig(info.ID)
	if errors.Is(err, ErrNotConfigured) {
		cfg := Config{
			ID:            info.ID,
			Hosts:         []HostPort{{Host: info.Host, Port: info.Port}},
			Enable:        info.Enable,
			Local:         info.Local,
			Timeout:       info.Timeout,
			URI:           info.URI,
			TransportCert: info.TransportCert,
			NickName:      info.NickName,
			Failover:      info.Failover,
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = DefaultTimeoutSeconds
		}
		if err := m.commitAndRestart(&cfg); err != nil {
			return err
		}
		m.logger.Info("connector created", "connector_id", info.ID, "host", info.Host, "port", info.Port)
		return nil
	}
	if err != nil {
		return err
	}

	if existing.HasHost(info.Host, info.Port) {
		return nil
	}
	if existing.TransportCert != info.TransportCert {
		return fmt.Errorf("connector %s: transport certificate mismatch for %s:%d: %w",
			info.ID, info.Host, info.Port, ErrConflict)
	}
	return m.appendHost(existing, info.Host, info.Port)
}

// AddHost appends a failover alternative to an existing connector,
// converting a single host into a list form when necessary. Appending a
// host:port already present succeeds as a no-op.
func (m *Manager) AddHost(id, host string, port int) error {
	mu := m.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := m.loadConfig(id)
	if err != nil {
		return err
	}
	if cfg.HasHost(host, port) {
		return nil
	}
	return m.appendHost(cfg, host, port)
}

// appendHost runs the stop/mutate/replace/start sequence for a host
// append. Callers hold the per-id lock.
func (m *Manager) appendHost(cfg *Config, host string, port int) error {
	cfg.Hosts = append(cfg.Hosts, HostPort{Host: host, Port: port})
	if err := m.commitAndRestart(cfg); err != nil {
		return err
	}
	m.logger.Info("connector host added", "connector_id", cfg.ID, "host", host, "port", port)
	return nil
}

// commitAndRestart is the stop -> mutate -> replace -> start sequence.
// The new connector instance is built only from the durably committed
// config.
func (m *Manager) commitAndRestart(cfg *Config) error {
	m.stopConnector(cfg.ID)
	if err := m.store.Put(connectorSection, cfg.ID, cfg.marshalProps()); err != nil {
		return err
	}
	if err := m.replaceConnector(cfg.ID); err != nil {
		return err
	}
	m.startConnector(cfg.ID)
	return nil
}

// RemoveConnector removes the matching host:port from the connector's
// list. When the list empties, the whole config substore is removed and
// the connector is deleted (stopped and un-published) rather than
// restarted. When exactly one entry remains, the list form collapses back
// to plain host/port fields.
func (m *Manager) RemoveConnector(id, host string, port int) error {
	mu := m.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := m.loadConfig(id)
	if err != nil {
		return err
	}
	if !cfg.HasHost(host, port) {
		return fmt.Errorf("connector %s: %s:%d: %w", id, host, port, ErrHostNotFound)
	}

	kept := make([]HostPort, 0, len(cfg.Hosts)-1)
	for _, hp := range cfg.Hosts {
		if hp.Host == host && hp.Port == port {
			continue
		}
		kept = append(kept, hp)
	}
	cfg.Hosts = kept

	if len(cfg.Hosts) == 0 {
		m.stopConnector(id)
		if err := m.store.Delete(connectorSection, id); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.live, id)
		m.mu.Unlock()
		m.logger.Info("connector deleted", "connector_id", id)
		return nil
	}

	if err := m.commitAndRestart(cfg); err != nil {
		return err
	}
	m.logger.Info("connector host removed", "connector_id", id, "host", host, "port", port)
	return nil
}
