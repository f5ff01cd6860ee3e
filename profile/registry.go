package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/certforge/storage"
)

// ClassFactory returns the initial durable config for a freshly created
// profile of one class (its request type, input layout, and default policy
// chain).
type ClassFactory func() map[string]string

// ClassRegistry maps profile class ids to factories. It is populated at
// process start; an unmapped class id is a configuration error.
type ClassRegistry struct {
	mu sync.RWMutex
	m  map[string]ClassFactory
}

// NewClassRegistry creates an empty class registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{m: make(map[string]ClassFactory)}
}

// Register adds a class factory.
func (r *ClassRegistry) Register(classID string, f ClassFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[classID] = f
}

// Lookup resolves a class factory.
func (r *ClassRegistry) Lookup(classID string) (ClassFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[classID]
	if !ok {
		return nil, fmt.Errorf("profile class %q: %w", classID, ErrUnknownClass)
	}
	return f, nil
}

// Registry is the durable catalog of profiles. Profiles are published
// whole: readers observe either the previous fully-initialized profile or
// the next one, never a partially built entry. Commit rebuilds a single
// entry and is synchronized per profile id, so concurrent commits of
// unrelated profiles do not block each other.
type Registry struct {
	store  storage.Store
	scope  string
	logger *slog.Logger

	classes *ClassRegistry
	rules   map[string]RuleFactory
	auth    *AuthenticatorRegistry

	mu       sync.RWMutex
	profiles map[string]*Profile
	classIDs map[string]string

	idMu sync.Mutex
	ids  map[string]*sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With("component", "profile-registry")
	}
}

// WithRuleFactory adds (or overrides) a rule class beyond the builtins.
func WithRuleFactory(classID string, f RuleFactory) RegistryOption {
	return func(r *Registry) {
		r.rules[classID] = f
	}
}

// NewRegistry creates a Registry over the given store and scope. The
// scope names the durable config path family (profiles/<scope>/<id>.cfg).
// Existing profiles are loaded and published; a profile whose config
// fails to build is surfaced as an error, never published partially.
func NewRegistry(store storage.Store, scope string, classes *ClassRegistry, auth *AuthenticatorRegistry, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		store:    store,
		scope:    scope,
		classes:  classes,
		rules:    builtinRules(),
		auth:     auth,
		profiles: make(map[string]*Profile),
		classIDs: make(map[string]string),
		ids:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "profile-registry")
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) section() string {
	return "profiles/" + r.scope
}

func (r *Registry) configKey(id string) string {
	return id + ".cfg"
}

// load publishes every profile listed in the durable catalog.
func (r *Registry) load() error {
	ids, err := r.listIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		classID, err := r.storedClassID(id)
		if err != nil {
			return err
		}
		p, err := r.rebuild(id, classID)
		if err != nil {
			return fmt.Errorf("loading profile %s: %w", id, err)
		}
		r.profiles[id] = p
		r.classIDs[id] = classID
	}
	return nil
}

func (r *Registry) listIDs() ([]string, error) {
	data, err := r.store.Get(r.section(), "list")
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitList(string(data)), nil
}

func (r *Registry) storedClassID(id string) (string, error) {
	data, err := r.store.Get(r.section(), id+".class_id")
	if err != nil {
		return "", fmt.Errorf("profile %s has no class_id: %w", id, err)
	}
	return string(data), nil
}

// rebuild constructs a new fully-initialized Profile from the current
// durable config for id.
func (r *Registry) rebuild(id, classID string) (*Profile, error) {
	data, err := r.store.Get(r.section(), r.configKey(id))
	if err != nil {
		return nil, err
	}
	cfg, err := parseProps(data)
	if err != nil {
		return nil, err
	}
	return buildProfile(id, classID, cfg, r.rules, r.auth)
}

// lockID returns the per-profile commit mutex, creating it on first use.
func (r *Registry) lockID(id string) *sync.Mutex {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	m, ok := r.ids[id]
	if !ok {
		m = &sync.Mutex{}
		r.ids[id] = m
	}
	return m
}

// Get returns the published profile for id.
func (r *Registry) Get(id string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// IDs returns the published profile ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Create instantiates a profile of the given class, initializes it fully
// against a fresh (or pre-existing) durable config, and only then inserts
// it into the published map. On any initialization failure the map and
// the catalog are left unchanged and the error is surfaced.
func (r *Registry) Create(id, classID string) (*Profile, error) {
	mu := r.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	_, exists := r.profiles[id]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("profile %s already exists", id)
	}

	factory, err := r.classes.Lookup(classID)
	if err != nil {
		return nil, err
	}

	cfg := factory()
	if _, err := r.store.Get(r.section(), r.configKey(id)); errors.Is(err, storage.ErrNotFound) {
		if err := r.store.Put(r.section(), r.configKey(id), renderProps(cfg)); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	p, err := r.rebuild(id, classID)
	if err != nil {
		return nil, err
	}

	ids, err := r.listIDs()
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)
	err = r.store.Batch(func(tx storage.BatchTx) error {
		if err := tx.Put(r.section(), "list", []byte(strings.Join(ids, ","))); err != nil {
			return err
		}
		return tx.Put(r.section(), id+".class_id", []byte(classID))
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.profiles[id] = p
	r.classIDs[id] = classID
	r.mu.Unlock()

	r.logger.Info("profile created", "profile_id", id, "class_id", classID)
	return p, nil
}

// Commit rebuilds the profile for id from its current durable config into
// a new object and atomically replaces the single published entry.
// In-flight readers holding the old object never observe a half-updated
// profile. Commits of different ids proceed concurrently.
func (r *Registry) Commit(id string) error {
	mu := r.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	classID, ok := r.classIDs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}

	p, err := r.rebuild(id, classID)
	if err != nil {
		return fmt.Errorf("committing profile %s: %w", id, err)
	}

	r.mu.Lock()
	r.profiles[id] = p
	r.mu.Unlock()

	r.logger.Info("profile committed", "profile_id", id)
	return nil
}

// Config returns the profile's current durable config.
func (r *Registry) Config(id string) (map[string]string, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	data, err := r.store.Get(r.section(), r.configKey(id))
	if err != nil {
		return nil, err
	}
	return parseProps(data)
}

// SetConfig replaces the profile's durable config. The published profile
// is unchanged until Commit.
func (r *Registry) SetConfig(id string, cfg map[string]string) error {
	mu := r.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := r.Get(id); err != nil {
		return err
	}
	return r.store.Put(r.section(), r.configKey(id), renderProps(cfg))
}

// Enable marks the profile as accepting submissions, recording the actor,
// and republishes. The chain structure is unaffected.
func (r *Registry) Enable(id, actor string) error {
	return r.setEnabled(id, true, actor)
}

// Disable stops the profile from accepting submissions and republishes.
func (r *Registry) Disable(id string) error {
	return r.setEnabled(id, false, "")
}

func (r *Registry) setEnabled(id string, enabled bool, actor string) error {
	mu := r.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	classID, ok := r.classIDs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}

	data, err := r.store.Get(r.section(), r.configKey(id))
	if err != nil {
		return err
	}
	cfg, err := parseProps(data)
	if err != nil {
		return err
	}
	if enabled {
		cfg["enable"] = "true"
		cfg["enabledBy"] = actor
	} else {
		cfg["enable"] = "false"
		delete(cfg, "enabledBy")
	}
	if err := r.store.Put(r.section(), r.configKey(id), renderProps(cfg)); err != nil {
		return err
	}

	p, err := buildProfile(id, classID, cfg, r.rules, r.auth)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.profiles[id] = p
	r.mu.Unlock()

	r.logger.Info("profile toggled", "profile_id", id, "enabled", enabled, "actor", actor)
	return nil
}

// Delete removes a disabled profile: its catalog entries, its durable
// config artifact, and the published entry. An enabled profile cannot be
// deleted.
func (r *Registry) Delete(id string) error {
	mu := r.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := r.Get(id)
	if err != nil {
		return err
	}
	if p.Enabled() {
		return fmt.Errorf("profile %s: %w", id, ErrProfileInUse)
	}

	ids, err := r.listIDs()
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(ids))
	for _, other := range ids {
		if other != id {
			kept = append(kept, other)
		}
	}
	err = r.store.Batch(func(tx storage.BatchTx) error {
		if err := tx.Put(r.section(), "list", []byte(strings.Join(kept, ","))); err != nil {
			return err
		}
		if err := tx.Delete(r.section(), id+".class_id"); err != nil {
			return err
		}
		return tx.Delete(r.section(), r.configKey(id))
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.profiles, id)
	delete(r.classIDs, id)
	r.mu.Unlock()

	r.logger.Info("profile deleted", "profile_id", id)
	return nil
}
