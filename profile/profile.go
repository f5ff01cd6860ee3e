package profile

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jmcleod/certforge/request"
)

// AuthToken carries the caller's submitted credentials.
type AuthToken map[string]string

// Authenticator verifies a caller before any policy rule runs.
type Authenticator interface {
	ID() string
	// Authenticate returns the authenticated principal name, or an error
	// when the credentials are rejected.
	Authenticate(ctx context.Context, token AuthToken) (string, error)
}

// AuthenticatorRegistry resolves authenticators by id. A missing id is a
// configuration error, not a per-request error.
type AuthenticatorRegistry struct {
	mu sync.RWMutex
	m  map[string]Authenticator
}

// NewAuthenticatorRegistry creates an empty registry.
func NewAuthenticatorRegistry() *AuthenticatorRegistry {
	return &AuthenticatorRegistry{m: make(map[string]Authenticator)}
}

// Register adds an authenticator under its id.
func (r *AuthenticatorRegistry) Register(a Authenticator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[a.ID()] = a
}

// Lookup resolves an authenticator by id.
func (r *AuthenticatorRegistry) Lookup(id string) (Authenticator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[id]
	if !ok {
		return nil, fmt.Errorf("authenticator %q: %w", id, ErrUnknownClass)
	}
	return a, nil
}

// IDs returns the registered authenticator ids.
func (r *AuthenticatorRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	return ids
}

// Input describes one submitted value a profile extracts into the request
// bag.
type Input struct {
	// Name is the submission parameter name; the raw value lands under
	// request.ParamPrefix + Name.
	Name string
	// BagKey, when non-empty, additionally maps the value to a typed
	// well-known key (e.g. certinfo.0.keyAlgorithm).
	BagKey string
	// Int marks the value as an integer bag attribute.
	Int bool
	// Required rejects the submission when the value is absent.
	Required bool
}

// Output names a bag attribute returned to the caller after completion.
type Output struct {
	Name   string
	BagKey string
}

// Profile is an ordered pipeline bound to one request type:
// Authenticator (optional) -> Inputs -> Defaults -> Constraints ->
// Outputs. A Profile is either fully initialized or not published at all;
// the registry never exposes a partially built one.
type Profile struct {
	id          string
	classID     string
	requestType request.Type

	enabled        bool
	enabledBy      string
	manualApproval bool

	authenticatorID string
	inputs          []Input
	outputs         []Output
	chain           *Chain

	auth *AuthenticatorRegistry
}

// ID returns the profile id.
func (p *Profile) ID() string { return p.id }

// ClassID returns the plugin class the profile was instantiated from.
func (p *Profile) ClassID() string { return p.classID }

// RequestType returns the lifecycle operation this profile serves.
func (p *Profile) RequestType() request.Type { return p.requestType }

// Enabled reports whether the profile accepts submissions.
func (p *Profile) Enabled() bool { return p.enabled }

// EnabledBy returns the actor recorded by the last enable.
func (p *Profile) EnabledBy() string { return p.enabledBy }

// ManualApproval reports whether accepted requests queue for an agent
// decision instead of being driven straight to completion.
func (p *Profile) ManualApproval() bool { return p.manualApproval }

// AuthenticatorID returns the configured authenticator id, or "".
func (p *Profile) AuthenticatorID() string { return p.authenticatorID }

// Chain returns the policy chain.
func (p *Profile) Chain() *Chain { return p.chain }

// Authenticator resolves the profile's authenticator through the registry
// collaborator. A configured-but-unregistered id is a configuration
// error.
func (p *Profile) Authenticator() (Authenticator, error) {
	if p.authenticatorID == "" {
		return nil, nil
	}
	return p.auth.Lookup(p.authenticatorID)
}

// Populate authenticates the caller, extracts the submitted values into
// the request bag, and runs the policy chain. Authentication failure
// aborts before any rule runs and records an unauthorized policy error on
// the request; the returned error is ErrUnauthorized. Constraint
// violations are data on the request and surface through the returned
// Outcome, not through the error.
func (p *Profile) Populate(ctx context.Context, token AuthToken, params map[string]string, req *request.Request) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	if p.authenticatorID != "" {
		auth, err := p.auth.Lookup(p.authenticatorID)
		if err != nil {
			return Outcome{}, err
		}
		principal, err := auth.Authenticate(ctx, token)
		if err != nil {
			req.AddPolicyError(request.PolicyError{
				RuleID:  p.authenticatorID,
				Reason:  "authentication failed",
				SubItem: -1,
			})
			return Outcome{}, fmt.Errorf("profile %s: %w: %v", p.id, ErrUnauthorized, err)
		}
		req.Bag().SetString(request.ParamPrefix+"principal", principal)
	}

	bag := req.Bag()
	for _, in := range p.inputs {
		v, ok := params[in.Name]
		if !ok || v == "" {
			if in.Required {
				return Outcome{}, fmt.Errorf("profile %s: input %q: %w", p.id, in.Name, ErrMissingInput)
			}
			continue
		}
		bag.SetString(request.ParamPrefix+in.Name, v)
		if in.BagKey == "" {
			continue
		}
		if in.Int {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Outcome{}, fmt.Errorf("profile %s: input %q is not an integer: %w", p.id, in.Name, ErrMissingInput)
			}
			bag.SetInt(in.BagKey, n)
		} else {
			bag.SetString(in.BagKey, v)
		}
	}
	if bag.GetInt(request.KeyCertInfoCount) == 0 {
		bag.SetInt(request.KeyCertInfoCount, 1)
	}
	bag.SetString(request.KeyProfileID, p.id)

	return p.chain.Apply(req), nil
}

// RenderOutputs extracts the profile's declared output attributes from a
// request for delivery to the caller.
func (p *Profile) RenderOutputs(req *request.Request) map[string]string {
	out := make(map[string]string, len(p.outputs))
	for _, o := range p.outputs {
		if v, ok := req.Bag().Get(o.BagKey); ok {
			out[o.Name] = v.AsString()
		}
	}
	return out
}
