// Package engine wires the issuance subsystem together: storage, the
// profile registry, the request queue, and the connector manager all hang
// off one explicit Engine passed into every component, with no ambient
// global lookup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmcleod/certforge/connector"
	"github.com/jmcleod/certforge/profile"
	"github.com/jmcleod/certforge/request"
	"github.com/jmcleod/certforge/storage"
)

var (
	// ErrProfileDisabled is returned when submitting through a profile
	// that is not enabled.
	ErrProfileDisabled = errors.New("profile is disabled")
)

// KRAConnectorID is the connector id used for key archival and recovery
// operations.
const KRAConnectorID = "KRA"

// SigningUnit is the capability that turns an approved request into a
// signed certificate. Encoding and signing primitives live behind it.
type SigningUnit interface {
	// Sign populates the request's certificate attributes (cert.pem).
	Sign(ctx context.Context, req *request.Request) error
}

// Engine owns the issuance subsystem's collaborators.
type Engine struct {
	store      storage.Store
	queue      *request.Queue
	profiles   *profile.Registry
	connectors *connector.Manager
	auth       *profile.AuthenticatorRegistry
	classes    *profile.ClassRegistry
	signer     SigningUnit
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*config)

type config struct {
	logger *slog.Logger
	signer SigningUnit
	scope  string
}

// WithLogger sets the structured logger shared by the engine's
// components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithSigningUnit injects the signing capability.
func WithSigningUnit(s SigningUnit) Option {
	return func(c *config) { c.signer = s }
}

// WithScope overrides the profile config scope (default "ca").
func WithScope(scope string) Option {
	return func(c *config) { c.scope = scope }
}

// New builds an Engine over the given store, registering the embedded
// profile classes and loading any persisted profiles and connectors.
func New(store storage.Store, opts ...Option) (*Engine, error) {
	cfg := &config{scope: "ca"}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	classes := profile.NewClassRegistry()
	if err := profile.RegisterDefaultClasses(classes); err != nil {
		return nil, fmt.Errorf("registering profile classes: %w", err)
	}
	auth := profile.NewAuthenticatorRegistry()

	profiles, err := profile.NewRegistry(store, cfg.scope, classes, auth,
		profile.WithRegistryLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("loading profile registry: %w", err)
	}
	connectors, err := connector.NewManager(store,
		connector.WithManagerLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("loading connector manager: %w", err)
	}

	return &Engine{
		store:      store,
		queue:      request.NewQueue(store, request.WithLogger(cfg.logger)),
		profiles:   profiles,
		connectors: connectors,
		auth:       auth,
		classes:    classes,
		signer:     cfg.signer,
		logger:     cfg.logger.With("component", "engine"),
	}, nil
}

// Queue returns the request queue.
func (e *Engine) Queue() *request.Queue { return e.queue }

// Profiles returns the profile registry.
func (e *Engine) Profiles() *profile.Registry { return e.profiles }

// Connectors returns the connector manager.
func (e *Engine) Connectors() *connector.Manager { return e.connectors }

// Authenticators returns the authenticator registry.
func (e *Engine) Authenticators() *profile.AuthenticatorRegistry { return e.auth }

// Classes returns the profile class registry.
func (e *Engine) Classes() *profile.ClassRegistry { return e.classes }

// SubmitResult is what a submission returns to the caller. Outputs may
// carry single-delivery secrets: this is their one delivery, and the
// persisted request no longer holds them.
type SubmitResult struct {
	RequestID    request.ID
	Status       request.Status
	Outputs      map[string]string
	PolicyErrors []request.PolicyError
}

// Submit runs a certificate operation through a profile: authenticate,
// populate, validate, persist, and — unless the profile queues for manual
// approval — drive the request to completion including any peer connector
// round trip.
func (e *Engine) Submit(ctx context.Context, profileID string, token profile.AuthToken, params map[string]string) (*SubmitResult, error) {
	p, err := e.profiles.Get(profileID)
	if err != nil {
		return nil, err
	}
	if !p.Enabled() {
		return nil, fmt.Errorf("profile %s: %w", profileID, ErrProfileDisabled)
	}

	req, err := e.queue.NewRequest(ctx, p.RequestType())
	if err != nil {
		return nil, err
	}

	outcome, err := p.Populate(ctx, token, params, req)
	if errors.Is(err, profile.ErrUnauthorized) {
		if err := e.queue.Submit(ctx, req); err != nil {
			return nil, err
		}
		if err := e.queue.Reject(ctx, req); err != nil {
			return nil, err
		}
		return e.result(p, req), nil
	}
	if err != nil {
		return nil, err
	}

	if err := e.queue.Submit(ctx, req); err != nil {
		return nil, err
	}

	if outcome.Code != profile.OutcomeAccepted {
		if outcome.Code == profile.OutcomeInternal {
			e.logger.Error("policy chain aborted",
				"request_id", req.ID().String(), "rule_id", outcome.RuleID, "error", outcome.Reason)
		}
		if err := e.queue.Reject(ctx, req); err != nil {
			return nil, err
		}
		return e.result(p, req), nil
	}

	if p.ManualApproval() {
		return e.result(p, req), nil
	}

	if err := e.queue.Approve(ctx, req); err != nil {
		return nil, err
	}
	return e.complete(ctx, p, req)
}

// ApproveRequest drives a pending request to completion after an agent
// decision.
func (e *Engine) ApproveRequest(ctx context.Context, id request.ID) (*SubmitResult, error) {
	req, err := e.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := e.profiles.Get(req.Bag().GetString(request.KeyProfileID))
	if err != nil {
		return nil, err
	}
	// A request found already APPROVED is one whose completion tail
	// failed; approving it again re-drives the tail.
	if req.Status() != request.StatusApproved {
		if err := e.queue.Approve(ctx, req); err != nil {
			return nil, err
		}
	}
	return e.complete(ctx, p, req)
}

// RejectRequest rejects a pending request.
func (e *Engine) RejectRequest(ctx context.Context, id request.ID) error {
	req, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.queue.Reject(ctx, req)
}

// CancelRequest cancels a pending request.
func (e *Engine) CancelRequest(ctx context.Context, id request.ID) error {
	req, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.queue.Cancel(ctx, req)
}

// complete executes the approved operation: the peer key-generation round
// trip when the profile calls for it, then the signing unit, then the
// terminal transition. The whole tail runs in delayed-commit mode so
// single-delivery secrets merged from the peer are scrubbed before the
// one durable write.
func (e *Engine) complete(ctx context.Context, p *profile.Profile, req *request.Request) (*SubmitResult, error) {
	req.SetDelayedCommit(true)
	req.Bag().Delete(request.KeyError)

	if req.Bag().GetString(request.KeyArchive) == "true" {
		conn, err := e.connectors.Get(KRAConnectorID)
		if err != nil {
			return nil, e.fail(ctx, req, err)
		}
		params := connector.KeyGenParams{
			UserID:  req.Bag().GetString(request.ParamPrefix + "uid"),
			KeyType: req.Bag().GetString(request.CertInfoKey(0, request.CertFieldKeyAlgorithm)),
			KeySize: int(req.Bag().GetInt(request.CertInfoKey(0, request.CertFieldKeySize))),
			Curve:   req.Bag().GetString(request.CertInfoKey(0, request.CertFieldCurve)),
			Archive: true,
		}
		if err := conn.GenerateKey(ctx, req, params); err != nil {
			return nil, e.fail(ctx, req, err)
		}
	}

	if req.Type() == request.TypeRevocation {
		req.Bag().SetString(request.KeyRevokeStatus, "revoked")
	} else if e.signer != nil {
		if err := e.signer.Sign(ctx, req); err != nil {
			return nil, e.fail(ctx, req, err)
		}
	}

	if err := e.queue.Complete(ctx, req); err != nil {
		return nil, err
	}

	// Deliver once, then scrub before the single durable write.
	result := e.result(p, req)
	req.ScrubSecrets()
	if err := e.queue.Commit(ctx, req); err != nil {
		return nil, err
	}
	return result, nil
}

// fail records a completion failure on the request and persists it. The
// request stays APPROVED with the cause in its error attribute; a later
// ApproveRequest re-drives the tail. Any secrets merged before the failure
// are scrubbed so they never reach storage.
func (e *Engine) fail(ctx context.Context, req *request.Request, cause error) error {
	req.ScrubSecrets()
	req.Bag().SetString(request.KeyError, cause.Error())
	req.SetDelayedCommit(false)
	if err := e.queue.Update(context.WithoutCancel(ctx), req); err != nil {
		e.logger.Error("recording completion failure",
			"request_id", req.ID().String(), "error", err)
	}
	return cause
}

func (e *Engine) result(p *profile.Profile, req *request.Request) *SubmitResult {
	return &SubmitResult{
		RequestID:    req.ID(),
		Status:       req.Status(),
		Outputs:      p.RenderOutputs(req),
		PolicyErrors: req.PolicyErrors(),
	}
}
