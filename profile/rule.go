// Package profile provides the policy pipeline that authenticates,
// validates, and populates certificate requests, and the registry that
// publishes profiles atomically.
package profile

import (
	"errors"
	"fmt"

	"github.com/jmcleod/certforge/request"
)

var (
	// ErrNotFound is returned when no profile exists for the given id.
	ErrNotFound = errors.New("profile not found")

	// ErrProfileInUse is returned when deleting a profile that is still
	// enabled.
	ErrProfileInUse = errors.New("profile is enabled and in use")

	// ErrUnknownClass is returned when a class id has no registered
	// factory. This is a configuration error, not a per-request error.
	ErrUnknownClass = errors.New("unknown plugin class")

	// ErrUnauthorized is returned when the profile's authenticator rejects
	// the caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMissingInput is returned when a required submission value is
	// absent.
	ErrMissingInput = errors.New("missing required input")
)

// Kind distinguishes the two rule variants. Defaults populate request
// attributes; Constraints validate and must not mutate.
type Kind int

const (
	KindDefault Kind = iota
	KindConstraint
)

func (k Kind) String() string {
	if k == KindDefault {
		return "default"
	}
	return "constraint"
}

// OutcomeCode classifies a rule evaluation result.
type OutcomeCode int

const (
	// OutcomeAccepted means the rule passed (or populated) cleanly.
	OutcomeAccepted OutcomeCode = iota
	// OutcomeRejected means one or more sub-items violated the rule. The
	// violations are recorded on the request as data, never thrown.
	OutcomeRejected
	// OutcomeInternal means the rule hit an unexpected internal failure.
	// The chain aborts immediately.
	OutcomeInternal
)

// Outcome is the result of applying one rule to a request.
type Outcome struct {
	Code   OutcomeCode
	RuleID string
	Reason string
	Err    error
}

// Accepted returns a passing outcome.
func Accepted() Outcome {
	return Outcome{Code: OutcomeAccepted}
}

// Rejected returns a violation outcome for the named rule.
func Rejected(ruleID, reason string) Outcome {
	return Outcome{Code: OutcomeRejected, RuleID: ruleID, Reason: reason}
}

// Internal returns an unexpected-failure outcome for the named rule.
func Internal(ruleID string, err error) Outcome {
	return Outcome{Code: OutcomeInternal, RuleID: ruleID, Reason: err.Error(), Err: err}
}

// Rule is a single named validation/population unit.
type Rule interface {
	ID() string
	Kind() Kind
	// Init binds configuration. Called once before the rule joins a chain.
	Init(cfg map[string]string) error
	// Apply evaluates the rule against the request. Rules over requests
	// carrying multiple sub-items evaluate each sub-item independently,
	// record a violation per failing sub-item via
	// request.AddPolicyError, and return a Rejected aggregate when any
	// sub-item failed.
	Apply(req *request.Request) Outcome
}

// Chain is an ordered policy pipeline. All Defaults execute in declared
// order, then all Constraints in declared order, regardless of how they
// interleave in the declaration.
type Chain struct {
	rules []Rule
}

// NewChain builds a chain over the declared rule order.
func NewChain(rules ...Rule) *Chain {
	return &Chain{rules: append([]Rule(nil), rules...)}
}

// Rules returns the declared rule order.
func (c *Chain) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Apply runs the chain. A Default returning an internal failure aborts
// immediately. Constraint violations are recorded on the request and do
// not stop evaluation of subsequent constraints or sub-items; the
// aggregate outcome is Rejected when any constraint failed.
func (c *Chain) Apply(req *request.Request) Outcome {
	for _, r := range c.rules {
		if r.Kind() != KindDefault {
			continue
		}
		out := r.Apply(req)
		switch out.Code {
		case OutcomeInternal:
			return out
		case OutcomeRejected:
			// Defaults normally populate rather than reject, but a
			// default that cannot compute its value reports it the same
			// way a constraint does.
			return out
		}
	}

	rejected := Outcome{}
	sawRejection := false
	for _, r := range c.rules {
		if r.Kind() != KindConstraint {
			continue
		}
		out := r.Apply(req)
		switch out.Code {
		case OutcomeInternal:
			return out
		case OutcomeRejected:
			if !sawRejection {
				rejected = out
				sawRejection = true
			}
		}
	}
	if sawRejection {
		return rejected
	}
	return Accepted()
}

// requireConfig fetches a mandatory rule configuration key.
func requireConfig(cfg map[string]string, key string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == "" {
		return "", fmt.Errorf("rule configuration missing %q", key)
	}
	return v, nil
}
