// Package request provides the durable unit of work for certificate
// lifecycle operations and the queue that owns its identity, persistence,
// and status transitions.
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/certforge/attr"
)

var (
	// ErrIllegalTransition is returned when a status change violates the
	// request lifecycle DAG.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrRequestImmutable is returned when a terminal request is mutated
	// beyond the single-delivery secret scrub.
	ErrRequestImmutable = errors.New("request is terminal and immutable")

	// ErrNotFound is returned when no request exists for the given id.
	ErrNotFound = errors.New("request not found")
)

// ID is a globally unique, monotonically assigned request identifier. IDs
// are never reused, including after a failed or aborted commit.
type ID uint64

func (id ID) String() string { return fmt.Sprintf("%d", uint64(id)) }

// Type identifies the certificate lifecycle operation a request performs.
type Type string

const (
	TypeEnrollment  Type = "enrollment"
	TypeRenewal     Type = "renewal"
	TypeRevocation  Type = "revocation"
	TypeKeyArchival Type = "keyarchival"
	TypeKeyRecovery Type = "keyrecovery"
)

// Status is the request lifecycle state.
type Status string

const (
	StatusBegin    Status = "BEGIN"
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusCanceled Status = "CANCELED"
	StatusComplete Status = "COMPLETE"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCanceled || s == StatusComplete
}

// CanTransition reports whether the lifecycle DAG permits moving from s to
// next. Every path passes through PENDING; COMPLETE is reachable only from
// APPROVED.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusBegin:
		return next == StatusPending
	case StatusPending:
		return next == StatusApproved || next == StatusRejected || next == StatusCanceled
	case StatusApproved:
		return next == StatusComplete
	default:
		return false
	}
}

// PolicyError records one policy constraint violation on a request. These
// are data, not control flow: they terminate the request's progress but
// never propagate as thrown errors.
type PolicyError struct {
	RuleID  string `json:"rule_id"`
	Reason  string `json:"reason"`
	SubItem int    `json:"sub_item"` // -1 when not tied to a sub-item
}

func (e PolicyError) Error() string {
	if e.SubItem >= 0 {
		return fmt.Sprintf("%s[%d]: %s", e.RuleID, e.SubItem, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.RuleID, e.Reason)
}

// Request is the unit of work: identity, type, status, attribute bag, and
// audit fields. A Request is owned by its Queue for its entire life and is
// processed by exactly one goroutine at a time.
type Request struct {
	id           ID
	typ          Type
	status       Status
	bag          *attr.Bag
	policyErrors []PolicyError
	secretKeys   []string
	createdAt    time.Time
	lastModified time.Time

	delayedCommit bool
}

// newRequest constructs a fresh request in BEGIN. Only the Queue creates
// requests.
func newRequest(id ID, typ Type, now time.Time) *Request {
	return &Request{
		id:           id,
		typ:          typ,
		status:       StatusBegin,
		bag:          attr.NewBag(),
		createdAt:    now,
		lastModified: now,
	}
}

// ID returns the request identifier.
func (r *Request) ID() ID { return r.id }

// Type returns the lifecycle operation type.
func (r *Request) Type() Type { return r.typ }

// Status returns the current lifecycle status.
func (r *Request) Status() Status { return r.status }

// Bag returns the request's attribute bag. Mutations are visible
// immediately to the holder; durability happens on Queue.Update.
func (r *Request) Bag() *attr.Bag { return r.bag }

// CreatedAt returns the creation timestamp.
func (r *Request) CreatedAt() time.Time { return r.createdAt }

// LastModified returns the last persistence timestamp.
func (r *Request) LastModified() time.Time { return r.lastModified }

// PolicyErrors returns the recorded constraint violations.
func (r *Request) PolicyErrors() []PolicyError {
	return append([]PolicyError(nil), r.policyErrors...)
}

// AddPolicyError records a constraint violation on the request.
func (r *Request) AddPolicyError(e PolicyError) {
	r.policyErrors = append(r.policyErrors, e)
}

// MarkSecret tags a bag key as a single-delivery secret: it may be
// overwritten and deleted after one delivery to the caller, even once the
// request is terminal. This is the only sanctioned mutation of a terminal
// request.
func (r *Request) MarkSecret(key string) {
	for _, k := range r.secretKeys {
		if k == key {
			return
		}
	}
	r.secretKeys = append(r.secretKeys, key)
}

// SecretKeys returns the keys tagged as single-delivery secrets.
func (r *Request) SecretKeys() []string {
	return append([]string(nil), r.secretKeys...)
}

// ScrubSecrets overwrites every tagged secret with an empty value and then
// deletes it from the bag. Callers run this before the final commit so the
// material never reaches durable storage.
func (r *Request) ScrubSecrets() {
	for _, key := range r.secretKeys {
		if v, ok := r.bag.Get(key); ok {
			switch v.Kind() {
			case attr.KindBytes:
				r.bag.SetBytes(key, nil)
			default:
				r.bag.SetString(key, "")
			}
			r.bag.Delete(key)
		}
	}
}

// setStatus applies a transition, enforcing the lifecycle DAG.
func (r *Request) setStatus(next Status) error {
	if !r.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (request %s)", ErrIllegalTransition, r.status, next, r.id)
	}
	r.status = next
	return nil
}

// SetDelayedCommit toggles delayed-commit mode: while set, Queue.Update
// buffers in memory and only Queue.Commit performs the durable write. This
// exists so secret fields scrubbed between mutations are never written to
// storage, even transiently.
func (r *Request) SetDelayedCommit(delayed bool) {
	r.delayedCommit = delayed
}

// DelayedCommit reports whether delayed-commit mode is active.
func (r *Request) DelayedCommit() bool { return r.delayedCommit }

// record is the persisted JSON form of a Request.
type record struct {
	ID           ID            `json:"id"`
	Type         Type          `json:"type"`
	Status       Status        `json:"status"`
	Bag          *attr.Bag     `json:"bag"`
	PolicyErrors []PolicyError `json:"policy_errors,omitempty"`
	SecretKeys   []string      `json:"secret_keys,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastModified time.Time     `json:"last_modified"`
}

func (r *Request) marshal() ([]byte, error) {
	return json.Marshal(record{
		ID:           r.id,
		Type:         r.typ,
		Status:       r.status,
		Bag:          r.bag,
		PolicyErrors: r.policyErrors,
		SecretKeys:   r.secretKeys,
		CreatedAt:    r.createdAt,
		LastModified: r.lastModified,
	})
}

func unmarshalRequest(data []byte) (*Request, error) {
	rec := record{Bag: attr.NewBag()}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &Request{
		id:           rec.ID,
		typ:          rec.Type,
		status:       rec.Status,
		bag:          rec.Bag,
		policyErrors: rec.PolicyErrors,
		secretKeys:   rec.SecretKeys,
		createdAt:    rec.CreatedAt,
		lastModified: rec.LastModified,
	}, nil
}
