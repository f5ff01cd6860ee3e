package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/certforge/attr"
	"github.com/jmcleod/certforge/storage"
)

const (
	requestSection = "requests"
	sequenceName   = "request-id"
)

// Queue owns request identity assignment, persistence, and status
// transition dispatch. All submitting goroutines share one Queue.
type Queue struct {
	store  storage.Store
	logger *slog.Logger

	// seqMu serializes id assignment: NextSequence is atomic on its own,
	// but holding the mutex keeps the assignment-and-first-persist window
	// from interleaving in ways that would reorder audit timestamps.
	seqMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  []Listener

	now func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets the structured logger used for listener dispatch and
// queue diagnostics. If not set, a default JSON logger writing to stderr
// is used.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger.With("component", "request-queue")
	}
}

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates a Queue over the given store.
func NewQueue(store storage.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "request-queue")
	}
	return q
}

// NewRequest assigns the next id from the durable sequence and persists a
// fresh request in BEGIN. The sequence advance and the id assignment are
// one atomic unit: if the initial persist fails the id is burned, never
// reassigned to another request.
func (q *Queue) NewRequest(ctx context.Context, typ Type) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.seqMu.Lock()
	defer q.seqMu.Unlock()

	next, err := q.store.NextSequence(sequenceName)
	if err != nil {
		return nil, fmt.Errorf("assigning request id: %w", err)
	}
	req := newRequest(ID(next), typ, q.now().UTC())
	if err := q.persist(req); err != nil {
		// The sequence has advanced durably; the id is burned.
		return nil, fmt.Errorf("persisting request %s: %w", req.id, err)
	}
	return req, nil
}

// Get loads a request by id.
func (q *Queue) Get(ctx context.Context, id ID) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := q.store.Get(requestSection, id.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalRequest(data)
}

// List returns the ids of all persisted requests. Requests are never
// deleted; terminal states are retained for audit.
func (q *Queue) List(ctx context.Context) ([]ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := q.store.List(requestSection)
	if err != nil {
		return nil, err
	}
	ids := make([]ID, 0, len(keys))
	for _, k := range keys {
		var n uint64
		if _, err := fmt.Sscanf(k, "%d", &n); err != nil {
			continue
		}
		ids = append(ids, ID(n))
	}
	return ids, nil
}

// Update persists the request's current bag and status. In delayed-commit
// mode the write is skipped; the caller finishes with Commit after all
// in-memory mutations (secret scrubbing included) are done.
//
// A terminal request admits exactly one kind of change: single-delivery
// secret fields disappearing from the bag. Anything else fails with
// ErrRequestImmutable.
func (q *Queue) Update(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.delayedCommit {
		return nil
	}
	return q.commit(req)
}

// Commit ends delayed-commit mode and performs the single durable write.
func (q *Queue) Commit(ctx context.Context, req *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req.delayedCommit = false
	return q.commit(req)
}

func (q *Queue) commit(req *Request) error {
	stored, err := q.Get(context.Background(), req.id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if stored != nil && stored.Status().Terminal() {
		if err := checkScrubOnly(stored, req); err != nil {
			return err
		}
	}
	return q.persist(req)
}

// checkScrubOnly verifies that the only differences between the stored
// terminal request and the update are tagged secret fields being emptied
// or removed.
func checkScrubOnly(stored, updated *Request) error {
	if stored.Status() != updated.Status() {
		return fmt.Errorf("request %s: status change after terminal state: %w", stored.id, ErrRequestImmutable)
	}
	secret := make(map[string]bool, len(stored.secretKeys))
	for _, k := range stored.secretKeys {
		secret[k] = true
	}
	for _, key := range stored.bag.Keys() {
		old, _ := stored.bag.Get(key)
		cur, ok := updated.bag.Get(key)
		if !ok {
			if secret[key] {
				continue
			}
			return fmt.Errorf("request %s: attribute %q removed after terminal state: %w", stored.id, key, ErrRequestImmutable)
		}
		if !sameValue(old, cur) {
			// Zeroed-but-not-yet-deleted secrets are the mid-scrub form.
			if secret[key] && emptyValue(cur) {
				continue
			}
			return fmt.Errorf("request %s: attribute %q changed after terminal state: %w", stored.id, key, ErrRequestImmutable)
		}
	}
	for _, key := range updated.bag.Keys() {
		if _, ok := stored.bag.Get(key); !ok {
			return fmt.Errorf("request %s: attribute %q added after terminal state: %w", stored.id, key, ErrRequestImmutable)
		}
	}
	return nil
}

func emptyValue(v attr.Value) bool {
	switch v.Kind() {
	case attr.KindString:
		return v.AsString() == ""
	case attr.KindBytes:
		return len(v.AsBytes()) == 0
	default:
		return false
	}
}

func sameValue(a, b attr.Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case attr.KindString:
		return a.AsString() == b.AsString()
	case attr.KindBytes:
		return bytes.Equal(a.AsBytes(), b.AsBytes())
	case attr.KindInt:
		return a.AsInt() == b.AsInt()
	case attr.KindCert:
		ac, bc := a.AsCert(), b.AsCert()
		if ac == nil || bc == nil {
			return ac == bc
		}
		return bytes.Equal(ac.Raw, bc.Raw)
	case attr.KindCertList:
		al, bl := a.AsCertList(), b.AsCertList()
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !bytes.Equal(al[i].Raw, bl[i].Raw) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (q *Queue) persist(req *Request) error {
	req.lastModified = q.now().UTC()
	data, err := req.marshal()
	if err != nil {
		return err
	}
	return q.store.Put(requestSection, req.id.String(), data)
}

// Submit moves a request from BEGIN to PENDING, persists, and dispatches
// listeners. Every request passes through PENDING before any terminal
// status.
func (q *Queue) Submit(ctx context.Context, req *Request) error {
	return q.transition(ctx, req, StatusPending)
}

// Approve moves a PENDING request to APPROVED.
func (q *Queue) Approve(ctx context.Context, req *Request) error {
	return q.transition(ctx, req, StatusApproved)
}

// Reject moves a PENDING request to REJECTED.
func (q *Queue) Reject(ctx context.Context, req *Request) error {
	return q.transition(ctx, req, StatusRejected)
}

// Cancel moves a PENDING request to CANCELED. There is no cancellation of
// an in-flight connector call; the call completes, times out, or fails on
// its own.
func (q *Queue) Cancel(ctx context.Context, req *Request) error {
	return q.transition(ctx, req, StatusCanceled)
}

// Complete moves an APPROVED request to COMPLETE.
func (q *Queue) Complete(ctx context.Context, req *Request) error {
	return q.transition(ctx, req, StatusComplete)
}

func (q *Queue) transition(ctx context.Context, req *Request, next Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.setStatus(next); err != nil {
		return err
	}
	if !req.delayedCommit {
		if err := q.persist(req); err != nil {
			return err
		}
	}
	q.dispatch(ctx, req)
	return nil
}
