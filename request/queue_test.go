package request

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certforge/storage"
	"github.com/jmcleod/certforge/storage/memory"
)

// failPutStore fails every Put while leaving the sequence untouched, to
// model a persist failure after the id has durably advanced.
type failPutStore struct {
	storage.Store
	failing bool
}

var errDiskFull = errors.New("disk full")

func (s *failPutStore) Put(section, key string, value []byte) error {
	if s.failing {
		return errDiskFull
	}
	return s.Store.Put(section, key, value)
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(memory.NewStore())
}

func TestQueue_NewRequest(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	req, err := q.NewRequest(ctx, TypeEnrollment)
	require.NoError(t, err)
	assert.Equal(t, ID(1), req.ID())
	assert.Equal(t, StatusBegin, req.Status())
	assert.Equal(t, TypeEnrollment, req.Type())

	// A fresh request is already durable.
	stored, err := q.Get(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusBegin, stored.Status())
}

func TestQueue_ConcurrentIDsUnique(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	const n = 64
	ids := make(chan ID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := q.NewRequest(ctx, TypeEnrollment)
			assert.NoError(t, err)
			ids <- req.ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ID]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "id %s assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestQueue_BurnedIDNeverReassigned(t *testing.T) {
	ctx := t.Context()
	store := &failPutStore{Store: memory.NewStore()}
	q := NewQueue(store)

	req, err := q.NewRequest(ctx, TypeEnrollment)
	require.NoError(t, err)
	assert.Equal(t, ID(1), req.ID())

	store.failing = true
	_, err = q.NewRequest(ctx, TypeEnrollment)
	require.ErrorIs(t, err, errDiskFull)

	// Id 2 was burned by the failed persist; the next request gets 3.
	store.failing = false
	req3, err := q.NewRequest(ctx, TypeEnrollment)
	require.NoError(t, err)
	assert.Equal(t, ID(3), req3.ID())
}

func TestQueue_GetNotFound(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Get(t.Context(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_List(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	for i := 0; i < 3; i++ {
		_, err := q.NewRequest(ctx, TypeEnrollment)
		require.NoError(t, err)
	}

	ids, err := q.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ID{1, 2, 3}, ids)
}

func TestQueue_Lifecycle(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	req, err := q.NewRequest(ctx, TypeEnrollment)
	require.NoError(t, err)

	require.NoError(t, q.Submit(ctx, req))
	assert.Equal(t, StatusPending, req.Status())

	require.NoError(t, q.Approve(ctx, req))
	require.NoError(t, q.Complete(ctx, req))
	assert.Equal(t, StatusComplete, req.Status())

	stored, err := q.Get(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, stored.Status())
}

func TestQueue_IllegalTransitions(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	req, err := q.NewRequest(ctx, TypeEnrollment)
	require.NoError(t, err)

	// Approval requires PENDING.
	err = q.Approve(ctx, req)
	require.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, q.Submit(ctx, req))
	require.NoError(t, q.Reject(ctx, req))

	// Rejected is terminal.
	err = q.Cancel(ctx, req)
	require.ErrorIs(t, err, ErrIllegalTransition)
	err = q.Submit(ctx, req)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestQueue_TerminalImmutable(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	req, err := q.NewRequest(ctx, TypeEnrollment)
	require.NoError(t, err)
	req.Bag().SetString("subject", "uid=carol")
	require.NoError(t, q.Submit(ctx, req))
	require.NoError(t, q.Approve(ctx, req))
	require.NoError(t, q.Complete(ctx, req))

	// Changing an ordinary attribute after COMPLETE is refused.
	req.Bag().SetString("subject", "uid=mallory")
	err = q.Update(ctx, req)
	require.ErrorIs(t, err, ErrRequestImmutable)

	// Adding a new attribute is refused too.
	req.Bag().SetString("subject", "uid=carol")
	req.Bag().SetString("extra", "x")
	err = q.Update(ctx, req)
	require.ErrorIs(t, err, ErrRequestImmutable)
}

func TestQueue_TerminalScrubAllowed(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	req, err := q.NewRequest(ctx, TypeEnrollment)
	require.NoError(t, err)
	req.Bag().SetString("subject", "uid=dana")
	req.Bag().SetBytes("keygen.wrappedPrivateKey", []byte("sealed"))
	req.MarkSecret("keygen.wrappedPrivateKey")

	require.NoError(t, q.Submit(ctx, req))
	require.NoError(t, q.Approve(ctx, req))
	require.NoError(t, q.Complete(ctx, req))

	// Scrubbing tagged secrets is the one permitted terminal mutation.
	req.ScrubSecrets()
	require.NoError(t, q.Update(ctx, req))

	stored, err := q.Get(ctx, req.ID())
	require.NoError(t, err)
	_, ok := stored.Bag().Get("keygen.wrappedPrivateKey")
	assert.False(t, ok)
	assert.Equal(t, "uid=dana", stored.Bag().GetString("subject"))
}

func TestQueue_DelayedCommit(t *testing.T) {
	ctx := t.Context()
	q := newTestQueue(t)

	req, err := q.NewRequest(ctx, TypeEnrollment)
	require.NoError(t, err)
	require.NoError(t, q.Submit(ctx, req))
	require.NoError(t, q.Approve(ctx, req))

	req.SetDelayedCommit(true)
	req.Bag().SetBytes("keygen.wrappedPrivateKey", []byte("sealed"))
	req.MarkSecret("keygen.wrappedPrivateKey")
	require.NoError(t, q.Update(ctx, req))
	require.NoError(t, q.Complete(ctx, req))

	// Nothing written yet: the store still holds the APPROVED form.
	stored, err := q.Get(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status())
	_, ok := stored.Bag().Get("keygen.wrappedPrivateKey")
	assert.False(t, ok)

	// Scrub then commit: the secret never reaches storage.
	req.ScrubSecrets()
	require.NoError(t, q.Commit(ctx, req))

	stored, err = q.Get(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, stored.Status())
	_, ok = stored.Bag().Get("keygen.wrappedPrivateKey")
	assert.False(t, ok)
}
