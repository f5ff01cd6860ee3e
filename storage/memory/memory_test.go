package memory

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/jmcleod/certforge/storage"
)

func TestMemoryStore(t *testing.T) {
	s := NewStore()

	t.Run("PutAndGet", func(t *testing.T) {
		if err := s.Put("requests", "1", []byte("payload")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := s.Get("requests", "1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, []byte("payload")) {
			t.Errorf("Get returned %q, want %q", got, "payload")
		}

		// Returned slices must be isolated from the stored copy.
		got[0] = 'X'
		got2, _ := s.Get("requests", "1")
		if got2[0] == 'X' {
			t.Error("memory store should return copies of values")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := s.Get("requests", "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = s.Get("no-such-section", "1")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for absent section, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		s.Put("profiles/ca", "a.cfg", []byte("a"))
		s.Put("profiles/ca", "b.cfg", []byte("b"))

		keys, err := s.List("profiles/ca")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 2 {
			t.Errorf("expected 2 keys, got %d", len(keys))
		}

		keys, err = s.List("empty-section")
		if err != nil {
			t.Fatalf("List of empty section failed: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("expected no keys, got %v", keys)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s.Put("requests", "gone", []byte("x"))
		if err := s.Delete("requests", "gone"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get("requests", "gone"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete("requests", "gone"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound on double delete, got %v", err)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		err := s.Batch(func(tx storage.BatchTx) error {
			if err := tx.Put("connectors", "KRA", []byte("cfg")); err != nil {
				return err
			}
			return tx.Put("connectors", "list", []byte("KRA"))
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := s.Get("connectors", "KRA"); err != nil {
			t.Errorf("batched record missing: %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Batch(func(tx storage.BatchTx) error {
			tx.Put("connectors", "TKS", []byte("cfg"))
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected batch error, got %v", err)
		}
		if _, err := s.Get("connectors", "TKS"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("failed batch must not leave partial writes, got %v", err)
		}
	})
}

func TestMemoryStore_NextSequence(t *testing.T) {
	s := NewStore()

	for want := uint64(1); want <= 3; want++ {
		got, err := s.NextSequence("request-id")
		if err != nil {
			t.Fatalf("NextSequence failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	// Independent names advance independently.
	got, err := s.NextSequence("other")
	if err != nil {
		t.Fatalf("NextSequence failed: %v", err)
	}
	if got != 1 {
		t.Errorf("expected 1 for fresh sequence, got %d", got)
	}
}

func TestMemoryStore_NextSequenceConcurrent(t *testing.T) {
	s := NewStore()
	const n = 100

	results := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.NextSequence("seq")
			if err != nil {
				t.Errorf("NextSequence failed: %v", err)
				return
			}
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool, n)
	for v := range results {
		if seen[v] {
			t.Fatalf("value %d handed out twice", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d unique values, got %d", n, len(seen))
	}
}

func TestMemoryStore_SectionIsolation(t *testing.T) {
	s := NewStore()
	s.Put("a", "k", []byte("in-a"))
	s.Put("b", "k", []byte("in-b"))

	for _, tc := range []struct{ section, want string }{{"a", "in-a"}, {"b", "in-b"}} {
		got, err := s.Get(tc.section, "k")
		if err != nil {
			t.Fatalf("Get %s/k failed: %v", tc.section, err)
		}
		if string(got) != tc.want {
			t.Errorf("Get %s/k = %q, want %q", tc.section, got, tc.want)
		}
	}
}
