package condapply

import (
	"context"
	"sync"
	"testing"
)

type counter struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func TestApply_CreatesRecord(t *testing.T) {
	store := NewMemoryStore[counter]()
	ctx := context.Background()

	res, err := store.Apply(ctx, "c1", func(cur *counter) Decision[counter] {
		if cur != nil {
			t.Fatal("expected nil current for absent record")
		}
		return Write(&counter{Name: "c1", Count: 1})
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Committed {
		t.Fatal("expected commit")
	}

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Count != 1 {
		t.Fatalf("expected count 1, got %+v", got)
	}
}

func TestApply_AbortWritesNothing(t *testing.T) {
	store := NewMemoryStore[counter]()
	ctx := context.Background()

	_, err := store.Apply(ctx, "c1", func(cur *counter) Decision[counter] {
		return Write(&counter{Name: "c1", Count: 7})
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	res, err := store.Apply(ctx, "c1", func(cur *counter) Decision[counter] {
		return Abort[counter]()
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Committed {
		t.Fatal("abort must not commit")
	}
	if res.Value == nil || res.Value.Count != 7 {
		t.Fatalf("abort should surface the observed value, got %+v", res.Value)
	}

	got, _ := store.Get(ctx, "c1")
	if got.Count != 7 {
		t.Errorf("record mutated by aborted apply: %+v", got)
	}
}

func TestApply_NilWriteRejected(t *testing.T) {
	store := NewMemoryStore[counter]()

	_, err := store.Apply(context.Background(), "c1", func(cur *counter) Decision[counter] {
		return Write[counter](nil)
	})
	if err != ErrNilWrite {
		t.Fatalf("expected ErrNilWrite, got %v", err)
	}
}

func TestApply_ReturnedValueIsIsolated(t *testing.T) {
	store := NewMemoryStore[counter]()
	ctx := context.Background()

	_, _ = store.Apply(ctx, "c1", func(cur *counter) Decision[counter] {
		return Write(&counter{Name: "c1", Count: 1})
	})

	got, _ := store.Get(ctx, "c1")
	got.Count = 999

	again, _ := store.Get(ctx, "c1")
	if again.Count != 1 {
		t.Errorf("mutating a returned record leaked into the store: %+v", again)
	}
}

// Concurrent increments must all land exactly once: the CAS loop
// re-invokes losers with fresh state instead of dropping writes.
func TestApply_ConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore[counter]()
	ctx := context.Background()

	const workers = 16
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for {
					_, err := store.Apply(ctx, "shared", func(cur *counter) Decision[counter] {
						if cur == nil {
							return Write(&counter{Name: "shared", Count: 1})
						}
						next := *cur
						next.Count++
						return Write(&next)
					})
					if err == nil {
						break
					}
					if err != ErrTooManyConflicts {
						t.Errorf("unexpected apply error: %v", err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, "shared")
	if got == nil || got.Count != workers*perWorker {
		t.Fatalf("expected %d increments, got %+v", workers*perWorker, got)
	}
}

func TestApply_FnMayBeReinvoked(t *testing.T) {
	store := NewMemoryStore[counter]()
	ctx := context.Background()

	// Seed.
	_, _ = store.Apply(ctx, "c1", func(cur *counter) Decision[counter] {
		return Write(&counter{Name: "c1", Count: 0})
	})

	// First invocation observes stale state because a rival sneaks in a
	// write between snapshot and commit.
	invocations := 0
	_, err := store.Apply(ctx, "c1", func(cur *counter) Decision[counter] {
		invocations++
		if invocations == 1 {
			_, _ = store.Apply(ctx, "c1", func(inner *counter) Decision[counter] {
				next := *inner
				next.Count += 100
				return Write(&next)
			})
		}
		next := *cur
		next.Count++
		return Write(&next)
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if invocations < 2 {
		t.Fatalf("expected fn re-invocation after conflict, got %d calls", invocations)
	}

	got, _ := store.Get(ctx, "c1")
	if got.Count != 101 {
		t.Fatalf("expected 101, got %d", got.Count)
	}
}
