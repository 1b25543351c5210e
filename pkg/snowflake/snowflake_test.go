package snowflake

import (
	"sync"
	"testing"
)

func TestNewInvalidWorkerID(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(1024); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(0); err != nil {
		t.Fatalf("worker 0 must be valid, got %v", err)
	}
}

func TestGenerateMonotonic(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatal(err)
	}

	var prev int64
	for i := 0; i < 10000; i++ {
		id := g.NextID()
		if id <= prev {
			t.Fatalf("ids not strictly increasing: %d after %d", id, prev)
		}
		prev = id
	}
}

func TestGenerateUniqueAcrossGoroutines(t *testing.T) {
	g, err := New(5)
	if err != nil {
		t.Fatal(err)
	}

	const perG = 2000
	const workers = 4

	var mu sync.Mutex
	seen := make(map[int64]bool, perG*workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]int64, 0, perG)
			for i := 0; i < perG; i++ {
				ids = append(ids, g.NextID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if seen[id] {
					t.Errorf("duplicate id %d", id)
					return
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()
}

func TestParseRoundTrip(t *testing.T) {
	g, _ := New(42)
	id := g.NextID()

	_, workerID, _ := Parse(id)
	if workerID != 42 {
		t.Fatalf("workerID = %d, want 42", workerID)
	}
	if Time(id).IsZero() {
		t.Fatal("expected non-zero timestamp")
	}
}

func TestGlobalGenerator(t *testing.T) {
	if err := Init(7); err != nil {
		t.Fatal(err)
	}
	id, err := NextID()
	if err != nil || id == 0 {
		t.Fatalf("NextID = (%d, %v)", id, err)
	}
	if MustNextID() <= id {
		t.Fatal("expected increasing ids from global generator")
	}
	if Default() == nil {
		t.Fatal("expected default generator")
	}
}
